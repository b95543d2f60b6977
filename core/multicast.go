package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"regexp"
	"slices"

	"github.com/encodeous/arbor/state"
	"golang.org/x/net/ipv6"
)

// Multicast announces our tcp listener on the link-local multicast group and dials nodes that
// announce themselves on matching interfaces.
type Multicast struct {
	raw    net.PacketConn
	conn   *ipv6.PacketConn
	group  net.IP
	ifaces []*regexp.Regexp
	joined map[int]bool
	beacon []byte
}

func (m *Multicast) Init(s *state.State) error {
	if len(s.MulticastInterfaces) == 0 {
		return nil
	}
	for _, p := range s.MulticastInterfaces {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("multicast interface pattern %q: %w", p, err)
		}
		m.ifaces = append(m.ifaces, re)
	}
	m.group = net.ParseIP(state.MulticastGroup)
	m.joined = make(map[int]bool)

	for _, l := range s.Listen {
		u, err := state.ParsePeerURL(l)
		if err == nil && u.Scheme == "tcp" {
			m.beacon = encodeBeacon(s.PublicKey(), u.Port)
			break
		}
	}
	if m.beacon == nil {
		s.Log.Info("no tcp listener, multicast will only discover peers")
	}

	raw, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", state.MulticastPort))
	if err != nil {
		return fmt.Errorf("multicast listen: %w", err)
	}
	m.raw = raw
	m.conn = ipv6.NewPacketConn(raw)
	if err := m.conn.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		s.Log.Debug("interface control messages unavailable", "error", err)
	}
	s.RepeatTask(announceMulticast, state.MulticastInterval)
	go m.readBeacons(s.Env)
	return nil
}

func (m *Multicast) Cleanup(s *state.State) error {
	if m.raw == nil {
		return nil
	}
	return m.raw.Close()
}

func encodeBeacon(key state.PublicKey, port uint16) []byte {
	b := make([]byte, 0, len(linkHeader)+state.PublicKeySize+2)
	b = append(b, linkHeader...)
	b = append(b, key[:]...)
	return binary.BigEndian.AppendUint16(b, port)
}

func decodeBeacon(b []byte) (state.PublicKey, uint16, error) {
	if len(b) != len(linkHeader)+state.PublicKeySize+2 || !bytes.Equal(b[:len(linkHeader)], linkHeader) {
		return state.PublicKey{}, 0, ErrBadHeader
	}
	key, err := state.ParsePublicKey(b[len(linkHeader) : len(linkHeader)+state.PublicKeySize])
	if err != nil {
		return state.PublicKey{}, 0, err
	}
	return key, binary.BigEndian.Uint16(b[len(b)-2:]), nil
}

func (m *Multicast) matches(name string) bool {
	return slices.ContainsFunc(m.ifaces, func(re *regexp.Regexp) bool {
		return re.MatchString(name)
	})
}

func (m *Multicast) interfaces() []net.Interface {
	all, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || !m.matches(ifi.Name) {
			continue
		}
		out = append(out, ifi)
	}
	return out
}

func announceMulticast(s *state.State) error {
	m := Get[*Multicast](s)
	for _, ifi := range m.interfaces() {
		if !m.joined[ifi.Index] {
			if err := m.conn.JoinGroup(&ifi, &net.UDPAddr{IP: m.group}); err != nil {
				s.Log.Debug("failed to join multicast group", "interface", ifi.Name, "error", err)
				continue
			}
			m.joined[ifi.Index] = true
			s.Log.Info("multicast enabled", "interface", ifi.Name)
		}
		if m.beacon == nil {
			continue
		}
		dst := &net.UDPAddr{IP: m.group, Port: state.MulticastPort, Zone: ifi.Name}
		if _, err := m.conn.WriteTo(m.beacon, &ipv6.ControlMessage{IfIndex: ifi.Index}, dst); err != nil {
			s.Log.Debug("failed to send beacon", "interface", ifi.Name, "error", err)
		}
	}
	return nil
}

func (m *Multicast) readBeacons(env *state.Env) {
	self := env.PublicKey()
	buf := make([]byte, 512)
	for {
		n, cm, src, err := m.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && env.Context.Err() == nil {
				env.Log.Warn("multicast read failed", "error", err)
			}
			return
		}
		key, port, err := decodeBeacon(buf[:n])
		if err != nil || key == self {
			continue
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok || !udp.IP.IsLinkLocalUnicast() {
			continue
		}
		zone := udp.Zone
		if cm != nil {
			if ifi, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				zone = ifi.Name
			}
		}
		if !m.matches(zone) {
			continue
		}
		u := &state.PeerURL{
			Scheme:  "tcp",
			Host:    udp.IP.String() + "%" + zone,
			Port:    port,
			Timeout: state.DefaultPeerTimeout,
			Keys:    []state.PublicKey{key},
		}
		env.Dispatch(func(s *state.State) error {
			if Get[*LinkManager](s).AddPeer(u) {
				s.Log.Info("discovered peer", "url", u.String())
			}
			return nil
		})
	}
}
