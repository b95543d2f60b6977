package state

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultPeerTimeout is the link timeout of a peer url without ?timeout=.
const DefaultPeerTimeout = 6 * time.Second

var SupportedSchemes = []string{"tcp", "unix", "quic"}

// PeerURL describes where a peer listens: scheme://host:port/options?sni=&timeout=&key=
type PeerURL struct {
	Scheme  string
	Host    string
	Port    uint16
	Options string
	SNI     string
	Timeout time.Duration
	// Keys pins the remote identity. Empty accepts any key.
	Keys []PublicKey
}

func ParsePeerURL(s string) (*PeerURL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid peer url %q: %w", s, err)
	}
	if !slices.Contains(SupportedSchemes, u.Scheme) {
		return nil, fmt.Errorf("invalid peer url %q: unsupported scheme %q", s, u.Scheme)
	}
	p := &PeerURL{
		Scheme:  u.Scheme,
		Host:    u.Hostname(),
		Options: strings.TrimPrefix(u.Path, "/"),
		SNI:     u.Query().Get("sni"),
		Timeout: DefaultPeerTimeout,
	}
	if p.Scheme == "unix" {
		// unix:///run/arbor.sock keeps the whole path in Options
		p.Options = u.Host + u.Path
		if p.Options == "" {
			return nil, fmt.Errorf("invalid peer url %q: missing socket path", s)
		}
	} else {
		if p.Host == "" {
			return nil, fmt.Errorf("invalid peer url %q: missing host", s)
		}
		port, err := strconv.ParseUint(u.Port(), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid peer url %q: bad port: %w", s, err)
		}
		p.Port = uint16(port)
	}
	if t := u.Query().Get("timeout"); t != "" {
		ms, err := strconv.ParseUint(t, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid peer url %q: bad timeout: %w", s, err)
		}
		p.Timeout = time.Duration(ms) * time.Millisecond
	}
	for _, k := range u.Query()["key"] {
		var key PublicKey
		if err := key.UnmarshalText([]byte(k)); err != nil {
			return nil, fmt.Errorf("invalid peer url %q: bad pinned key: %w", s, err)
		}
		p.Keys = append(p.Keys, key)
	}
	return p, nil
}

// Address is the dial/listen address for the scheme.
func (p *PeerURL) Address() string {
	if p.Scheme == "unix" {
		return p.Options
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

func (p *PeerURL) Allows(key PublicKey) bool {
	return len(p.Keys) == 0 || slices.Contains(p.Keys, key)
}

// Equal compares the location of two urls, ignoring timeouts and pinned keys.
func (p *PeerURL) Equal(o *PeerURL) bool {
	return p.Scheme == o.Scheme && p.Host == o.Host && p.Port == o.Port &&
		p.Options == o.Options && p.SNI == o.SNI
}

func (p *PeerURL) String() string {
	u := url.URL{Scheme: p.Scheme}
	if p.Scheme == "unix" {
		u.Path = p.Options
	} else {
		u.Host = p.Address()
		if p.Options != "" {
			u.Path = "/" + p.Options
		}
	}
	q := url.Values{}
	if p.SNI != "" {
		q.Set("sni", p.SNI)
	}
	if p.Timeout != DefaultPeerTimeout {
		q.Set("timeout", strconv.FormatInt(p.Timeout.Milliseconds(), 10))
	}
	for _, k := range p.Keys {
		q.Add("key", k.String())
	}
	u.RawQuery = q.Encode()
	return u.String()
}
