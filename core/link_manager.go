package core

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/encodeous/arbor/state"
	"github.com/encodeous/arbor/store"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

// LinkManager owns the listeners and sessions of the node and keeps configured peers connected.
type LinkManager struct {
	env        *state.Env
	transports map[string]transport
	listeners  []linkListener
	group      *errgroup.Group

	links    map[state.PeerPort]*link
	nextPort state.PeerPort
	// outbound peers, keyed by url string
	peers   map[string]*state.PeerURL
	dialing map[string]bool
	backoff *ttlcache.Cache[string, struct{}]
	store   *store.PeerStore
}

func (m *LinkManager) Init(s *state.State) error {
	m.env = s.Env
	m.transports = make(map[string]transport)
	m.links = make(map[state.PeerPort]*link)
	m.peers = make(map[string]*state.PeerURL)
	m.dialing = make(map[string]bool)
	m.nextPort = 1
	m.group, _ = errgroup.WithContext(s.Context)
	m.backoff = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](state.DialBackoff),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go m.backoff.Start()

	if path := s.DbPath(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return err
		}
		m.store = st
		known, err := st.List()
		if err != nil {
			return fmt.Errorf("reading known peers: %w", err)
		}
		for _, kp := range known {
			if kp.Inbound || kp.URL == "" {
				continue
			}
			if u, err := state.ParsePeerURL(kp.URL); err == nil {
				m.peers[u.String()] = u
			}
		}
	}
	for _, p := range s.Peers {
		u, err := state.ParsePeerURL(p)
		if err != nil {
			return err
		}
		m.peers[u.String()] = u
	}

	for _, l := range s.Listen {
		u, err := state.ParsePeerURL(l)
		if err != nil {
			return err
		}
		if err := m.listen(s, u); err != nil {
			return fmt.Errorf("listen on %s: %w", l, err)
		}
	}

	s.RepeatTask(connectPeers, state.PeerRetryDelay)
	if m.store != nil {
		s.RepeatTask(gcKnownPeers, state.StoreGcDelay)
	}
	return nil
}

// gcKnownPeers forgets peers we have not had a session with for KnownPeerTTL. Configured
// peers are never dropped from the dial set.
func gcKnownPeers(s *state.State) error {
	m := Get[*LinkManager](s)
	before := time.Now().Add(-state.KnownPeerTTL)
	stale := make(map[string]bool)
	known, err := m.store.List()
	if err != nil {
		s.Log.Warn("failed to read known peers", "error", err)
		return nil
	}
	for _, kp := range known {
		if kp.LastSeen.Before(before) && kp.URL != "" {
			stale[kp.URL] = true
		}
	}
	n, err := m.store.Prune(before)
	if err != nil {
		s.Log.Warn("failed to prune known peers", "error", err)
		return nil
	}
	for _, p := range s.Peers {
		if u, err := state.ParsePeerURL(p); err == nil {
			delete(stale, u.String())
		}
	}
	for key := range stale {
		delete(m.peers, key)
	}
	if n > 0 {
		s.Log.Debug("pruned known peers", "count", n)
	}
	return nil
}

func (m *LinkManager) Cleanup(s *state.State) error {
	for _, ln := range m.listeners {
		_ = ln.Close()
	}
	for _, l := range m.links {
		l.Close()
	}
	m.backoff.Stop()
	err := m.group.Wait()
	if m.store != nil {
		err = errors.Join(err, m.store.Close())
	}
	return err
}

func (m *LinkManager) transport(scheme string) (transport, error) {
	if t, ok := m.transports[scheme]; ok {
		return t, nil
	}
	t, err := transportFor(m.env.Key, scheme)
	if err != nil {
		return nil, err
	}
	m.transports[scheme] = t
	return t, nil
}

func (m *LinkManager) listen(s *state.State, u *state.PeerURL) error {
	t, err := m.transport(u.Scheme)
	if err != nil {
		return err
	}
	ln, err := t.Listen(s.Context, u)
	if err != nil {
		return err
	}
	m.listeners = append(m.listeners, ln)
	s.Log.Info("listening for peers", "url", u.String(), "addr", ln.Addr())
	env := s.Env
	m.group.Go(func() error {
		for {
			rw, addr, err := ln.Accept(env.Context)
			if err != nil {
				if env.Context.Err() != nil || isClosedErr(err) {
					return nil
				}
				env.Log.Warn("accept failed", "url", u.String(), "error", err)
				return nil
			}
			m.group.Go(func() error {
				m.handshake(env, rw, addr, nil)
				return nil
			})
		}
	})
	return nil
}

// ListenAddrs returns the bound address of every listener.
func (m *LinkManager) ListenAddrs() []string {
	out := make([]string, 0, len(m.listeners))
	for _, ln := range m.listeners {
		out = append(out, ln.Addr().String())
	}
	return out
}

// AddPeer adds an outbound peer and schedules a connect round for it.
func (m *LinkManager) AddPeer(u *state.PeerURL) bool {
	key := u.String()
	if _, ok := m.peers[key]; ok {
		return false
	}
	m.peers[key] = u
	m.env.ScheduleTask(connectPeers, 0)
	return true
}

func (m *LinkManager) connected(key string) bool {
	for _, l := range m.links {
		if l.url != nil && l.url.String() == key {
			return true
		}
	}
	return false
}

func connectPeers(s *state.State) error {
	m := Get[*LinkManager](s)
	m.backoff.DeleteExpired()
	for _, key := range slices.Sorted(maps.Keys(m.peers)) {
		if m.dialing[key] || m.connected(key) || m.backoff.Has(key) {
			continue
		}
		u := m.peers[key]
		t, err := m.transport(u.Scheme)
		if err != nil {
			s.Log.Warn("cannot dial peer", "url", key, "error", err)
			m.backoff.Set(key, struct{}{}, ttlcache.DefaultTTL)
			continue
		}
		m.dialing[key] = true
		env := s.Env
		m.group.Go(func() error {
			rw, err := t.Dial(env.Context, u)
			if err != nil {
				env.Log.Debug("dial failed", "url", key, "error", err)
				env.Dispatch(func(s *state.State) error {
					m := Get[*LinkManager](s)
					delete(m.dialing, key)
					m.backoff.Set(key, struct{}{}, ttlcache.DefaultTTL)
					return nil
				})
				return nil
			}
			m.handshake(env, rw, u.Address(), u)
			return nil
		})
	}
	return nil
}

// handshake authenticates a new stream and registers it on the main loop. It runs off the
// main loop.
func (m *LinkManager) handshake(env *state.Env, rw io.ReadWriteCloser, addr string, u *state.PeerURL) {
	conn, err := secureHandshake(rw, env.Key, u != nil, state.HandshakeTimeout)
	if err == nil {
		err = checkRemote(env, conn.remote, u)
	}
	if err != nil {
		_ = rw.Close()
		env.Log.Debug("handshake failed", "addr", addr, "error", err)
		if u != nil {
			key := u.String()
			env.Dispatch(func(s *state.State) error {
				m := Get[*LinkManager](s)
				delete(m.dialing, key)
				m.backoff.Set(key, struct{}{}, ttlcache.DefaultTTL)
				return nil
			})
		}
		return
	}
	env.Dispatch(func(s *state.State) error {
		m := Get[*LinkManager](s)
		if u != nil {
			delete(m.dialing, u.String())
		}
		if s.Stopping.Load() {
			_ = conn.Close()
			return nil
		}
		m.register(s, conn, addr, u)
		return nil
	})
}

func checkRemote(env *state.Env, remote state.PublicKey, u *state.PeerURL) error {
	if remote == env.PublicKey() {
		return errors.New("connected to ourselves")
	}
	if u != nil {
		if !u.Allows(remote) {
			return fmt.Errorf("remote key %s is not pinned for %s", remote.Short(), u.String())
		}
		return nil
	}
	if len(env.AllowedPublicKeys) > 0 && !slices.Contains(env.AllowedPublicKeys, remote) {
		return fmt.Errorf("remote key %s is not allowed", remote.Short())
	}
	return nil
}

func (m *LinkManager) register(s *state.State, conn *secureConn, addr string, u *state.PeerURL) {
	port := m.nextPort
	m.nextPort++
	l := newLink(s.Context, port, conn, addr, u)
	m.links[port] = l
	s.Log.Info("peer connected", "port", port, "remote", l.remote.Short(), "addr", addr, "outbound", u != nil)
	Get[*ArborRouter](s).Router.AddPeer(l)

	if m.store != nil {
		kp := store.KnownPeer{Key: l.remote, Inbound: u == nil, LastSeen: time.Now()}
		if u != nil {
			kp.URL = u.String()
		} else if old, ok, _ := m.store.Get(l.remote); ok && old.URL != "" {
			// keep the dial url of a peer that also connects to us
			kp.URL, kp.Inbound = old.URL, false
		}
		if err := m.store.Put(kp); err != nil {
			s.Log.Warn("failed to record peer", "remote", l.remote.Short(), "error", err)
		}
	}

	env := s.Env
	m.group.Go(func() error {
		l.run(env.Log.Debug,
			func(msg state.Message) {
				env.Dispatch(func(s *state.State) error {
					Get[*ArborRouter](s).Router.HandleMessage(port, msg)
					return nil
				})
			},
			func(err error) {
				env.Dispatch(func(s *state.State) error {
					m := Get[*LinkManager](s)
					if m.links[port] != l {
						return nil
					}
					delete(m.links, port)
					s.Log.Info("peer disconnected", "port", port, "remote", l.remote.Short())
					Get[*ArborRouter](s).Router.RemovePeer(port)
					if u != nil {
						m.backoff.Set(u.String(), struct{}{}, state.PeerRetryDelay)
					}
					return nil
				})
			})
		return nil
	})
}

// Links describes the current sessions, sorted by port.
func (m *LinkManager) Links() []LinkInfo {
	out := make([]LinkInfo, 0, len(m.links))
	for _, port := range slices.Sorted(maps.Keys(m.links)) {
		l := m.links[port]
		info := LinkInfo{Port: port, ID: l.id.String(), Remote: l.remote, Addr: l.addr}
		if l.url != nil {
			info.URL = l.url.String()
		}
		out = append(out, info)
	}
	return out
}

type LinkInfo struct {
	Port   state.PeerPort  `yaml:"port"`
	ID     string          `yaml:"id"`
	Remote state.PublicKey `yaml:"remote"`
	Addr   string          `yaml:"addr"`
	URL    string          `yaml:"url,omitempty"`
}
