//go:build integration

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/encodeous/arbor/core"
	"github.com/encodeous/arbor/state"
)

type Delivery struct {
	Source  state.PublicKey
	Payload string
}

// Node is a real arbor node running on loopback transports.
type Node struct {
	Name      string
	Cfg       state.LocalCfg
	S         *state.State
	Delivered chan Delivery
	done      <-chan error
}

func (n *Node) Key() state.PublicKey {
	return n.Cfg.Key.Public()
}

// VirtualHarness starts a set of nodes in one process and wires them together.
type VirtualHarness struct {
	t      *testing.T
	Nodes  []*Node
	ctx    context.Context
	cancel context.CancelFunc
	dir    string
	Level  slog.Level
}

func NewHarness(t *testing.T) *VirtualHarness {
	// unix socket paths must stay short, so avoid t.TempDir
	dir, err := os.MkdirTemp("", "arbor")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	ctx, cancel := context.WithCancel(context.Background())
	return &VirtualHarness{t: t, ctx: ctx, cancel: cancel, dir: dir, Level: slog.LevelWarn}
}

// NewNode adds a node listening on the given scheme. It is started by Start.
func (vh *VirtualHarness) NewNode(name, scheme string) *Node {
	cfg := state.LocalCfg{Key: state.GenerateKey()}
	switch scheme {
	case "unix":
		cfg.Listen = []string{"unix://" + filepath.Join(vh.dir, name+".sock")}
	default:
		cfg.Listen = []string{scheme + "://127.0.0.1:0"}
	}
	n := &Node{Name: name, Cfg: cfg, Delivered: make(chan Delivery, 64)}
	vh.Nodes = append(vh.Nodes, n)
	return n
}

// Persist gives the node a data directory for its known peer store.
func (vh *VirtualHarness) Persist(n *Node) string {
	n.Cfg.DataDir = filepath.Join(vh.dir, n.Name)
	return n.Cfg.DbPath()
}

func (vh *VirtualHarness) Start() {
	for _, n := range vh.Nodes {
		vh.StartNode(n)
	}
}

func (vh *VirtualHarness) StartNode(n *Node) {
	s, done, err := core.Launch(vh.ctx, n.Cfg, vh.Level)
	if err != nil {
		vh.t.Fatalf("launch %s: %v", n.Name, err)
	}
	n.S, n.done = s, done
	delivered := n.Delivered
	Query(vh.t, n, func(s *state.State) any {
		core.Get[*core.ArborRouter](s).Subscribe(func(source state.PublicKey, payload []byte) {
			select {
			case delivered <- Delivery{source, string(payload)}:
			default:
			}
		})
		return nil
	})
}

// StopNode stops a single node and waits for it to clean up.
func (vh *VirtualHarness) StopNode(n *Node) {
	n.S.Cancel(fmt.Errorf("%s stopped by test", n.Name))
	select {
	case err := <-n.done:
		if err != nil {
			vh.t.Errorf("%s: %v", n.Name, err)
		}
	case <-time.After(20 * time.Second):
		vh.t.Fatalf("%s did not stop", n.Name)
	}
	n.S = nil
}

func (vh *VirtualHarness) Stop() {
	for _, n := range vh.Nodes {
		if n.S != nil {
			vh.StopNode(n)
		}
	}
	vh.cancel()
}

// Connect makes a dial b, pinning b's key.
func (vh *VirtualHarness) Connect(a, b *Node) {
	addrs := Query(vh.t, b, func(s *state.State) []string {
		return core.Get[*core.LinkManager](s).ListenAddrs()
	})
	if len(addrs) == 0 {
		vh.t.Fatalf("%s has no listeners", b.Name)
	}
	u, err := listenURL(b.Cfg.Listen[0], addrs[0], b.Key())
	if err != nil {
		vh.t.Fatal(err)
	}
	Query(vh.t, a, func(s *state.State) bool {
		return core.Get[*core.LinkManager](s).AddPeer(u)
	})
}

func listenURL(configured, bound string, key state.PublicKey) (*state.PeerURL, error) {
	u, err := state.ParsePeerURL(configured)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "unix" {
		u, err = state.ParsePeerURL(u.Scheme + "://" + bound)
		if err != nil {
			return nil, err
		}
	}
	u.Keys = []state.PublicKey{key}
	return u, nil
}

// Query runs fn on the node's main loop.
func Query[T any](t *testing.T, n *Node, fn func(s *state.State) T) T {
	t.Helper()
	res, err := n.S.DispatchWait(func(s *state.State) (any, error) {
		return fn(s), nil
	})
	if err != nil {
		t.Fatalf("query %s: %v", n.Name, err)
	}
	v, _ := res.(T)
	return v
}

func (vh *VirtualHarness) Snapshot(n *Node) core.Snapshot {
	return Query(vh.t, n, func(s *state.State) core.Snapshot {
		return core.Get[*core.ArborRouter](s).Router.Snapshot()
	})
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}

// Converged reports whether every running node agrees on the smallest key as root and every
// non-root node has found a predecessor.
func (vh *VirtualHarness) Converged() bool {
	var root state.PublicKey
	var running []*Node
	for _, n := range vh.Nodes {
		if n.S == nil {
			continue
		}
		if len(running) == 0 || n.Key().Less(root) {
			root = n.Key()
		}
		running = append(running, n)
	}
	for _, n := range running {
		snap := vh.Snapshot(n)
		if snap.Root != root {
			return false
		}
		if snap.Key != root && snap.Prev == nil {
			return false
		}
	}
	return true
}
