package core

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/encodeous/arbor/protocol"
	"github.com/encodeous/arbor/state"
	"github.com/google/go-cmp/cmp"
)

// virtualScheduler runs callbacks in due order when the test advances time.
type virtualScheduler struct {
	now    time.Time
	nextID int
	tasks  []*virtualTask
}

type virtualTask struct {
	at      time.Time
	id      int
	fn      func()
	stopped bool
	done    bool
}

func (t *virtualTask) Stop() bool {
	if t.stopped || t.done {
		return false
	}
	t.stopped = true
	return true
}

func newVirtualScheduler() *virtualScheduler {
	return &virtualScheduler{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (v *virtualScheduler) Now() time.Time {
	return v.now
}

func (v *virtualScheduler) AfterFunc(d time.Duration, fn func()) state.Task {
	t := &virtualTask{at: v.now.Add(max(d, 0)), id: v.nextID, fn: fn}
	v.nextID++
	v.tasks = append(v.tasks, t)
	return t
}

func (v *virtualScheduler) next(limit time.Time) *virtualTask {
	var best *virtualTask
	for _, t := range v.tasks {
		if t.stopped || t.done || t.at.After(limit) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.id < best.id) {
			best = t
		}
	}
	return best
}

// Advance moves time forward by d, running every callback that becomes due on the way.
func (v *virtualScheduler) Advance(d time.Duration) {
	target := v.now.Add(d)
	for t := v.next(target); t != nil; t = v.next(target) {
		if t.at.After(v.now) {
			v.now = t.at
		}
		t.done = true
		t.fn()
	}
	v.now = target
	v.tasks = slices.DeleteFunc(v.tasks, func(t *virtualTask) bool {
		return t.stopped || t.done
	})
}

type HarnessEvent struct {
	Message string
	Args    []any
}

func MakeEvent(msg string, args ...any) HarnessEvent {
	return HarnessEvent{
		Message: msg,
		Args:    args,
	}
}

type sentMessage struct {
	port state.PeerPort
	msg  state.Message
}

// RouterHarness records what a single router sends and logs.
type RouterHarness struct {
	actions []HarnessEvent
	sent    []sentMessage
}

func (h *RouterHarness) Log(event RouterEvent, desc string, args ...any) {
	x := make([]any, 0)
	x = append(x, event)
	x = append(x, desc)
	x = append(x, args...)
	h.actions = append(h.actions, MakeEvent("LOG", x...))
}

type HarnessEvents []HarnessEvent

func (h HarnessEvents) String() string {
	out := make([]string, 0)
	for _, action := range h {
		cur := action.Message
		for _, arg := range action.Args {
			cur += " " + fmt.Sprint(arg)
		}
		out = append(out, cur)
	}
	slices.Sort(out)
	return strings.Join(out, "\n")
}

// GetActions returns and clears everything except logs.
func (h *RouterHarness) GetActions() HarnessEvents {
	x := make([]HarnessEvent, 0)
	for _, action := range h.actions {
		if action.Message != "LOG" {
			x = append(x, action)
		}
	}
	h.actions = make([]HarnessEvent, 0)
	return x
}

// GetLogs returns and clears everything, logs included.
func (h *RouterHarness) GetLogs() HarnessEvents {
	x := h.actions
	h.actions = make([]HarnessEvent, 0)
	return x
}

// Sent returns and clears the messages sent so far.
func (h *RouterHarness) Sent() []sentMessage {
	x := h.sent
	h.sent = nil
	return x
}

func (e HarnessEvents) contains(msg string, args ...any) bool {
	for _, event := range e {
		if event.Message == msg {
			if len(event.Args) >= len(args) {
				match := true
				for i, arg := range args {
					if !cmp.Equal(event.Args[i], arg) {
						match = false
						break
					}
				}
				if match {
					return true
				}
			}
		}
	}
	return false
}

func (e HarnessEvents) AssertContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		return
	}
	t.Fatal("Expected event not found: ", msg, " with args: ", args, " in ", e)
}

func (e HarnessEvents) AssertNotContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		t.Fatal("Unexpected event found: ", msg, " with args: ", args, " in ", e)
	}
}

// mockPeer records sends into its harness.
type mockPeer struct {
	port state.PeerPort
	key  state.PrivateKey
	h    *RouterHarness
}

func (p *mockPeer) Port() state.PeerPort         { return p.port }
func (p *mockPeer) RemoteKey() state.PublicKey { return p.key.Public() }

func (p *mockPeer) Send(msg state.Message) {
	p.h.actions = append(p.h.actions, MakeEvent("SEND", p.port, msg.Kind()))
	p.h.sent = append(p.h.sent, sentMessage{p.port, msg})
}

// sortedKeys returns n deterministic keys in ascending public key order.
func sortedKeys(n int) []state.PrivateKey {
	keys := make([]state.PrivateKey, n)
	for i := range keys {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		seed[31] = 0xa5
		k, err := state.PrivateKeyFromSeed(seed)
		if err != nil {
			panic(err)
		}
		keys[i] = k
	}
	slices.SortFunc(keys, func(a, b state.PrivateKey) int {
		if a.Public().Less(b.Public()) {
			return -1
		}
		return 1
	})
	return keys
}

// chainTo builds the tree info that the last key of path would send to dest, rooted at path[0].
// ports[i] is the port path[i] uses for the next key.
func chainTo(seq uint64, path []state.PrivateKey, ports []state.PeerPort, dest state.PublicKey) *state.TreeInfo {
	info := &state.TreeInfo{Root: path[0].Public(), Seq: seq}
	for i, k := range path {
		next := dest
		if i+1 < len(path) {
			next = path[i+1].Public()
		}
		info = info.Extend(k, next, ports[i])
	}
	return info
}

// roundTrip copies a message through its wire encoding.
func roundTrip(m state.Message) state.Message {
	out, err := protocol.Unmarshal(protocol.Marshal(m))
	if err != nil {
		panic(err)
	}
	return out
}

func newHarnessRouter(key state.PrivateKey) (*Router, *RouterHarness, *virtualScheduler) {
	h := &RouterHarness{}
	sched := newVirtualScheduler()
	r := NewRouter(key, sched, h)
	h.GetLogs()
	return r, h, sched
}
