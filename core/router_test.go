package core

import (
	"testing"
	"time"

	"github.com/encodeous/arbor/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastTreeInfo(t *testing.T, sent []sentMessage, port state.PeerPort) *state.TreeInfo {
	t.Helper()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].port != port {
			continue
		}
		if info, ok := sent[i].msg.(*state.TreeInfo); ok {
			return info
		}
	}
	t.Fatalf("no tree info sent on port %d", port)
	return nil
}

func TestNewRouterIsRoot(t *testing.T) {
	keys := sortedKeys(1)
	r, _, _ := newHarnessRouter(keys[0])
	snap := r.Snapshot()
	assert.Equal(t, keys[0].Public(), snap.Root)
	assert.Equal(t, state.SelfPort, snap.Parent)
	assert.Empty(t, snap.Coords)
}

func TestAddPeerSendsHello(t *testing.T) {
	keys := sortedKeys(2)
	r, h, _ := newHarnessRouter(keys[1])
	r.AddPeer(&mockPeer{port: 1, key: keys[0], h: h})

	h.GetActions().AssertContains(t, "SEND", state.PeerPort(1), state.KindTree)
	hello := lastTreeInfo(t, h.Sent(), 1)
	assert.Equal(t, keys[1].Public(), hello.Root)
	require.Len(t, hello.Hops, 1)
	assert.Equal(t, keys[0].Public(), hello.Hops[0].Next)
	assert.Equal(t, state.PeerPort(1), hello.Hops[0].Port)
	assert.True(t, hello.VerifySignatures())
}

func TestRejectsInvalidTreeInfo(t *testing.T) {
	keys := sortedKeys(4)
	self, b, c := keys[3], keys[1], keys[2]
	r, h, _ := newHarnessRouter(self)
	r.AddPeer(&mockPeer{port: 1, key: b, h: h})
	h.GetLogs()
	h.Sent()

	cases := map[string]*state.TreeInfo{
		// signed by c but arriving from b
		"wrong sender": chainTo(5, []state.PrivateKey{keys[0], c}, []state.PeerPort{7, 1}, self.Public()),
		// addressed to someone else
		"wrong destination": chainTo(5, []state.PrivateKey{keys[0], b}, []state.PeerPort{7, 1}, c.Public()),
		"no hops":           {Root: b.Public(), Seq: 1},
	}
	forged := chainTo(5, []state.PrivateKey{keys[0], b}, []state.PeerPort{7, 1}, self.Public())
	forged.Hops[0].Port = 8
	cases["forged ancestor"] = forged

	for name, info := range cases {
		r.HandleMessage(1, roundTrip(info))
		logs := h.GetLogs()
		logs.AssertContains(t, "LOG", InvalidMessage)
		logs.AssertNotContains(t, "SEND")
		assert.Equal(t, self.Public(), r.Snapshot().Root, name)
	}
	assert.Nil(t, r.Snapshot().Peers[0].Root)
}

func TestMessageFromUnknownPort(t *testing.T) {
	keys := sortedKeys(2)
	r, h, _ := newHarnessRouter(keys[1])
	r.HandleMessage(3, chainTo(1, []state.PrivateKey{keys[0]}, []state.PeerPort{1}, keys[1].Public()))
	h.GetLogs().AssertContains(t, "LOG", UnknownPeer)
	assert.Equal(t, keys[1].Public(), r.Snapshot().Root)
}

func TestAdoptsSmallerRoot(t *testing.T) {
	keys := sortedKeys(3)
	root, b, self := keys[0], keys[1], keys[2]
	r, h, _ := newHarnessRouter(self)
	r.AddPeer(&mockPeer{port: 1, key: b, h: h})
	h.GetActions()
	h.Sent()

	r.HandleMessage(1, roundTrip(chainTo(5, []state.PrivateKey{root, b}, []state.PeerPort{7, 3}, self.Public())))

	snap := r.Snapshot()
	assert.Equal(t, root.Public(), snap.Root)
	assert.Equal(t, uint64(5), snap.Seq)
	assert.Equal(t, state.PeerPort(1), snap.Parent)
	assert.Equal(t, []state.PeerPort{7, 3}, snap.Coords)

	// first reply carries our old root, the broadcast after selecting the parent carries the new
	// one, then we start looking for a predecessor
	sent := h.Sent()
	require.Len(t, sent, 3)
	first := sent[0].msg.(*state.TreeInfo)
	assert.Equal(t, self.Public(), first.Root)
	assert.Equal(t, state.KindBootstrap, sent[2].msg.Kind())
	info := lastTreeInfo(t, sent, 1)
	assert.Equal(t, root.Public(), info.Root)
	assert.Len(t, info.Hops, 3)
	assert.True(t, info.VerifySignatures())
	// our info echoed back to the parent contains a loop, so the parent ignores it
	assert.False(t, info.IsLoopSafe())
}

func TestIgnoresLargerRoot(t *testing.T) {
	keys := sortedKeys(3)
	self, b := keys[0], keys[2]
	r, h, _ := newHarnessRouter(self)
	r.AddPeer(&mockPeer{port: 1, key: b, h: h})
	r.HandleMessage(1, roundTrip(chainTo(9, []state.PrivateKey{b}, []state.PeerPort{4}, self.Public())))

	snap := r.Snapshot()
	assert.Equal(t, self.Public(), snap.Root)
	assert.Equal(t, state.SelfPort, snap.Parent)
	require.Len(t, snap.Peers, 1)
	require.NotNil(t, snap.Peers[0].Root)
	assert.Equal(t, b.Public(), *snap.Peers[0].Root)
}

func TestParentTieBreak(t *testing.T) {
	keys := sortedKeys(4)
	root, b, c, self := keys[0], keys[1], keys[2], keys[3]
	viaB := func() state.Message {
		return roundTrip(chainTo(5, []state.PrivateKey{root, b}, []state.PeerPort{1, 1}, self.Public()))
	}
	viaC := func(seq uint64) state.Message {
		return roundTrip(chainTo(seq, []state.PrivateKey{root, c}, []state.PeerPort{2, 1}, self.Public()))
	}

	t.Run("first heard wins", func(t *testing.T) {
		r, h, _ := newHarnessRouter(self)
		r.AddPeer(&mockPeer{port: 1, key: b, h: h})
		r.AddPeer(&mockPeer{port: 2, key: c, h: h})
		r.HandleMessage(1, viaB())
		r.HandleMessage(2, viaC(5))
		assert.Equal(t, state.PeerPort(1), r.Snapshot().Parent)
	})
	t.Run("order reversed", func(t *testing.T) {
		r, h, _ := newHarnessRouter(self)
		r.AddPeer(&mockPeer{port: 1, key: b, h: h})
		r.AddPeer(&mockPeer{port: 2, key: c, h: h})
		r.HandleMessage(2, viaC(5))
		r.HandleMessage(1, viaB())
		assert.Equal(t, state.PeerPort(2), r.Snapshot().Parent)
	})
	t.Run("higher seq wins", func(t *testing.T) {
		r, h, _ := newHarnessRouter(self)
		r.AddPeer(&mockPeer{port: 1, key: b, h: h})
		r.AddPeer(&mockPeer{port: 2, key: c, h: h})
		r.HandleMessage(1, viaB())
		r.HandleMessage(2, viaC(6))
		snap := r.Snapshot()
		assert.Equal(t, state.PeerPort(2), snap.Parent)
		assert.Equal(t, uint64(6), snap.Seq)
	})
	t.Run("loop is skipped", func(t *testing.T) {
		r, h, _ := newHarnessRouter(self)
		r.AddPeer(&mockPeer{port: 1, key: b, h: h})
		// b claims a path to the root that runs through us
		looped := chainTo(5, []state.PrivateKey{root, self, b}, []state.PeerPort{1, 1, 1}, self.Public())
		r.HandleMessage(1, roundTrip(looped))
		assert.Equal(t, self.Public(), r.Snapshot().Root)
	})
}

func TestRootSwitchDamping(t *testing.T) {
	keys := sortedKeys(4)
	root, b, c, self := keys[0], keys[1], keys[2], keys[3]
	r, h, sched := newHarnessRouter(self)
	r.AddPeer(&mockPeer{port: 1, key: b, h: h})
	r.AddPeer(&mockPeer{port: 2, key: c, h: h})
	r.HandleMessage(1, roundTrip(chainTo(5, []state.PrivateKey{root, b}, []state.PeerPort{1, 1}, self.Public())))
	require.Equal(t, state.PeerPort(1), r.Snapshot().Parent)
	h.GetLogs()

	// the parent lost the root and now claims to be root itself
	r.HandleMessage(1, roundTrip(chainTo(1, []state.PrivateKey{b}, []state.PeerPort{1}, self.Public())))
	logs := h.GetLogs()
	logs.AssertContains(t, "LOG", RootSwitched)
	logs.AssertContains(t, "SEND", state.PeerPort(2), state.KindTree)
	assert.Equal(t, self.Public(), r.Snapshot().Root)

	// a better info during the damping window does not end it early
	r.HandleMessage(2, roundTrip(chainTo(5, []state.PrivateKey{root, c}, []state.PeerPort{2, 1}, self.Public())))
	sched.Advance(state.RootSwitchDamping / 2)
	assert.Equal(t, self.Public(), r.Snapshot().Root)

	sched.Advance(state.RootSwitchDamping)
	snap := r.Snapshot()
	assert.Equal(t, root.Public(), snap.Root)
	assert.Equal(t, state.PeerPort(2), snap.Parent)
}

func TestParentReannounceSameSeqSwitches(t *testing.T) {
	keys := sortedKeys(3)
	root, b, self := keys[0], keys[1], keys[2]
	r, h, sched := newHarnessRouter(self)
	r.AddPeer(&mockPeer{port: 1, key: b, h: h})
	r.HandleMessage(1, roundTrip(chainTo(5, []state.PrivateKey{root, b}, []state.PeerPort{1, 1}, self.Public())))
	h.GetLogs()

	r.HandleMessage(1, roundTrip(chainTo(6, []state.PrivateKey{root, b}, []state.PeerPort{1, 1}, self.Public())))
	h.GetLogs().AssertNotContains(t, "LOG", RootSwitched)
	assert.Equal(t, uint64(6), r.Snapshot().Seq)

	r.HandleMessage(1, roundTrip(chainTo(6, []state.PrivateKey{root, b}, []state.PeerPort{1, 1}, self.Public())))
	h.GetLogs().AssertContains(t, "LOG", RootSwitched)
	sched.Advance(state.RootSwitchDamping)
	assert.Equal(t, root.Public(), r.Snapshot().Root)
}

func TestRootExpiry(t *testing.T) {
	keys := sortedKeys(2)
	root, self := keys[0], keys[1]
	r, h, sched := newHarnessRouter(self)
	r.AddPeer(&mockPeer{port: 1, key: root, h: h})
	r.HandleMessage(1, roundTrip(chainTo(5, []state.PrivateKey{root}, []state.PeerPort{1}, self.Public())))
	require.Equal(t, root.Public(), r.Snapshot().Root)
	h.GetLogs()

	sched.Advance(state.TreeTimeout - time.Second)
	assert.Equal(t, root.Public(), r.Snapshot().Root)

	sched.Advance(2 * time.Second)
	h.GetLogs().AssertContains(t, "LOG", TreeInfoExpired)
	assert.Equal(t, self.Public(), r.Snapshot().Root)

	// a fresh announcement brings the root back
	r.HandleMessage(1, roundTrip(chainTo(6, []state.PrivateKey{root}, []state.PeerPort{1}, self.Public())))
	assert.Equal(t, root.Public(), r.Snapshot().Root)
	assert.Equal(t, uint64(6), r.Snapshot().Seq)
}

func TestRootAnnounceBumpsSeq(t *testing.T) {
	keys := sortedKeys(2)
	r, h, sched := newHarnessRouter(keys[0])
	r.AddPeer(&mockPeer{port: 1, key: keys[1], h: h})
	seq := r.Snapshot().Seq
	h.GetLogs()
	h.Sent()

	sched.Advance(state.TreeAnnounce)
	h.GetLogs().AssertContains(t, "LOG", RootAnnounced)
	assert.Equal(t, seq+1, r.Snapshot().Seq)
	info := lastTreeInfo(t, h.Sent(), 1)
	assert.Equal(t, seq+1, info.Seq)

	sched.Advance(state.TreeAnnounce)
	assert.Equal(t, seq+2, r.Snapshot().Seq)
}

func TestRemovePeerReselectsParent(t *testing.T) {
	keys := sortedKeys(4)
	root, b, c, self := keys[0], keys[1], keys[2], keys[3]
	r, h, _ := newHarnessRouter(self)
	r.AddPeer(&mockPeer{port: 1, key: b, h: h})
	r.AddPeer(&mockPeer{port: 2, key: c, h: h})
	r.HandleMessage(1, roundTrip(chainTo(5, []state.PrivateKey{root, b}, []state.PeerPort{1, 1}, self.Public())))
	r.HandleMessage(2, roundTrip(chainTo(5, []state.PrivateKey{root, c}, []state.PeerPort{2, 1}, self.Public())))
	require.Equal(t, state.PeerPort(1), r.Snapshot().Parent)
	h.GetActions()

	r.RemovePeer(1)
	snap := r.Snapshot()
	assert.Equal(t, state.PeerPort(2), snap.Parent)
	assert.Equal(t, []state.PeerPort{2, 1}, snap.Coords)
	a := h.GetActions()
	a.AssertContains(t, "SEND", state.PeerPort(2), state.KindTree)
	a.AssertNotContains(t, "SEND", state.PeerPort(1))

	// removing twice is harmless
	r.RemovePeer(1)
	r.RemovePeer(2)
	assert.Equal(t, self.Public(), r.Snapshot().Root)
}

func TestKnownKeys(t *testing.T) {
	keys := sortedKeys(3)
	root, b, self := keys[0], keys[1], keys[2]
	r, h, _ := newHarnessRouter(self)
	r.AddPeer(&mockPeer{port: 1, key: b, h: h})
	r.HandleMessage(1, roundTrip(chainTo(5, []state.PrivateKey{root, b}, []state.PeerPort{1, 1}, self.Public())))
	assert.Equal(t, []state.PublicKey{root.Public(), b.Public(), self.Public()}, r.KnownKeys())
}
