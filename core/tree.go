package core

import (
	"time"

	"github.com/encodeous/arbor/perf"
	"github.com/encodeous/arbor/state"
)

func (r *Router) rootInfo() *state.TreeInfo {
	return &state.TreeInfo{Root: r.pub, Seq: r.seq, Time: r.sched.Now()}
}

// checkTreeInfo verifies that info was sent by the session's remote, addressed to us, and
// correctly signed along the whole chain.
func (r *Router) checkTreeInfo(from state.PeerPort, info *state.TreeInfo) bool {
	if len(info.Hops) == 0 {
		return false
	}
	if info.HopFrom() != r.peers[from].RemoteKey() {
		return false
	}
	if dest, _ := info.HopDest(); dest != r.pub {
		return false
	}
	return info.VerifySignatures()
}

func (r *Router) handleTreeInfo(from state.PeerPort, info *state.TreeInfo) {
	if !r.checkTreeInfo(from, info) {
		r.Log(InvalidMessage, "dropped tree info", "port", from, "info", info)
		perf.InvalidMessages.Add(1)
		return
	}
	perf.TreeUpdatesPerSecond.Add(1)
	r.hseq++
	info.HSeq = r.hseq
	info.Time = r.sched.Now()

	rootHash := info.Root.Hash()
	if exp, ok := r.expired[rootHash]; !ok || exp.Seq < info.Seq {
		r.expired[rootHash] = state.TreeExpiredInfo{Seq: info.Seq, Time: info.Time}
	}
	if _, ok := r.infos[from]; !ok {
		// first info from this peer, reply with our real tree
		r.sendTreeInfo(from)
	}
	r.infos[from] = info

	if from == r.parent && r.parent != state.SelfPort {
		// the parent re-announced a worse root or a seq that is not newer, so the root may be
		// gone. become root until the damping window has passed
		r.rootSwitching = r.self.Root.Less(info.Root) ||
			(r.self.Root == info.Root && info.Seq <= r.self.Seq)
		r.self = nil
		r.parent = state.SelfPort
		if r.rootSwitching {
			r.self = r.rootInfo()
			r.Log(RootSwitched, "switching root to ourselves", "info", info)
			perf.RootSwitches.Add(1)
			r.broadcastTreeInfo()
			r.sched.AfterFunc(state.RootSwitchDamping, func() {
				r.rootSwitching = false
				r.self = nil
				r.parent = state.SelfPort
				r.fixParent()
				r.attemptBootstrap()
			})
		}
	}
	if !r.rootSwitching {
		r.fixParent()
		r.attemptBootstrap()
	}
}

// removePeer forgets the tree info of a session and tears down the dht paths through it.
func (r *Router) removePeer(port state.PeerPort) {
	info, ok := r.infos[port]
	delete(r.infos, port)
	if ok && r.self == info {
		r.self = nil
		r.parent = state.SelfPort
		r.fixParent()
	}
	for _, d := range r.sortedDhtInfos() {
		if d.Peer == port || d.Rest == port {
			r.dhtTeardown(port, d.teardown())
		}
	}
}

func (r *Router) sendTreeInfo(port state.PeerPort) {
	p, ok := r.peers[port]
	if !ok || r.self == nil {
		return
	}
	p.Send(r.self.Extend(r.key, p.RemoteKey(), port))
}

func (r *Router) broadcastTreeInfo() {
	for _, port := range r.sortedPorts() {
		r.sendTreeInfo(port)
	}
}

// fixParent selects the best tree info among ourselves and our peers: the smallest root, then
// the highest seq, then the oldest arrival.
func (r *Router) fixParent() {
	oldSelf := r.self
	if r.self == nil || r.pub.Less(r.self.Root) {
		r.self = r.rootInfo()
		r.parent = state.SelfPort
	}
	now := r.sched.Now()
	for _, port := range r.sortedPorts() {
		info, ok := r.infos[port]
		// an info that outlived its root must not be picked again right after expiring
		if !ok || !info.IsLoopSafe() || now.Sub(info.Time) >= state.TreeTimeout {
			continue
		}
		switch {
		case info.Root != r.self.Root:
			if r.self.Root.Less(info.Root) {
				continue
			}
		case info.Seq != r.self.Seq:
			if info.Seq < r.self.Seq {
				continue
			}
		case info.HSeq < r.self.HSeq:
		default:
			continue
		}
		r.self = info
		r.parent = port
	}
	if r.self != oldSelf {
		r.Log(TreeInfoSelected, "selected new tree info", "parent", r.parent, "info", r.self)
		perf.ParentChanges.Add(1)
		if r.selfTimer != nil {
			r.selfTimer.Stop()
		}
		self := r.self
		r.selfTimer = r.sched.AfterFunc(r.selfExpiry(self), func() {
			if r.self != self {
				return
			}
			if self.Root == r.pub {
				r.seq++
				r.Log(RootAnnounced, "re-announcing as root", "seq", r.seq)
			} else {
				r.Log(TreeInfoExpired, "root timed out", "root", self.Root.Short())
			}
			r.self = nil
			r.parent = state.SelfPort
			r.fixParent()
			r.attemptBootstrap()
		})
		r.broadcastTreeInfo()
	}

	// forget roots that are no better than the current one
	for hash := range r.expired {
		if !hash.Less(r.self.Root.Hash()) {
			delete(r.expired, hash)
		}
	}
}

func (r *Router) selfExpiry(self *state.TreeInfo) time.Duration {
	if self.Root == r.pub {
		return state.TreeAnnounce
	}
	heard := self.Time
	if exp, ok := r.expired[self.Root.Hash()]; ok {
		heard = exp.Time
	}
	return max(0, heard.Add(state.TreeTimeout).Sub(r.sched.Now()))
}
