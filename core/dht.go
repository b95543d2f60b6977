package core

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/encodeous/arbor/perf"
	"github.com/encodeous/arbor/state"
)

var ErrPayloadTooLarge = errors.New("payload too large")

type dhtMapKey struct {
	Key     state.PublicKey
	Root    state.PublicKey
	RootSeq uint64
}

// dhtInfo is one hop of a dht path from Key (the source) to Dest. Peer leads back toward the
// source and Rest onward to Dest; either is state.SelfPort at the ends of the path.
type dhtInfo struct {
	Key     state.PublicKey
	Root    state.PublicKey
	RootSeq uint64
	Seq     uint64
	Dest    state.PublicKey
	Peer    state.PeerPort
	Rest    state.PeerPort
	timer   state.Task
}

func (d *dhtInfo) mapKey() dhtMapKey {
	return dhtMapKey{Key: d.Key, Root: d.Root, RootSeq: d.RootSeq}
}

func (d *dhtInfo) teardown() *state.Teardown {
	return &state.Teardown{Seq: d.Seq, Key: d.Key, Root: d.Root, RootSeq: d.RootSeq}
}

func (t dhtMapKey) compare(o dhtMapKey) int {
	if t.Key != o.Key {
		if t.Key.Less(o.Key) {
			return -1
		}
		return 1
	}
	if t.Root != o.Root {
		if t.Root.Less(o.Root) {
			return -1
		}
		return 1
	}
	return cmp.Compare(t.RootSeq, o.RootSeq)
}

func (r *Router) sortedDhtInfos() []*dhtInfo {
	keys := slices.SortedFunc(maps.Keys(r.dinfos), dhtMapKey.compare)
	infos := make([]*dhtInfo, len(keys))
	for i, k := range keys {
		infos[i] = r.dinfos[k]
	}
	return infos
}

// dhtOrdered reports whether curr lies strictly between prev and next in keyspace.
func dhtOrdered(prev, curr, next state.PublicKey) bool {
	return prev.Less(curr) && curr.Less(next)
}

// treeLabel is our current signed coordinate.
func (r *Router) treeLabel() state.TreeLabel {
	label := state.TreeLabel{
		Key:  r.pub,
		Root: r.self.Root,
		Seq:  r.self.Seq,
		Path: r.self.Coords(),
	}
	label.Sign(r.key)
	return label
}

// treeLookup returns the peer closest to dest in treespace, or state.SelfPort if we are the
// destination, no peer improves on us, or nobody shares the destination's root and seq.
func (r *Router) treeLookup(dest *state.TreeLabel) state.PeerPort {
	if dest.Key == r.pub {
		return state.SelfPort
	}
	best := r.self
	bestDist := best.DistanceToLabel(dest)
	bestPort := state.SelfPort
	for _, port := range r.sortedPorts() {
		info, ok := r.infos[port]
		if !ok || info.Root != dest.Root || info.Seq != dest.Seq {
			continue
		}
		// the last hop of a peer's info leads to us, so drop it to get the peer's own coords
		coords := info.Coords()
		dist := state.CoordDistance(coords[:len(coords)-1], dest.Path)
		if dist < bestDist || (dist == bestDist && bestPort != state.SelfPort && info.HSeq < best.HSeq) {
			best = info
			bestDist = dist
			bestPort = port
		}
	}
	if best.Root != dest.Root || best.Seq != dest.Seq {
		return state.SelfPort
	}
	return bestPort
}

// dhtLookup returns the next hop toward dest in keyspace, using our ancestry, our peers'
// ancestry and the dht paths we carry. Paths are only followed toward their source.
// Bootstraps stop short of dest itself.
func (r *Router) dhtLookup(dest state.PublicKey, isBootstrap bool) state.PeerPort {
	best := r.pub
	bestPeer := state.SelfPort
	var bestInfo *dhtInfo

	doUpdate := func(key state.PublicKey, peer state.PeerPort, info *dhtInfo) {
		best = key
		bestPeer = peer
		bestInfo = info
	}
	doCheckedUpdate := func(key state.PublicKey, peer state.PeerPort, info *dhtInfo) {
		if (!isBootstrap && key == dest && best != dest) || dhtOrdered(best, key, dest) {
			doUpdate(key, peer, info)
		}
	}
	doAncestry := func(info *state.TreeInfo, peer state.PeerPort) {
		doCheckedUpdate(info.Root, peer, nil)
		for _, hop := range info.Hops {
			doCheckedUpdate(hop.Next, peer, nil)
			// same ancestor as our current best, but this peer's tree info is older
			if tinfo, ok := r.infos[bestPeer]; ok && best == hop.Next && info.HSeq < tinfo.HSeq {
				doUpdate(hop.Next, peer, nil)
			}
		}
	}
	doDHT := func(info *dhtInfo) {
		doCheckedUpdate(info.Key, info.Peer, info)
		if bestInfo != nil && info.Key == bestInfo.Key {
			if info.Root.Less(bestInfo.Root) {
				doUpdate(info.Key, info.Peer, info)
			} else if info.Root == bestInfo.Root && info.RootSeq > bestInfo.RootSeq {
				doUpdate(info.Key, info.Peer, info)
			}
		}
	}

	// we are already past dest, head toward the root
	if (isBootstrap && best == dest) || dhtOrdered(r.self.Root, dest, best) {
		doUpdate(r.self.Root, r.parent, nil)
	}
	doAncestry(r.self, r.parent)
	ports := r.sortedPorts()
	for _, port := range ports {
		if info, ok := r.infos[port]; ok {
			doAncestry(info, port)
		}
	}
	// prefer a direct link over reaching the same key through someone else
	for _, port := range ports {
		if best == r.peers[port].RemoteKey() {
			doUpdate(best, port, nil)
		}
	}
	for _, info := range r.sortedDhtInfos() {
		doDHT(info)
	}
	return bestPeer
}

func (r *Router) handleBootstrap(from state.PeerPort, b *state.Bootstrap) {
	if next := r.dhtLookup(b.Key, true); next != state.SelfPort {
		r.send(next, b)
		return
	}
	if b.Key == r.pub {
		return
	}
	if !b.Verify() {
		r.Log(InvalidMessage, "bootstrap signature invalid", "port", from, "key", b.Key.Short())
		perf.InvalidMessages.Add(1)
		return
	}
	ack := &state.BootstrapAck{
		Request: *b,
		Response: state.SetupToken{
			Source: b.Key,
			Dest:   r.treeLabel(),
		},
	}
	ack.Response.Sign(r.key)
	r.handleBootstrapAck(state.SelfPort, ack)
}

func (r *Router) handleBootstrapAck(from state.PeerPort, ack *state.BootstrapAck) {
	source := ack.Response.Dest.Key
	if next := r.treeLookup(&ack.Request.TreeLabel); next != state.SelfPort {
		r.send(next, ack)
		return
	}
	switch {
	case source == r.pub:
		// our own ack, but there is no route back to the requester
		return
	case ack.Request.Key != r.pub:
		return
	case ack.Response.Source != r.pub:
		return
	case ack.Response.Dest.Root != r.self.Root:
		return
	case ack.Response.Dest.Seq != r.self.Seq:
		return
	case r.prev == nil:
	case dhtOrdered(r.prev.Dest, source, r.pub):
		// closer predecessor than the current one
	case r.prev.Root != r.self.Root || r.prev.RootSeq != r.self.Seq:
		// current predecessor is from an old tree
	default:
		return
	}
	if !ack.Response.Verify() {
		r.Log(InvalidMessage, "bootstrap ack signature invalid", "port", from, "source", source.Short())
		perf.InvalidMessages.Add(1)
		return
	}
	r.Log(BootstrapAccepted, "accepted predecessor", "key", source.Short())
	// paths we built toward other predecessors are no longer needed
	for _, d := range r.sortedDhtInfos() {
		if d.Peer == state.SelfPort && d.Dest != source {
			r.dhtTeardown(state.SelfPort, d.teardown())
		}
	}
	r.setupSeq++
	setup := &state.Setup{Seq: r.setupSeq, Token: ack.Response}
	setup.Sign(r.key)
	r.handleSetup(state.SelfPort, setup)
}

// attemptBootstrap looks for a predecessor once per BootstrapInterval until we have one in the
// current tree.
func (r *Router) attemptBootstrap() {
	if r.bootstrapTimer != nil {
		return
	}
	if r.prev != nil && r.prev.Root == r.self.Root && r.prev.RootSeq == r.self.Seq {
		return
	}
	if r.self.Root != r.pub {
		r.Log(BootstrapStarted, "bootstrapping", "root", r.self.Root.Short(), "seq", r.self.Seq)
		perf.BootstrapsPerSecond.Add(1)
		r.handleBootstrap(state.SelfPort, &state.Bootstrap{TreeLabel: r.treeLabel()})
	}
	r.bootstrapTimer = r.sched.AfterFunc(state.BootstrapInterval, func() {
		r.bootstrapTimer = nil
		r.attemptBootstrap()
	})
}

func (r *Router) handleSetup(from state.PeerPort, setup *state.Setup) {
	dest := &setup.Token.Dest
	next := r.treeLookup(dest)
	info := &dhtInfo{
		Key:     setup.Token.Source,
		Root:    dest.Root,
		RootSeq: dest.Seq,
		Seq:     setup.Seq,
		Dest:    dest.Key,
		Peer:    from,
		Rest:    next,
	}
	if !setup.Verify() {
		r.Log(InvalidMessage, "setup signature invalid", "port", from)
		perf.InvalidMessages.Add(1)
		return
	}
	reject := func(reason string) {
		r.Log(PathRejected, reason, "port", from, "source", info.Key.Short(), "dest", info.Dest.Short())
		r.send(from, info.teardown())
	}
	if info.Root != r.self.Root || info.RootSeq != r.self.Seq {
		reject("setup from another tree")
		return
	}
	if _, ok := r.dinfos[info.mapKey()]; ok {
		reject("path already exists")
		return
	}
	if next == state.SelfPort && dest.Key != r.pub {
		reject("no route to path destination")
		return
	}
	info.timer = r.sched.AfterFunc(state.DhtTimeout, func() {
		r.expireDhtInfo(info)
	})
	r.dinfos[info.mapKey()] = info
	r.Log(PathEstablished, "path established", "source", info.Key.Short(), "dest", info.Dest.Short(), "peer", info.Peer, "rest", info.Rest)
	perf.PathSetups.Add(1)
	if from == state.SelfPort {
		if old := r.prev; old != nil {
			r.prev = nil
			r.dhtTeardown(state.SelfPort, old.teardown())
		}
		r.prev = info
	}
	if next != state.SelfPort {
		r.send(next, setup)
		return
	}
	if old := r.next; old != nil {
		r.next = nil
		r.dhtTeardown(state.SelfPort, old.teardown())
	}
	r.next = info
}

func (r *Router) expireDhtInfo(info *dhtInfo) {
	key := info.mapKey()
	if r.dinfos[key] != info {
		return
	}
	delete(r.dinfos, key)
	r.Log(PathExpired, "path expired", "source", info.Key.Short(), "dest", info.Dest.Short())
	td := info.teardown()
	r.send(info.Peer, td)
	r.send(info.Rest, td)
	if r.next == info {
		r.next = nil
	}
	if r.prev == info {
		r.prev = nil
		r.attemptBootstrap()
	}
}

// dhtTeardown removes the path named by td if it touches from, and relays the teardown to the
// other side of the path.
func (r *Router) dhtTeardown(from state.PeerPort, td *state.Teardown) {
	key := dhtMapKey{Key: td.Key, Root: td.Root, RootSeq: td.RootSeq}
	info, ok := r.dinfos[key]
	if !ok || td.Seq != info.Seq {
		return
	}
	var next state.PeerPort
	switch from {
	case info.Peer:
		next = info.Rest
	case info.Rest:
		next = info.Peer
	default:
		return
	}
	info.timer.Stop()
	delete(r.dinfos, key)
	r.Log(PathRemoved, "path torn down", "source", info.Key.Short(), "dest", info.Dest.Short(), "from", from)
	perf.PathTeardowns.Add(1)
	r.send(next, td)
	if r.next == info {
		r.next = nil
	}
	if r.prev == info {
		r.prev = nil
		// other teardowns may be queued behind this one
		r.sched.AfterFunc(0, r.attemptBootstrap)
	}
}

func (r *Router) handleTraffic(from state.PeerPort, tr *state.Traffic) {
	if next := r.dhtLookup(tr.Dest, false); next != state.SelfPort {
		r.send(next, tr)
		return
	}
	if tr.Dest != r.pub {
		r.Log(NoRoute, "dropped traffic", "port", from, "dest", tr.Dest.Short())
		perf.DroppedMessages.Add(1)
		return
	}
	r.Log(TrafficDelivered, "received traffic", "source", tr.Source.Short(), "len", len(tr.Payload))
	perf.TrafficDelivered.Add(1)
	if r.OnTraffic != nil {
		r.OnTraffic(tr.Source, tr.Payload)
	}
}

// SendTraffic routes payload toward dest. Delivery is best effort.
func (r *Router) SendTraffic(dest state.PublicKey, payload []byte) error {
	if len(payload) > state.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrPayloadTooLarge, len(payload), state.MaxPayloadSize)
	}
	r.handleTraffic(state.SelfPort, &state.Traffic{Source: r.pub, Dest: dest, Payload: payload})
	return nil
}

func (r *Router) handlePathNotify(from state.PeerPort, n *state.PathNotify) {
	r.Log(PathMessage, "path notify", "port", from, "dest", n.Dest.Short())
}

func (r *Router) handlePathLookup(from state.PeerPort, l *state.PathLookup) {
	r.Log(PathMessage, "path lookup", "port", from, "source", l.Source.Short(), "dest", l.Dest.Short())
}

func (r *Router) handlePathResponse(from state.PeerPort, p *state.PathResponse) {
	r.Log(PathMessage, "path response", "port", from, "from", p.From.Short())
}
