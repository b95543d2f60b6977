package core

import (
	"crypto/rand"
	"encoding/binary"
	"maps"
	"slices"

	"github.com/encodeous/arbor/perf"
	"github.com/encodeous/arbor/state"
)

type RouterEvent int

// trace events

const (
	TreeInfoSelected RouterEvent = iota
	RootSwitched
	TreeInfoExpired
	RootAnnounced
	PeerAdded
	PeerRemoved
	BootstrapStarted
	BootstrapAccepted
	PathEstablished
	PathRemoved
	PathExpired
	TrafficDelivered
	PathMessage
)

// warn events

const (
	InvalidMessage RouterEvent = iota + 1000
	StaleMessage
	PathRejected
	UnknownPeer
	NoRoute
)

func (e RouterEvent) String() string {
	switch e {
	case TreeInfoSelected:
		return "TreeInfoSelected"
	case RootSwitched:
		return "RootSwitched"
	case TreeInfoExpired:
		return "TreeInfoExpired"
	case RootAnnounced:
		return "RootAnnounced"
	case PeerAdded:
		return "PeerAdded"
	case PeerRemoved:
		return "PeerRemoved"
	case BootstrapStarted:
		return "BootstrapStarted"
	case BootstrapAccepted:
		return "BootstrapAccepted"
	case PathEstablished:
		return "PathEstablished"
	case PathRemoved:
		return "PathRemoved"
	case PathExpired:
		return "PathExpired"
	case TrafficDelivered:
		return "TrafficDelivered"
	case PathMessage:
		return "PathMessage"
	case InvalidMessage:
		return "InvalidMessage"
	case StaleMessage:
		return "StaleMessage"
	case PathRejected:
		return "PathRejected"
	case UnknownPeer:
		return "UnknownPeer"
	case NoRoute:
		return "NoRoute"
	}
	return "RouterEvent(?)"
}

// EventSink receives the router's trace and warn events.
type EventSink interface {
	Log(event RouterEvent, desc string, args ...any)
}

// Router is the spanning tree and dht state of one node. It is not safe for concurrent use;
// every method must be called from the node's event loop, and the Scheduler must run its
// callbacks there too.
type Router struct {
	key   state.PrivateKey
	pub   state.PublicKey
	sched state.Scheduler
	sink  EventSink

	// OnTraffic receives traffic addressed to this node.
	OnTraffic func(source state.PublicKey, payload []byte)

	peers map[state.PeerPort]Peer
	// latest tree info received from each peer
	infos map[state.PeerPort]*state.TreeInfo
	// freshest seq heard for each root
	expired       map[state.KeyHash]state.TreeExpiredInfo
	self          *state.TreeInfo
	parent        state.PeerPort
	seq           uint64
	hseq          uint64
	rootSwitching bool
	selfTimer     state.Task

	dinfos         map[dhtMapKey]*dhtInfo
	prev           *dhtInfo
	next           *dhtInfo
	setupSeq       uint64
	bootstrapTimer state.Task
}

func NewRouter(key state.PrivateKey, sched state.Scheduler, sink EventSink) *Router {
	var seq [8]byte
	_, err := rand.Read(seq[:])
	if err != nil {
		panic(err)
	}
	r := &Router{
		key:     key,
		pub:     key.Public(),
		sched:   sched,
		sink:    sink,
		peers:   make(map[state.PeerPort]Peer),
		infos:   make(map[state.PeerPort]*state.TreeInfo),
		expired: make(map[state.KeyHash]state.TreeExpiredInfo),
		dinfos:  make(map[dhtMapKey]*dhtInfo),
		seq:     binary.BigEndian.Uint64(seq[:]),
	}
	r.fixParent()
	return r
}

func (r *Router) PublicKey() state.PublicKey {
	return r.pub
}

func (r *Router) Log(event RouterEvent, desc string, args ...any) {
	if r.sink != nil {
		r.sink.Log(event, desc, args...)
	}
}

// AddPeer registers a new session and says hello with a self-rooted tree info. The remote
// answers with its real tree info.
func (r *Router) AddPeer(p Peer) {
	r.peers[p.Port()] = p
	r.Log(PeerAdded, "peer connected", "port", p.Port(), "key", p.RemoteKey().Short())
	hello := r.rootInfo()
	p.Send(hello.Extend(r.key, p.RemoteKey(), p.Port()))
}

// RemovePeer must be called exactly once after a session added with AddPeer is closed.
func (r *Router) RemovePeer(port state.PeerPort) {
	if _, ok := r.peers[port]; !ok {
		return
	}
	r.Log(PeerRemoved, "peer disconnected", "port", port)
	delete(r.peers, port)
	r.removePeer(port)
}

// HandleMessage processes one decoded message received on port.
func (r *Router) HandleMessage(from state.PeerPort, msg state.Message) {
	if _, ok := r.peers[from]; !ok {
		r.Log(UnknownPeer, "message from unknown port", "port", from, "kind", msg.Kind())
		perf.DroppedMessages.Add(1)
		return
	}
	switch m := msg.(type) {
	case *state.TreeInfo:
		r.handleTreeInfo(from, m)
	case *state.Bootstrap:
		r.handleBootstrap(from, m)
	case *state.BootstrapAck:
		r.handleBootstrapAck(from, m)
	case *state.Setup:
		r.handleSetup(from, m)
	case *state.Teardown:
		r.dhtTeardown(from, m)
	case *state.PathNotify:
		r.handlePathNotify(from, m)
	case *state.PathLookup:
		r.handlePathLookup(from, m)
	case *state.PathResponse:
		r.handlePathResponse(from, m)
	case *state.Traffic:
		r.handleTraffic(from, m)
	}
}

func (r *Router) send(port state.PeerPort, msg state.Message) {
	if port == state.SelfPort {
		return
	}
	if p, ok := r.peers[port]; ok {
		p.Send(msg)
	}
}

func (r *Router) sortedPorts() []state.PeerPort {
	return slices.Sorted(maps.Keys(r.peers))
}

// KnownKeys lists every key this node currently has state for.
func (r *Router) KnownKeys() []state.PublicKey {
	keys := map[state.PublicKey]struct{}{r.pub: {}}
	addInfo := func(info *state.TreeInfo) {
		keys[info.Root] = struct{}{}
		for _, hop := range info.Hops {
			keys[hop.Next] = struct{}{}
		}
	}
	addInfo(r.self)
	for _, p := range r.peers {
		keys[p.RemoteKey()] = struct{}{}
	}
	for _, info := range r.infos {
		addInfo(info)
	}
	for _, d := range r.dinfos {
		keys[d.Key] = struct{}{}
		keys[d.Dest] = struct{}{}
	}
	return slices.SortedFunc(maps.Keys(keys), func(a, b state.PublicKey) int {
		if a.Less(b) {
			return -1
		} else if b.Less(a) {
			return 1
		}
		return 0
	})
}
