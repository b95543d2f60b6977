package core

import (
	"github.com/encodeous/arbor/state"
)

// Snapshot is a point-in-time copy of the router's tree and dht state, used for dumps and tests.
type Snapshot struct {
	Key    state.PublicKey  `yaml:"key"`
	Root   state.PublicKey  `yaml:"root"`
	Seq    uint64           `yaml:"seq"`
	Parent state.PeerPort   `yaml:"parent"`
	Coords []state.PeerPort `yaml:"coords"`
	Peers  []PeerSnapshot   `yaml:"peers,omitempty"`
	Paths  []PathSnapshot   `yaml:"paths,omitempty"`
	// keys at the far end of our predecessor and successor paths
	Prev *state.PublicKey `yaml:"prev,omitempty"`
	Next *state.PublicKey `yaml:"next,omitempty"`
}

type PeerSnapshot struct {
	Port   state.PeerPort   `yaml:"port"`
	Key    state.PublicKey  `yaml:"key"`
	Root   *state.PublicKey `yaml:"root,omitempty"`
	Seq    uint64           `yaml:"seq,omitempty"`
	Coords []state.PeerPort `yaml:"coords,omitempty"`
}

type PathSnapshot struct {
	Source  state.PublicKey `yaml:"source"`
	Dest    state.PublicKey `yaml:"dest"`
	Root    state.PublicKey `yaml:"root"`
	RootSeq uint64          `yaml:"root_seq"`
	Seq     uint64          `yaml:"seq"`
	Peer    state.PeerPort  `yaml:"peer"`
	Rest    state.PeerPort  `yaml:"rest"`
}

func (r *Router) Snapshot() Snapshot {
	snap := Snapshot{
		Key:    r.pub,
		Root:   r.self.Root,
		Seq:    r.self.Seq,
		Parent: r.parent,
		Coords: r.self.Coords(),
	}
	for _, port := range r.sortedPorts() {
		ps := PeerSnapshot{Port: port, Key: r.peers[port].RemoteKey()}
		if info, ok := r.infos[port]; ok {
			root := info.Root
			ps.Root = &root
			ps.Seq = info.Seq
			ps.Coords = info.Coords()
		}
		snap.Peers = append(snap.Peers, ps)
	}
	for _, d := range r.sortedDhtInfos() {
		snap.Paths = append(snap.Paths, PathSnapshot{
			Source:  d.Key,
			Dest:    d.Dest,
			Root:    d.Root,
			RootSeq: d.RootSeq,
			Seq:     d.Seq,
			Peer:    d.Peer,
			Rest:    d.Rest,
		})
	}
	if r.prev != nil {
		k := r.prev.Dest
		snap.Prev = &k
	}
	if r.next != nil {
		k := r.next.Key
		snap.Next = &k
	}
	return snap
}
