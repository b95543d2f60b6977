package core

import (
	"time"

	"github.com/encodeous/arbor/protocol"
	"github.com/encodeous/arbor/state"
)

// memNet connects routers with in-memory links that carry encoded messages in FIFO order.
type memNet struct {
	sched   *virtualScheduler
	nodes   []*memNode
	queue   []memPacket
	links   map[[2]int]state.PeerPort
	dropped int
}

type memNode struct {
	idx       int
	key       state.PrivateKey
	r         *Router
	h         *RouterHarness
	nextPort  state.PeerPort
	peers     map[state.PeerPort]*memPeer
	delivered []delivery
}

type delivery struct {
	source  state.PublicKey
	payload string
}

type memPacket struct {
	to   *memNode
	port state.PeerPort
	data []byte
}

type memPeer struct {
	net    *memNet
	port   state.PeerPort
	remote *memNode
	// port of the reverse link on the remote node
	remotePort state.PeerPort
	closed     bool
}

func (p *memPeer) Port() state.PeerPort         { return p.port }
func (p *memPeer) RemoteKey() state.PublicKey { return p.remote.key.Public() }

func (p *memPeer) Send(msg state.Message) {
	if p.closed {
		p.net.dropped++
		return
	}
	p.net.queue = append(p.net.queue, memPacket{to: p.remote, port: p.remotePort, data: protocol.Marshal(msg)})
}

func newMemNet(keys []state.PrivateKey) *memNet {
	n := &memNet{sched: newVirtualScheduler(), links: make(map[[2]int]state.PeerPort)}
	for i, k := range keys {
		node := &memNode{idx: i, key: k, h: &RouterHarness{}, nextPort: 1, peers: make(map[state.PeerPort]*memPeer)}
		node.r = NewRouter(k, n.sched, node.h)
		node.r.OnTraffic = func(source state.PublicKey, payload []byte) {
			node.delivered = append(node.delivered, delivery{source, string(payload)})
		}
		n.nodes = append(n.nodes, node)
	}
	return n
}

func (n *memNet) Connect(a, b int) {
	na, nb := n.nodes[a], n.nodes[b]
	pa, pb := na.nextPort, nb.nextPort
	na.nextPort++
	nb.nextPort++
	la := &memPeer{net: n, port: pa, remote: nb, remotePort: pb}
	lb := &memPeer{net: n, port: pb, remote: na, remotePort: pa}
	na.peers[pa] = la
	nb.peers[pb] = lb
	n.links[[2]int{a, b}] = pa
	n.links[[2]int{b, a}] = pb
	na.r.AddPeer(la)
	nb.r.AddPeer(lb)
}

func (n *memNet) Disconnect(a, b int) {
	pa, pb := n.links[[2]int{a, b}], n.links[[2]int{b, a}]
	delete(n.links, [2]int{a, b})
	delete(n.links, [2]int{b, a})
	na, nb := n.nodes[a], n.nodes[b]
	na.peers[pa].closed = true
	nb.peers[pb].closed = true
	delete(na.peers, pa)
	delete(nb.peers, pb)
	// drop anything still in flight on the link
	kept := n.queue[:0]
	for _, pkt := range n.queue {
		if (pkt.to == na && pkt.port == pa) || (pkt.to == nb && pkt.port == pb) {
			n.dropped++
			continue
		}
		kept = append(kept, pkt)
	}
	n.queue = kept
	na.r.RemovePeer(pa)
	nb.r.RemovePeer(pb)
}

// Flush delivers queued messages until the network is quiet.
func (n *memNet) Flush() {
	for len(n.queue) > 0 {
		pkt := n.queue[0]
		n.queue = n.queue[1:]
		msg, err := protocol.Unmarshal(pkt.data)
		if err != nil {
			panic(err)
		}
		pkt.to.r.HandleMessage(pkt.port, msg)
	}
}

// Run alternates message delivery and virtual time for d.
func (n *memNet) Run(d time.Duration) {
	const step = 50 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		n.Flush()
		n.sched.Advance(step)
	}
	n.Flush()
}

func (n *memNet) nodeByKey(k state.PublicKey) *memNode {
	for _, node := range n.nodes {
		if node.key.Public() == k {
			return node
		}
	}
	return nil
}
