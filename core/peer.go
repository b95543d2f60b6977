package core

import "github.com/encodeous/arbor/state"

// Peer is an established, authenticated session with a remote node.
type Peer interface {
	// Port is the local handle of this session. It is never state.SelfPort.
	Port() state.PeerPort
	RemoteKey() state.PublicKey
	// Send enqueues msg without blocking. Delivery is best-effort.
	Send(msg state.Message)
}
