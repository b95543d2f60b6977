package state

import "time"

var (
	// TreeTimeout is how long a root is believed without fresh news from it.
	TreeTimeout = time.Hour
	// TreeAnnounce is how often a root bumps its seq and re-announces.
	TreeAnnounce = TreeTimeout / 2
	// RootSwitchDamping is the hold time after switching the root to ourselves.
	RootSwitchDamping = time.Second
	BootstrapInterval = time.Second
	// DhtTimeout is the lifetime of a dht path record.
	DhtTimeout = TreeTimeout

	// link layer
	HandshakeTimeout    = 10 * time.Second
	PeerRetryDelay      = 5 * time.Second
	DialBackoff         = 30 * time.Second
	LinkSendQueue       = 256
	MaxFrameSize        = 65535 - 16 // noise tag
	MulticastInterval   = time.Second
	MulticastPort       = 9001
	MulticastGroup      = "ff02::114"
	TreeDumpDelay       = 30 * time.Second
	AddressRefreshDelay = 5 * time.Second
	// KnownPeerTTL is how long a peer we have not seen stays in the store.
	KnownPeerTTL = 30 * 24 * time.Hour
	StoreGcDelay = time.Hour
	// MaxPayloadSize leaves room for the traffic header inside one frame.
	MaxPayloadSize = MaxFrameSize - 128
	// LinkIdleTimeout is the least time a link may stay silent before it is closed.
	LinkIdleTimeout = 10 * time.Second
)

// ProtocolVersion is exchanged in the link handshake, after the "meta" magic.
var ProtocolVersion = [2]byte{0, 4}
