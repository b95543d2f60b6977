package state

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// TreeLabel is a signed coordinate: the owner's key, its root and seq, and its port path from
// the root.
type TreeLabel struct {
	Sig  Signature
	Key  PublicKey
	Root PublicKey
	Seq  uint64
	Path []PeerPort
}

func (l *TreeLabel) appendUnsigned(b []byte) []byte {
	b = appendBytesField(b, 1, l.Key[:])
	b = appendBytesField(b, 2, l.Root[:])
	b = appendVarintField(b, 3, l.Seq)
	for _, port := range l.Path {
		b = appendVarintField(b, 4, uint64(port))
	}
	return b
}

func (l *TreeLabel) Sign(key PrivateKey) {
	l.Sig = key.Sign(l.appendUnsigned(nil))
}

func (l *TreeLabel) Verify() bool {
	return l.Key.Verify(l.appendUnsigned(nil), l.Sig)
}

func (l *TreeLabel) AppendWire(b []byte) []byte {
	b = l.appendUnsigned(b)
	return appendBytesField(b, 5, l.Sig[:])
}

func (l *TreeLabel) UnmarshalWire(b []byte) error {
	var p present
	*l = TreeLabel{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			l.Key, err = decodeKeyField(num, typ, v)
		case 2:
			l.Root, err = decodeKeyField(num, typ, v)
		case 3:
			l.Seq, err = decodeVarintField(num, typ, u)
		case 4:
			var port uint64
			port, err = decodeVarintField(num, typ, u)
			l.Path = append(l.Path, PeerPort(port))
		case 5:
			l.Sig, err = decodeSigField(num, typ, v)
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("tree label", 1, 2, 3, 5)
}

func (l *TreeLabel) String() string {
	return fmt.Sprintf("key=%s root=%s seq=%d path=%v", l.Key.Short(), l.Root.Short(), l.Seq, l.Path)
}

// Bootstrap is a label sent through the dht looking for a predecessor.
type Bootstrap struct {
	TreeLabel
}

// SetupToken authorizes Source to build a path to the owner of Dest.
type SetupToken struct {
	Sig    Signature
	Source PublicKey
	Dest   TreeLabel
}

func (t *SetupToken) appendUnsigned(b []byte) []byte {
	b = appendBytesField(b, 1, t.Source[:])
	return appendEmbedded(b, 2, t.Dest.AppendWire(nil))
}

func (t *SetupToken) Sign(key PrivateKey) {
	t.Sig = key.Sign(t.appendUnsigned(nil))
}

// Verify checks the token signature and the embedded label.
func (t *SetupToken) Verify() bool {
	return t.Dest.Key.Verify(t.appendUnsigned(nil), t.Sig) && t.Dest.Verify()
}

func (t *SetupToken) AppendWire(b []byte) []byte {
	b = t.appendUnsigned(b)
	return appendBytesField(b, 3, t.Sig[:])
}

func (t *SetupToken) UnmarshalWire(b []byte) error {
	var p present
	*t = SetupToken{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			t.Source, err = decodeKeyField(num, typ, v)
		case 2:
			if err = expectType(num, typ, protowire.BytesType); err == nil {
				err = t.Dest.UnmarshalWire(v)
			}
		case 3:
			t.Sig, err = decodeSigField(num, typ, v)
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("setup token", 1, 2, 3)
}

type BootstrapAck struct {
	Request  Bootstrap
	Response SetupToken
}

func (a *BootstrapAck) AppendWire(b []byte) []byte {
	b = appendEmbedded(b, 1, a.Request.AppendWire(nil))
	return appendEmbedded(b, 2, a.Response.AppendWire(nil))
}

func (a *BootstrapAck) UnmarshalWire(b []byte) error {
	var p present
	*a = BootstrapAck{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			if err = expectType(num, typ, protowire.BytesType); err == nil {
				err = a.Request.UnmarshalWire(v)
			}
		case 2:
			if err = expectType(num, typ, protowire.BytesType); err == nil {
				err = a.Response.UnmarshalWire(v)
			}
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("bootstrap ack", 1, 2)
}

// Setup builds a dht path from the token source toward the token destination.
type Setup struct {
	Sig   Signature
	Seq   uint64
	Token SetupToken
}

func (s *Setup) appendUnsigned(b []byte) []byte {
	b = appendVarintField(b, 1, s.Seq)
	return appendEmbedded(b, 2, s.Token.AppendWire(nil))
}

// Sign must be called by the token source.
func (s *Setup) Sign(key PrivateKey) {
	s.Sig = key.Sign(s.appendUnsigned(nil))
}

func (s *Setup) Verify() bool {
	return s.Token.Source.Verify(s.appendUnsigned(nil), s.Sig) && s.Token.Verify()
}

func (s *Setup) AppendWire(b []byte) []byte {
	b = s.appendUnsigned(b)
	return appendBytesField(b, 3, s.Sig[:])
}

func (s *Setup) UnmarshalWire(b []byte) error {
	var p present
	*s = Setup{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			s.Seq, err = decodeVarintField(num, typ, u)
		case 2:
			if err = expectType(num, typ, protowire.BytesType); err == nil {
				err = s.Token.UnmarshalWire(v)
			}
		case 3:
			s.Sig, err = decodeSigField(num, typ, v)
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("setup", 1, 2, 3)
}

// Teardown identifies a dht path record by (Key, Root, RootSeq) and the Seq of its setup.
type Teardown struct {
	Seq     uint64
	Key     PublicKey
	Root    PublicKey
	RootSeq uint64
}

func (t *Teardown) AppendWire(b []byte) []byte {
	b = appendVarintField(b, 1, t.Seq)
	b = appendBytesField(b, 2, t.Key[:])
	b = appendBytesField(b, 3, t.Root[:])
	return appendVarintField(b, 4, t.RootSeq)
}

func (t *Teardown) UnmarshalWire(b []byte) error {
	var p present
	*t = Teardown{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			t.Seq, err = decodeVarintField(num, typ, u)
		case 2:
			t.Key, err = decodeKeyField(num, typ, v)
		case 3:
			t.Root, err = decodeKeyField(num, typ, v)
		case 4:
			t.RootSeq, err = decodeVarintField(num, typ, u)
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("teardown", 1, 2, 3, 4)
}

// PathNotify tells Dest where the sender sits in the tree.
type PathNotify struct {
	Sig   Signature
	Dest  PublicKey
	Label TreeLabel
}

func (n *PathNotify) appendUnsigned(b []byte) []byte {
	b = appendBytesField(b, 1, n.Dest[:])
	return appendEmbedded(b, 2, n.Label.AppendWire(nil))
}

func (n *PathNotify) Sign(key PrivateKey) {
	n.Sig = key.Sign(n.appendUnsigned(nil))
}

func (n *PathNotify) Verify() bool {
	return n.Label.Key.Verify(n.appendUnsigned(nil), n.Sig) && n.Label.Verify()
}

func (n *PathNotify) AppendWire(b []byte) []byte {
	b = n.appendUnsigned(b)
	return appendBytesField(b, 3, n.Sig[:])
}

func (n *PathNotify) UnmarshalWire(b []byte) error {
	var p present
	*n = PathNotify{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			n.Dest, err = decodeKeyField(num, typ, v)
		case 2:
			if err = expectType(num, typ, protowire.BytesType); err == nil {
				err = n.Label.UnmarshalWire(v)
			}
		case 3:
			n.Sig, err = decodeSigField(num, typ, v)
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("path notify", 1, 2, 3)
}

// PathLookup asks Dest for its coordinates, recording the reverse path in From.
type PathLookup struct {
	Source PublicKey
	Dest   PublicKey
	From   []PeerPort
}

func (l *PathLookup) AppendWire(b []byte) []byte {
	b = appendBytesField(b, 1, l.Source[:])
	b = appendBytesField(b, 2, l.Dest[:])
	for _, port := range l.From {
		b = appendVarintField(b, 3, uint64(port))
	}
	return b
}

func (l *PathLookup) UnmarshalWire(b []byte) error {
	var p present
	*l = PathLookup{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			l.Source, err = decodeKeyField(num, typ, v)
		case 2:
			l.Dest, err = decodeKeyField(num, typ, v)
		case 3:
			var port uint64
			port, err = decodeVarintField(num, typ, u)
			l.From = append(l.From, PeerPort(port))
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("path lookup", 1, 2)
}

// PathResponse carries the coordinates of From back along RPath.
type PathResponse struct {
	From  PublicKey
	Path  []PeerPort
	RPath []PeerPort
}

func (r *PathResponse) AppendWire(b []byte) []byte {
	b = appendBytesField(b, 1, r.From[:])
	for _, port := range r.Path {
		b = appendVarintField(b, 2, uint64(port))
	}
	for _, port := range r.RPath {
		b = appendVarintField(b, 3, uint64(port))
	}
	return b
}

func (r *PathResponse) UnmarshalWire(b []byte) error {
	var p present
	*r = PathResponse{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		var port uint64
		switch num {
		case 1:
			r.From, err = decodeKeyField(num, typ, v)
		case 2:
			port, err = decodeVarintField(num, typ, u)
			r.Path = append(r.Path, PeerPort(port))
		case 3:
			port, err = decodeVarintField(num, typ, u)
			r.RPath = append(r.RPath, PeerPort(port))
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("path response", 1)
}

// Traffic is an opaque payload routed greedily through the dht.
type Traffic struct {
	Source  PublicKey
	Dest    PublicKey
	Payload []byte
}

func (t *Traffic) AppendWire(b []byte) []byte {
	b = appendBytesField(b, 1, t.Source[:])
	b = appendBytesField(b, 2, t.Dest[:])
	return appendBytesField(b, 3, t.Payload)
}

func (t *Traffic) UnmarshalWire(b []byte) error {
	var p present
	*t = Traffic{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			t.Source, err = decodeKeyField(num, typ, v)
		case 2:
			t.Dest, err = decodeKeyField(num, typ, v)
		case 3:
			if err = expectType(num, typ, protowire.BytesType); err == nil {
				t.Payload = append([]byte(nil), v...)
			}
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("traffic", 1, 2)
}
