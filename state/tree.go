package state

import (
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// PeerPort is the local handle of a peer link. Port 0 refers to this node.
type PeerPort uint64

const SelfPort PeerPort = 0

// MaxDistance is returned by distance computations across different roots.
const MaxDistance = math.MaxInt

type TreeHop struct {
	Next PublicKey
	Port PeerPort
	Sig  Signature
}

// TreeInfo is a node's path to the root of the spanning tree. HSeq and Time are local
// bookkeeping and are never encoded.
type TreeInfo struct {
	Root PublicKey
	Seq  uint64
	Hops []TreeHop

	HSeq uint64
	Time time.Time
}

func (info *TreeInfo) appendHeader(b []byte) []byte {
	b = appendBytesField(b, 1, info.Root[:])
	return appendVarintField(b, 2, info.Seq)
}

func appendHop(b []byte, hop *TreeHop, signed bool) []byte {
	inner := appendBytesField(nil, 1, hop.Next[:])
	inner = appendVarintField(inner, 2, uint64(hop.Port))
	if signed {
		inner = appendBytesField(inner, 3, hop.Sig[:])
	}
	return appendEmbedded(b, 3, inner)
}

// SigningBytes is the unsigned encoding of the root, seq and hops[0..i].
func (info *TreeInfo) SigningBytes(i int) []byte {
	b := info.appendHeader(nil)
	for j := 0; j <= i && j < len(info.Hops); j++ {
		b = appendHop(b, &info.Hops[j], false)
	}
	return b
}

// VerifySignatures checks every hop against the unsigned prefix ending at that hop. Hop 0 is
// signed by the root and hop i by the Next key of hop i-1.
func (info *TreeInfo) VerifySignatures() bool {
	b := info.appendHeader(nil)
	signer := info.Root
	for i := range info.Hops {
		hop := &info.Hops[i]
		b = appendHop(b, hop, false)
		if !signer.Verify(b, hop.Sig) {
			return false
		}
		signer = hop.Next
	}
	return true
}

// Extend returns a copy of info with a hop to next appended and signed by key.
func (info *TreeInfo) Extend(key PrivateKey, next PublicKey, port PeerPort) *TreeInfo {
	out := &TreeInfo{
		Root: info.Root,
		Seq:  info.Seq,
		Hops: make([]TreeHop, len(info.Hops), len(info.Hops)+1),
	}
	copy(out.Hops, info.Hops)
	out.Hops = append(out.Hops, TreeHop{Next: next, Port: port})
	last := len(out.Hops) - 1
	out.Hops[last].Sig = key.Sign(out.SigningBytes(last))
	return out
}

// HopFrom is the key of the node that sent this info.
func (info *TreeInfo) HopFrom() PublicKey {
	if len(info.Hops) < 2 {
		return info.Root
	}
	return info.Hops[len(info.Hops)-2].Next
}

// HopDest is the key the info was addressed to, or false for a root info.
func (info *TreeInfo) HopDest() (PublicKey, bool) {
	if len(info.Hops) == 0 {
		return PublicKey{}, false
	}
	return info.Hops[len(info.Hops)-1].Next, true
}

// IsLoopSafe reports whether every key on the chain, root included, is distinct.
func (info *TreeInfo) IsLoopSafe() bool {
	seen := make(map[PublicKey]struct{}, len(info.Hops)+1)
	seen[info.Root] = struct{}{}
	for _, hop := range info.Hops {
		if _, ok := seen[hop.Next]; ok {
			return false
		}
		seen[hop.Next] = struct{}{}
	}
	return true
}

func (info *TreeInfo) Coords() []PeerPort {
	ports := make([]PeerPort, len(info.Hops))
	for i, hop := range info.Hops {
		ports[i] = hop.Port
	}
	return ports
}

func (info *TreeInfo) IsRoot() bool {
	return len(info.Hops) == 0
}

func (info *TreeInfo) DistanceToLabel(label *TreeLabel) int {
	if info.Root != label.Root {
		return MaxDistance
	}
	return CoordDistance(info.Coords(), label.Path)
}

// CoordDistance is the tree distance between two coordinates under the same root.
func CoordDistance(a, b []PeerPort) int {
	l := 0
	for l < len(a) && l < len(b) && a[l] == b[l] {
		l++
	}
	return len(a) + len(b) - 2*l
}

func (info *TreeInfo) String() string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("root=%s seq=%d hseq=%d path=[", info.Root.Short(), info.Seq, info.HSeq))
	for i, hop := range info.Hops {
		if i != 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprintf("%d:%s", hop.Port, hop.Next.Short()))
	}
	sb.WriteString("]")
	return sb.String()
}

func (info *TreeInfo) AppendWire(b []byte) []byte {
	b = info.appendHeader(b)
	for i := range info.Hops {
		b = appendHop(b, &info.Hops[i], true)
	}
	return b
}

func (info *TreeInfo) UnmarshalWire(b []byte) error {
	var p present
	*info = TreeInfo{}
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			info.Root, err = decodeKeyField(num, typ, v)
		case 2:
			info.Seq, err = decodeVarintField(num, typ, u)
		case 3:
			if err = expectType(num, typ, protowire.BytesType); err != nil {
				return err
			}
			var hop TreeHop
			if err = hop.unmarshalWire(v); err != nil {
				return err
			}
			info.Hops = append(info.Hops, hop)
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("tree info", 1, 2)
}

func (hop *TreeHop) unmarshalWire(b []byte) error {
	var p present
	err := rangeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case 1:
			hop.Next, err = decodeKeyField(num, typ, v)
		case 2:
			var port uint64
			port, err = decodeVarintField(num, typ, u)
			hop.Port = PeerPort(port)
		case 3:
			hop.Sig, err = decodeSigField(num, typ, v)
		}
		p.set(num)
		return err
	})
	if err != nil {
		return err
	}
	return p.require("tree hop", 1, 2, 3)
}

// TreeExpiredInfo records the freshest seq seen for a root and when it arrived.
type TreeExpiredInfo struct {
	Seq  uint64
	Time time.Time
}
