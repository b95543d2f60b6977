package state

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeKeys(n int) []PrivateKey {
	keys := make([]PrivateKey, n)
	for i := range keys {
		keys[i] = GenerateKey()
	}
	return keys
}

// makeChain signs a path keys[0] -> keys[1] -> ... -> keys[n-1], rooted at keys[0].
func makeChain(keys []PrivateKey, seq uint64) *TreeInfo {
	info := &TreeInfo{Root: keys[0].Public(), Seq: seq}
	for i := 0; i < len(keys)-1; i++ {
		info = info.Extend(keys[i], keys[i+1].Public(), PeerPort(i+1))
	}
	return info
}

func TestHopChainRoundTrip(t *testing.T) {
	for n := 1; n <= 6; n++ {
		info := makeChain(makeKeys(n), 42)
		assert.Len(t, info.Hops, n-1)
		assert.True(t, info.VerifySignatures(), "chain of %d keys", n)
	}
}

func TestHopChainBitFlips(t *testing.T) {
	keys := makeKeys(5)
	info := makeChain(keys, 42)
	require.True(t, info.VerifySignatures())

	clone := func() *TreeInfo {
		c := *info
		c.Hops = append([]TreeHop(nil), info.Hops...)
		return &c
	}

	for i := range info.Hops {
		for bit := 0; bit < SignatureSize*8; bit += 61 {
			c := clone()
			c.Hops[i].Sig[bit/8] ^= 1 << (bit % 8)
			assert.False(t, c.VerifySignatures(), "sig of hop %d bit %d", i, bit)
		}
		for bit := 0; bit < PublicKeySize*8; bit += 37 {
			c := clone()
			c.Hops[i].Next[bit/8] ^= 1 << (bit % 8)
			assert.False(t, c.VerifySignatures(), "next of hop %d bit %d", i, bit)
		}
		c := clone()
		c.Hops[i].Port ^= 1
		assert.False(t, c.VerifySignatures(), "port of hop %d", i)
	}
	for bit := 0; bit < PublicKeySize*8; bit += 13 {
		c := clone()
		c.Root[bit/8] ^= 1 << (bit % 8)
		assert.False(t, c.VerifySignatures(), "root bit %d", bit)
	}
	for bit := 0; bit < 64; bit++ {
		c := clone()
		c.Seq ^= 1 << bit
		assert.False(t, c.VerifySignatures(), "seq bit %d", bit)
	}
}

func TestHopSignaturesExcludeSignatures(t *testing.T) {
	keys := makeKeys(3)
	info := makeChain(keys, 1)

	// hop 1 covers hop 0 without its signature, so replacing it must not matter to hop 1
	unsigned := info.SigningBytes(1)
	info.Hops[0].Sig = Signature{}
	assert.Equal(t, unsigned, info.SigningBytes(1))
	assert.True(t, keys[1].Public().Verify(unsigned, info.Hops[1].Sig))
}

func TestForgedAncestorRejected(t *testing.T) {
	keys := makeKeys(4)
	info := makeChain(keys, 1)
	// keys[2] rewrites the hop signed by keys[1]
	forged := *info
	forged.Hops = append([]TreeHop(nil), info.Hops...)
	forged.Hops[1].Port = 99
	forged.Hops[1].Sig = keys[2].Sign(forged.SigningBytes(1))
	assert.False(t, forged.VerifySignatures())
}

func TestHopFromDest(t *testing.T) {
	keys := makeKeys(4)
	root := &TreeInfo{Root: keys[0].Public()}
	assert.Equal(t, keys[0].Public(), root.HopFrom())
	_, ok := root.HopDest()
	assert.False(t, ok)

	one := makeChain(keys[:2], 1)
	assert.Equal(t, keys[0].Public(), one.HopFrom())
	dest, ok := one.HopDest()
	assert.True(t, ok)
	assert.Equal(t, keys[1].Public(), dest)

	three := makeChain(keys, 1)
	assert.Equal(t, keys[2].Public(), three.HopFrom())
	dest, _ = three.HopDest()
	assert.Equal(t, keys[3].Public(), dest)
}

func TestIsLoopSafe(t *testing.T) {
	keys := makeKeys(4)
	assert.True(t, (&TreeInfo{Root: keys[0].Public()}).IsLoopSafe())
	for n := 2; n <= 4; n++ {
		assert.True(t, makeChain(keys[:n], 1).IsLoopSafe())
	}

	// reflected back to the root
	looped := makeChain(keys[:3], 1).Extend(keys[2], keys[0].Public(), 3)
	assert.False(t, looped.IsLoopSafe())

	// repeated intermediate key
	mid := makeChain(keys[:3], 1).Extend(keys[2], keys[1].Public(), 3)
	assert.False(t, mid.IsLoopSafe())

	// the repeat only shows up on the final hop
	last := makeChain(keys, 1).Extend(keys[3], keys[3].Public(), 4)
	assert.False(t, last.IsLoopSafe())
}

func TestCoordDistance(t *testing.T) {
	assert.Equal(t, 1, CoordDistance([]PeerPort{1, 2, 3}, []PeerPort{1, 2, 3, 4}))
	assert.Equal(t, 0, CoordDistance(nil, nil))
	assert.Equal(t, 3, CoordDistance(nil, []PeerPort{5, 6, 7}))
	assert.Equal(t, 4, CoordDistance([]PeerPort{1, 2, 3}, []PeerPort{1, 4, 5}))
	assert.Equal(t,
		CoordDistance([]PeerPort{9, 8}, []PeerPort{9, 7, 6}),
		CoordDistance([]PeerPort{9, 7, 6}, []PeerPort{9, 8}))
}

func TestDistanceToLabel(t *testing.T) {
	keys := makeKeys(4)
	info := makeChain(keys, 3)
	label := &TreeLabel{Key: keys[3].Public(), Root: keys[0].Public(), Seq: 3, Path: []PeerPort{1, 2, 3, 4}}
	assert.Equal(t, 1, info.DistanceToLabel(label))

	label.Root = keys[1].Public()
	assert.Equal(t, MaxDistance, info.DistanceToLabel(label))
}

func TestTreeInfoWire(t *testing.T) {
	info := makeChain(makeKeys(4), 1<<40)
	var decoded TreeInfo
	require.NoError(t, decoded.UnmarshalWire(info.AppendWire(nil)))
	if diff := cmp.Diff(info, &decoded, cmpopts.IgnoreFields(TreeInfo{}, "HSeq", "Time")); diff != "" {
		t.Fatalf("decoded tree info mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, decoded.VerifySignatures())
}

func TestTreeInfoWireRejectsMalformed(t *testing.T) {
	info := makeChain(makeKeys(3), 5)
	b := info.AppendWire(nil)

	var decoded TreeInfo
	assert.ErrorIs(t, decoded.UnmarshalWire(b[:len(b)-3]), ErrMalformed)
	assert.ErrorIs(t, decoded.UnmarshalWire([]byte{0x0a, 0x02, 0x01, 0x02}), ErrMalformed)
	// root field with the wrong wire type
	assert.ErrorIs(t, decoded.UnmarshalWire([]byte{0x08, 0x01}), ErrMalformed)
}
