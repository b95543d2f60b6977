package state

import (
	"crypto/ed25519"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyTextRoundTrip(t *testing.T) {
	priv := GenerateKey()
	text, err := priv.MarshalText()
	require.NoError(t, err)

	var parsed PrivateKey
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, priv, parsed)

	pubText, err := priv.Public().MarshalText()
	require.NoError(t, err)
	var pub PublicKey
	require.NoError(t, pub.UnmarshalText(pubText))
	assert.Equal(t, priv.Public(), pub)
}

func TestPrivateKeyFromSeedText(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 1
	expected, err := PrivateKeyFromSeed(seed)
	require.NoError(t, err)

	var k PrivateKey
	require.NoError(t, k.UnmarshalText([]byte("01"+"00000000000000000000000000000000000000000000000000000000000000")))
	assert.Equal(t, expected, k)
}

func TestParseKeyErrors(t *testing.T) {
	_, err := ParsePublicKey(make([]byte, 31))
	assert.Error(t, err)
	_, err = ParseSignature(make([]byte, 63))
	assert.Error(t, err)

	// the public half must match the seed
	k := GenerateKey()
	k[40] ^= 1
	_, err = ParsePrivateKey(k[:])
	assert.Error(t, err)

	var pub PublicKey
	assert.Error(t, pub.UnmarshalText([]byte("zz")))
}

func TestKeyHashRoundTrip(t *testing.T) {
	for i := 0; i < 16; i++ {
		k := GenerateKey().Public()
		assert.Equal(t, k, KeyFromHash(k.Hash()))
	}
}

func TestKeyHashPreservesOrder(t *testing.T) {
	for i := 0; i < 64; i++ {
		a := GenerateKey().Public()
		b := GenerateKey().Public()
		assert.Equal(t, a.Less(b), a.Hash().Less(b.Hash()))
	}
}

func TestSignVerify(t *testing.T) {
	k := GenerateKey()
	sig := k.Sign([]byte("hello"))
	assert.True(t, k.Public().Verify([]byte("hello"), sig))
	assert.False(t, k.Public().Verify([]byte("hellp"), sig))
	assert.False(t, GenerateKey().Public().Verify([]byte("hello"), sig))
}

func TestNoiseKeypairDeterministic(t *testing.T) {
	k := GenerateKey()
	priv1, pub1 := k.NoiseKeypair()
	priv2, pub2 := k.NoiseKeypair()
	assert.Equal(t, priv1, priv2)
	assert.Equal(t, pub1, pub2)
	assert.Len(t, pub1, 32)

	_, other := GenerateKey().NoiseKeypair()
	assert.NotEqual(t, pub1, other)
}

func TestAddrForKey(t *testing.T) {
	var k PublicKey
	// inverted: ff 7f ff ... so 8 leading ones, a zero, then all ones
	k[0] = 0x00
	k[1] = 0x80
	addr := AddrForKey(k)
	a := addr.As16()
	assert.Equal(t, byte(AddressPrefix), a[0])
	assert.Equal(t, byte(8), a[1])
	for _, b := range a[2:] {
		assert.Equal(t, byte(0xff), b)
	}
	assert.True(t, IsOverlayAddr(addr))
	assert.False(t, IsOverlaySubnet(addr))

	snet := SubnetForKey(k)
	assert.Equal(t, 64, snet.Bits())
	assert.True(t, IsOverlaySubnet(snet.Addr()))
	assert.Equal(t, netip.MustParsePrefix("308:ffff:ffff:ffff::/64"), snet)
}

func TestAddrForKeyDistinct(t *testing.T) {
	a := GenerateKey().Public()
	b := GenerateKey().Public()
	assert.NotEqual(t, AddrForKey(a), AddrForKey(b))
}
