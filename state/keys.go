package state

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
)

type PublicKey [PublicKeySize]byte
type PrivateKey [PrivateKeySize]byte
type Signature [SignatureSize]byte

// KeyHash is a comparable, fixed-width view of a PublicKey used as a map key.
type KeyHash [4]uint64

func GenerateKey() PrivateKey {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return PrivateKey(priv)
}

func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return PrivateKey{}, fmt.Errorf("invalid seed length %d, expected %d", len(seed), ed25519.SeedSize)
	}
	return PrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

func ParsePrivateKey(b []byte) (PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return PrivateKey{}, fmt.Errorf("invalid private key length %d, expected %d", len(b), PrivateKeySize)
	}
	k := PrivateKey(b)
	derived := ed25519.NewKeyFromSeed(k[:ed25519.SeedSize])
	if !bytes.Equal(derived, b) {
		return PrivateKey{}, fmt.Errorf("private key does not match its embedded public key")
	}
	return k, nil
}

func ParsePublicKey(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("invalid public key length %d, expected %d", len(b), PublicKeySize)
	}
	return PublicKey(b), nil
}

func ParseSignature(b []byte) (Signature, error) {
	if len(b) != SignatureSize {
		return Signature{}, fmt.Errorf("invalid signature length %d, expected %d", len(b), SignatureSize)
	}
	return Signature(b), nil
}

func (k PrivateKey) Public() PublicKey {
	return PublicKey(k[ed25519.SeedSize:])
}

func (k PrivateKey) Sign(msg []byte) Signature {
	return Signature(ed25519.Sign(k[:], msg))
}

func (k PrivateKey) Std() ed25519.PrivateKey {
	return ed25519.PrivateKey(k[:])
}

// NoiseKeypair derives the curve25519 static keypair used by the link handshake.
func (k PrivateKey) NoiseKeypair() (priv, pub []byte) {
	h := sha512.Sum512(k[:ed25519.SeedSize])
	priv = h[:curve25519.ScalarSize]
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

func (k PublicKey) Verify(msg []byte, sig Signature) bool {
	return ed25519.Verify(k[:], msg, sig[:])
}

func (k PublicKey) Less(o PublicKey) bool {
	return bytes.Compare(k[:], o[:]) < 0
}

func (k PublicKey) Equal(o PublicKey) bool {
	return k == o
}

func (k PublicKey) Hash() KeyHash {
	var h KeyHash
	for i := range h {
		h[i] = binary.BigEndian.Uint64(k[i*8:])
	}
	return h
}

func KeyFromHash(h KeyHash) PublicKey {
	var k PublicKey
	for i, w := range h {
		binary.BigEndian.PutUint64(k[i*8:], w)
	}
	return k
}

// Less orders hashes the same way PublicKey.Less orders keys.
func (h KeyHash) Less(o KeyHash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Short is the abbreviated form used in logs.
func (k PublicKey) Short() string {
	return hex.EncodeToString(k[:4])
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k[:])), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	data, err := hex.DecodeString(string(bytes.TrimSpace(text)))
	if err != nil {
		return err
	}
	key, err := ParsePublicKey(data)
	if err != nil {
		return err
	}
	*k = key
	return nil
}

func (k PrivateKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k[:])), nil
}

// UnmarshalText accepts either the 32 byte seed or the full 64 byte key.
func (k *PrivateKey) UnmarshalText(text []byte) error {
	data, err := hex.DecodeString(string(bytes.TrimSpace(text)))
	if err != nil {
		return err
	}
	var key PrivateKey
	if len(data) == ed25519.SeedSize {
		key, err = PrivateKeyFromSeed(data)
	} else {
		key, err = ParsePrivateKey(data)
	}
	if err != nil {
		return err
	}
	*k = key
	return nil
}
