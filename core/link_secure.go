package core

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/encodeous/arbor/protocol"
	"github.com/encodeous/arbor/state"
	"github.com/flynn/noise"
)

const noiseMaxMsg = 65535

var (
	linkHeader    = append([]byte("meta"), state.ProtocolVersion[:]...)
	bindingPrefix = []byte("arbor-link-binding")

	ErrBadHeader   = errors.New("invalid header (incompatible version?)")
	ErrBadIdentity = errors.New("remote identity does not match its noise key")
)

// secureConn carries length-prefixed noise transport messages over a stream.
type secureConn struct {
	rw     io.ReadWriteCloser
	r      *bufio.Reader
	send   *noise.CipherState
	recv   *noise.CipherState
	remote state.PublicKey
	wmu    sync.Mutex
}

func (c *secureConn) WriteMsg(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ct, err := c.send.Encrypt(nil, nil, b)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(c.rw, ct, noiseMaxMsg)
}

// ReadMsg must only be called from one goroutine.
func (c *secureConn) ReadMsg() ([]byte, error) {
	ct, err := protocol.ReadFrame(c.r, noiseMaxMsg)
	if err != nil {
		return nil, err
	}
	return c.recv.Decrypt(nil, nil, ct)
}

func (c *secureConn) Close() error {
	return c.rw.Close()
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// identityPayload binds our ed25519 identity to the noise static key of this handshake.
func identityPayload(key state.PrivateKey, noisePub []byte) []byte {
	pub := key.Public()
	sig := key.Sign(append(append([]byte(nil), bindingPrefix...), noisePub...))
	b := make([]byte, 0, len(linkHeader)+state.PublicKeySize+state.SignatureSize)
	b = append(b, linkHeader...)
	b = append(b, pub[:]...)
	return append(b, sig[:]...)
}

func checkIdentityPayload(payload, noisePub []byte) (state.PublicKey, error) {
	if len(payload) != len(linkHeader)+state.PublicKeySize+state.SignatureSize ||
		!bytes.Equal(payload[:len(linkHeader)], linkHeader) {
		return state.PublicKey{}, ErrBadHeader
	}
	payload = payload[len(linkHeader):]
	pub, err := state.ParsePublicKey(payload[:state.PublicKeySize])
	if err != nil {
		return state.PublicKey{}, err
	}
	sig, err := state.ParseSignature(payload[state.PublicKeySize:])
	if err != nil {
		return state.PublicKey{}, err
	}
	if !pub.Verify(append(append([]byte(nil), bindingPrefix...), noisePub...), sig) {
		return state.PublicKey{}, ErrBadIdentity
	}
	return pub, nil
}

// secureHandshake runs Noise_XX over rw. Both sides prove their ed25519 identity inside the
// encrypted handshake payloads.
func secureHandshake(rw io.ReadWriteCloser, key state.PrivateKey, initiator bool, timeout time.Duration) (*secureConn, error) {
	if d, ok := rw.(deadliner); ok {
		_ = d.SetDeadline(time.Now().Add(timeout))
		defer d.SetDeadline(time.Time{})
	}
	priv, pub := key.NoiseKeypair()
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: noise.DHKey{Private: priv, Public: pub},
	})
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(rw)
	write := func(payload []byte) (*noise.CipherState, *noise.CipherState, error) {
		msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
		if err != nil {
			return nil, nil, err
		}
		return cs1, cs2, protocol.WriteFrame(rw, msg, noiseMaxMsg)
	}
	read := func() ([]byte, *noise.CipherState, *noise.CipherState, error) {
		msg, err := protocol.ReadFrame(br, noiseMaxMsg)
		if err != nil {
			return nil, nil, nil, err
		}
		return hs.ReadMessage(nil, msg)
	}

	conn := &secureConn{rw: rw, r: br}
	if initiator {
		// -> e
		if _, _, err = write(nil); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		// <- e, ee, s, es
		payload, _, _, err := read()
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		if conn.remote, err = checkIdentityPayload(payload, hs.PeerStatic()); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		// -> s, se
		cs1, cs2, err := write(identityPayload(key, pub))
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		conn.send, conn.recv = cs1, cs2
	} else {
		// <- e
		if _, _, _, err = read(); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		// -> e, ee, s, es
		if _, _, err = write(identityPayload(key, pub)); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		// <- s, se
		payload, cs1, cs2, err := read()
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		if conn.remote, err = checkIdentityPayload(payload, hs.PeerStatic()); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		conn.send, conn.recv = cs2, cs1
	}
	return conn, nil
}
