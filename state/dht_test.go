package state

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeLabel(key PrivateKey, root PublicKey) TreeLabel {
	l := TreeLabel{Key: key.Public(), Root: root, Seq: 9, Path: []PeerPort{3, 1, 4}}
	l.Sign(key)
	return l
}

func TestLabelSignature(t *testing.T) {
	keys := makeKeys(2)
	l := makeLabel(keys[1], keys[0].Public())
	assert.True(t, l.Verify())

	l.Path[1] = 2
	assert.False(t, l.Verify())
}

func TestSetupTokenSignatures(t *testing.T) {
	keys := makeKeys(3)
	token := SetupToken{Source: keys[2].Public(), Dest: makeLabel(keys[1], keys[0].Public())}
	token.Sign(keys[1])
	assert.True(t, token.Verify())

	// signed by someone other than the label owner
	bad := token
	bad.Sign(keys[2])
	assert.False(t, bad.Verify())

	// label tampered after the token was signed
	bad = token
	bad.Dest.Seq++
	assert.False(t, bad.Verify())
}

func TestSetupSignatures(t *testing.T) {
	keys := makeKeys(3)
	token := SetupToken{Source: keys[2].Public(), Dest: makeLabel(keys[1], keys[0].Public())}
	token.Sign(keys[1])

	setup := Setup{Seq: 3, Token: token}
	setup.Sign(keys[2])
	assert.True(t, setup.Verify())

	replay := setup
	replay.Seq = 4
	assert.False(t, replay.Verify())

	other := setup
	other.Sign(keys[0])
	assert.False(t, other.Verify())
}

func TestMessageWire(t *testing.T) {
	keys := makeKeys(3)
	token := SetupToken{Source: keys[2].Public(), Dest: makeLabel(keys[1], keys[0].Public())}
	token.Sign(keys[1])
	boot := Bootstrap{makeLabel(keys[2], keys[0].Public())}
	setup := &Setup{Seq: 11, Token: token}
	setup.Sign(keys[2])

	msgs := []Message{
		&boot,
		&BootstrapAck{Request: boot, Response: token},
		setup,
		&Teardown{Seq: 1, Key: keys[0].Public(), Root: keys[1].Public(), RootSeq: 1 << 63},
		&PathLookup{Source: keys[0].Public(), Dest: keys[1].Public(), From: []PeerPort{1, 2}},
		&PathResponse{From: keys[0].Public(), Path: []PeerPort{1}, RPath: []PeerPort{2, 3}},
		&Traffic{Source: keys[0].Public(), Dest: keys[1].Public(), Payload: []byte("payload")},
	}
	for _, m := range msgs {
		decoded, err := NewMessage(m.Kind())
		require.NoError(t, err)
		require.NoError(t, decoded.UnmarshalWire(m.AppendWire(nil)), m.Kind().String())
		if diff := cmp.Diff(m, decoded); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", m.Kind(), diff)
		}
	}

	ack := msgs[1].(*BootstrapAck)
	assert.True(t, ack.Request.Verify())
	assert.True(t, ack.Response.Verify())
}

func TestMissingFieldsRejected(t *testing.T) {
	td := Teardown{Seq: 1}
	b := appendVarintField(nil, 1, td.Seq)
	assert.ErrorIs(t, td.UnmarshalWire(b), ErrMalformed)

	_, err := NewMessage(0)
	assert.ErrorIs(t, err, ErrMalformed)
}
