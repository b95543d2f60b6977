// Package protocol turns routing records into link payloads and frames them on a stream.
package protocol

import (
	"errors"
	"fmt"

	"github.com/encodeous/arbor/state"
)

var ErrEmpty = errors.New("empty message")

// Marshal encodes m as its kind byte followed by the record.
func Marshal(m state.Message) []byte {
	b := make([]byte, 1, 128)
	b[0] = byte(m.Kind())
	return m.AppendWire(b)
}

func Unmarshal(b []byte) (state.Message, error) {
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	m, err := state.NewMessage(state.MessageKind(b[0]))
	if err != nil {
		return nil, err
	}
	if err = m.UnmarshalWire(b[1:]); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", m.Kind(), err)
	}
	return m, nil
}
