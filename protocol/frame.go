package protocol

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// ErrFrameTooLarge means the stream is out of sync or the peer is misbehaving.
type ErrFrameTooLarge struct {
	Size, Max uint64
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d", e.Size, e.Max)
}

// WriteFrame writes b prefixed with its uvarint length.
func WriteFrame(w io.Writer, b []byte, max int) error {
	if len(b) > max {
		return &ErrFrameTooLarge{uint64(len(b)), uint64(max)}
	}
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(b)))+len(b))
	buf = append(buf, varint.ToUvarint(uint64(len(b)))...)
	buf = append(buf, b...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > uint64(max) {
		return nil, &ErrFrameTooLarge{size, uint64(max)}
	}
	b := make([]byte, size)
	if _, err = io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
