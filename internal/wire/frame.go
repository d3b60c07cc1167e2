package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single wire frame at 1 MiB, length prefix excluded.
// The replication batcher shares this cap when packing snapshot updates.
const MaxFrameSize = 1 << 20

// BatchSafetyMargin is subtracted from MaxFrameSize when the replication
// batcher packs update items, leaving room for the envelope around them.
const BatchSafetyMargin = 32

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrFrameEmpty    = errors.New("empty frame")
)

// ReadFrame reads one length-prefixed frame from r. The length is checked
// against MaxFrameSize before any payload allocation.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as a single length-prefixed frame. The prefix
// and payload go out in one Write call so concurrent writers on the same
// connection never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	if len(payload) == 0 {
		return ErrFrameEmpty
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}
