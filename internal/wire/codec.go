package wire

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Encoding is core-deterministic so that marshaling the same message twice
// yields the same bytes. The replication batcher relies on this when it
// pre-computes item sizes against the frame cap.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: encoder setup: %v", err))
	}
	decOpts := cbor.DecOptions{
		MaxArrayElements: 128 * 1024,
		MaxMapPairs:      128 * 1024,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: decoder setup: %v", err))
	}
}

// Marshal serializes a message into its wire payload (no frame prefix).
func Marshal(m *Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal parses a wire payload into a message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}
	return &m, nil
}

// MarshalValue serializes any wire struct with the deterministic encoder.
// Used for signature inputs (contracts, cards) and batch size estimation.
func MarshalValue(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// WriteMessage marshals m and writes it as one frame.
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and unmarshals it.
func ReadMessage(r io.Reader) (*Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}
