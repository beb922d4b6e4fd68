package msg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxMessageSize is the largest payload a length prefix may announce. The
// prefix is a 7-bit varint of at most five bytes.
const MaxMessageSize = 1<<31 - 1

var (
	ErrInvalidFrame   = errors.New("invalid message frame")
	ErrEmptyPayload   = errors.New("empty payload")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Frame prefixes payload with its varint length.
func Frame(payload []byte) []byte {
	buffer := make([]byte, 0, len(payload)+binary.MaxVarintLen32)
	buffer = binary.AppendUvarint(buffer, uint64(len(payload)))
	return append(buffer, payload...)
}

// Split breaks a transport frame into the payloads of the length-prefixed
// messages it carries. A truncated or oversized message fails the whole frame.
//
// Example:
//
//	payloads, err := msg.Split(data)
//	for _, p := range payloads {
//	    m, err := msg.Decode(p)
//	    ...
//	}
func Split(data []byte) ([][]byte, error) {
	payloads := make([][]byte, 0, 1)
	for len(data) > 0 {
		size, n := binary.Uvarint(data)
		if n <= 0 || n > 5 {
			return nil, fmt.Errorf("%w: bad length prefix", ErrInvalidFrame)
		}
		if size > MaxMessageSize {
			return nil, fmt.Errorf("%w: message of %d bytes exceeds limit", ErrInvalidFrame, size)
		}
		data = data[n:]
		if uint64(len(data)) < size {
			return nil, fmt.Errorf("%w: expected %d bytes, have %d", ErrInvalidFrame, size, len(data))
		}
		payloads = append(payloads, data[:size])
		data = data[size:]
	}
	return payloads, nil
}
