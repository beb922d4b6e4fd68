// Package msg provides the binary codec and wire messages exchanged between
// hub clients and the hub server. Records and hub protocol messages are
// encoded with MessagePack; protocol messages are length-prefixed so several
// can share one transport frame.
package msg

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Record is the single-field payload exchanged between client and server.
// It is encoded as a MessagePack map keyed by "Value".
type Record struct {
	Value string `msgpack:"Value"`
}

// NewRecord creates a Record carrying value.
func NewRecord(value string) Record {
	return Record{Value: value}
}

// Serialize encodes the record with the MessagePack codec.
func (r Record) Serialize() ([]byte, error) {
	return MessagePack.Marshal(r)
}

// Deserialize decodes data produced by Serialize into r.
func (r *Record) Deserialize(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("deserialize record: %w", ErrEmptyPayload)
	}
	var out Record
	if err := MessagePack.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("deserialize record: %w", err)
	}
	*r = out
	return nil
}

// Codec serializes values to and from bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// MessagePack is the codec used on the wire.
var MessagePack Codec = msgpackCodec{}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
