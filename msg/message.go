package msg

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MessageType identifies a hub protocol message. The values are fixed by the
// protocol and shared with non-Go hub implementations.
type MessageType int

const (
	InvocationType       MessageType = 1
	StreamItemType       MessageType = 2
	CompletionType       MessageType = 3
	StreamInvocationType MessageType = 4
	CancelInvocationType MessageType = 5
	PingType             MessageType = 6
	CloseType            MessageType = 7
)

// Completion result kinds.
const (
	resultError    = 1
	resultVoid     = 2
	resultNonVoid  = 3
	invocationSize = 6
)

// Message is a decoded hub protocol message.
type Message interface {
	Type() MessageType
}

// Invocation calls Target on the remote side. An empty InvocationID marks a
// fire-and-forget call that expects no Completion.
type Invocation struct {
	Headers      map[string]string
	InvocationID string
	Target       string
	Arguments    []msgpack.RawMessage
	StreamIDs    []string
}

// Completion ends the invocation with the same ID, carrying either an error,
// nothing, or a result.
type Completion struct {
	Headers      map[string]string
	InvocationID string
	Error        string
	Result       msgpack.RawMessage
	HasResult    bool
}

// Ping keeps an idle connection alive.
type Ping struct{}

// Close announces that the sender is closing the connection.
type Close struct {
	Error          string
	AllowReconnect bool
}

func (*Invocation) Type() MessageType { return InvocationType }
func (*Completion) Type() MessageType { return CompletionType }
func (*Ping) Type() MessageType       { return PingType }
func (*Close) Type() MessageType      { return CloseType }

// NewInvocation encodes args and builds an invocation of target.
func NewInvocation(id, target string, args ...any) (*Invocation, error) {
	inv := &Invocation{
		InvocationID: id,
		Target:       target,
		Arguments:    make([]msgpack.RawMessage, 0, len(args)),
	}
	for i, a := range args {
		b, err := msgpack.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d of %s: %w", i, target, err)
		}
		inv.Arguments = append(inv.Arguments, b)
	}
	return inv, nil
}

// Bind decodes argument index into v.
func (i *Invocation) Bind(index int, v any) error {
	if index < 0 || index >= len(i.Arguments) {
		return fmt.Errorf("%s: argument %d missing, got %d arguments", i.Target, index, len(i.Arguments))
	}
	if err := msgpack.Unmarshal(i.Arguments[index], v); err != nil {
		return fmt.Errorf("%s: decode argument %d: %w", i.Target, index, err)
	}
	return nil
}

// NewCompletion builds a void completion, or an error completion when err is
// non-nil.
func NewCompletion(id string, err error) *Completion {
	c := &Completion{InvocationID: id}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}

// NewResultCompletion builds a completion carrying result.
func NewResultCompletion(id string, result any) (*Completion, error) {
	b, err := msgpack.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", id, err)
	}
	return &Completion{InvocationID: id, Result: b, HasResult: true}, nil
}

// Decode unmarshals the completion result into v.
func (c *Completion) Decode(v any) error {
	if !c.HasResult {
		return errors.New("completion carries no result")
	}
	return msgpack.Unmarshal(c.Result, v)
}

// Encode serializes m and prefixes it with its length, ready to be written
// to the transport.
func Encode(m Message) ([]byte, error) {
	var buffer bytes.Buffer
	enc := msgpack.NewEncoder(&buffer)

	var err error
	switch v := m.(type) {
	case *Invocation:
		err = encodeInvocation(enc, v)
	case *Completion:
		err = encodeCompletion(enc, v)
	case *Ping:
		if err = enc.EncodeArrayLen(1); err == nil {
			err = enc.EncodeInt(int64(PingType))
		}
	case *Close:
		err = encodeClose(enc, v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return Frame(buffer.Bytes()), nil
}

func encodeInvocation(enc *msgpack.Encoder, v *Invocation) error {
	if err := enc.EncodeArrayLen(invocationSize); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(InvocationType)); err != nil {
		return err
	}
	if err := encodeHeaders(enc, v.Headers); err != nil {
		return err
	}
	if err := encodeNullableString(enc, v.InvocationID); err != nil {
		return err
	}
	if err := enc.EncodeString(v.Target); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(v.Arguments)); err != nil {
		return err
	}
	for _, a := range v.Arguments {
		if err := encodeRaw(enc, a); err != nil {
			return err
		}
	}
	if err := enc.EncodeArrayLen(len(v.StreamIDs)); err != nil {
		return err
	}
	for _, id := range v.StreamIDs {
		if err := enc.EncodeString(id); err != nil {
			return err
		}
	}
	return nil
}

func encodeCompletion(enc *msgpack.Encoder, v *Completion) error {
	kind := resultVoid
	size := 4
	switch {
	case v.Error != "":
		kind, size = resultError, 5
	case v.HasResult:
		kind, size = resultNonVoid, 5
	}
	if err := enc.EncodeArrayLen(size); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(CompletionType)); err != nil {
		return err
	}
	if err := encodeHeaders(enc, v.Headers); err != nil {
		return err
	}
	if err := enc.EncodeString(v.InvocationID); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(kind)); err != nil {
		return err
	}
	switch kind {
	case resultError:
		return enc.EncodeString(v.Error)
	case resultNonVoid:
		return encodeRaw(enc, v.Result)
	}
	return nil
}

func encodeClose(enc *msgpack.Encoder, v *Close) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(CloseType)); err != nil {
		return err
	}
	if err := encodeNullableString(enc, v.Error); err != nil {
		return err
	}
	return enc.EncodeBool(v.AllowReconnect)
}

func encodeHeaders(enc *msgpack.Encoder, headers map[string]string) error {
	if err := enc.EncodeMapLen(len(headers)); err != nil {
		return err
	}
	for k, v := range headers {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.EncodeString(v); err != nil {
			return err
		}
	}
	return nil
}

func encodeNullableString(enc *msgpack.Encoder, s string) error {
	if s == "" {
		return enc.EncodeNil()
	}
	return enc.EncodeString(s)
}

func encodeRaw(enc *msgpack.Encoder, raw msgpack.RawMessage) error {
	if len(raw) == 0 {
		return enc.EncodeNil()
	}
	return enc.Encode(raw)
}

// Decode parses one unframed message payload, as returned by Split.
// Message types the hub does not implement yield ErrUnknownMessage.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: empty message array", ErrInvalidFrame)
	}
	t, err := dec.DecodeInt()
	if err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrInvalidFrame, err)
	}

	var m Message
	switch MessageType(t) {
	case InvocationType:
		m, err = decodeInvocation(dec, n)
	case CompletionType:
		m, err = decodeCompletion(dec, n)
	case PingType:
		m = &Ping{}
	case CloseType:
		m, err = decodeClose(dec, n)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return m, nil
}

// Parse splits a transport frame and decodes every message in it. Messages
// of unknown type are skipped.
func Parse(data []byte) ([]Message, error) {
	payloads, err := Split(data)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(payloads))
	for _, p := range payloads {
		m, err := Decode(p)
		if errors.Is(err, ErrUnknownMessage) {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func decodeInvocation(dec *msgpack.Decoder, n int) (*Invocation, error) {
	if n < 5 {
		return nil, fmt.Errorf("invocation has %d fields", n)
	}
	inv := &Invocation{}
	var err error
	if inv.Headers, err = decodeHeaders(dec); err != nil {
		return nil, err
	}
	if inv.InvocationID, err = decodeNullableString(dec); err != nil {
		return nil, err
	}
	if inv.Target, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	count, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		raw, err := dec.DecodeRaw()
		if err != nil {
			return nil, err
		}
		inv.Arguments = append(inv.Arguments, raw)
	}
	if n > 5 {
		count, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			id, err := dec.DecodeString()
			if err != nil {
				return nil, err
			}
			inv.StreamIDs = append(inv.StreamIDs, id)
		}
	}
	return inv, nil
}

func decodeCompletion(dec *msgpack.Decoder, n int) (*Completion, error) {
	if n < 4 {
		return nil, fmt.Errorf("completion has %d fields", n)
	}
	c := &Completion{}
	var err error
	if c.Headers, err = decodeHeaders(dec); err != nil {
		return nil, err
	}
	if c.InvocationID, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	kind, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	switch kind {
	case resultVoid:
	case resultError:
		if n < 5 {
			return nil, errors.New("error completion without error")
		}
		if c.Error, err = dec.DecodeString(); err != nil {
			return nil, err
		}
		if c.Error == "" {
			c.Error = "unspecified error"
		}
	case resultNonVoid:
		if n < 5 {
			return nil, errors.New("result completion without result")
		}
		if c.Result, err = dec.DecodeRaw(); err != nil {
			return nil, err
		}
		c.HasResult = true
	default:
		return nil, fmt.Errorf("invalid result kind %d", kind)
	}
	return c, nil
}

func decodeClose(dec *msgpack.Decoder, n int) (*Close, error) {
	c := &Close{}
	var err error
	if n > 1 {
		if c.Error, err = decodeNullableString(dec); err != nil {
			return nil, err
		}
	}
	if n > 2 {
		if c.AllowReconnect, err = dec.DecodeBool(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func decodeHeaders(dec *msgpack.Decoder) (map[string]string, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	headers := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		v, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		headers[k] = v
	}
	return headers, nil
}

func decodeNullableString(dec *msgpack.Decoder) (string, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return "", err
	}
	if code == msgpcode.Nil {
		return "", dec.DecodeNil()
	}
	return dec.DecodeString()
}
