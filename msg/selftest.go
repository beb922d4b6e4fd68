package msg

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/markoxley/beacon/logging"
)

// selfTestPayload is the known value round-tripped by SelfTest.
const selfTestPayload = "Test"

// SelfTest round-trips a sample Record through the MessagePack codec and
// reports the outcome to sink. It never panics and never returns an error;
// the result is a startup diagnostic only.
//
// Returns:
//   - bool: true if the decoded record matches the original
func SelfTest(sink logging.Sink) bool {
	return SelfTestCodec(sink, MessagePack)
}

// SelfTestCodec is SelfTest against an arbitrary codec.
func SelfTestCodec(sink logging.Sink, codec Codec) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			sink.LogError("MessagePack serialization/deserialization failed", fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	in := NewRecord(selfTestPayload)
	b, err := codec.Marshal(in)
	if err != nil {
		sink.LogError("MessagePack serialization/deserialization failed", err)
		return false
	}
	var out Record
	if err := codec.Unmarshal(b, &out); err != nil {
		sink.LogError("MessagePack serialization/deserialization failed", err)
		return false
	}
	if out != in {
		sink.LogError("MessagePack serialization/deserialization test failed", nil,
			zap.String("want", in.Value), zap.String("got", out.Value))
		return false
	}
	sink.LogInfo("MessagePack serialization/deserialization test passed", zap.Int("bytes", len(b)))
	return true
}
