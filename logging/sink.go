package logging

import "go.uber.org/zap"

// Sink receives the events emitted by the codec self-test, the send manager
// and the hub handlers. Presentation is left to the implementation.
type Sink interface {
	// LogInfo records a progress or success event.
	LogInfo(msg string, fields ...zap.Field)
	// LogError records a failure. err may be nil when there is no underlying
	// error value, only a failed expectation.
	LogError(msg string, err error, fields ...zap.Field)
}

type zapSink struct {
	logger *zap.Logger
}

// NewSink adapts a zap.Logger to the Sink interface. A nil logger yields a
// sink that discards everything.
func NewSink(logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapSink{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (s *zapSink) LogInfo(msg string, fields ...zap.Field) {
	s.logger.Info(msg, fields...)
}

// LogError logs msg at error level with the full error detail attached.
func (s *zapSink) LogError(msg string, err error, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Error(msg, fields...)
}
