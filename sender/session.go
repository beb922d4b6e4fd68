package sender

import (
	"context"
	"sync"

	"github.com/rs/xid"
)

// Session is one send attempt: a cancellation signal and a completion signal
// that fires exactly once. Sessions are superseded, never reused.
type Session struct {
	id     xid.ID
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     xid.New(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id.String() }

// Cancel asks the attempt to stop. It is observed when the connection opens
// and while the invocation is in flight.
func (s *Session) Cancel() { s.cancel() }

// Done is closed once the attempt has fully unwound.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool { return s.ctx.Err() != nil }

func (s *Session) finish() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}
