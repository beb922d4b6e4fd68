// Package sender drives single send attempts against a hub. A Manager owns
// at most one live Session; each SendOnce cancels the previous attempt and
// waits for it to unwind before opening its own connection.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markoxley/beacon/config"
	"github.com/markoxley/beacon/hubconn"
	"github.com/markoxley/beacon/logging"
	"github.com/markoxley/beacon/msg"
)

// TimestampLayout formats the payload of every message sent.
const TimestampLayout = "2006-01-02 15:04:05"

// stopTimeout bounds how long closing a connection may take.
const stopTimeout = 5 * time.Second

// Conn is the part of a hub connection the Manager drives.
type Conn interface {
	Start(ctx context.Context) error
	Invoke(ctx context.Context, method string, args ...any) error
	State() hubconn.State
	Stop(ctx context.Context) error
	Observe(o hubconn.Observer)
}

// Dialer builds a new, unstarted connection for a hub URL.
type Dialer func(url string) Conn

// HubDialer returns a Dialer producing hubconn connections with cfg.
func HubDialer(cfg hubconn.Config) Dialer {
	return func(url string) Conn {
		return hubconn.New(url, cfg)
	}
}

// Manager performs cancel-and-restart sends.
type Manager struct {
	sink   logging.Sink
	dial   Dialer
	path   string
	method string
	now    func() time.Time

	mu      sync.Mutex
	current *Session
}

// NewManager creates a Manager. Path and Method fall back to "/myhub" and
// "SendMessage" when empty.
func NewManager(cfg config.ClientConfig, sink logging.Sink, dial Dialer) *Manager {
	if cfg.Path == "" {
		cfg.Path = "/myhub"
	}
	if cfg.Method == "" {
		cfg.Method = "SendMessage"
	}
	if sink == nil {
		sink = logging.NewSink(nil)
	}
	return &Manager{
		sink:   sink,
		dial:   dial,
		path:   cfg.Path,
		method: cfg.Method,
		now:    time.Now,
	}
}

// Current returns the most recent session, or nil before the first send.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SendOnce connects to target (host:port), sends the current timestamp and
// disconnects. Failures are logged, never returned. Concurrent calls are
// chained: each cancels its predecessor and waits for it to finish before
// connecting.
func (m *Manager) SendOnce(target string) {
	session := newSession()
	defer session.finish()

	m.mu.Lock()
	prev := m.current
	m.current = session
	m.mu.Unlock()
	m.supersede(prev)

	log := zap.String("session", session.ID())
	if session.Cancelled() {
		m.sink.LogInfo("Send operation cancelled before it started.", log)
		return
	}

	url := "http://" + target + m.path
	m.sink.LogInfo("Attempting to connect to hub at: "+url, log)
	conn := m.dial(url)
	m.observe(conn, log)
	defer m.close(conn, log)

	if err := conn.Start(session.ctx); err != nil {
		m.sink.LogError("Error connecting to hub", err, log, zap.String("url", url))
		m.sink.LogError("Please ensure the hub is running and accessible at the specified URL.", nil, log)
		return
	}
	m.sink.LogInfo("Connection started successfully.", log)

	payload := m.now().Format(TimestampLayout)
	if err := conn.Invoke(session.ctx, m.method, msg.NewRecord(payload)); err != nil {
		m.sink.LogError("Error sending message", err, log)
		return
	}
	m.sink.LogInfo(fmt.Sprintf("Message '%s' sent to server.", payload), log)
}

// Shutdown cancels the current session and waits for it to finish.
func (m *Manager) Shutdown() {
	m.supersede(m.Current())
}

func (m *Manager) supersede(prev *Session) {
	if prev == nil {
		return
	}
	select {
	case <-prev.Done():
		return
	default:
	}
	m.sink.LogInfo("Cancelling previous send operation...", zap.String("session", prev.ID()))
	prev.Cancel()
	<-prev.Done()
}

func (m *Manager) close(conn Conn, log zap.Field) {
	if conn.State() == hubconn.Disconnected {
		return
	}
	m.sink.LogInfo("Stopping connection...", log)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := conn.Stop(ctx); err != nil {
		m.sink.LogError("Error stopping connection", err, log)
	}
	m.sink.LogInfo("Connection stopped.", log)
}

// observe reports the connection's lifecycle events through the sink.
func (m *Manager) observe(conn Conn, log zap.Field) {
	conn.Observe(func(ev hubconn.Event) {
		switch ev.Kind {
		case hubconn.EventClosed:
			if ev.Err != nil {
				m.sink.LogError("Connection closed with error.", ev.Err, log)
				return
			}
			m.sink.LogInfo("Connection closed without error.", log)
		case hubconn.EventReconnecting:
			m.sink.LogError("Connection reconnecting", ev.Err, log)
		case hubconn.EventReconnected:
			m.sink.LogInfo("Connection reconnected. New connection ID: "+ev.ConnectionID, log)
		}
	})
}

var ErrInvalidTarget = errors.New("invalid target")

// ValidateTarget checks that target is a host:port pair with a usable port.
func ValidateTarget(target string) error {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidTarget, target, err)
	}
	if host == "" {
		return fmt.Errorf("%w %q: missing host", ErrInvalidTarget, target)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w %q: bad port %q", ErrInvalidTarget, target, port)
	}
	return nil
}
