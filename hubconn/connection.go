// MIT License
//
// Copyright (c) 2025 DaggerTech
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package hubconn is the client side of a hub connection. It negotiates with
// the hub over HTTP, opens a binary WebSocket, performs the protocol
// handshake and then carries invocations in both directions.
//
// Lifecycle:
//   - Start moves Disconnected -> Connecting -> Connected
//   - A lost transport moves Connected -> Reconnecting when ReconnectDelays
//     is set, otherwise straight to Disconnected
//   - Stop always ends in Disconnected and is safe to call repeatedly
//
// Observers registered with Observe receive Closed, Reconnecting and
// Reconnected events.
//
// Example usage:
//
//	conn := hubconn.New("http://127.0.0.1:5005/myhub", hubconn.DefaultConfig())
//	if err := conn.Start(ctx); err != nil {
//	    return err
//	}
//	defer conn.Stop(context.Background())
//	err := conn.Invoke(ctx, "SendMessage", msg.NewRecord("hello"))
package hubconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/markoxley/beacon/msg"
)

const writeTimeout = 10 * time.Second

var (
	ErrNotConnected     = errors.New("connection is not in the Connected state")
	ErrConnectionClosed = errors.New("connection closed before the invocation completed")
	ErrAlreadyStarted   = errors.New("connection is not in the Disconnected state")
	ErrNoTransport      = errors.New("hub does not offer binary WebSockets")
)

// HubError is returned by Invoke when the hub answers with an error
// completion.
type HubError struct {
	Method  string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub method %s failed: %s", e.Method, e.Message)
}

// ServerCloseError reports that the hub closed the connection with an error.
type ServerCloseError struct {
	Message        string
	AllowReconnect bool
}

func (e *ServerCloseError) Error() string {
	return "server closed the connection: " + e.Message
}

// Handler receives invocations the hub makes on the client. Handlers run on
// the read goroutine, so they must not wait on Invoke.
type Handler func(inv *msg.Invocation)

// Connection is a client connection to a hub. All methods are safe for
// concurrent use.
type Connection struct {
	url    string
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	connectionID string
	ws           *websocket.Conn
	stopping     bool
	life         context.Context
	cancelLife   context.CancelFunc
	done         chan struct{}
	nextID       uint64
	pending      map[string]chan *msg.Completion
	handlers     map[string]Handler
	observers    []Observer

	writeMu sync.Mutex
}

// New creates a disconnected Connection for the hub at rawURL, for example
// "http://127.0.0.1:5005/myhub".
func New(rawURL string, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		url:      strings.TrimRight(rawURL, "/"),
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("hub", rawURL)),
		pending:  make(map[string]chan *msg.Completion),
		handlers: make(map[string]Handler),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the ID the hub assigned on the last successful
// negotiation.
func (c *Connection) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// On registers h for invocations of method made by the hub. Method names
// match case-insensitively.
func (c *Connection) On(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.ToLower(method)] = h
}

// Observe registers o for lifecycle events.
func (c *Connection) Observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Start connects to the hub. It fails with ErrAlreadyStarted unless the
// connection is Disconnected. Cancelling ctx or calling Stop aborts the
// attempt.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = Connecting
	c.stopping = false
	c.life, c.cancelLife = context.WithCancel(context.Background())
	done := make(chan struct{})
	c.done = done
	life := c.life
	c.mu.Unlock()

	ws, id, rest, err := c.open(ctx, life)
	if err == nil {
		c.mu.Lock()
		if c.stopping {
			err = context.Canceled
		} else {
			c.ws, c.connectionID, c.state = ws, id, Connected
		}
		c.mu.Unlock()
		if err != nil {
			_ = ws.Close()
		}
	}
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.cancelLife()
		c.mu.Unlock()
		close(done)
		return err
	}

	c.logger.Debug("connected", zap.String("connectionId", id))
	go c.run(ws, rest, done)
	return nil
}

// Stop closes the connection and waits until it is Disconnected or ctx
// ends. Stopping a disconnected connection does nothing.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.cancelLife()
	ws, done := c.ws, c.done
	c.mu.Unlock()

	if ws != nil {
		if bye, err := msg.Encode(&msg.Close{}); err == nil {
			_ = c.write(ws, bye)
		}
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke calls method on the hub and waits for its completion. An error
// completion is returned as a *HubError.
func (c *Connection) Invoke(ctx context.Context, method string, args ...any) error {
	return c.InvokeResult(ctx, nil, method, args...)
}

// InvokeResult is Invoke for methods that return a value. The result is
// decoded into out when out is non-nil.
func (c *Connection) InvokeResult(ctx context.Context, out any, method string, args ...any) error {
	c.mu.Lock()
	if c.state != Connected || c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan *msg.Completion, 1)
	c.pending[id] = ch
	ws := c.ws
	c.mu.Unlock()
	defer c.forget(id)

	inv, err := msg.NewInvocation(id, method, args...)
	if err != nil {
		return err
	}
	data, err := msg.Encode(inv)
	if err != nil {
		return err
	}
	if err := c.write(ws, data); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}

	select {
	case completion, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		if completion.Error != "" {
			return &HubError{Method: method, Message: completion.Error}
		}
		if out != nil && completion.HasResult {
			return completion.Decode(out)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send calls method on the hub without waiting for a result.
func (c *Connection) Send(method string, args ...any) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == Connected && ws != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	inv, err := msg.NewInvocation("", method, args...)
	if err != nil {
		return err
	}
	data, err := msg.Encode(inv)
	if err != nil {
		return err
	}
	if err := c.write(ws, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// open negotiates, dials and completes the handshake. The attempt is bounded
// by the handshake timeout and aborted when either ctx or life ends.
func (c *Connection) open(ctx, life context.Context) (*websocket.Conn, string, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	neg, err := c.negotiate(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	wsURL, err := c.socketURL(neg.Token())
	if err != nil {
		return nil, "", nil, err
	}
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, "", nil, fmt.Errorf("connect websocket: %s: %w", resp.Status, err)
		}
		return nil, "", nil, fmt.Errorf("connect websocket: %w", err)
	}

	rest, err := c.handshake(ctx, ws)
	if err != nil {
		_ = ws.Close()
		if ctx.Err() != nil {
			return nil, "", nil, ctx.Err()
		}
		return nil, "", nil, err
	}
	return ws, neg.ConnectionID, rest, nil
}

func (c *Connection) negotiate(ctx context.Context) (msg.NegotiateResponse, error) {
	var neg msg.NegotiateResponse
	u, err := url.Parse(c.url)
	if err != nil {
		return neg, fmt.Errorf("parse hub url: %w", err)
	}
	u.Path += "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return neg, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return neg, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return neg, fmt.Errorf("negotiate: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&neg); err != nil {
		return neg, fmt.Errorf("negotiate: decode response: %w", err)
	}
	if neg.Error != "" {
		return neg, fmt.Errorf("negotiate: %s", neg.Error)
	}
	if !neg.SupportsWebSockets() {
		return neg, ErrNoTransport
	}
	return neg, nil
}

func (c *Connection) socketURL(token string) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("id", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connection) handshake(ctx context.Context, ws *websocket.Conn) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	req, err := msg.EncodeHandshake(msg.NewHandshakeRequest())
	if err != nil {
		return nil, err
	}
	if err := c.write(ws, req); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var resp msg.HandshakeResponse
	rest, err := msg.DecodeHandshake(data, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return rest, nil
}

// run serves transports until the connection stops for good. done is
// closed on exit.
func (c *Connection) run(ws *websocket.Conn, rest []byte, done chan struct{}) {
	defer close(done)
	for ws != nil {
		err := c.serve(ws, rest)
		c.failPending()
		ws, rest = c.reconnect(err)
	}
}

// serve reads frames until the transport ends. A nil result means the
// connection was stopped or closed cleanly.
func (c *Connection) serve(ws *websocket.Conn, rest []byte) error {
	defer ws.Close()
	pinging := make(chan struct{})
	defer close(pinging)
	go c.keepAlive(ws, pinging)

	err := c.handleFrame(rest)
	for err == nil {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ServerTimeout))
		var data []byte
		if _, data, err = ws.ReadMessage(); err != nil {
			break
		}
		err = c.handleFrame(data)
	}

	if errors.Is(err, errCleanClose) || c.isStopping() ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return nil
	}
	return err
}

var errCleanClose = errors.New("closed by server")

func (c *Connection) handleFrame(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	messages, err := msg.Parse(data)
	if err != nil {
		return err
	}
	for _, m := range messages {
		switch v := m.(type) {
		case *msg.Completion:
			c.complete(v)
		case *msg.Invocation:
			c.dispatch(v)
		case *msg.Close:
			if v.Error == "" {
				return errCleanClose
			}
			return &ServerCloseError{Message: v.Error, AllowReconnect: v.AllowReconnect}
		case *msg.Ping:
		}
	}
	return nil
}

func (c *Connection) complete(v *msg.Completion) {
	c.mu.Lock()
	ch, ok := c.pending[v.InvocationID]
	delete(c.pending, v.InvocationID)
	c.mu.Unlock()
	if ok {
		ch <- v
	}
}

func (c *Connection) dispatch(inv *msg.Invocation) {
	c.mu.Lock()
	h, ok := c.handlers[strings.ToLower(inv.Target)]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("no handler for hub invocation", zap.String("method", inv.Target))
		return
	}
	h(inv)
}

func (c *Connection) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending releases every waiting Invoke with ErrConnectionClosed.
func (c *Connection) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// reconnect decides what follows a lost transport. It returns the
// replacement transport, or nil once the connection is Disconnected.
func (c *Connection) reconnect(cause error) (*websocket.Conn, []byte) {
	c.mu.Lock()
	c.ws = nil
	var closeErr *ServerCloseError
	retry := cause != nil && !c.stopping && len(c.cfg.ReconnectDelays) > 0 &&
		(!errors.As(cause, &closeErr) || closeErr.AllowReconnect)
	if !retry {
		c.mu.Unlock()
		c.closed(cause)
		return nil, nil
	}
	c.state = Reconnecting
	life := c.life
	c.mu.Unlock()

	c.logger.Warn("connection lost, reconnecting", zap.Error(cause))
	c.emit(Event{Kind: EventReconnecting, Err: cause})

	err := cause
	for attempt, delay := range c.cfg.ReconnectDelays {
		select {
		case <-time.After(delay):
		case <-life.Done():
			c.closed(nil)
			return nil, nil
		}
		ws, id, rest, oerr := c.open(life, life)
		if oerr != nil {
			err = oerr
			c.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(oerr))
			continue
		}

		c.mu.Lock()
		if c.stopping {
			c.mu.Unlock()
			_ = ws.Close()
			c.closed(nil)
			return nil, nil
		}
		c.ws, c.connectionID, c.state = ws, id, Connected
		c.mu.Unlock()

		c.logger.Info("reconnected", zap.String("connectionId", id))
		c.emit(Event{Kind: EventReconnected, ConnectionID: id})
		return ws, rest
	}
	c.closed(err)
	return nil, nil
}

// closed moves to Disconnected and reports it. A requested stop is never
// reported as an error.
func (c *Connection) closed(err error) {
	c.mu.Lock()
	if c.stopping {
		err = nil
	}
	c.state = Disconnected
	c.cancelLife()
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("connection closed", zap.Error(err))
	} else {
		c.logger.Debug("connection closed")
	}
	c.emit(Event{Kind: EventClosed, Err: err})
}

func (c *Connection) emit(ev Event) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o(ev)
	}
}

func (c *Connection) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// keepAlive pings the hub until stop is closed or a write fails.
func (c *Connection) keepAlive(ws *websocket.Conn, stop <-chan struct{}) {
	ping, err := msg.Encode(&msg.Ping{})
	if err != nil {
		return
	}
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(ws, ping); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}
