package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/markoxley/beacon/client"
	"github.com/markoxley/beacon/msg"
)

// writeTimeout bounds every frame written to a client.
const writeTimeout = 10 * time.Second

// connection serves one attached client: a reader on the calling goroutine
// and a writer fed by the client's send queue.
type connection struct {
	server *Server
	client *client.Client
	ws     *websocket.Conn
	logger *zap.Logger
	done   chan struct{}
	once   sync.Once
}

func newConnection(s *Server, c *client.Client, ws *websocket.Conn) *connection {
	return &connection{
		server: s,
		client: c,
		ws:     ws,
		logger: s.logger.With(zap.String("connectionId", c.ID)),
		done:   make(chan struct{}),
	}
}

// serve blocks until the connection closes, then unregisters the client.
func (c *connection) serve(ctx context.Context) {
	defer func() {
		c.server.groups.Remove(c.client.ID)
		c.server.clients.Remove(c.client.ID)
		_ = c.ws.Close()
	}()

	rest, err := c.handshake()
	if err != nil {
		c.logger.Warn("handshake failed", zap.Error(err))
		return
	}
	c.logger.Info("client connected", zap.String("remote", c.client.RemoteAddr))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writer(ctx)
	}()

	err = c.handleFrame(rest)
	if err == nil {
		err = c.reader()
	}
	c.stop()
	wg.Wait()

	if err != nil && !errors.Is(err, errClientClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("client disconnected", zap.Error(err))
		return
	}
	c.logger.Info("client disconnected")
}

var errClientClosed = errors.New("client sent close")

// handshake reads the protocol request and answers it. Anything following
// the request in the same frame is returned for normal processing.
func (c *connection) handshake() ([]byte, error) {
	timeout := c.server.duration(c.server.cfg.HandshakeTimeout, 15*time.Second)
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	var req msg.HandshakeRequest
	rest, err := msg.DecodeHandshake(data, &req)
	if err == nil {
		err = req.Validate()
	}
	resp := msg.HandshakeResponse{}
	if err != nil {
		resp.Error = err.Error()
	}
	out, encErr := msg.EncodeHandshake(resp)
	if encErr != nil {
		return nil, encErr
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if werr := c.ws.WriteMessage(websocket.BinaryMessage, out); werr != nil {
		return nil, fmt.Errorf("write handshake: %w", werr)
	}
	if err != nil {
		return nil, err
	}
	return rest, nil
}

// reader processes frames until the client goes away, closes, or stays
// silent past the client timeout.
func (c *connection) reader() error {
	timeout := c.server.duration(c.server.cfg.ClientTimeout, 30*time.Second)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.server.clients.Touch(c.client.ID)
		if err := c.handleFrame(data); err != nil {
			return err
		}
	}
}

func (c *connection) handleFrame(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	messages, err := msg.Parse(data)
	if err != nil {
		return err
	}
	for _, m := range messages {
		switch v := m.(type) {
		case *msg.Invocation:
			c.queue(v)
		case *msg.Close:
			if v.Error != "" {
				c.logger.Info("client closing", zap.String("reason", v.Error))
			}
			return errClientClosed
		case *msg.Ping, *msg.Completion:
		}
	}
	return nil
}

// queue hands an invocation to the worker pool, failing blocking calls
// immediately when the pool is saturated.
func (c *connection) queue(inv *msg.Invocation) {
	hm := HubMessage{ClientID: c.client.ID, Invocation: inv}
	if err := c.server.queue.Store(hm); err != nil {
		c.logger.Warn("invocation rejected", zap.String("method", inv.Target), zap.Error(err))
		if hm.Blocking() {
			c.server.sendTo(c.client.ID, msg.NewCompletion(inv.InvocationID, err))
		}
	}
}

// writer drains the send queue and keeps the connection alive with pings.
// When ctx ends it tells the client the server is going away.
func (c *connection) writer(ctx context.Context) {
	ping, _ := msg.Encode(&msg.Ping{})
	ticker := time.NewTicker(c.server.duration(c.server.cfg.KeepAlive, 15*time.Second))
	defer ticker.Stop()

	for {
		var data []byte
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			bye, _ := msg.Encode(&msg.Close{Error: "Server is shutting down", AllowReconnect: true})
			_ = c.write(bye)
			_ = c.ws.Close()
			return
		case data = <-c.client.Send:
		case <-ticker.C:
			data = ping
		}
		if err := c.write(data); err != nil {
			c.logger.Debug("write failed", zap.Error(err))
			_ = c.ws.Close()
			return
		}
	}
}

func (c *connection) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *connection) stop() {
	c.once.Do(func() { close(c.done) })
}
