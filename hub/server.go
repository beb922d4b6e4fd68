package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/markoxley/beacon/client"
	"github.com/markoxley/beacon/config"
	"github.com/markoxley/beacon/msg"
	"github.com/markoxley/beacon/topic"
)

const (
	// gcInterval is how often stale negotiations are swept.
	gcInterval = 30 * time.Second
	// defaultClientQueueSize is the outbound buffer per client when unset.
	defaultClientQueueSize = 256
	// defaultMaxMessageSize is the largest client frame accepted when unset.
	defaultMaxMessageSize = 32 * 1024
)

// Server is a hub endpoint. It negotiates connections, upgrades them to
// WebSockets, and dispatches the invocations it receives to handlers.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	clients  *client.Clients
	groups   *topic.Topic
	queue    *HubQueue
	upgrader websocket.Upgrader

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	ctx       context.Context
	startOnce sync.Once
	stopOnce  sync.Once
	conns     sync.WaitGroup
}

// New creates a hub server. Handlers must be registered before Start.
// Example:
//
//	s := hub.New(cfg.Server, logger)
//	s.Handle("SendMessage", hub.SendMessageHandler(sink, false))
//	err := s.ListenAndServe(ctx)
func New(cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "/myhub"
	}
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = defaultClientQueueSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		clients:  client.New(),
		groups:   topic.New(),
		handlers: make(map[string]Handler),
		ctx:      context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.queue = NewQueue(cfg.WorkerCount, cfg.QueueSize, s.dispatch)
	return s
}

// Handle registers h for method. Method names match case-insensitively.
func (s *Server) Handle(method string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[strings.ToLower(method)] = h
}

// HandleFunc registers fn for method.
func (s *Server) HandleFunc(method string, fn func(*Call) (any, error)) {
	s.Handle(method, HandlerFunc(fn))
}

func (s *Server) handler(method string) (Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[strings.ToLower(method)]
	return h, ok
}

// Start launches the dispatch workers and the negotiation collector. Open
// connections are closed when ctx is cancelled. Start must be called before
// the router serves requests.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx = ctx
		s.queue.Run()
		s.clients.BeginGarbageCollector(ctx, gcInterval, s.duration(s.cfg.NegotiateTTL, time.Minute),
			func(ids []string) {
				s.logger.Debug("expired unused negotiations", zap.Int("count", len(ids)))
			})
	})
}

// Stop waits for open connections to finish and drains the dispatch queue.
// Cancel the context given to Start first.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.conns.Wait()
		s.queue.Stop()
	})
}

// Router returns a router with the hub mounted at its configured path.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.Mount(r)
	return r
}

// Mount registers the negotiate and connect routes on r.
func (s *Server) Mount(r *mux.Router) {
	r.HandleFunc(s.cfg.Path+"/negotiate", s.negotiate).Methods(http.MethodPost)
	r.HandleFunc(s.cfg.Path, s.connect).Methods(http.MethodGet)
}

// ListenAndServe binds the configured address and serves the hub until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.IP, strconv.Itoa(int(s.cfg.Port))),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("hub listening", zap.String("addr", srv.Addr), zap.String("path", s.cfg.Path))

	var err error
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else {
			err = fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		err = srv.Shutdown(shutdownCtx)
	}
	cancel()
	s.Stop()
	return err
}

// Clients exposes the connection registry.
func (s *Server) Clients() *client.Clients { return s.clients }

// All addresses every attached connection.
func (s *Server) All() Notifier {
	return audience{server: s, pick: func() []*client.Client {
		return s.clients.AttachedExcept()
	}}
}

// Client addresses a single connection.
func (s *Server) Client(id string) Notifier {
	return audience{server: s, pick: func() []*client.Client {
		if c, ok := s.clients.GetAttached(id); ok {
			return []*client.Client{c}
		}
		return nil
	}}
}

// Group addresses the members of a group.
func (s *Server) Group(name string) Notifier {
	return audience{server: s, pick: func() []*client.Client {
		members := s.groups.GetClients(name)
		clients := make([]*client.Client, 0, len(members))
		for _, id := range members {
			if c, ok := s.clients.GetAttached(id); ok {
				clients = append(clients, c)
			}
		}
		return clients
	}}
}

// negotiate hands out a connection ID and token and advertises the only
// transport the hub offers: binary WebSockets.
func (s *Server) negotiate(w http.ResponseWriter, r *http.Request) {
	c := s.clients.Negotiate(r.RemoteAddr)
	resp := msg.NegotiateResponse{
		ConnectionID: c.ID,
		AvailableTransports: []msg.TransportInfo{
			{Transport: "WebSockets", TransferFormats: []string{"Binary"}},
		},
	}
	if v, _ := strconv.Atoi(r.URL.Query().Get("negotiateVersion")); v >= 1 {
		resp.NegotiateVersion = 1
		resp.ConnectionToken = c.Token
	} else {
		// version 0 clients present the connection ID
		resp.ConnectionID = c.Token
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write negotiate response", zap.Error(err))
	}
	s.logger.Debug("negotiated connection", zap.String("connectionId", c.ID), zap.String("remote", r.RemoteAddr))
}

// connect upgrades a negotiated connection and serves it until it closes.
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("id")
	if token == "" {
		http.Error(w, "Connection ID required", http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Only WebSockets are supported", http.StatusBadRequest)
		return
	}
	c, err := s.clients.Attach(token, r.RemoteAddr, s.cfg.ClientQueueSize)
	switch {
	case errors.Is(err, client.ErrUnknownToken):
		http.Error(w, "No Connection with that ID", http.StatusNotFound)
		return
	case errors.Is(err, client.ErrAlreadyAttached):
		http.Error(w, "Connection ID already in use", http.StatusConflict)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.clients.Remove(c.ID)
		s.logger.Warn("websocket upgrade failed", zap.String("connectionId", c.ID), zap.Error(err))
		return
	}
	ws.SetReadLimit(int64(s.cfg.MaxMessageSize))

	s.conns.Add(1)
	defer s.conns.Done()
	newConnection(s, c, ws).serve(s.ctx)
}

// dispatch runs on a worker: it resolves the handler, invokes it, and
// answers blocking invocations with a completion.
func (s *Server) dispatch(hm HubMessage) {
	inv := hm.Invocation
	call := &Call{server: s, connectionID: hm.ClientID, invocation: inv}

	var result any
	var err error
	if h, ok := s.handler(inv.Target); ok {
		result, err = invoke(h, call)
	} else {
		err = fmt.Errorf("unknown hub method '%s'", inv.Target)
	}

	if err != nil {
		s.logger.Warn("invocation failed",
			zap.String("connectionId", hm.ClientID), zap.String("method", inv.Target), zap.Error(err))
	}
	if !hm.Blocking() {
		return
	}

	var completion *msg.Completion
	if err == nil && result != nil {
		completion, err = msg.NewResultCompletion(inv.InvocationID, result)
	}
	if completion == nil {
		completion = msg.NewCompletion(inv.InvocationID, err)
	}
	s.sendTo(hm.ClientID, completion)
}

// invoke runs h, converting a panic into an error so one bad handler cannot
// take a worker down.
func invoke(h Handler, c *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub method '%s' panicked: %v", c.Method(), r)
		}
	}()
	return h.Invoke(c)
}

// sendTo encodes m and queues it for one connection.
func (s *Server) sendTo(id string, m msg.Message) {
	c, ok := s.clients.GetAttached(id)
	if !ok {
		return
	}
	data, err := msg.Encode(m)
	if err != nil {
		s.logger.Error("failed to encode message", zap.String("connectionId", id), zap.Error(err))
		return
	}
	if err := s.enqueue(c, data); err != nil {
		s.logger.Warn("failed to queue message", zap.String("connectionId", id), zap.Error(err))
	}
}

func (s *Server) enqueue(c *client.Client, data []byte) error {
	dropped, err := c.Send.Send(data)
	if dropped {
		s.logger.Warn("client queue full, oldest message dropped", zap.String("connectionId", c.ID))
	}
	return err
}

// duration converts a millisecond setting, falling back to def when unset.
func (s *Server) duration(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
