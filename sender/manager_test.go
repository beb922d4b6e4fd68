package sender

//go:generate mockgen -destination "mock_conn_test.go" -package $GOPACKAGE -write_package_comment=false github.com/markoxley/beacon/sender Conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/markoxley/beacon/config"
	"github.com/markoxley/beacon/hub"
	"github.com/markoxley/beacon/hubconn"
	"github.com/markoxley/beacon/logging"
	"github.com/markoxley/beacon/msg"
)

var fixedTime = time.Date(2024, 5, 17, 9, 30, 5, 0, time.Local)

func newTestManager(dial Dialer) (*Manager, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewManager(config.ClientConfig{}, logging.NewSink(zap.New(core)), dial)
	m.now = func() time.Time { return fixedTime }
	return m, logs
}

func count(logs *observer.ObservedLogs, message string) int {
	return logs.FilterMessage(message).Len()
}

func TestSendOnceSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockConn(ctrl)
	var dialed string
	m, logs := newTestManager(func(url string) Conn {
		dialed = url
		return conn
	})

	gomock.InOrder(
		conn.EXPECT().Observe(gomock.Any()),
		conn.EXPECT().Start(gomock.Any()).Return(nil),
		conn.EXPECT().Invoke(gomock.Any(), "SendMessage", msg.NewRecord("2024-05-17 09:30:05")).Return(nil),
		conn.EXPECT().State().Return(hubconn.Connected),
		conn.EXPECT().Stop(gomock.Any()).Return(nil),
	)

	m.SendOnce("10.0.0.1:5005")

	assert.Equal(t, "http://10.0.0.1:5005/myhub", dialed)
	assert.Equal(t, 1, count(logs, "Attempting to connect to hub at: http://10.0.0.1:5005/myhub"))
	assert.Equal(t, 1, count(logs, "Connection started successfully."))
	assert.Equal(t, 1, count(logs, "Message '2024-05-17 09:30:05' sent to server."))
	assert.Equal(t, 1, count(logs, "Stopping connection..."))
	assert.Equal(t, 1, count(logs, "Connection stopped."))

	require.NotNil(t, m.Current())
	select {
	case <-m.Current().Done():
	default:
		t.Fatal("session not completed")
	}
}

func TestSendOnceConnectFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockConn(ctrl)
	m, logs := newTestManager(func(string) Conn { return conn })

	conn.EXPECT().Observe(gomock.Any())
	conn.EXPECT().Start(gomock.Any()).Return(errors.New("connection refused"))
	conn.EXPECT().State().Return(hubconn.Disconnected)

	m.SendOnce("10.0.0.1:5005")

	entries := logs.FilterMessage("Error connecting to hub").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "connection refused", entries[0].ContextMap()["error"])
	assert.Equal(t, 1, count(logs, "Please ensure the hub is running and accessible at the specified URL."))
	assert.Zero(t, count(logs, "Stopping connection..."))
	<-m.Current().Done()
}

func TestSendOnceInvokeFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockConn(ctrl)
	m, logs := newTestManager(func(string) Conn { return conn })

	conn.EXPECT().Observe(gomock.Any())
	conn.EXPECT().Start(gomock.Any()).Return(nil)
	conn.EXPECT().Invoke(gomock.Any(), "SendMessage", gomock.Any()).
		Return(&hubconn.HubError{Method: "SendMessage", Message: "rejected"})
	conn.EXPECT().State().Return(hubconn.Connected)
	conn.EXPECT().Stop(gomock.Any()).Return(nil)

	m.SendOnce("10.0.0.1:5005")

	assert.Equal(t, 1, count(logs, "Error sending message"))
	assert.Zero(t, count(logs, "Error connecting to hub"))
	assert.Equal(t, 1, count(logs, "Connection stopped."))
}

func TestSendOnceCustomMethodAndPath(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockConn(ctrl)
	var dialed string
	m := NewManager(config.ClientConfig{Path: "/other", Method: "Publish"}, nil, func(url string) Conn {
		dialed = url
		return conn
	})

	conn.EXPECT().Observe(gomock.Any())
	conn.EXPECT().Start(gomock.Any()).Return(nil)
	conn.EXPECT().Invoke(gomock.Any(), "Publish", gomock.Any()).Return(nil)
	conn.EXPECT().State().Return(hubconn.Disconnected)

	m.SendOnce("host:1")
	assert.Equal(t, "http://host:1/other", dialed)
}

// tracker records how many fake connections are open at once.
type tracker struct {
	mu      sync.Mutex
	open    int
	maxOpen int
	starts  int
}

func (tr *tracker) opened() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.open++
	tr.starts++
	if tr.open > tr.maxOpen {
		tr.maxOpen = tr.open
	}
}

func (tr *tracker) closed() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.open--
}

func (tr *tracker) snapshot() (open, maxOpen, starts int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.open, tr.maxOpen, tr.starts
}

// fakeConn is a connection whose Start or Invoke can block until cancelled.
type fakeConn struct {
	tr          *tracker
	blockStart  bool
	blockInvoke bool
	entered     chan struct{}

	mu        sync.Mutex
	state     hubconn.State
	observers []hubconn.Observer
}

func newFakeConn(tr *tracker) *fakeConn {
	return &fakeConn{tr: tr, entered: make(chan struct{}, 1)}
}

func (f *fakeConn) Start(ctx context.Context) error {
	f.tr.opened()
	if f.blockStart {
		f.entered <- struct{}{}
		<-ctx.Done()
		f.tr.closed()
		return ctx.Err()
	}
	f.setState(hubconn.Connected)
	return nil
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args ...any) error {
	if f.blockInvoke {
		f.entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeConn) State() hubconn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Stop(context.Context) error {
	f.setState(hubconn.Disconnected)
	f.tr.closed()
	f.mu.Lock()
	observers := f.observers
	f.mu.Unlock()
	for _, o := range observers {
		o(hubconn.Event{Kind: hubconn.EventClosed})
	}
	return nil
}

func (f *fakeConn) Observe(o hubconn.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *fakeConn) setState(s hubconn.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func TestSendOnceMutualExclusion(t *testing.T) {
	tr := &tracker{}
	first := newFakeConn(tr)
	first.blockStart = true
	second := newFakeConn(tr)
	conns := []*fakeConn{first, second}
	var mu sync.Mutex
	m, logs := newTestManager(func(string) Conn {
		mu.Lock()
		defer mu.Unlock()
		c := conns[0]
		conns = conns[1:]
		return c
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SendOnce("a:1")
	}()
	<-first.entered
	firstSession := m.Current()

	m.SendOnce("a:1")
	<-done

	open, maxOpen, starts := tr.snapshot()
	assert.Equal(t, 0, open)
	assert.Equal(t, 1, maxOpen, "two sessions were open at once")
	assert.Equal(t, 2, starts)
	assert.True(t, firstSession.Cancelled())
	assert.NotEqual(t, firstSession.ID(), m.Current().ID())
	assert.Equal(t, 1, count(logs, "Cancelling previous send operation..."))
	assert.Equal(t, 1, count(logs, "Message '2024-05-17 09:30:05' sent to server."))
}

func TestSendOnceRapidDoubleSend(t *testing.T) {
	tr := &tracker{}
	first := newFakeConn(tr)
	first.blockInvoke = true
	second := newFakeConn(tr)
	conns := []*fakeConn{first, second}
	var mu sync.Mutex
	m, logs := newTestManager(func(string) Conn {
		mu.Lock()
		defer mu.Unlock()
		c := conns[0]
		conns = conns[1:]
		return c
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SendOnce("a:1")
	}()
	<-first.entered

	finished := make(chan struct{})
	go func() {
		m.SendOnce("a:1")
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("second send deadlocked")
	}
	<-done

	errs := logs.FilterMessage("Error sending message").All()
	require.Len(t, errs, 1)
	assert.Equal(t, context.Canceled.Error(), errs[0].ContextMap()["error"])
	assert.Equal(t, 1, count(logs, "Message '2024-05-17 09:30:05' sent to server."))
	assert.Equal(t, 2, count(logs, "Connection stopped."))
	assert.Equal(t, 2, count(logs, "Connection closed without error."))
	open, maxOpen, _ := tr.snapshot()
	assert.Equal(t, 0, open)
	assert.Equal(t, 1, maxOpen)
}

func TestSendOnceChainedCallsComplete(t *testing.T) {
	tr := &tracker{}
	m, _ := newTestManager(func(string) Conn {
		c := newFakeConn(tr)
		c.blockInvoke = true
		return c
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.SendOnce("a:1")
		}()
	}
	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()

	// Every call but the last is cancelled by its successor; Shutdown
	// releases whichever one is current.
	deadline := time.After(3 * time.Second)
	for running := true; running; {
		m.Shutdown()
		select {
		case <-waited:
			running = false
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("chained sends did not unwind")
		}
	}
	_, maxOpen, _ := tr.snapshot()
	assert.LessOrEqual(t, maxOpen, 1)
}

func TestShutdownIdle(t *testing.T) {
	m, logs := newTestManager(func(string) Conn { return nil })
	m.Shutdown()
	assert.Nil(t, m.Current())
	assert.Zero(t, logs.Len())
}

func TestShutdownCancelsInFlight(t *testing.T) {
	tr := &tracker{}
	conn := newFakeConn(tr)
	conn.blockInvoke = true
	m, logs := newTestManager(func(string) Conn { return conn })

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SendOnce("a:1")
	}()
	<-conn.entered
	m.Shutdown()

	select {
	case <-m.Current().Done():
	default:
		t.Fatal("Shutdown returned before the send unwound")
	}
	<-done
	assert.Equal(t, 1, count(logs, "Error sending message"))
	assert.Equal(t, 1, count(logs, "Connection stopped."))
}

func TestLifecycleEventsLogged(t *testing.T) {
	var observe hubconn.Observer
	ctrl := gomock.NewController(t)
	conn := NewMockConn(ctrl)
	m, logs := newTestManager(func(string) Conn { return conn })

	conn.EXPECT().Observe(gomock.Any()).Do(func(o hubconn.Observer) { observe = o })
	conn.EXPECT().Start(gomock.Any()).DoAndReturn(func(context.Context) error {
		observe(hubconn.Event{Kind: hubconn.EventReconnecting, Err: errors.New("lost")})
		observe(hubconn.Event{Kind: hubconn.EventReconnected, ConnectionID: "abc"})
		observe(hubconn.Event{Kind: hubconn.EventClosed, Err: errors.New("gone")})
		return errors.New("gone")
	})
	conn.EXPECT().State().Return(hubconn.Disconnected)

	m.SendOnce("a:1")

	assert.Equal(t, 1, count(logs, "Connection reconnecting"))
	assert.Equal(t, 1, count(logs, "Connection reconnected. New connection ID: abc"))
	assert.Equal(t, 1, count(logs, "Connection closed with error."))
}

func TestUnreachableThenReachable(t *testing.T) {
	hubLogs, hubSink := func() (*observer.ObservedLogs, logging.Sink) {
		core, logs := observer.New(zap.InfoLevel)
		return logs, logging.NewSink(zap.New(core))
	}()
	s := hub.New(config.ServerConfig{Path: "/myhub"}, zap.NewNop())
	hub.RegisterDefaults(s, hubSink, false)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	ts := httptest.NewServer(s.Router())
	defer func() {
		cancel()
		s.Stop()
		ts.Close()
	}()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadTarget := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	cfg := hubconn.DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	m, logs := newTestManager(HubDialer(cfg))

	m.SendOnce(deadTarget)
	assert.Equal(t, 1, count(logs, "Error connecting to hub"))

	m.SendOnce(strings.TrimPrefix(ts.URL, "http://"))
	assert.Equal(t, 1, count(logs, "Message '2024-05-17 09:30:05' sent to server."))
	assert.Equal(t, 1, hubLogs.FilterMessage("Received message from client: 2024-05-17 09:30:05").Len())
	assert.Equal(t, 1, count(logs, "Connection closed without error."))
}

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		target  string
		wantErr bool
	}{
		{"192.168.145.50:5005", false},
		{"localhost:1", false},
		{"[::1]:5005", false},
		{"192.168.145.50", true},
		{":5005", true},
		{"host:0", true},
		{"host:70000", true},
		{"host:http", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			err := ValidateTarget(tt.target)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTarget)
				return
			}
			assert.NoError(t, err)
		})
	}
}
