package hub

import (
	"errors"
	"sync"
)

// Constants defining the queue defaults
const (
	// defaultQueueSize is the buffer size for the message queue channel
	defaultQueueSize = 2000
	// defaultWorkerCount is the default number of concurrent workers dispatching invocations
	defaultWorkerCount = 20
)

var (
	ErrQueueFull   = errors.New("queue full, message dropped")
	ErrQueueClosed = errors.New("queue closed")
)

// HubQueue manages concurrent invocation dispatch with a buffered channel and
// worker pool. Readers queue invocations with Store; workers hand each one to
// the dispatch function.
type HubQueue struct {
	messageQueue chan HubMessage  // Channel for queuing messages to be processed
	waitGroup    sync.WaitGroup   // WaitGroup for synchronizing worker goroutines
	workerCount  int              // Number of workers to spawn
	dispatch     func(HubMessage) // Called by a worker for every message
	mutex        sync.RWMutex     // Guards closed against Store racing Stop
	closed       bool
}

// NewQueue creates a HubQueue. Non-positive sizes fall back to the defaults.
// Example:
//
//	q := NewQueue(10, 1000, server.dispatch)
func NewQueue(workers, size int, dispatch func(HubMessage)) *HubQueue {
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if size <= 0 {
		size = defaultQueueSize
	}
	return &HubQueue{
		messageQueue: make(chan HubMessage, size),
		workerCount:  workers,
		dispatch:     dispatch,
	}
}

// Run starts the worker pool with the configured number of workers.
// Workers continue running until Stop is called.
func (h *HubQueue) Run() {
	for i := 0; i < h.workerCount; i++ {
		h.waitGroup.Add(1)
		go func() {
			defer h.waitGroup.Done()
			h.workerRun()
		}()
	}
}

// Stop closes the queue and waits for all workers to drain it. Calling Stop
// more than once is safe.
func (h *HubQueue) Stop() {
	h.mutex.Lock()
	if !h.closed {
		h.closed = true
		close(h.messageQueue)
	}
	h.mutex.Unlock()
	h.waitGroup.Wait()
}

// Store queues a message for dispatch without blocking.
// Returns ErrQueueFull if the queue is full, or ErrQueueClosed after Stop.
// This method is thread-safe.
func (h *HubQueue) Store(message HubMessage) error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.closed {
		return ErrQueueClosed
	}
	select {
	case h.messageQueue <- message:
		return nil
	default:
		return ErrQueueFull
	}
}

// workerRun dispatches messages until the queue is closed.
func (h *HubQueue) workerRun() {
	for hm := range h.messageQueue {
		h.dispatch(hm)
	}
}
