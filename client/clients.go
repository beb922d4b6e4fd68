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

// Package client provides thread-safe management of the clients connected to
// a hub. A client is registered when it negotiates, claimed when it opens its
// transport with the negotiated token, and removed when it disconnects or
// never shows up.
package client

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownToken    = errors.New("unknown connection token")
	ErrAlreadyAttached = errors.New("connection token already in use")
)

// Client represents one negotiated hub connection.
type Client struct {
	ID         string        // Connection ID shared with the peer
	Token      string        // Secret presented when opening the transport
	RemoteAddr string        // Network address of the peer
	Created    time.Time     // Negotiation time
	LastSeen   time.Time     // Last time anything was received
	Attached   bool          // True once the transport is open
	Send       ClientChannel // Outbound frames, nil until attached
}

// Clients provides thread-safe management of negotiated clients, indexed by
// both token and connection ID.
type Clients struct {
	byToken map[string]*Client
	byID    map[string]*Client
	mutex   sync.Mutex
}

// New creates and returns a new, empty Clients registry.
func New() *Clients {
	return &Clients{
		byToken: make(map[string]*Client),
		byID:    make(map[string]*Client),
	}
}

// Negotiate registers a new pending client with a fresh connection ID and
// token.
//
// Parameters:
//   - remoteAddr: The address the negotiate request came from
//
// Returns:
//   - *Client: The pending client
func (c *Clients) Negotiate(remoteAddr string) *Client {
	now := time.Now()
	client := &Client{
		ID:         uuid.NewString(),
		Token:      uuid.NewString(),
		RemoteAddr: remoteAddr,
		Created:    now,
		LastSeen:   now,
	}
	c.Add(client)
	return client
}

// Add registers one or more clients. A client whose token already exists
// replaces the previous entry.
func (c *Clients) Add(clients ...*Client) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, client := range clients {
		if old, exists := c.byToken[client.Token]; exists {
			delete(c.byID, old.ID)
		}
		c.byToken[client.Token] = client
		c.byID[client.ID] = client
	}
}

// Attach claims the pending client for token and gives it an outbound queue
// of queueSize frames.
//
// Returns:
//   - *Client: The attached client
//   - error: ErrUnknownToken or ErrAlreadyAttached
func (c *Clients) Attach(token, remoteAddr string, queueSize int) (*Client, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	client, exists := c.byToken[token]
	if !exists {
		return nil, ErrUnknownToken
	}
	if client.Attached {
		return nil, ErrAlreadyAttached
	}
	client.Attached = true
	client.RemoteAddr = remoteAddr
	client.LastSeen = time.Now()
	client.Send = make(ClientChannel, queueSize)
	return client, nil
}

// Remove deregisters the client with the given connection ID. It is a no-op
// if the client doesn't exist.
func (c *Clients) Remove(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	client, exists := c.byID[id]
	if !exists {
		return
	}
	delete(c.byID, id)
	delete(c.byToken, client.Token)
}

// Get retrieves a client by connection ID. The returned Client pointer is
// shared; callers must not modify it.
func (c *Clients) Get(id string) (*Client, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	client, exists := c.byID[id]
	return client, exists
}

// GetAttached retrieves a client by connection ID only if its transport is
// open. Send is fixed once a client is attached, so callers may use it after
// the registry lock is released.
func (c *Clients) GetAttached(id string) (*Client, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	client, exists := c.byID[id]
	if !exists || !client.Attached {
		return nil, false
	}
	return client, true
}

// Exists checks if a client with the given connection ID exists.
func (c *Clients) Exists(id string) bool {
	_, exists := c.Get(id)
	return exists
}

// List returns every registered client, pending or attached.
func (c *Clients) List() []*Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	clients := make([]*Client, 0, len(c.byID))
	for _, client := range c.byID {
		clients = append(clients, client)
	}
	return clients
}

// AttachedExcept returns the clients with an open transport, excluding the IDs in
// except.
func (c *Clients) AttachedExcept(except ...string) []*Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	clients := make([]*Client, 0, len(c.byID))
	for id, client := range c.byID {
		if !client.Attached || slices.Contains(except, id) {
			continue
		}
		clients = append(clients, client)
	}
	return clients
}

// Touch records activity from the client.
func (c *Clients) Touch(id string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	client, exists := c.byID[id]
	if !exists {
		return errors.New("client not found")
	}
	client.LastSeen = time.Now()
	return nil
}

// Expire removes pending clients negotiated more than ttl ago that never
// attached a transport.
//
// Returns:
//   - []string: Connection IDs of the removed clients
func (c *Clients) Expire(ttl time.Duration) []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	epoch := time.Now().Add(-ttl)
	var ids []string
	for id, client := range c.byID {
		if client.Attached || !epoch.After(client.Created) {
			continue
		}
		ids = append(ids, id)
		delete(c.byID, id)
		delete(c.byToken, client.Token)
	}
	return ids
}

// BeginGarbageCollector periodically expires stale negotiations until ctx
// is cancelled. onExpire, when non-nil, is told about each non-empty sweep.
func (c *Clients) BeginGarbageCollector(ctx context.Context, interval, ttl time.Duration, onExpire func(ids []string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ids := c.Expire(ttl)
				if len(ids) > 0 && onExpire != nil {
					onExpire(ids)
				}
			}
		}
	}()
}
