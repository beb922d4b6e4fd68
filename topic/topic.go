// Package topic tracks hub group membership: which connections receive the
// notifications sent to a named group.
package topic

import (
	"slices"
	"sync"
)

// Topic manages connection membership of hub groups.
// It provides thread-safe operations for adding and removing connections
// from groups and retrieving the members of a group. Empty groups are
// forgotten.
type Topic struct {
	topics map[string][]string // Map of group names to member connection IDs
	mutex  sync.Mutex          // Mutex for thread-safe access to topics
}

func New() *Topic {
	return &Topic{
		topics: make(map[string][]string),
	}
}

// Add joins a connection to one or more groups.
// Each connection is only added once per group, and a missing group is
// created automatically.
// Example:
//
//	topic.Add(connectionID, "lobby", "alerts")
func (t *Topic) Add(c string, topic ...string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for _, tp := range topic {
		l := t.topics[tp]
		if !slices.Contains(l, c) {
			t.topics[tp] = append(l, c)
		}
	}
}

// RemoveFrom takes a connection out of the named groups.
// Example:
//
//	topic.RemoveFrom(connectionID, "alerts")
func (t *Topic) RemoveFrom(c string, topic ...string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for _, tp := range topic {
		t.remove(tp, c)
	}
}

// Remove takes a connection out of every group. Called when the connection
// closes.
// Example:
//
//	topic.Remove(connectionID)
func (t *Topic) Remove(c string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for tp := range t.topics {
		t.remove(tp, c)
	}
}

// remove must be called with the mutex held.
func (t *Topic) remove(tp, c string) {
	l, exists := t.topics[tp]
	if !exists {
		return
	}
	i := slices.Index(l, c)
	if i < 0 {
		return
	}
	l = slices.Delete(l, i, i+1)
	if len(l) == 0 {
		delete(t.topics, tp)
		return
	}
	t.topics[tp] = l
}

// GetClients returns a copy of the members of a group.
// If the group doesn't exist, an empty slice is returned.
// Example:
//
//	members := topic.GetClients("lobby")
func (t *Topic) GetClients(topic string) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return slices.Clone(t.topics[topic])
}

// Groups returns the names of all non-empty groups.
func (t *Topic) Groups() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	groups := make([]string, 0, len(t.topics))
	for tp := range t.topics {
		groups = append(groups, tp)
	}
	slices.Sort(groups)
	return groups
}
