package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicManagement(t *testing.T) {
	topics := New()

	// Test group membership
	t.Run("Join Group", func(t *testing.T) {
		topics.Add("conn1", "lobby", "alerts")
		clients := topics.GetClients("lobby")
		if assert.Len(t, clients, 1) {
			assert.Equal(t, "conn1", clients[0])
		}
	})

	// Test multiple group memberships
	t.Run("Multiple Groups", func(t *testing.T) {
		topics.Add("conn2", "lobby", "sports", "tech")
		assert.Len(t, topics.GetClients("lobby"), 2)
		assert.Len(t, topics.GetClients("sports"), 1)
		assert.Equal(t, []string{"alerts", "lobby", "sports", "tech"}, topics.Groups())
	})

	// Test duplicate membership prevention
	t.Run("Prevent Duplicate Membership", func(t *testing.T) {
		topics.Add("conn1", "lobby")
		assert.Len(t, topics.GetClients("lobby"), 2)
	})

	// Test leaving a single group
	t.Run("Leave Group", func(t *testing.T) {
		topics.RemoveFrom("conn2", "tech")
		assert.Empty(t, topics.GetClients("tech"))
		assert.NotContains(t, topics.Groups(), "tech")
		assert.Len(t, topics.GetClients("lobby"), 2)
	})

	// Test connection removal
	t.Run("Remove Connection", func(t *testing.T) {
		topics.Remove("conn1")
		assert.Equal(t, []string{"conn2"}, topics.GetClients("lobby"))
		assert.Empty(t, topics.GetClients("alerts"))
	})

	// Returned slices are copies
	t.Run("Copy On Read", func(t *testing.T) {
		members := topics.GetClients("lobby")
		members[0] = "mutated"
		assert.Equal(t, []string{"conn2"}, topics.GetClients("lobby"))
	})
}

func TestTopicConcurrency(t *testing.T) {
	topics := New()
	done := make(chan bool)

	// Test concurrent group joins
	t.Run("Concurrent Joins", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			go func() {
				topics.Add("conn1", "concurrent-group")
				done <- true
			}()
		}
		for i := 0; i < 10; i++ {
			<-done
		}
		// Should only have one membership despite concurrent adds
		assert.Len(t, topics.GetClients("concurrent-group"), 1)
	})

	// Test concurrent join and leave
	t.Run("Concurrent Add and Remove", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			go func() {
				topics.Add("concurrent-conn", "mixed-group")
				done <- true
			}()
			go func() {
				topics.Remove("concurrent-conn")
				done <- true
			}()
		}
		for i := 0; i < 10; i++ {
			<-done
		}
	})
}
