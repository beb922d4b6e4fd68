package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientManagement(t *testing.T) {
	clients := New()

	var first *Client
	t.Run("Negotiate", func(t *testing.T) {
		first = clients.Negotiate("10.0.0.1:40000")
		assert.NotEmpty(t, first.ID)
		assert.NotEmpty(t, first.Token)
		assert.NotEqual(t, first.ID, first.Token)
		assert.False(t, first.Attached)
		assert.True(t, clients.Exists(first.ID))
	})

	t.Run("Attach", func(t *testing.T) {
		c, err := clients.Attach(first.Token, "10.0.0.1:40001", 4)
		require.NoError(t, err)
		assert.Same(t, first, c)
		assert.True(t, c.Attached)
		assert.Equal(t, 4, cap(c.Send))
		assert.Equal(t, "10.0.0.1:40001", c.RemoteAddr)
	})

	t.Run("Attach Twice", func(t *testing.T) {
		_, err := clients.Attach(first.Token, "10.0.0.1:40002", 4)
		assert.ErrorIs(t, err, ErrAlreadyAttached)
	})

	t.Run("Attach Unknown Token", func(t *testing.T) {
		_, err := clients.Attach("nope", "10.0.0.1:40003", 4)
		assert.ErrorIs(t, err, ErrUnknownToken)
	})

	t.Run("Attached Except", func(t *testing.T) {
		second := clients.Negotiate("10.0.0.2:40000")
		_, err := clients.Attach(second.Token, "10.0.0.2:40001", 4)
		require.NoError(t, err)
		clients.Negotiate("10.0.0.3:40000") // pending only

		assert.Len(t, clients.List(), 3)
		assert.Len(t, clients.AttachedExcept(), 2)
		others := clients.AttachedExcept(first.ID)
		require.Len(t, others, 1)
		assert.Equal(t, second.ID, others[0].ID)
	})

	t.Run("Remove", func(t *testing.T) {
		clients.Remove(first.ID)
		assert.False(t, clients.Exists(first.ID))
		_, err := clients.Attach(first.Token, "10.0.0.1:40004", 4)
		assert.ErrorIs(t, err, ErrUnknownToken)
		// removing again is a no-op
		clients.Remove(first.ID)
	})

	t.Run("Touch", func(t *testing.T) {
		assert.Error(t, clients.Touch(first.ID))
	})
}

func TestGetAttached(t *testing.T) {
	clients := New()
	c := clients.Negotiate("10.0.0.1:40000")

	_, ok := clients.GetAttached(c.ID)
	assert.False(t, ok, "pending client returned")
	got, ok := clients.Get(c.ID)
	require.True(t, ok)
	assert.Same(t, c, got)

	_, err := clients.Attach(c.Token, "10.0.0.1:40001", 2)
	require.NoError(t, err)
	got, ok = clients.GetAttached(c.ID)
	require.True(t, ok)
	assert.NotNil(t, got.Send)

	_, ok = clients.GetAttached("missing")
	assert.False(t, ok)
}

func TestExpire(t *testing.T) {
	clients := New()
	stale := clients.Negotiate("10.0.0.1:1")
	stale.Created = time.Now().Add(-time.Minute)
	attached := clients.Negotiate("10.0.0.2:1")
	attached.Created = time.Now().Add(-time.Minute)
	_, err := clients.Attach(attached.Token, "10.0.0.2:2", 1)
	require.NoError(t, err)
	fresh := clients.Negotiate("10.0.0.3:1")

	ids := clients.Expire(30 * time.Second)
	assert.Equal(t, []string{stale.ID}, ids)
	assert.False(t, clients.Exists(stale.ID))
	assert.True(t, clients.Exists(attached.ID))
	assert.True(t, clients.Exists(fresh.ID))
}

func TestGarbageCollector(t *testing.T) {
	clients := New()
	stale := clients.Negotiate("10.0.0.1:1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	expired := make(chan []string, 1)
	clients.BeginGarbageCollector(ctx, 10*time.Millisecond, time.Nanosecond, func(ids []string) {
		select {
		case expired <- ids:
		default:
		}
	})

	select {
	case ids := <-expired:
		assert.Equal(t, []string{stale.ID}, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for garbage collection")
	}
}

func TestClientConcurrency(t *testing.T) {
	clients := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := clients.Negotiate("127.0.0.1:0")
			_, _ = clients.Attach(c.Token, "127.0.0.1:1", 1)
			_ = clients.Touch(c.ID)
			clients.AttachedExcept(c.ID)
		}()
	}
	wg.Wait()
	assert.Len(t, clients.List(), 10)
}

func TestClientChannelDropsOldest(t *testing.T) {
	ch := make(ClientChannel, 2)

	dropped, err := ch.Send([]byte("one"))
	require.NoError(t, err)
	assert.False(t, dropped)
	_, _ = ch.Send([]byte("two"))

	dropped, err = ch.Send([]byte("three"))
	require.NoError(t, err)
	assert.True(t, dropped)

	assert.Equal(t, "two", string(<-ch))
	assert.Equal(t, "three", string(<-ch))
}
