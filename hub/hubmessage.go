// Package hub implements the hub server: the remote endpoint clients connect
// to, negotiate with, and invoke methods on. Inbound invocations are routed
// through a worker pool to registered handlers; handlers may notify other
// connections or groups in return.
package hub

import (
	"github.com/markoxley/beacon/msg"
)

// HubMessage is an invocation received from a client, queued for dispatch.
//
// Example usage:
//
//	err := queue.Store(HubMessage{
//	    ClientID:   conn.ID,
//	    Invocation: inv,
//	})
type HubMessage struct {
	ClientID   string          // Connection ID of the caller
	Invocation *msg.Invocation // Decoded invocation
}

// Blocking reports whether the caller is waiting for a completion.
func (m HubMessage) Blocking() bool {
	return m.Invocation != nil && m.Invocation.InvocationID != ""
}
