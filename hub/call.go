package hub

import (
	"fmt"
	"strings"

	"github.com/markoxley/beacon/client"
	"github.com/markoxley/beacon/msg"
)

// Handler serves one hub method. A nil result with a nil error completes a
// blocking invocation as void.
type Handler interface {
	Invoke(c *Call) (any, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(c *Call) (any, error)

// Invoke calls f(c).
func (f HandlerFunc) Invoke(c *Call) (any, error) {
	return f(c)
}

// Call is the context a handler runs in: the invocation itself, the caller,
// and access to the other connections of the hub.
type Call struct {
	server       *Server
	connectionID string
	invocation   *msg.Invocation
}

// ConnectionID identifies the calling connection.
func (c *Call) ConnectionID() string { return c.connectionID }

// Method is the invoked target.
func (c *Call) Method() string { return c.invocation.Target }

// NumArgs is the number of arguments supplied.
func (c *Call) NumArgs() int { return len(c.invocation.Arguments) }

// Bind decodes argument index into v.
func (c *Call) Bind(index int, v any) error {
	return c.invocation.Bind(index, v)
}

// Caller addresses the calling connection only.
func (c *Call) Caller() Notifier { return c.server.Client(c.connectionID) }

// Others addresses every connection except the caller.
func (c *Call) Others() Notifier {
	return audience{server: c.server, pick: func() []*client.Client {
		return c.server.clients.AttachedExcept(c.connectionID)
	}}
}

// All addresses every connection, including the caller.
func (c *Call) All() Notifier { return c.server.All() }

// Group addresses the members of a group.
func (c *Call) Group(name string) Notifier { return c.server.Group(name) }

// AddToGroup joins the caller to a group.
func (c *Call) AddToGroup(name string) { c.server.groups.Add(c.connectionID, name) }

// RemoveFromGroup takes the caller out of a group.
func (c *Call) RemoveFromGroup(name string) { c.server.groups.RemoveFrom(c.connectionID, name) }

// Notifier sends fire-and-forget invocations to a set of connections.
type Notifier interface {
	Send(target string, args ...any) error
}

// audience is a Notifier over a set of clients resolved at send time.
type audience struct {
	server *Server
	pick   func() []*client.Client
}

// Send encodes one invocation and queues it for each picked client. Clients
// whose queue overflows lose their oldest frame.
func (a audience) Send(target string, args ...any) error {
	inv, err := msg.NewInvocation("", target, args...)
	if err != nil {
		return err
	}
	data, err := msg.Encode(inv)
	if err != nil {
		return err
	}
	var failed []string
	for _, cl := range a.pick() {
		if err := a.server.enqueue(cl, data); err != nil {
			failed = append(failed, cl.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("send %s: queue full for %s", target, strings.Join(failed, ", "))
	}
	return nil
}
