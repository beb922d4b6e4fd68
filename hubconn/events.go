package hubconn

import "fmt"

// State is the lifecycle state of a Connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EventKind names one of the lifecycle events a Connection reports.
type EventKind int

const (
	// EventClosed fires once the connection is fully stopped. Err is nil
	// after a requested Stop or a clean close by the server.
	EventClosed EventKind = iota
	// EventReconnecting fires when the transport was lost and reconnect
	// attempts begin. Err is the cause.
	EventReconnecting
	// EventReconnected fires after a successful reconnect. ConnectionID is
	// the new ID.
	EventReconnected
)

func (k EventKind) String() string {
	switch k {
	case EventClosed:
		return "Closed"
	case EventReconnecting:
		return "Reconnecting"
	case EventReconnected:
		return "Reconnected"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a lifecycle notification.
type Event struct {
	Kind         EventKind
	Err          error
	ConnectionID string
}

// Observer receives lifecycle events synchronously, on the goroutine that
// detected the change. Observers must not block.
type Observer func(Event)
