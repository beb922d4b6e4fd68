package hub

import (
	"go.uber.org/zap"

	"github.com/markoxley/beacon/logging"
	"github.com/markoxley/beacon/msg"
)

// Method names served by the hub and invoked on its clients.
const (
	MethodSendMessage    = "SendMessage"
	MethodReceiveMessage = "ReceiveMessage"
	MethodJoinGroup      = "JoinGroup"
	MethodLeaveGroup     = "LeaveGroup"
	MethodSendToGroup    = "SendToGroup"
)

// SendMessageHandler logs the Record it receives and returns nothing. With
// broadcast set, the record is also relayed to every other connection as
// ReceiveMessage.
func SendMessageHandler(sink logging.Sink, broadcast bool) Handler {
	return HandlerFunc(func(c *Call) (any, error) {
		var r msg.Record
		if err := c.Bind(0, &r); err != nil {
			sink.LogError("Received malformed message", err, zap.String("connectionId", c.ConnectionID()))
			return nil, err
		}
		sink.LogInfo("Received message from client: "+r.Value, zap.String("connectionId", c.ConnectionID()))
		if broadcast {
			if err := c.Others().Send(MethodReceiveMessage, r); err != nil {
				sink.LogError("Failed to relay message", err)
			}
		}
		return nil, nil
	})
}

// JoinGroupHandler adds the caller to the group named by its argument.
func JoinGroupHandler() Handler {
	return HandlerFunc(func(c *Call) (any, error) {
		var group string
		if err := c.Bind(0, &group); err != nil {
			return nil, err
		}
		c.AddToGroup(group)
		return nil, nil
	})
}

// LeaveGroupHandler removes the caller from the group named by its argument.
func LeaveGroupHandler() Handler {
	return HandlerFunc(func(c *Call) (any, error) {
		var group string
		if err := c.Bind(0, &group); err != nil {
			return nil, err
		}
		c.RemoveFromGroup(group)
		return nil, nil
	})
}

// SendToGroupHandler relays a Record to the members of a group as
// ReceiveMessage. Arguments: group name, record.
func SendToGroupHandler() Handler {
	return HandlerFunc(func(c *Call) (any, error) {
		var group string
		var r msg.Record
		if err := c.Bind(0, &group); err != nil {
			return nil, err
		}
		if err := c.Bind(1, &r); err != nil {
			return nil, err
		}
		return nil, c.Group(group).Send(MethodReceiveMessage, r)
	})
}

// RegisterDefaults installs the standard hub methods on s.
func RegisterDefaults(s *Server, sink logging.Sink, broadcast bool) {
	s.Handle(MethodSendMessage, SendMessageHandler(sink, broadcast))
	s.Handle(MethodJoinGroup, JoinGroupHandler())
	s.Handle(MethodLeaveGroup, LeaveGroupHandler())
	s.Handle(MethodSendToGroup, SendToGroupHandler())
}
