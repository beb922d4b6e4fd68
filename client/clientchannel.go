package client

import "errors"

// ErrChannelFull is returned when a frame could not be queued even after the
// oldest frame was discarded.
var ErrChannelFull = errors.New("channel still full after dropping oldest")

// ClientChannel queues encoded frames for a client's writer goroutine.
type ClientChannel chan []byte

// Send queues data without blocking. When the channel is full the oldest
// frame is discarded to make room.
//
// Returns:
//   - bool: true if a frame was dropped to make room
//   - error: ErrChannelFull if the channel remained full
func (c ClientChannel) Send(data []byte) (bool, error) {
	select {
	case c <- data:
		return false, nil
	default:
		// Channel is full, drop the oldest and try again
		select {
		case <-c:
		default:
		}
		select {
		case c <- data:
			return true, nil
		default:
			return true, ErrChannelFull
		}
	}
}
