package mongo

import "time"

// State is the lifecycle state of the database link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the link. Reason is set only in StateError.
type Status struct {
	State  State
	Reason string
	Since  time.Time
}
