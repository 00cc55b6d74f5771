// Package plcman supervises the session to the line PLC: connecting with a
// bounded handshake, reconnecting after drops, sharing tag subscriptions
// between consumers and broadcasting the connection status.
package plcman

import "time"

// ConnectionState is the lifecycle state of the PLC session.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFaulted
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Status is one value of the connection status signal.
type Status struct {
	State     ConnectionState
	Err       error     // cause of the last failure, nil when healthy
	SessionID string    // set while Connected
	Since     time.Time // when State was entered
}

// Connected reports whether the status describes a live session.
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// ErrString returns the error text or "".
func (s Status) ErrString() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
