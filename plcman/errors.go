package plcman

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig means the connection config cannot be used; no I/O was attempted.
	ErrInvalidConfig = errors.New("invalid connection config")
	// ErrTimeout means the handshake did not finish within the connect timeout.
	ErrTimeout = errors.New("connect timeout")
	// ErrDriverFault wraps a transport or protocol error from the driver.
	ErrDriverFault = errors.New("driver fault")
	// ErrCancelled means the operation was stopped by Disconnect, StopAutoReconnect or Close.
	ErrCancelled = errors.New("cancelled")
	// ErrNotConnected is returned by tag reads and writes without a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after the supervisor has been closed.
	ErrClosed = errors.New("supervisor closed")
)

// errDriverPanic marks faults recovered from a panicking driver.
var errDriverPanic = errors.New("driver panic")

func driverFault(err error) error {
	return fmt.Errorf("%w: %w", ErrDriverFault, err)
}

func recoveredFault(r interface{}) error {
	return fmt.Errorf("%w: %w: %v", ErrDriverFault, errDriverPanic, r)
}

// Classify maps an error to a short label for metrics and API responses.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrDriverFault):
		return "driver_fault"
	default:
		return "error"
	}
}
