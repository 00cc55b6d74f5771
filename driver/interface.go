// Package driver defines the protocol driver seen by the session supervisor
// and implements it for Siemens S7 PLCs.
package driver

import (
	"context"
	"time"
)

// ConnectionConfig identifies one PLC endpoint.
type ConnectionConfig struct {
	Address string // Host or IP, optionally with :port
	Rack    int
	Slot    int
}

// Mode selects how a subscription reports values.
type Mode int

const (
	OnChange Mode = iota // emit only when the raw value changes
	Periodic             // emit on every poll
)

func (m Mode) String() string {
	switch m {
	case OnChange:
		return "on-change"
	case Periodic:
		return "periodic"
	default:
		return "unknown"
	}
}

// Opener creates sessions. Open must not perform I/O; the network work
// happens in Session.Handshake so the caller can bound it with a timeout.
type Opener interface {
	Open(cfg ConnectionConfig) (Session, error)
}

// ReadWriter is the part of a session exposed for ad-hoc tag access.
type ReadWriter interface {
	Read(ctx context.Context, address, typeHint string) (*TagValue, error)
	Write(ctx context.Context, address, typeHint string, value interface{}) error
}

// Session is one live protocol session.
type Session interface {
	ReadWriter

	// Handshake opens the transport and completes the protocol setup.
	Handshake(ctx context.Context) error

	// Done is closed when the session ends for any reason. Err reports why.
	Done() <-chan struct{}
	Err() error

	// Subscribe starts change notification for one address.
	Subscribe(address, typeHint string, mode Mode) (Subscription, error)

	// Close ends the session. It is safe to call more than once.
	Close() error
}

// Subscription delivers samples for one address until closed or until the
// session ends, at which point C is closed.
type Subscription interface {
	C() <-chan Sample
	Close()
}

// Sample is one notification from a subscription.
type Sample struct {
	Address string
	Value   interface{}
	Type    string
	Err     error
	Time    time.Time
}
