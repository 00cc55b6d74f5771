package plcman

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"bottleline/driver"
	"bottleline/logging"
)

// Options tunes a Supervisor. Zero values select the defaults.
type Options struct {
	ConnectTimeout time.Duration
	InitialDelay   time.Duration
	RetryDelay     time.Duration

	// BackOff overrides the retry policy built from InitialDelay and RetryDelay.
	BackOff func() backoff.BackOff

	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

// Supervisor is the facade over the connection state machine, the
// reconnect scheduler and the tag multiplexer of one PLC.
type Supervisor struct {
	conn    *Conn
	sched   *Scheduler
	mux     *Multiplexer
	signal  *StatusSignal
	metrics *Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // ConnectAsync goroutines
}

// NewSupervisor wires a supervisor for the PLC described by source. No I/O
// happens until Connect, ConnectAsync or StartAutoReconnect.
func NewSupervisor(opener driver.Opener, source ConfigSource, opts Options) *Supervisor {
	log := logging.Component(opts.Logger, "plcman")

	initial, retry := opts.InitialDelay, opts.RetryDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if retry <= 0 {
		retry = DefaultRetryDelay
	}
	newBackOff := opts.BackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return StepBackOff(initial, retry) }
	}

	signal := NewStatusSignal(Status{State: StateIdle})
	metrics := NewMetrics(opts.Registerer)
	conn := newConn(opener, source, signal, metrics, log, opts.ConnectTimeout)

	return &Supervisor{
		conn:    conn,
		sched:   newScheduler(conn, signal, metrics, log, newBackOff),
		mux:     newMultiplexer(signal, conn.Session, metrics, log.With().Str("part", "tags").Logger()),
		signal:  signal,
		metrics: metrics,
		log:     log,
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ConnectAsync starts a connect attempt and returns at once. The channel
// yields whether the attempt succeeded; failures are reported through the
// status signal.
func (s *Supervisor) ConnectAsync(ctx context.Context) <-chan bool {
	result := make(chan bool, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		result <- false
		return result
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.conn.Connect(ctx)
		if err != nil && !errors.Is(err, ErrCancelled) {
			s.log.Debug().Err(err).Msg("connect attempt failed")
		}
		result <- err == nil
	}()
	return result
}

// Connect runs one connect attempt and reports whether it succeeded.
func (s *Supervisor) Connect(ctx context.Context) bool {
	select {
	case ok := <-s.ConnectAsync(ctx):
		return ok
	case <-ctx.Done():
		return false
	}
}

// Disconnect stops auto-reconnect and tears the session down. Calling it
// repeatedly is harmless.
func (s *Supervisor) Disconnect() {
	if s.isClosed() {
		return
	}
	s.sched.Stop()
	s.conn.Disconnect()
}

// StartAutoReconnect connects now and keeps reconnecting after every drop
// until StopAutoReconnect, Disconnect or Close.
func (s *Supervisor) StartAutoReconnect() {
	if s.isClosed() {
		return
	}
	s.sched.Start()
}

// StopAutoReconnect cancels pending retries. The current session, if any,
// stays up.
func (s *Supervisor) StopAutoReconnect() {
	s.sched.Stop()
}

// AutoReconnectRunning reports whether the scheduler is active.
func (s *Supervisor) AutoReconnectRunning() bool {
	return s.sched.Running()
}

// Status returns the broadcast status signal.
func (s *Supervisor) Status() *StatusSignal {
	return s.signal
}

// CurrentStatus returns the latest status.
func (s *Supervisor) CurrentStatus() Status {
	return s.signal.Current()
}

// IsConnected reports whether a session is live.
func (s *Supervisor) IsConnected() bool {
	return s.signal.Current().Connected()
}

// CurrentSession returns a read/write view of the live session, or nil.
func (s *Supervisor) CurrentSession() driver.ReadWriter {
	sess := s.conn.Session()
	if sess == nil {
		return nil
	}
	return sess
}

// Address returns the PLC address of the latest connect attempt.
func (s *Supervisor) Address() string {
	return s.conn.Address()
}

// Metrics returns the supervisor's collectors.
func (s *Supervisor) Metrics() *Metrics {
	return s.metrics
}

// Tags returns the number of tags currently observed.
func (s *Supervisor) Tags() int {
	return s.mux.Entries()
}

func (s *Supervisor) session() (driver.Session, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	sess := s.conn.Session()
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess, nil
}

// ReadTag reads one address on the live session. It fails with
// ErrNotConnected while no session is live and with ErrDriverFault when the
// driver fails or panics.
func (s *Supervisor) ReadTag(ctx context.Context, address, typeHint string) (*driver.TagValue, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	var tv *driver.TagValue
	err = callDriver(func() error {
		var rerr error
		tv, rerr = sess.Read(ctx, address, typeHint)
		return rerr
	})
	if err != nil {
		s.logDriverErr(err, "read", address)
		return nil, err
	}
	return tv, nil
}

// WriteTag writes value to address on the live session. It fails with
// ErrNotConnected while no session is live; writes are never queued.
func (s *Supervisor) WriteTag(ctx context.Context, address, typeHint string, value interface{}) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	err = callDriver(func() error {
		return sess.Write(ctx, address, typeHint, value)
	})
	if err != nil {
		s.logDriverErr(err, "write", address)
		return err
	}
	s.log.Debug().Str("address", address).Interface("value", value).Msg("tag written")
	return nil
}

// callDriver runs one driver call and wraps its error, or a recovered
// panic, as ErrDriverFault.
func callDriver(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredFault(r)
		}
	}()
	if err := fn(); err != nil {
		return driverFault(err)
	}
	return nil
}

func (s *Supervisor) logDriverErr(err error, op, address string) {
	ev := s.log.Debug()
	if errors.Is(err, errDriverPanic) {
		ev = s.log.Error()
	}
	ev.Err(err).Str("op", op).Str("address", address).Msg("tag access failed")
}

// Close stops the scheduler, ends every tag stream, closes the session and
// the status signal. Only the first call has any effect.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sched.Stop()
	s.mux.Close()
	s.conn.Close()
	s.wg.Wait()
	s.signal.Close()
	s.log.Info().Msg("supervisor closed")
}
