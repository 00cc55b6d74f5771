package plcman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// Default retry delays: the first retry after a drop waits InitialDelay,
// every later one RetryDelay.
const (
	DefaultInitialDelay = 3 * time.Second
	DefaultRetryDelay   = 5 * time.Second
)

// stepBackOff waits first once and rest forever after.
type stepBackOff struct {
	first, rest time.Duration
	n           int
}

// StepBackOff returns a backoff.BackOff yielding first, then rest forever.
func StepBackOff(first, rest time.Duration) backoff.BackOff {
	return &stepBackOff{first: first, rest: rest}
}

func (b *stepBackOff) NextBackOff() time.Duration {
	b.n++
	if b.n == 1 {
		return b.first
	}
	return b.rest
}

func (b *stepBackOff) Reset() { b.n = 0 }

// ExponentialBackOff returns an exponential policy that never gives up.
func ExponentialBackOff(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Scheduler keeps the session up. Each Start begins a new generation
// supervised by its own tomb; at most one retry loop runs per generation.
type Scheduler struct {
	conn       *Conn
	signal     *StatusSignal
	metrics    *Metrics
	log        zerolog.Logger
	newBackOff func() backoff.BackOff

	mu  sync.Mutex
	gen *generation

	// Running and peak number of retry loops, for tests and diagnostics.
	active atomic.Int32
	peak   atomic.Int32
}

type generation struct {
	tmb      tomb.Tomb
	retrying atomic.Bool
}

func newScheduler(conn *Conn, signal *StatusSignal, metrics *Metrics, log zerolog.Logger, newBackOff func() backoff.BackOff) *Scheduler {
	return &Scheduler{
		conn:       conn,
		signal:     signal,
		metrics:    metrics,
		log:        log,
		newBackOff: newBackOff,
	}
}

// Start replaces any running generation with a new one that connects
// immediately and then retries after every drop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	g := &generation{}
	s.gen = g
	g.tmb.Go(func() error {
		return s.supervise(g)
	})
	s.log.Info().Msg("auto-reconnect started")
}

// Stop ends the current generation and waits for its goroutines. Pending
// delays and connect attempts are abandoned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLocked() {
		s.log.Info().Msg("auto-reconnect stopped")
	}
}

func (s *Scheduler) stopLocked() bool {
	if s.gen == nil {
		return false
	}
	s.gen.tmb.Kill(nil)
	s.gen.tmb.Wait()
	s.gen = nil
	return true
}

// Running reports whether auto-reconnect is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != nil && s.gen.tmb.Alive()
}

func needsRetry(st Status) bool {
	return st.State == StateDisconnected || st.State == StateFaulted
}

// supervise performs the immediate connect and then watches the status
// signal for drops.
func (s *Scheduler) supervise(g *generation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("reconnect supervisor panicked")
			err = fmt.Errorf("reconnect supervisor panic: %v", r)
		}
	}()

	ctx := g.tmb.Context(context.Background())
	if err := s.conn.Connect(ctx); err != nil && !errors.Is(err, ErrCancelled) {
		s.log.Warn().Err(err).Msg("initial connect failed")
	}

	sub := s.signal.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-g.tmb.Dying():
			return nil
		case st, ok := <-sub.C():
			if !ok {
				return nil
			}
			if needsRetry(st) {
				s.maybeRetry(g)
			}
		}
	}
}

// maybeRetry starts the retry loop unless one is already running. It is
// only called from goroutines tracked by g.tmb.
func (s *Scheduler) maybeRetry(g *generation) {
	if !g.tmb.Alive() {
		return
	}
	if !g.retrying.CompareAndSwap(false, true) {
		return
	}
	g.tmb.Go(func() error {
		s.retryLoop(g)
		return nil
	})
}

func (s *Scheduler) retryLoop(g *generation) {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("reconnect loop panicked")
		}
		s.active.Add(-1)
		g.retrying.Store(false)
		// A drop published while the guard was still set would be lost.
		if needsRetry(s.signal.Current()) {
			s.maybeRetry(g)
		}
	}()

	ctx := g.tmb.Context(context.Background())
	b := s.newBackOff()
	b.Reset()
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = DefaultRetryDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-g.tmb.Dying():
			timer.Stop()
			return
		case <-timer.C:
		}

		if s.signal.Current().Connected() {
			return
		}

		err := s.conn.Connect(ctx)
		if !g.tmb.Alive() || errors.Is(err, ErrClosed) {
			return
		}
		s.metrics.observeReconnect(err)
		if err == nil {
			s.log.Info().Int("attempt", attempt).Msg("reconnected")
			return
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
}
