package plcman

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bottleline/driver"
	"bottleline/logging"
)

// DefaultConnectTimeout bounds the driver handshake.
const DefaultConnectTimeout = 5 * time.Second

// ConfigSource supplies the connection config. It is consulted on every
// connect attempt so edits apply without a restart.
type ConfigSource interface {
	ConnectionConfig(ctx context.Context) (driver.ConnectionConfig, error)
}

// ConfigFunc adapts a function to ConfigSource.
type ConfigFunc func(ctx context.Context) (driver.ConnectionConfig, error)

func (f ConfigFunc) ConnectionConfig(ctx context.Context) (driver.ConnectionConfig, error) {
	return f(ctx)
}

// StaticConfig is a ConfigSource that always returns the same config.
func StaticConfig(cfg driver.ConnectionConfig) ConfigSource {
	return ConfigFunc(func(context.Context) (driver.ConnectionConfig, error) {
		return cfg, nil
	})
}

// Conn is the connection state machine. It owns the single driver session
// and serializes every replacement of it.
type Conn struct {
	opener  driver.Opener
	source  ConfigSource
	signal  *StatusSignal
	metrics *Metrics
	log     zerolog.Logger
	timeout time.Duration

	// sem is the connect mutex, held across teardown, open and handshake.
	sem chan struct{}

	mu        sync.Mutex
	session   driver.Session
	sessionID string
	address   string
	pending   map[int]context.CancelFunc
	nextID    int
	closed    bool

	watchers sync.WaitGroup
}

func newConn(opener driver.Opener, source ConfigSource, signal *StatusSignal, metrics *Metrics, log zerolog.Logger, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Conn{
		opener:  opener,
		source:  source,
		signal:  signal,
		metrics: metrics,
		log:     log,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
		pending: make(map[int]context.CancelFunc),
	}
}

// Session returns the live session or nil.
func (c *Conn) Session() driver.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Address returns the PLC address of the last attempt.
func (c *Conn) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// publishLocked pushes a status. Caller holds c.mu, which orders the
// pushes of concurrent connects and the drop watcher.
func (c *Conn) publishLocked(st Status) {
	if c.signal.Publish(st) {
		c.metrics.observeState(st.State)
		ev := c.log.Info()
		if st.Err != nil {
			ev = c.log.Warn().Err(st.Err)
		}
		ev.Str("state", st.State.String()).Str("session", st.SessionID).Msg("connection state")
		logging.DebugLog("plcman", "state %s (err=%v)", st.State, st.Err)
	}
}

func (c *Conn) publish(st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(st)
}

// track registers the cancel func of an in-flight attempt so Disconnect
// and Close can abort it.
func (c *Conn) track(cancel context.CancelFunc) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.nextID++
	c.pending[c.nextID] = cancel
	return c.nextID, true
}

func (c *Conn) untrack(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Conn) cancelPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.pending {
		cancel()
	}
}

// Connect replaces the current session with a new one. It fails fast with
// ErrInvalidConfig on an empty address, ErrTimeout when the handshake
// exceeds the connect timeout, ErrCancelled when ctx ends or Disconnect is
// called, and ErrDriverFault for driver errors.
func (c *Conn) Connect(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.metrics.observeConnect(err, time.Since(start)) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id, ok := c.track(cancel)
	if !ok {
		return ErrClosed
	}
	defer c.untrack(id)

	cfg, err := c.source.ConnectionConfig(ctx)
	if err == nil && strings.TrimSpace(cfg.Address) == "" {
		err = errors.New("empty PLC address")
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		// Report it only when no other attempt or teardown holds the
		// connect mutex; their own pushes describe the real state.
		select {
		case c.sem <- struct{}{}:
			c.mu.Lock()
			if c.session == nil {
				c.publishLocked(Status{State: StateDisconnected, Err: err})
			}
			c.mu.Unlock()
			<-c.sem
		default:
		}
		return err
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	defer func() { <-c.sem }()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	c.mu.Lock()
	old := c.detachLocked()
	c.address = cfg.Address
	c.publishLocked(Status{State: StateConnecting})
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	log := c.log.With().Str("plc", cfg.Address).Int("rack", cfg.Rack).Int("slot", cfg.Slot).Logger()
	log.Debug().Msg("connecting")

	sess, err := c.open(cfg)
	if err == nil {
		err = c.handshake(ctx, sess)
		if err != nil {
			sess.Close()
		}
	}
	if err != nil {
		state := StateDisconnected
		if errors.Is(err, errDriverPanic) {
			state = StateFaulted
			log.Error().Err(err).Msg("driver panicked during connect")
		} else {
			log.Warn().Err(err).Msg("connect failed")
		}
		c.publish(Status{State: state, Err: err})
		return err
	}

	sessionID := uuid.NewString()
	c.mu.Lock()
	c.session = sess
	c.sessionID = sessionID
	c.publishLocked(Status{State: StateConnected, SessionID: sessionID})
	c.watchers.Add(1)
	c.mu.Unlock()

	go c.watch(sess)
	return nil
}

func (c *Conn) open(cfg driver.ConnectionConfig) (sess driver.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			sess, err = nil, recoveredFault(r)
		}
	}()
	sess, err = c.opener.Open(cfg)
	if err != nil {
		return nil, driverFault(err)
	}
	if sess == nil {
		return nil, driverFault(errors.New("opener returned no session"))
	}
	return sess, nil
}

// handshake races the driver handshake against the connect timeout and ctx.
func (c *Conn) handshake(ctx context.Context, sess driver.Session) error {
	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- recoveredFault(r)
			}
		}()
		result <- sess.Handshake(hctx)
	}()

	select {
	case err := <-result:
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errDriverPanic):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case hctx.Err() != nil:
			return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		default:
			return driverFault(err)
		}
	case <-hctx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
}

// watch reports a silent drop of sess. Drops of a session that has
// already been replaced or torn down are ignored.
func (c *Conn) watch(sess driver.Session) {
	defer c.watchers.Done()
	<-sess.Done()

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	c.detachLocked()
	cause := sess.Err()
	if cause == nil {
		cause = errors.New("session ended")
	}
	err := driverFault(cause)
	c.publishLocked(Status{State: StateFaulted, Err: err})
	c.mu.Unlock()

	c.log.Warn().Err(cause).Str("session", sessionID).Msg("connection lost")
	sess.Close()
}

func (c *Conn) detachLocked() driver.Session {
	old := c.session
	c.session = nil
	c.sessionID = ""
	return old
}

// Disconnect aborts pending attempts, tears down the session and pushes
// Disconnected. It is safe to call at any time.
func (c *Conn) Disconnect() {
	c.cancelPending()

	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	c.mu.Lock()
	old := c.detachLocked()
	c.publishLocked(Status{State: StateDisconnected})
	c.mu.Unlock()
	if old != nil {
		old.Close()
		c.log.Info().Msg("disconnected")
	}
}

// Close disconnects and refuses further attempts.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.watchers.Wait()
}
