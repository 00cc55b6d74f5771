package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bottleline/logging"
	"bottleline/s7"
)

// ErrSessionClosed is reported by Err after a deliberate Close.
var ErrSessionClosed = errors.New("session closed")

// Defaults for S7Opener.
const (
	DefaultPollRate          = 250 * time.Millisecond
	DefaultKeepaliveInterval = 5 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
)

// s7Client is the subset of *s7.Client used by sessions.
type s7Client interface {
	ReadTag(req s7.TagRequest) (*s7.TagValue, error)
	Write(address, typeHint string, value interface{}) error
	Keepalive() error
	CPUInfo() (*s7.CPUInfo, error)
	ConnectionMode() string
	Close() error
}

type dialFunc func(ctx context.Context, cfg ConnectionConfig, timeout time.Duration) (s7Client, error)

func dialS7(ctx context.Context, cfg ConnectionConfig, timeout time.Duration) (s7Client, error) {
	client, err := s7.Dial(ctx, cfg.Address,
		s7.WithRackSlot(cfg.Rack, cfg.Slot),
		s7.WithTimeout(timeout),
		s7.WithLogger(logging.StdLogger("s7")),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// S7Opener opens sessions to Siemens S7 PLCs through gos7.
// Change notification is emulated by polling.
type S7Opener struct {
	PollRate          time.Duration
	KeepaliveInterval time.Duration
	RequestTimeout    time.Duration
	Logger            zerolog.Logger

	dial dialFunc
}

// Open prepares a session. No I/O happens until Handshake.
func (o *S7Opener) Open(cfg ConnectionConfig) (Session, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("s7: empty address")
	}
	s := &s7Session{
		cfg:       cfg,
		pollRate:  o.PollRate,
		keepalive: o.KeepaliveInterval,
		timeout:   o.RequestTimeout,
		dial:      o.dial,
		log:       o.Logger.With().Str("plc", cfg.Address).Logger(),
		done:      make(chan struct{}),
	}
	if s.pollRate <= 0 {
		s.pollRate = DefaultPollRate
	}
	if s.keepalive <= 0 {
		s.keepalive = DefaultKeepaliveInterval
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRequestTimeout
	}
	if s.dial == nil {
		s.dial = dialS7
	}
	return s, nil
}

type s7Session struct {
	cfg       ConnectionConfig
	pollRate  time.Duration
	keepalive time.Duration
	timeout   time.Duration
	dial      dialFunc
	log       zerolog.Logger

	mu     sync.Mutex
	client s7Client
	err    error

	done     chan struct{}
	failOnce sync.Once
	wg       sync.WaitGroup
}

func (s *s7Session) Handshake(ctx context.Context) error {
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return fmt.Errorf("s7: handshake already done")
	}
	s.mu.Unlock()

	logging.DebugConnect("s7", s.cfg.Address)
	client, err := s.dial(ctx, s.cfg, s.timeout)
	if err != nil {
		logging.DebugConnectError("s7", s.cfg.Address, err)
		return err
	}

	s.mu.Lock()
	select {
	case <-s.done:
		// Closed while dialing.
		s.mu.Unlock()
		client.Close()
		return ErrSessionClosed
	default:
	}
	s.client = client
	s.wg.Add(1)
	s.mu.Unlock()

	logging.DebugConnectSuccess("s7", s.cfg.Address, client.ConnectionMode())

	go s.keepaliveLoop()
	return nil
}

func (s *s7Session) Done() <-chan struct{} { return s.done }

func (s *s7Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail ends the session with err. Only the first call has an effect.
func (s *s7Session) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		client := s.client
		close(s.done)
		s.mu.Unlock()

		if client != nil {
			client.Close()
		}
		if !errors.Is(err, ErrSessionClosed) {
			logging.DebugDisconnect("s7", s.cfg.Address, err.Error())
		}
	})
}

// Close ends the session and waits for its pollers to exit.
func (s *s7Session) Close() error {
	s.fail(ErrSessionClosed)
	s.wg.Wait()
	return nil
}

func (s *s7Session) conn() (s7Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, ErrSessionClosed
	default:
	}
	if s.client == nil {
		return nil, fmt.Errorf("s7: not connected")
	}
	return s.client, nil
}

// errClientPanic marks a panic recovered from the gos7 client. The
// handler state is unknown afterwards, so the session ends.
var errClientPanic = errors.New("s7 client panic")

// guard runs fn, turning a panic into an errClientPanic error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errClientPanic, r)
		}
	}()
	return fn()
}

func readTag(client s7Client, req s7.TagRequest) (tv *s7.TagValue, err error) {
	err = guard(func() error {
		var rerr error
		tv, rerr = client.ReadTag(req)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return tv, nil
}

// checkErr ends the session when err looks like a lost connection or the
// client panicked.
func (s *s7Session) checkErr(err error) {
	if IsLikelyConnectionError(err) || errors.Is(err, errClientPanic) {
		s.fail(err)
	}
}

func (s *s7Session) Read(ctx context.Context, address, typeHint string) (*TagValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	tv, err := readTag(client, s7.TagRequest{Address: address, TypeHint: typeHint})
	if err != nil {
		s.checkErr(err)
		return nil, err
	}
	if tv.Error != nil {
		s.checkErr(tv.Error)
		return nil, fmt.Errorf("read %s: %w", address, tv.Error)
	}
	return &TagValue{
		Name:     tv.Name,
		DataType: tv.DataType,
		TypeName: tv.TypeName(),
		Value:    tv.GoValue(),
		Bytes:    tv.Bytes,
	}, nil
}

func (s *s7Session) Write(ctx context.Context, address, typeHint string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := s.conn()
	if err != nil {
		return err
	}
	if err := guard(func() error { return client.Write(address, typeHint, value) }); err != nil {
		s.checkErr(err)
		return err
	}
	logging.DebugLog("s7", "wrote %v to %s", value, address)
	return nil
}

// DeviceInfo returns identification data of the connected CPU.
func (s *s7Session) DeviceInfo() (*DeviceInfo, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	info, err := client.CPUInfo()
	if err != nil {
		s.checkErr(err)
		return nil, err
	}
	return &DeviceInfo{
		Vendor:       "Siemens",
		Model:        info.ModuleTypeName,
		Version:      info.ASName,
		SerialNumber: info.SerialNumber,
		Description:  info.ModuleName,
	}, nil
}

func (s *s7Session) keepaliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			client, err := s.conn()
			if err != nil {
				return
			}
			if err := guard(client.Keepalive); err != nil {
				s.log.Warn().Err(err).Msg("keepalive failed")
				s.fail(fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}

func (s *s7Session) Subscribe(address, typeHint string, mode Mode) (Subscription, error) {
	addr, err := s7.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if err := addr.ApplyTypeHint(typeHint); err != nil {
		return nil, err
	}
	sub := &pollSub{
		address:  address,
		typeHint: typeHint,
		typeName: s7.TypeName(addr.DataType),
		mode:     mode,
		ch:       make(chan Sample, 1),
		stop:     make(chan struct{}),
	}

	// wg.Add under mu so it cannot race Close's Wait.
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	default:
	}
	if s.client == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("s7: not connected")
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.poll(sub)
	return sub, nil
}

type pollSub struct {
	address  string
	typeHint string
	typeName string
	mode     Mode
	ch       chan Sample
	stop     chan struct{}
	stopOnce sync.Once
}

func (p *pollSub) C() <-chan Sample { return p.ch }

func (p *pollSub) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// offer delivers a sample, replacing an unread one.
func (p *pollSub) offer(sample Sample) {
	select {
	case p.ch <- sample:
	default:
		select {
		case <-p.ch:
		default:
		}
		select {
		case p.ch <- sample:
		default:
		}
	}
}

func (s *s7Session) poll(sub *pollSub) {
	defer s.wg.Done()
	defer close(sub.ch)

	ticker := time.NewTicker(s.pollRate)
	defer ticker.Stop()

	var last []byte
	var lastFailed bool
	for {
		client, err := s.conn()
		if err != nil {
			return
		}
		tv, err := readTag(client, s7.TagRequest{Address: sub.address, TypeHint: sub.typeHint})
		if err == nil && tv.Error != nil {
			err = tv.Error
		}

		now := time.Now()
		switch {
		case err != nil:
			s.checkErr(err)
			if !lastFailed {
				logging.DebugError("s7", "poll "+sub.address, err)
				sub.offer(Sample{Address: sub.address, Type: sub.typeName, Err: err, Time: now})
			}
			lastFailed = true
			last = nil
		case sub.mode == Periodic || lastFailed || last == nil || !bytes.Equal(last, tv.Bytes):
			sub.offer(Sample{Address: sub.address, Value: tv.GoValue(), Type: tv.TypeName(), Time: now})
			last = tv.Bytes
			lastFailed = false
		}

		select {
		case <-s.done:
			return
		case <-sub.stop:
			return
		case <-ticker.C:
		}
	}
}
