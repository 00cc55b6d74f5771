package plcman

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bottleline/driver"
)

// handshakeFunc scripts the outcome of one Handshake call.
type handshakeFunc func(ctx context.Context) error

func succeed(context.Context) error { return nil }

func failWith(err error) handshakeFunc {
	return func(context.Context) error { return err }
}

// block waits until ctx ends.
func block(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeOpener struct {
	mu         sync.Mutex
	handshakes []handshakeFunc // consumed in order; the last one repeats
	openErr    error
	openPanic  interface{}
	sessions   []*fakeSession
	opens      atomic.Int32
	configs    []driver.ConnectionConfig
}

func newFakeOpener(handshakes ...handshakeFunc) *fakeOpener {
	if len(handshakes) == 0 {
		handshakes = []handshakeFunc{succeed}
	}
	return &fakeOpener{handshakes: handshakes}
}

func (o *fakeOpener) Open(cfg driver.ConnectionConfig) (driver.Session, error) {
	o.opens.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.configs = append(o.configs, cfg)
	if o.openPanic != nil {
		panic(o.openPanic)
	}
	if o.openErr != nil {
		return nil, o.openErr
	}
	h := o.handshakes[0]
	if len(o.handshakes) > 1 {
		o.handshakes = o.handshakes[1:]
	}
	s := newFakeSession(h)
	o.sessions = append(o.sessions, s)
	return s, nil
}

func (o *fakeOpener) session(i int) *fakeSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 {
		i += len(o.sessions)
	}
	if i < 0 || i >= len(o.sessions) {
		return nil
	}
	return o.sessions[i]
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

type fakeSession struct {
	handshake handshakeFunc

	mu      sync.Mutex
	done    chan struct{}
	err     error
	closes  atomic.Int32
	values  map[string]interface{}
	writes  map[string]interface{}
	subs    []*fakeSub
	subErr   error
	readErr  error
	writeErr error
	panicMsg interface{} // Read, Write and Subscribe panic with it when set
}

func newFakeSession(h handshakeFunc) *fakeSession {
	return &fakeSession{
		handshake: h,
		done:      make(chan struct{}),
		values:    make(map[string]interface{}),
		writes:    make(map[string]interface{}),
	}
}

func (s *fakeSession) Handshake(ctx context.Context) error {
	return s.handshake(ctx)
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// drop simulates the PLC going away without a Close.
func (s *fakeSession) drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *fakeSession) endLocked(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.err = err
	close(s.done)
	for _, sub := range s.subs {
		sub.end()
	}
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(driver.ErrSessionClosed)
	return nil
}

func (s *fakeSession) Read(_ context.Context, address, typeHint string) (*driver.TagValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicMsg != nil {
		panic(s.panicMsg)
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	return &driver.TagValue{Name: address, TypeName: typeHint, Value: s.values[address]}, nil
}

func (s *fakeSession) Write(_ context.Context, address, _ string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicMsg != nil {
		panic(s.panicMsg)
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes[address] = value
	return nil
}

func (s *fakeSession) Subscribe(address, typeHint string, mode driver.Mode) (driver.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicMsg != nil {
		panic(s.panicMsg)
	}
	if s.subErr != nil {
		return nil, s.subErr
	}
	sub := &fakeSub{address: address, typeHint: typeHint, mode: mode, ch: make(chan driver.Sample, 16)}
	select {
	case <-s.done:
		sub.end()
	default:
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeSession) subscriptions() []*fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeSub(nil), s.subs...)
}

func (s *fakeSession) openSubs() int {
	n := 0
	for _, sub := range s.subscriptions() {
		if !sub.isClosed() {
			n++
		}
	}
	return n
}

type fakeSub struct {
	address  string
	typeHint string
	mode     driver.Mode
	ch       chan driver.Sample

	mu     sync.Mutex
	closed bool
	closes atomic.Int32
}

func (f *fakeSub) C() <-chan driver.Sample { return f.ch }

func (f *fakeSub) Close() {
	f.closes.Add(1)
	f.end()
}

func (f *fakeSub) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *fakeSub) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSub) emit(v interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.ch <- driver.Sample{Address: f.address, Value: v, Time: time.Now()}
	return true
}

func (f *fakeSub) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.ch <- driver.Sample{Address: f.address, Err: err, Time: time.Now()}
	}
}

var errRefused = errors.New("connection refused")

func testConfig() ConfigSource {
	return StaticConfig(driver.ConnectionConfig{Address: "192.168.2.1", Rack: 0, Slot: 1})
}

// newTestSupervisor returns a supervisor with short retry delays that is
// closed when the test ends.
func newTestSupervisor(t *testing.T, opener driver.Opener, opts Options) *Supervisor {
	t.Helper()
	if opts.InitialDelay == 0 {
		opts.InitialDelay = 30 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	s := NewSupervisor(opener, testConfig(), opts)
	t.Cleanup(s.Close)
	return s
}

// nextStatus waits for the next status on sub.
func nextStatus(t *testing.T, sub *StatusSubscription) Status {
	t.Helper()
	select {
	case st, ok := <-sub.C():
		require.True(t, ok, "status subscription ended")
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
		return Status{}
	}
}

// waitState reads statuses until one with want arrives.
func waitState(t *testing.T, sub *StatusSubscription, want ConnectionState) Status {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st, ok := <-sub.C():
			require.True(t, ok, "status subscription ended")
			if st.State == want {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return Status{}
		}
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func assertClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}
