package plcman

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bottleline/driver"
)

func TestConnect_Success(t *testing.T) {
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})
	sub := sup.Status().Subscribe()
	defer sub.Close()
	assert.Equal(t, StateIdle, nextStatus(t, sub).State)

	require.True(t, sup.Connect(context.Background()))

	assert.Equal(t, StateConnecting, nextStatus(t, sub).State)
	st := nextStatus(t, sub)
	assert.Equal(t, StateConnected, st.State)
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, sup.IsConnected())
	assert.NotNil(t, sup.CurrentSession())
	assert.Equal(t, "192.168.2.1", sup.Address())

	opener.mu.Lock()
	cfg := opener.configs[0]
	opener.mu.Unlock()
	assert.Equal(t, driver.ConnectionConfig{Address: "192.168.2.1", Rack: 0, Slot: 1}, cfg)
}

func TestConnect_EmptyAddressIsInvalidConfig(t *testing.T) {
	opener := newFakeOpener()
	for _, addr := range []string{"", "   "} {
		source := StaticConfig(driver.ConnectionConfig{Address: addr})
		sup := NewSupervisor(opener, source, Options{})

		err := sup.conn.Connect(context.Background())
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Equal(t, StateDisconnected, sup.CurrentStatus().State)
		assert.ErrorIs(t, sup.CurrentStatus().Err, ErrInvalidConfig)
		sup.Close()
	}
	assert.EqualValues(t, 0, opener.opens.Load(), "no driver call for an invalid config")
}

func TestConnect_ConfigSourceError(t *testing.T) {
	opener := newFakeOpener()
	source := ConfigFunc(func(context.Context) (driver.ConnectionConfig, error) {
		return driver.ConnectionConfig{}, errors.New("config unreadable")
	})
	sup := NewSupervisor(opener, source, Options{})
	defer sup.Close()

	assert.False(t, sup.Connect(context.Background()))
	assert.ErrorIs(t, sup.CurrentStatus().Err, ErrInvalidConfig)
	assert.EqualValues(t, 0, opener.opens.Load())
}

func TestConnect_ReadsConfigEveryAttempt(t *testing.T) {
	opener := newFakeOpener()
	var mu sync.Mutex
	addr := "10.0.0.1"
	source := ConfigFunc(func(context.Context) (driver.ConnectionConfig, error) {
		mu.Lock()
		defer mu.Unlock()
		return driver.ConnectionConfig{Address: addr, Slot: 1}, nil
	})
	sup := NewSupervisor(opener, source, Options{})
	defer sup.Close()

	require.True(t, sup.Connect(context.Background()))
	mu.Lock()
	addr = "10.0.0.2"
	mu.Unlock()
	require.True(t, sup.Connect(context.Background()))

	opener.mu.Lock()
	defer opener.mu.Unlock()
	require.Len(t, opener.configs, 2)
	assert.Equal(t, "10.0.0.1", opener.configs[0].Address)
	assert.Equal(t, "10.0.0.2", opener.configs[1].Address)
}

func TestConnect_ReplacesSession(t *testing.T) {
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})

	require.True(t, sup.Connect(context.Background()))
	first := opener.session(0)
	require.True(t, sup.Connect(context.Background()))

	assert.EqualValues(t, 1, first.closes.Load())
	assert.Equal(t, StateConnected, sup.CurrentStatus().State)
	assert.Equal(t, opener.session(1), sup.CurrentSession())
}

func TestConnect_DriverError(t *testing.T) {
	opener := newFakeOpener(failWith(errRefused))
	sup := newTestSupervisor(t, opener, Options{})

	err := sup.conn.Connect(context.Background())
	require.ErrorIs(t, err, ErrDriverFault)
	require.ErrorIs(t, err, errRefused)
	assert.Equal(t, StateDisconnected, sup.CurrentStatus().State)
	assert.EqualValues(t, 1, opener.session(0).closes.Load())
	assert.Nil(t, sup.CurrentSession())
}

func TestConnect_OpenError(t *testing.T) {
	opener := newFakeOpener()
	opener.openErr = errors.New("bad rack")
	sup := newTestSupervisor(t, opener, Options{})

	err := sup.conn.Connect(context.Background())
	require.ErrorIs(t, err, ErrDriverFault)
	assert.Equal(t, StateDisconnected, sup.CurrentStatus().State)
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	opener := newFakeOpener(block)
	sup := newTestSupervisor(t, opener, Options{})

	start := time.Now()
	err := sup.conn.Connect(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, DefaultConnectTimeout-100*time.Millisecond)
	assert.Less(t, elapsed, DefaultConnectTimeout+time.Second)
	assert.Equal(t, StateDisconnected, sup.CurrentStatus().State)
	assert.EqualValues(t, 1, opener.session(0).closes.Load(), "partial session closed exactly once")
}

func TestConnect_HandshakeIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := func(context.Context) error {
		<-release
		return nil
	}
	opener := newFakeOpener(stuck)
	sup := newTestSupervisor(t, opener, Options{ConnectTimeout: 50 * time.Millisecond})

	err := sup.conn.Connect(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.EqualValues(t, 1, opener.session(0).closes.Load())
}

func TestConnect_Cancelled(t *testing.T) {
	opener := newFakeOpener(block)
	sup := newTestSupervisor(t, opener, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := sup.conn.Connect(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateDisconnected, sup.CurrentStatus().State)
	assert.EqualValues(t, 1, opener.session(0).closes.Load())
}

func TestConnect_DisconnectCancelsAttempt(t *testing.T) {
	opener := newFakeOpener(block)
	sup := newTestSupervisor(t, opener, Options{})

	result := sup.ConnectAsync(context.Background())
	require.Eventually(t, func() bool { return opener.count() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	sup.Disconnect()
	assert.False(t, recv(t, result))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDisconnected, sup.CurrentStatus().State)
}

func TestConnect_DriverPanic(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		opener := newFakeOpener()
		opener.openPanic = "nil map"
		sup := newTestSupervisor(t, opener, Options{})

		err := sup.conn.Connect(context.Background())
		require.ErrorIs(t, err, ErrDriverFault)
		assert.Equal(t, StateFaulted, sup.CurrentStatus().State)
	})

	t.Run("handshake", func(t *testing.T) {
		opener := newFakeOpener(func(context.Context) error { panic("index out of range") })
		sup := newTestSupervisor(t, opener, Options{})

		err := sup.conn.Connect(context.Background())
		require.ErrorIs(t, err, ErrDriverFault)
		assert.Contains(t, err.Error(), "index out of range")
		assert.Equal(t, StateFaulted, sup.CurrentStatus().State)
		assert.EqualValues(t, 1, opener.session(0).closes.Load())
	})
}

func TestConnect_SilentDropFaults(t *testing.T) {
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})
	require.True(t, sup.Connect(context.Background()))

	sub := sup.Status().Subscribe()
	defer sub.Close()
	assert.Equal(t, StateConnected, nextStatus(t, sub).State)

	cause := errors.New("connection reset by peer")
	opener.session(0).drop(cause)

	st := nextStatus(t, sub)
	assert.Equal(t, StateFaulted, st.State)
	assert.ErrorIs(t, st.Err, ErrDriverFault)
	assert.ErrorIs(t, st.Err, cause)
	assert.Nil(t, sup.CurrentSession())
	assert.False(t, sup.IsConnected())
}

func TestConnect_DropOfReplacedSessionIgnored(t *testing.T) {
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})
	require.True(t, sup.Connect(context.Background()))
	require.True(t, sup.Connect(context.Background()))

	opener.session(0).drop(errors.New("late drop"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnected, sup.CurrentStatus().State)
}

func TestConnect_InvalidConfigDuringAttemptKeepsStatus(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gated := func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	opener := newFakeOpener(gated)

	var calls atomic.Int32
	source := ConfigFunc(func(context.Context) (driver.ConnectionConfig, error) {
		if calls.Add(1) == 1 {
			return driver.ConnectionConfig{Address: "192.168.2.1", Slot: 1}, nil
		}
		return driver.ConnectionConfig{}, nil
	})
	sup := NewSupervisor(opener, source, Options{})
	defer sup.Close()

	sub := sup.Status().Subscribe()
	defer sub.Close()
	assert.Equal(t, StateIdle, nextStatus(t, sub).State)

	first := sup.ConnectAsync(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake not started")
	}
	assert.Equal(t, StateConnecting, nextStatus(t, sub).State)

	assert.False(t, sup.Connect(context.Background()))
	assert.Equal(t, StateConnecting, sup.CurrentStatus().State)

	close(release)
	assert.True(t, recv(t, first))
	assert.Equal(t, StateConnected, nextStatus(t, sub).State)
	assert.Equal(t, StateConnected, sup.CurrentStatus().State)
}

func TestConnect_ConcurrentAttemptsSerialize(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	slow := func(ctx context.Context) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	opener := newFakeOpener(slow)
	sup := newTestSupervisor(t, opener, Options{})

	var results []<-chan bool
	for i := 0; i < 5; i++ {
		results = append(results, sup.ConnectAsync(context.Background()))
	}
	for _, r := range results {
		assert.True(t, recv(t, r))
	}

	mu.Lock()
	assert.Equal(t, 1, peak, "handshakes overlapped")
	mu.Unlock()

	// Every replaced session was closed; only the last one is live.
	n := opener.count()
	for i := 0; i < n-1; i++ {
		assert.EqualValues(t, 1, opener.session(i).closes.Load())
	}
	assert.EqualValues(t, 0, opener.session(n-1).closes.Load())
}

func TestDisconnect_Idempotent(t *testing.T) {
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})
	require.True(t, sup.Connect(context.Background()))

	sub := sup.Status().Subscribe()
	defer sub.Close()
	nextStatus(t, sub)

	sup.Disconnect()
	sup.Disconnect()

	assert.Equal(t, StateDisconnected, nextStatus(t, sub).State)
	assert.EqualValues(t, 1, opener.session(0).closes.Load())

	select {
	case st := <-sub.C():
		t.Fatalf("unexpected status %s after second Disconnect", st.State)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnect_BeforeConnect(t *testing.T) {
	sup := newTestSupervisor(t, newFakeOpener(), Options{})
	sup.Disconnect()
	assert.Equal(t, StateDisconnected, sup.CurrentStatus().State)
}

func TestConnect_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	opener := newFakeOpener(failWith(errRefused), succeed)
	sup := newTestSupervisor(t, opener, Options{Registerer: reg})

	assert.False(t, sup.Connect(context.Background()))
	assert.True(t, sup.Connect(context.Background()))

	m := sup.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectAttempts.WithLabelValues("driver_fault")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectAttempts.WithLabelValues("ok")))
	assert.Equal(t, float64(StateConnected), testutil.ToFloat64(m.state))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("Connecting")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.connectDuration))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrInvalidConfig, "invalid_config"},
		{ErrTimeout, "timeout"},
		{ErrCancelled, "cancelled"},
		{ErrNotConnected, "not_connected"},
		{ErrClosed, "closed"},
		{driverFault(errRefused), "driver_fault"},
		{recoveredFault("boom"), "driver_fault"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}
