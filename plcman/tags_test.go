package plcman

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bottleline/driver"
)

func connectedSupervisor(t *testing.T) (*Supervisor, *fakeOpener) {
	t.Helper()
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})
	require.True(t, sup.Connect(context.Background()))
	return sup, opener
}

// waitSubs waits until sess has n open driver subscriptions.
func waitSubs(t *testing.T, sess *fakeSession, n int) []*fakeSub {
	t.Helper()
	require.Eventually(t, func() bool { return sess.openSubs() == n }, 2*time.Second, 5*time.Millisecond)
	var open []*fakeSub
	for _, s := range sess.subscriptions() {
		if !s.isClosed() {
			open = append(open, s)
		}
	}
	return open
}

func TestObserve_SharedSubscription(t *testing.T) {
	sup, opener := connectedSupervisor(t)
	sess := opener.session(0)

	a, cancelA := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	b, cancelB := Observe[int16](context.Background(), sup, "db1.dbw0", driver.OnChange)
	defer cancelA()
	defer cancelB()

	subs := waitSubs(t, sess, 1)
	assert.Equal(t, "DB1.DBW0", subs[0].address)
	assert.Equal(t, "INT", subs[0].typeHint)
	assert.Equal(t, 1, sup.Tags())

	require.True(t, subs[0].emit(int64(42)))
	assert.Equal(t, int16(42), recv(t, a))
	assert.Equal(t, int16(42), recv(t, b))
}

func TestObserve_DifferentTypesAreSeparate(t *testing.T) {
	sup, opener := connectedSupervisor(t)

	_, cancelA := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	_, cancelB := Observe[uint16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancelA()
	defer cancelB()

	waitSubs(t, opener.session(0), 2)
	assert.Equal(t, 2, sup.Tags())
}

func TestObserve_PartialUnsubscribe(t *testing.T) {
	sup, opener := connectedSupervisor(t)
	sess := opener.session(0)

	a, cancelA := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	b, cancelB := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancelB()
	sub := waitSubs(t, sess, 1)[0]

	cancelA()
	cancelA()
	assertClosed(t, a)
	assert.False(t, sub.isClosed(), "driver subscription must outlive one consumer")

	require.True(t, sub.emit(int64(7)))
	assert.Equal(t, int16(7), recv(t, b))

	cancelB()
	assertClosed(t, b)
	assert.True(t, sub.isClosed())
	assert.EqualValues(t, 1, sub.closes.Load())
	assert.Equal(t, 0, sup.Tags())
}

func TestObserve_ContextEndsConsumer(t *testing.T) {
	sup, opener := connectedSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := Observe[bool](ctx, sup, "DB1.DBX0.0", driver.OnChange)
	sub := waitSubs(t, opener.session(0), 1)[0]

	cancel()
	assertClosed(t, ch)
	require.Eventually(t, sub.isClosed, time.Second, 5*time.Millisecond)
}

func TestObserve_FaultsDeliverZeroValue(t *testing.T) {
	sup, opener := connectedSupervisor(t)

	ch, cancel := Observe[float32](context.Background(), sup, "DB1.DBD4", driver.OnChange)
	defer cancel()
	sub := waitSubs(t, opener.session(0), 1)[0]

	require.True(t, sub.emit(float64(1.5)))
	assert.Equal(t, float32(1.5), recv(t, ch))

	sub.fail(errors.New("item not available"))
	assert.Equal(t, float32(0), recv(t, ch))

	require.True(t, sub.emit("not a number"))
	assert.Equal(t, float32(0), recv(t, ch))

	// The stream keeps going after faults.
	require.True(t, sub.emit(float64(2.25)))
	assert.Equal(t, float32(2.25), recv(t, ch))

	assert.Equal(t, 2.0, testutil.ToFloat64(sup.Metrics().tagFaults.WithLabelValues("DB1.DBD4")))
}

func TestObserve_SubscribeErrorDeliversZero(t *testing.T) {
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})
	require.True(t, sup.Connect(context.Background()))
	sess := opener.session(0)
	sess.mu.Lock()
	sess.subErr = errors.New("invalid address")
	sess.mu.Unlock()

	ch, cancel := Observe[int32](context.Background(), sup, "DB1.DBD0", driver.OnChange)
	defer cancel()
	assert.Equal(t, int32(0), recv(t, ch))
}

func TestObserve_SubscribePanicDeliversZero(t *testing.T) {
	sup, opener := connectedSupervisor(t)
	sess := opener.session(0)
	sess.mu.Lock()
	sess.panicMsg = "driver bug in subscribe"
	sess.mu.Unlock()

	ch, cancel := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancel()
	assert.Equal(t, int16(0), recv(t, ch))
	assert.True(t, sup.IsConnected())

	// The entry is retried on the next session.
	require.True(t, sup.Connect(context.Background()))
	sub := waitSubs(t, opener.session(1), 1)[0]
	require.True(t, sub.emit(int64(5)))
	assert.Equal(t, int16(5), recv(t, ch))
}

func TestObserve_LatestValueWins(t *testing.T) {
	sup, opener := connectedSupervisor(t)

	ch, cancel := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancel()
	sub := waitSubs(t, opener.session(0), 1)[0]

	for i := 1; i <= 10; i++ {
		require.True(t, sub.emit(int64(i)))
	}
	require.Eventually(t, func() bool {
		select {
		case v := <-ch:
			return v == 10
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestObserve_ReplaysLastValueToNewConsumer(t *testing.T) {
	sup, opener := connectedSupervisor(t)

	a, cancelA := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancelA()
	sub := waitSubs(t, opener.session(0), 1)[0]
	require.True(t, sub.emit(int64(12)))
	assert.Equal(t, int16(12), recv(t, a))

	b, cancelB := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancelB()
	assert.Equal(t, int16(12), recv(t, b))
}

func TestObserve_BeforeConnect(t *testing.T) {
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})

	ch, cancel := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancel()
	assert.Equal(t, 1, sup.Tags())

	require.True(t, sup.Connect(context.Background()))
	sub := waitSubs(t, opener.session(0), 1)[0]
	require.True(t, sub.emit(int64(3)))
	assert.Equal(t, int16(3), recv(t, ch))
}

func TestObserve_ResubscribesAfterReconnect(t *testing.T) {
	sup, opener := connectedSupervisor(t)

	ch, cancel := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancel()
	waitSubs(t, opener.session(0), 1)

	sup.StartAutoReconnect()
	require.Eventually(t, func() bool { return opener.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, sup.IsConnected, 2*time.Second, 5*time.Millisecond)

	// The first session was replaced; the entry now lives on the second one.
	assert.Equal(t, 0, opener.session(0).openSubs())
	sub := waitSubs(t, opener.session(1), 1)[0]

	opener.session(1).drop(errors.New("cable pulled"))
	require.Eventually(t, func() bool { return opener.count() == 3 && sup.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sub.isClosed())

	fresh := waitSubs(t, opener.session(2), 1)[0]
	require.True(t, fresh.emit(int64(99)))
	assert.Equal(t, int16(99), recv(t, ch))
	assert.Equal(t, 1, sup.Tags())
}

func TestObserve_DisconnectDetaches(t *testing.T) {
	sup, opener := connectedSupervisor(t)

	ch, cancel := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancel()
	sub := waitSubs(t, opener.session(0), 1)[0]

	sup.Disconnect()
	require.Eventually(t, sub.isClosed, time.Second, 5*time.Millisecond)

	// The consumer stream survives a disconnect.
	select {
	case _, ok := <-ch:
		assert.True(t, ok)
	default:
	}
	assert.Equal(t, 1, sup.Tags())
}

func TestObserve_PeriodicUpgradesEntry(t *testing.T) {
	sup, opener := connectedSupervisor(t)
	sess := opener.session(0)

	_, cancelA := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	defer cancelA()
	first := waitSubs(t, sess, 1)[0]
	assert.Equal(t, driver.OnChange, first.mode)

	_, cancelB := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.Periodic)
	defer cancelB()
	require.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	second := waitSubs(t, sess, 1)[0]
	assert.Equal(t, driver.Periodic, second.mode)
}

func TestObserveTag_Untyped(t *testing.T) {
	sup, opener := connectedSupervisor(t)

	ch, cancel := ObserveTag(context.Background(), sup, "DB1.DBW0", "INT", driver.OnChange)
	defer cancel()
	sub := waitSubs(t, opener.session(0), 1)[0]
	assert.Equal(t, "INT", sub.typeHint)

	require.True(t, sub.emit(int64(5)))
	assert.Equal(t, int64(5), recv(t, ch))

	sub.fail(errors.New("timeout"))
	assert.Nil(t, recv(t, ch))
}

func TestObserve_CloseEndsEveryStream(t *testing.T) {
	opener := newFakeOpener()
	sup := NewSupervisor(opener, testConfig(), Options{})
	require.True(t, sup.Connect(context.Background()))

	a, _ := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	b, _ := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	c, _ := Observe[bool](context.Background(), sup, "DB1.DBX2.0", driver.OnChange)
	waitSubs(t, opener.session(0), 2)

	sup.Close()
	sup.Close()

	assertClosed(t, a)
	assertClosed(t, b)
	assertClosed(t, c)
	assert.Equal(t, 0, opener.session(0).openSubs())
	assert.Equal(t, 0.0, testutil.ToFloat64(sup.Metrics().subscriptions))
	assert.Equal(t, 0.0, testutil.ToFloat64(sup.Metrics().consumers))

	late, cancel := Observe[int16](context.Background(), sup, "DB1.DBW0", driver.OnChange)
	cancel()
	assertClosed(t, late)
}

func TestSupervisor_ReadWriteTag(t *testing.T) {
	opener := newFakeOpener()
	sup := newTestSupervisor(t, opener, Options{})
	ctx := context.Background()

	_, err := sup.ReadTag(ctx, "DB1.DBW0", "INT")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, sup.WriteTag(ctx, "DB1.DBW0", "INT", 5), ErrNotConnected)
	assert.Nil(t, sup.CurrentSession())

	require.True(t, sup.Connect(ctx))
	sess := opener.session(0)
	sess.mu.Lock()
	sess.values["DB1.DBW0"] = int64(17)
	sess.mu.Unlock()

	v, err := sup.ReadTag(ctx, "DB1.DBW0", "INT")
	require.NoError(t, err)
	assert.Equal(t, int64(17), v.Value)

	require.NoError(t, sup.WriteTag(ctx, "DB1.INT2", "INT", 12))
	sess.mu.Lock()
	assert.Equal(t, 12, sess.writes["DB1.INT2"])
	sess.mu.Unlock()

	sup.Close()
	assert.ErrorIs(t, sup.WriteTag(ctx, "DB1.INT2", "INT", 1), ErrClosed)
	_, err = sup.ReadTag(ctx, "DB1.INT2", "INT")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSupervisor_DriverFailuresAreFaults(t *testing.T) {
	sup, opener := connectedSupervisor(t)
	sess := opener.session(0)
	ctx := context.Background()

	sess.mu.Lock()
	sess.panicMsg = "nil map write"
	sess.mu.Unlock()

	_, err := sup.ReadTag(ctx, "DB1.DBW0", "INT")
	assert.ErrorIs(t, err, ErrDriverFault)
	assert.ErrorIs(t, err, errDriverPanic)
	err = sup.WriteTag(ctx, "DB1.DBW0", "INT", 1)
	assert.ErrorIs(t, err, ErrDriverFault)
	assert.ErrorIs(t, err, errDriverPanic)

	readErr := errors.New("item not available")
	writeErr := errors.New("write access denied")
	sess.mu.Lock()
	sess.panicMsg = nil
	sess.readErr = readErr
	sess.writeErr = writeErr
	sess.mu.Unlock()

	_, err = sup.ReadTag(ctx, "DB1.DBW0", "INT")
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, "driver_fault", Classify(err))
	err = sup.WriteTag(ctx, "DB1.DBW0", "INT", 1)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, "driver_fault", Classify(err))

	assert.True(t, sup.IsConnected())
}
