package plcman

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"bottleline/driver"
)

// CancelFunc ends one consumer's interest in a tag.
type CancelFunc func()

type tagKey struct {
	address  string
	typeHint string
}

// consumer is one registration on an entry. deliver and close are only
// called with the multiplexer lock held.
type consumer struct {
	deliver func(driver.Sample)
	close   func()
}

type tagEntry struct {
	key       tagKey
	mode      driver.Mode
	consumers map[int]*consumer
	session   driver.Session // session sub was opened on
	sub       driver.Subscription
	last      *driver.Sample
}

// Multiplexer shares one driver subscription per (address, type) between
// any number of consumers and re-attaches every entry after a reconnect.
type Multiplexer struct {
	session func() driver.Session
	metrics *Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[tagKey]*tagEntry
	nextID  int
	closed  bool

	status *StatusSubscription
	wg     sync.WaitGroup
}

func newMultiplexer(signal *StatusSignal, session func() driver.Session, metrics *Metrics, log zerolog.Logger) *Multiplexer {
	m := &Multiplexer{
		session: session,
		metrics: metrics,
		log:     log,
		entries: make(map[tagKey]*tagEntry),
		status:  signal.Subscribe(),
	}
	m.wg.Add(1)
	go m.watchStatus()
	return m
}

// watchStatus drives attachment from the status signal: every Connected
// re-issues subscriptions, anything else drops them. The live session is
// looked up again for each event so a late event cannot detach entries
// that already moved to a newer session.
func (m *Multiplexer) watchStatus() {
	defer m.wg.Done()
	for range m.status.C() {
		if sess := m.session(); sess != nil {
			m.resubscribeAll(sess)
		} else {
			m.detachAll()
		}
	}
}

// resubscribeAll opens a driver subscription on sess for every entry not
// already attached to it.
func (m *Multiplexer) resubscribeAll(sess driver.Session) {
	var stale []driver.Subscription
	n := 0
	m.mu.Lock()
	for _, e := range m.entries {
		if e.session == sess && e.sub != nil {
			continue
		}
		if old := m.clearSubLocked(e); old != nil {
			stale = append(stale, old)
		}
		m.attachLocked(e, sess)
		n++
	}
	m.mu.Unlock()

	for _, sub := range stale {
		sub.Close()
	}
	if n > 0 {
		m.log.Debug().Int("tags", n).Msg("tag subscriptions re-issued")
	}
}

func (m *Multiplexer) detachAll() {
	var subs []driver.Subscription
	m.mu.Lock()
	for _, e := range m.entries {
		if old := m.clearSubLocked(e); old != nil {
			subs = append(subs, old)
		}
		e.session = nil
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// attachLocked subscribes e on sess. A failed subscribe is reported to the
// consumers as a fault sample; the next Connected event retries it.
func (m *Multiplexer) attachLocked(e *tagEntry, sess driver.Session) {
	e.session = sess
	sub, err := subscribe(sess, e.key, e.mode)
	if err != nil {
		ev := m.log.Warn()
		if errors.Is(err, errDriverPanic) {
			ev = m.log.Error()
		}
		ev.Err(err).Str("address", e.key.address).Msg("tag subscribe failed")
		m.dispatchLocked(e, driver.Sample{Address: e.key.address, Err: err})
		return
	}
	e.sub = sub
	m.metrics.subscriptions.Inc()

	m.wg.Add(1)
	go m.pump(e, sub)
}

// subscribe opens a driver subscription for key. Driver errors and panics
// come back as ErrDriverFault.
func subscribe(sess driver.Session, key tagKey, mode driver.Mode) (sub driver.Subscription, err error) {
	defer func() {
		if r := recover(); r != nil {
			sub, err = nil, recoveredFault(r)
		}
	}()
	sub, err = sess.Subscribe(key.address, key.typeHint, mode)
	if err != nil {
		return nil, driverFault(err)
	}
	if sub == nil {
		return nil, driverFault(errors.New("driver returned no subscription"))
	}
	return sub, nil
}

func (m *Multiplexer) clearSubLocked(e *tagEntry) driver.Subscription {
	old := e.sub
	if old != nil {
		e.sub = nil
		m.metrics.subscriptions.Dec()
	}
	return old
}

// pump forwards samples of one driver subscription until it ends.
func (m *Multiplexer) pump(e *tagEntry, sub driver.Subscription) {
	defer m.wg.Done()
	for sample := range sub.C() {
		m.mu.Lock()
		if e.sub == sub {
			m.dispatchLocked(e, sample)
		}
		m.mu.Unlock()
	}

	// The driver ended the subscription on its own, typically because the
	// session dropped. The next Connected event re-attaches the entry.
	m.mu.Lock()
	if e.sub == sub {
		m.clearSubLocked(e)
		e.session = nil
	}
	m.mu.Unlock()
}

func (m *Multiplexer) dispatchLocked(e *tagEntry, sample driver.Sample) {
	if sample.Err == nil {
		s := sample
		e.last = &s
	}
	for _, c := range e.consumers {
		c.deliver(sample)
	}
}

// register adds a consumer for (address, typeHint). It replays the last
// value and attaches the entry when a session is live.
func (m *Multiplexer) register(address, typeHint string, mode driver.Mode, c *consumer) (int, bool) {
	key := tagKey{
		address:  strings.ToUpper(strings.TrimSpace(address)),
		typeHint: strings.ToUpper(strings.TrimSpace(typeHint)),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false
	}

	e, ok := m.entries[key]
	if !ok {
		e = &tagEntry{key: key, mode: mode, consumers: make(map[int]*consumer)}
		m.entries[key] = e
	}
	m.nextID++
	id := m.nextID
	e.consumers[id] = c
	m.metrics.consumers.Inc()

	if e.last != nil {
		c.deliver(*e.last)
	}

	var stale driver.Subscription
	if mode == driver.Periodic && e.mode != driver.Periodic {
		// Upgrade the shared subscription so periodic consumers get every poll.
		e.mode = driver.Periodic
		stale = m.clearSubLocked(e)
	}
	if e.sub == nil {
		if sess := m.session(); sess != nil {
			m.attachLocked(e, sess)
		}
	}
	if stale != nil {
		go stale.Close()
	}
	return id, true
}

// unregister removes one consumer. The driver subscription is closed when
// the entry has no consumers left.
func (m *Multiplexer) unregister(address, typeHint string, id int) {
	key := tagKey{
		address:  strings.ToUpper(strings.TrimSpace(address)),
		typeHint: strings.ToUpper(strings.TrimSpace(typeHint)),
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	c, ok := e.consumers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(e.consumers, id)
	c.close()
	m.metrics.consumers.Dec()

	var old driver.Subscription
	if len(e.consumers) == 0 {
		old = m.clearSubLocked(e)
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Entries returns the number of live (address, type) entries.
func (m *Multiplexer) Entries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close ends every consumer stream and driver subscription.
func (m *Multiplexer) Close() {
	var subs []driver.Subscription
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, e := range m.entries {
		if old := m.clearSubLocked(e); old != nil {
			subs = append(subs, old)
		}
		for _, c := range e.consumers {
			c.close()
			m.metrics.consumers.Dec()
		}
		e.consumers = nil
	}
	m.entries = nil
	m.mu.Unlock()

	m.status.Close()
	for _, sub := range subs {
		sub.Close()
	}
	m.wg.Wait()
}

// Observe streams the value of address converted to T. The stream holds at
// most the latest value; a slow reader skips intermediate values. Read or
// conversion faults deliver T's zero value and the stream continues. The
// stream ends when cancel is called, ctx ends or the supervisor closes.
func Observe[T any](ctx context.Context, sup *Supervisor, address string, mode driver.Mode) (<-chan T, CancelFunc) {
	return observe[T](ctx, sup, address, typeHintFor[T](), mode)
}

// ObserveTag is the untyped form of Observe for tags configured at run
// time. Values are delivered as decoded by the driver; faults deliver nil.
func ObserveTag(ctx context.Context, sup *Supervisor, address, typeName string, mode driver.Mode) (<-chan interface{}, CancelFunc) {
	return observe[interface{}](ctx, sup, address, typeName, mode)
}

func observe[T any](ctx context.Context, sup *Supervisor, address, typeHint string, mode driver.Mode) (<-chan T, CancelFunc) {
	ch := make(chan T, 1)
	stopped := make(chan struct{})
	log := sup.log.With().Str("address", address).Logger()

	c := &consumer{
		deliver: func(sample driver.Sample) {
			var v T
			err := sample.Err
			if err == nil {
				v, err = convertValue[T](sample.Value)
			}
			if err != nil {
				var zero T
				v = zero
				sup.metrics.tagFaults.WithLabelValues(strings.ToUpper(address)).Inc()
				log.Debug().Err(err).Msg("tag fault, delivering zero value")
			}
			offer(ch, v)
		},
		close: func() {
			close(stopped)
			close(ch)
		},
	}

	id, ok := sup.mux.register(address, typeHint, mode, c)
	if !ok {
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sup.mux.unregister(address, typeHint, id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopped:
		}
	}()
	return ch, cancel
}

// offer sends v, replacing an unread value.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
