package plcman

import (
	"sync"
	"time"
)

// StatusSignal broadcasts the connection status with replay-latest
// semantics. Each subscriber receives the current value first and then every
// published transition in order. Publish never blocks: every subscriber has
// its own unbounded queue drained by a pump goroutine.
type StatusSignal struct {
	mu      sync.Mutex
	current Status
	subs    map[*StatusSubscription]struct{}
	closed  bool
}

// NewStatusSignal returns a signal holding initial.
func NewStatusSignal(initial Status) *StatusSignal {
	if initial.Since.IsZero() {
		initial.Since = time.Now()
	}
	return &StatusSignal{
		current: initial,
		subs:    make(map[*StatusSubscription]struct{}),
	}
}

// Current returns the latest status.
func (s *StatusSignal) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Publish records st and delivers it to every subscriber. A status with the
// same State as the current one only refreshes Err and SessionID and is not
// delivered. It reports whether st was delivered.
func (s *StatusSignal) Publish(st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if st.State == s.current.State {
		s.current.Err = st.Err
		s.current.SessionID = st.SessionID
		return false
	}
	if st.Since.IsZero() {
		st.Since = time.Now()
	}
	s.current = st
	for sub := range s.subs {
		sub.push(st)
	}
	return true
}

// Subscribe registers an observer. After Close the subscription replays the
// final value and then ends.
func (s *StatusSignal) Subscribe() *StatusSubscription {
	sub := &StatusSubscription{
		signal: s,
		ch:     make(chan Status),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	sub.push(s.current)
	if s.closed {
		sub.finish()
	} else {
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

// Close ends every subscription once its queued values are delivered.
// Later publishes are ignored.
func (s *StatusSignal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.finish()
	}
	s.subs = nil
}

func (s *StatusSignal) remove(sub *StatusSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// StatusSubscription is one observer of a StatusSignal.
type StatusSubscription struct {
	signal *StatusSignal
	ch     chan Status
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []Status
	ending bool

	closeOnce sync.Once
}

// C delivers statuses in publish order. It is closed after Close, or after
// the signal is closed and the queue has drained.
func (s *StatusSubscription) C() <-chan Status {
	return s.ch
}

// Close detaches the observer. Undelivered values are discarded.
func (s *StatusSubscription) Close() {
	s.closeOnce.Do(func() {
		s.signal.remove(s)
		close(s.done)
	})
}

func (s *StatusSubscription) push(st Status) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	s.wake()
}

func (s *StatusSubscription) finish() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.wake()
}

func (s *StatusSubscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *StatusSubscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ending := s.ending
			s.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		st := s.queue[0]
		s.queue[0] = Status{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- st:
		case <-s.done:
			return
		}
	}
}
