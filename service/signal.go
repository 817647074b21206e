package service

import (
	"sync"
	"sync/atomic"
)

// Signal is an observable boolean. Value never blocks, subscribers receive the
// latest value on a single slot channel so a slow reader only misses
// intermediate values, never the last one.
type Signal struct {
	value atomic.Bool

	mu   sync.Mutex
	next int
	subs map[int]chan bool
}

func NewSignal(initial bool) *Signal {
	s := &Signal{subs: map[int]chan bool{}}
	s.value.Store(initial)
	return s
}

// Value returns the current value.
func (s *Signal) Value() bool {
	return s.value.Load()
}

// Subscribe returns a channel receiving the current value and every change
// after it. The returned function cancels the subscription and closes the channel.
func (s *Signal) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	ch <- s.value.Load()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// set updates the value and notifies subscribers, it reports whether the value changed.
func (s *Signal) set(val bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value.Swap(val) == val {
		return false
	}

	for _, ch := range s.subs {
		// replace a value nobody read yet
		select {
		case <-ch:
		default:
		}

		ch <- val
	}

	return true
}
