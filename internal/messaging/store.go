package messaging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Envelope is the bookkeeping a peer keeps for one outstanding message. The
// message itself travels on the wire; the envelope stays in the store and is
// found again by ID when an ack or reply arrives.
type Envelope[T any] struct {
	ID       string
	Sender   string
	ReplyTo  string
	ReplyID  string
	Direct   bool
	Expire   time.Time
	SentAt   time.Time
	Value    T
	Delegate string

	// OnAckTimeout runs at most once when no ack arrives in time or the
	// delivery fails outright.
	OnAckTimeout func(env *Envelope[T], err error)

	// OnAck runs once when the receiver acknowledges the message.
	OnAck func(env *Envelope[T])

	mu      sync.Mutex
	acked   bool
	failed  bool
	removed bool
	timer   clockwork.Timer
}

// Acked reports whether the receiver acknowledged the message.
func (e *Envelope[T]) Acked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acked
}

// Failed reports whether the ack timeout fired or delivery failed.
func (e *Envelope[T]) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// Overdue reports whether the message is unacknowledged past deadline.
func (e *Envelope[T]) Overdue(now time.Time, ackTimeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.acked && !e.removed && (e.failed || !now.Before(e.SentAt.Add(ackTimeout)))
}

// Store holds envelopes keyed by message id until they resolve or expire.
type Store[T any] struct {
	mu     sync.RWMutex
	data   map[string]*Envelope[T]
	clock  clockwork.Clock
	ticker clockwork.Ticker
	done   chan struct{}
	closed atomic.Bool

	puts      atomic.Int64
	resolves  atomic.Int64
	evictions atomic.Int64
}

// NewStore creates a store that sweeps expired envelopes every sweepInterval.
func NewStore[T any](clock clockwork.Clock, sweepInterval time.Duration) *Store[T] {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &Store[T]{
		data:   make(map[string]*Envelope[T]),
		clock:  clock,
		ticker: clock.NewTicker(sweepInterval),
		done:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Put registers env. It returns false if the id is taken or the store is closed.
func (s *Store[T]) Put(env *Envelope[T]) bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[env.ID]; exists {
		return false
	}
	s.data[env.ID] = env
	s.puts.Add(1)
	return true
}

// Get returns the envelope registered under id.
func (s *Store[T]) Get(id string) (*Envelope[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.data[id]
	return env, ok
}

// Remove deletes the envelope and cancels its timer. Only the first caller
// for a given id gets true.
func (s *Store[T]) Remove(id string) bool {
	s.mu.Lock()
	env, ok := s.data[id]
	if ok {
		delete(s.data, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if env.removed {
		return false
	}
	env.removed = true
	if env.timer != nil {
		env.timer.Stop()
	}
	s.resolves.Add(1)
	return true
}

// Len returns the number of live envelopes.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close stops the sweeper and drops every envelope.
func (s *Store[T]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.ticker.Stop()
	close(s.done)

	s.mu.Lock()
	envs := s.data
	s.data = make(map[string]*Envelope[T])
	s.mu.Unlock()

	for _, env := range envs {
		env.mu.Lock()
		env.removed = true
		if env.timer != nil {
			env.timer.Stop()
		}
		env.mu.Unlock()
	}
}

func (s *Store[T]) sweepLoop() {
	for {
		select {
		case <-s.ticker.Chan():
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store[T]) sweep() {
	now := s.clock.Now()

	s.mu.RLock()
	var expired []string
	for id, env := range s.data {
		if !env.Expire.IsZero() && now.After(env.Expire) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		if s.Remove(id) {
			s.evictions.Add(1)
		}
	}
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Entries   int
	Puts      int64
	Resolves  int64
	Evictions int64
}

func (s *Store[T]) Stats() Stats {
	return Stats{
		Entries:   s.Len(),
		Puts:      s.puts.Load(),
		Resolves:  s.resolves.Load(),
		Evictions: s.evictions.Load(),
	}
}
