// Package messaging layers request, ack and reply correlation over an
// unreliable call. A send is acknowledged when the delivery call returns
// without error; replies arrive later and are matched to their envelope by id.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zde37/skipgraph/pkg"
)

// ErrAckTimeout is passed to OnAckTimeout when the ack window elapsed.
var ErrAckTimeout = errors.New("ack timeout")

// DeliverFunc performs the actual transmission. Returning nil acks the message.
type DeliverFunc func(ctx context.Context) error

// Messenger tracks outstanding messages for one peer.
type Messenger[T any] struct {
	store      *Store[T]
	clock      clockwork.Clock
	ackTimeout time.Duration
	logger     *pkg.Logger

	// ctx bounds every delivery; Close cancels it and waits for wg.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Config holds messenger timing.
type Config struct {
	AckTimeout    time.Duration
	SweepInterval time.Duration
}

// NewMessenger creates a messenger. clock and logger may be nil.
func NewMessenger[T any](cfg Config, clock clockwork.Clock, logger *pkg.Logger) *Messenger[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = pkg.Get()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Messenger[T]{
		store:      NewStore[T](clock, cfg.SweepInterval),
		clock:      clock,
		ackTimeout: cfg.AckTimeout,
		logger:     logger.WithFields(pkg.Fields{"component": "messaging"}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NewID returns a fresh message id.
func NewID() string { return uuid.NewString() }

// AckTimeout returns the configured ack window.
func (m *Messenger[T]) AckTimeout() time.Duration { return m.ackTimeout }

// Register stores env without transmitting anything, for messages that only
// receive replies.
func (m *Messenger[T]) Register(env *Envelope[T]) error {
	if env.ID == "" {
		env.ID = NewID()
	}
	env.SentAt = m.clock.Now()
	if !m.store.Put(env) {
		return fmt.Errorf("register message %s: %w", env.ID, pkg.ErrClosed)
	}
	return nil
}

// Send registers env, arms its ack timer and delivers it asynchronously.
func (m *Messenger[T]) Send(env *Envelope[T], deliver DeliverFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("send message %s: %w", env.ID, pkg.ErrClosed)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.Register(env); err != nil {
		m.wg.Done()
		return err
	}

	env.mu.Lock()
	env.timer = m.clock.AfterFunc(m.ackTimeout, func() { m.fail(env, ErrAckTimeout) })
	env.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.ackTimeout)
		defer cancel()
		if err := deliver(ctx); err != nil {
			m.logger.Debug().Err(err).Str("msg_id", env.ID).Str("delegate", env.Delegate).Msg("delivery failed")
			m.fail(env, err)
			return
		}
		m.Ack(env.ID)
	}()
	return nil
}

// Ack marks the message acknowledged and disarms its timer.
func (m *Messenger[T]) Ack(id string) bool {
	env, ok := m.store.Get(id)
	if !ok {
		return false
	}
	env.mu.Lock()
	if env.acked || env.failed || env.removed {
		env.mu.Unlock()
		return false
	}
	env.acked = true
	if env.timer != nil {
		env.timer.Stop()
	}
	cb := env.OnAck
	env.mu.Unlock()

	if cb != nil {
		cb(env)
	}
	return true
}

// Lookup returns the envelope for id.
func (m *Messenger[T]) Lookup(id string) (*Envelope[T], bool) {
	return m.store.Get(id)
}

// Resolve removes the envelope. Only the first call for an id returns true.
func (m *Messenger[T]) Resolve(id string) bool {
	return m.store.Remove(id)
}

// Pending returns the number of envelopes still tracked.
func (m *Messenger[T]) Pending() int { return m.store.Len() }

// Stats exposes the underlying store counters.
func (m *Messenger[T]) Stats() Stats { return m.store.Stats() }

// Close cancels deliveries still in flight, waits for them and drops every
// outstanding envelope. No callback runs once Close has started.
func (m *Messenger[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.store.Close()
}

func (m *Messenger[T]) fail(env *Envelope[T], err error) {
	if m.ctx.Err() != nil {
		return
	}
	env.mu.Lock()
	if env.acked || env.failed || env.removed {
		env.mu.Unlock()
		return
	}
	env.failed = true
	if env.timer != nil {
		env.timer.Stop()
	}
	cb := env.OnAckTimeout
	env.mu.Unlock()

	if cb != nil {
		cb(env, err)
	}
}
