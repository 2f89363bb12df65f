// Package store holds the values behind the keys a peer hosts and answers
// range queries against them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/jonboulle/clockwork"
	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/pkg"
)

// Query payloads understood by ExecQuery.
const (
	CommandGet    = "get"
	CommandExists = "exists"
	CommandSize   = "size"
)

// Config holds configuration for in-memory storage.
type Config struct {
	// CleanupInterval determines how often expired entries are removed.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration

	Clock clockwork.Clock
}

// MemoryStore keeps values ordered by raw key, with optional expiry.
type MemoryStore struct {
	mu      sync.RWMutex
	data    *btree.BTreeG[*entry]
	clock   clockwork.Clock
	cleanup clockwork.Ticker
	done    chan struct{}
	closed  atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key       keyspace.RawKey
	value     []byte
	expiresAt time.Time
}

func entryLess(a, b *entry) bool { return a.key < b.key }

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemoryStore creates a store. If config is nil, default values are used.
func NewMemoryStore(config *Config) *MemoryStore {
	cleanupInterval := time.Minute
	clock := clockwork.NewRealClock()
	if config != nil {
		if config.CleanupInterval > 0 {
			cleanupInterval = config.CleanupInterval
		}
		if config.Clock != nil {
			clock = config.Clock
		}
	}

	ms := &MemoryStore{
		data:    btree.NewG(16, entryLess),
		clock:   clock,
		cleanup: clock.NewTicker(cleanupInterval),
		done:    make(chan struct{}),
	}
	go ms.cleanupExpired()
	return ms
}

func (ms *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ms.closed.Load() {
		return pkg.ErrClosed
	}
	return nil
}

// Get returns a copy of the value stored under key.
// Returns pkg.ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStore) Get(ctx context.Context, key keyspace.RawKey) ([]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	e, exists := ms.data.Get(&entry{key: key})
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return nil, pkg.ErrKeyNotFound
	}
	if e.expired(ms.clock.Now()) {
		ms.mu.Lock()
		if cur, ok := ms.data.Get(e); ok && cur == e {
			ms.data.Delete(e)
		}
		ms.mu.Unlock()
		ms.misses.Add(1)
		ms.evictions.Add(1)
		return nil, pkg.ErrKeyNotFound
	}

	ms.hits.Add(1)
	return append([]byte(nil), e.value...), nil
}

// Set stores value under key. A zero ttl never expires.
func (ms *MemoryStore) Set(ctx context.Context, key keyspace.RawKey, value []byte, ttl time.Duration) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = ms.clock.Now().Add(ttl)
	}

	ms.mu.Lock()
	ms.data.ReplaceOrInsert(&entry{
		key:       key,
		value:     append([]byte(nil), value...),
		expiresAt: expiresAt,
	})
	ms.mu.Unlock()

	ms.sets.Add(1)
	return nil
}

// Delete removes key. No error is returned if the key doesn't exist.
func (ms *MemoryStore) Delete(ctx context.Context, key keyspace.RawKey) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	ms.data.Delete(&entry{key: key})
	ms.mu.Unlock()

	ms.deletes.Add(1)
	return nil
}

// Scan returns the live entries with from <= key < to, in key order.
// An empty to scans to the end.
func (ms *MemoryStore) Scan(ctx context.Context, from, to keyspace.RawKey) (map[keyspace.RawKey][]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	now := ms.clock.Now()
	result := make(map[keyspace.RawKey][]byte)

	ms.mu.RLock()
	defer ms.mu.RUnlock()
	ms.data.AscendGreaterOrEqual(&entry{key: from}, func(e *entry) bool {
		if to != "" && e.key >= to {
			return false
		}
		if !e.expired(now) {
			result[e.key] = append([]byte(nil), e.value...)
		}
		return true
	})
	return result, nil
}

// ExecQuery answers a range query for one hosted key. An empty payload
// means CommandGet.
func (ms *MemoryStore) ExecQuery(ctx context.Context, key keyspace.RawKey, payload []byte) ([]byte, error) {
	value, err := ms.Get(ctx, key)
	missing := errors.Is(err, pkg.ErrKeyNotFound)
	if err != nil && !missing {
		return nil, err
	}

	switch cmd := string(payload); cmd {
	case "", CommandGet:
		if missing {
			return nil, fmt.Errorf("get %s: %w", key, pkg.ErrKeyNotFound)
		}
		return value, nil
	case CommandExists:
		return []byte(strconv.FormatBool(!missing)), nil
	case CommandSize:
		return []byte(strconv.Itoa(len(value))), nil
	default:
		return nil, fmt.Errorf("unknown query command %q", cmd)
	}
}

// Close stops the cleanup loop and drops every entry.
func (ms *MemoryStore) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	ms.cleanup.Stop()
	close(ms.done)

	ms.mu.Lock()
	ms.data.Clear(false)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) cleanupExpired() {
	for {
		select {
		case <-ms.cleanup.Chan():
			ms.removeExpiredEntries()
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStore) removeExpiredEntries() {
	now := ms.clock.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var expired []*entry
	ms.data.Ascend(func(e *entry) bool {
		if e.expired(now) {
			expired = append(expired, e)
		}
		return true
	})
	for _, e := range expired {
		ms.data.Delete(e)
		ms.evictions.Add(1)
	}
}

// Stats holds store counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
}

// GetStats returns current storage statistics.
func (ms *MemoryStore) GetStats() Stats {
	ms.mu.RLock()
	entries := ms.data.Len()
	ms.mu.RUnlock()

	return Stats{
		Entries:   entries,
		Hits:      ms.hits.Load(),
		Misses:    ms.misses.Load(),
		Sets:      ms.sets.Load(),
		Deletes:   ms.deletes.Load(),
		Evictions: ms.evictions.Load(),
	}
}
