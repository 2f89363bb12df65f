package skipgraph

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zde37/skipgraph/internal/keyspace"
)

// Verdict says which side of a level conflict proceeds.
type Verdict int

const (
	CallerProceeds Verdict = iota
	LocalProceeds
)

// resolveConflict decides between a scanning caller and a local key that is
// inserting at the same level. The side that has traversed more keys wins;
// a tie goes to the smaller key.
func resolveConflict(callerTraversed, localTraversed int, caller, local keyspace.Key) Verdict {
	switch {
	case callerTraversed > localTraversed:
		return CallerProceeds
	case callerTraversed < localTraversed:
		return LocalProceeds
	case caller.Less(local):
		return CallerProceeds
	default:
		return LocalProceeds
	}
}

// backoff is an exponential, jittered delay.
type backoff struct {
	clock   clockwork.Clock
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(clock clockwork.Clock, base, max time.Duration) *backoff {
	return &backoff{clock: clock, base: base, max: max}
}

func (b *backoff) next() time.Duration {
	d := b.base << min(b.attempt, 30)
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempt++
	half := d / 2
	return half + rand.N(half+1)
}

func (b *backoff) reset() { b.attempt = 0 }

// wait sleeps for the next delay or until ctx is done.
func (b *backoff) wait(ctx context.Context) error {
	select {
	case <-b.clock.After(b.next()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
