// Package linklist maintains one routing level of a key: its immediate left
// and right neighbors on that level's circular doubly-linked list.
//
// Insertion is a compare-and-set on the left neighbor's right pointer
// followed by a best-effort update of the right neighbor's left pointer.
// Left pointers are hints that converge; right pointers are authoritative.
package linklist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/pkg"
)

// Mode is the membership state of a level node.
type Mode int

const (
	Out Mode = iota
	In
	DelWait
	Grace
)

func (m Mode) String() string {
	switch m {
	case Out:
		return "OUT"
	case In:
		return "IN"
	case DelWait:
		return "DELWAIT"
	case Grace:
		return "GRACE"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Neighbors is a snapshot of a level node.
type Neighbors struct {
	Left  keyspace.Link `json:"left"`
	Right keyspace.Link `json:"right"`
	Mode  Mode          `json:"mode"`
}

// Point is where a node is spliced in: between Left and Right.
type Point struct {
	Left  keyspace.Link `json:"left"`
	Right keyspace.Link `json:"right"`
}

// RightChange is emitted whenever a node's right neighbor moves.
type RightChange struct {
	Level int
	Self  keyspace.Link
	Old   keyspace.Link
	New   keyspace.Link

	// Pending is the work attached by the caller of HandleSetRight.
	Pending []Pending
}

// Pending is work held for keys past a node's right pointer, such as a
// range query still being answered for that arc. When a new neighbor moves
// in, the arc from it up to the old neighbor is handed over.
type Pending interface {
	HandOver(ch RightChange)
}

// Remote reaches level nodes hosted at other peers.
type Remote interface {
	Neighbors(ctx context.Context, addr string, target keyspace.Key, level int) (Neighbors, error)
	SetRight(ctx context.Context, addr string, target keyspace.Key, level int, expect, update keyspace.Link) (Neighbors, bool, error)
	SetLeft(ctx context.Context, addr string, target keyspace.Key, level int, expect, update keyspace.Link) (bool, error)
}

// Node is one key's membership in one level list.
type Node struct {
	self    keyspace.Link
	level   int
	remote  Remote
	onRight func(RightChange)
	logger  *pkg.Logger

	mu    sync.Mutex
	left  keyspace.Link
	right keyspace.Link
	mode  Mode
}

// New creates a detached level node. onRight and logger may be nil.
func New(self keyspace.Link, level int, remote Remote, onRight func(RightChange), logger *pkg.Logger) *Node {
	if logger == nil {
		logger = pkg.Nop()
	}
	return &Node{
		self:    self,
		level:   level,
		remote:  remote,
		onRight: onRight,
		logger:  logger.WithFields(pkg.Fields{"component": "linklist", "level": level}),
	}
}

func (n *Node) Self() keyspace.Link { return n.self }

func (n *Node) Level() int { return n.level }

func (n *Node) Left() keyspace.Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.left
}

func (n *Node) Right() keyspace.Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.right
}

func (n *Node) Mode() Mode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode
}

// Snapshot returns left, right and mode read atomically.
func (n *Node) Snapshot() Neighbors {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Neighbors{Left: n.left, Right: n.right, Mode: n.mode}
}

// InsertAsInitial makes the node the sole member of its ring.
func (n *Node) InsertAsInitial() {
	n.mu.Lock()
	n.left, n.right, n.mode = n.self, n.self, In
	n.mu.Unlock()
}

// Insert splices the node in at p. It returns pkg.ErrStaleRouting when the
// left neighbor no longer points at p.Right.
func (n *Node) Insert(ctx context.Context, p Point) error {
	n.mu.Lock()
	if n.mode != Out {
		n.mu.Unlock()
		return fmt.Errorf("level %d insert: node is %s", n.level, n.mode)
	}
	n.left, n.right, n.mode = p.Left, p.Right, In
	n.mu.Unlock()

	_, ok, err := n.remote.SetRight(ctx, p.Left.Addr, p.Left.Key, n.level, p.Right, n.self)
	if err != nil || !ok {
		n.reset()
		if err != nil {
			return fmt.Errorf("level %d insert at %s: %w", n.level, p.Left, err)
		}
		return fmt.Errorf("level %d insert at %s: %w", n.level, p.Left, pkg.ErrStaleRouting)
	}

	// A newer node may already sit between us and p.Right; SetLeft refuses
	// to move its left pointer backwards in that case.
	if _, err := n.remote.SetLeft(ctx, p.Right.Addr, p.Right.Key, n.level, p.Left, n.self); err != nil {
		n.logger.Debug().Err(err).Str("right", p.Right.String()).Msg("left pointer update failed")
	}
	return nil
}

// InsertLocal splices the node between two nodes hosted by the same peer,
// without any remote call. It fails if left no longer points at right.
func (n *Node) InsertLocal(left, right *Node) bool {
	n.mu.Lock()
	if n.mode != Out {
		n.mu.Unlock()
		return false
	}
	n.left, n.right, n.mode = left.self, right.self, In
	n.mu.Unlock()

	if _, ok := left.HandleSetRight(right.self, n.self); !ok {
		n.reset()
		return false
	}
	right.HandleSetLeft(left.self, n.self)
	return true
}

// Delete unlinks the node, retrying up to maxRetries times when the left
// neighbor changes underneath it. The node ends up Out either way; the
// return value reports whether the neighbors were updated.
func (n *Node) Delete(ctx context.Context, maxRetries int) bool {
	n.mu.Lock()
	if n.mode != In {
		n.mu.Unlock()
		return false
	}
	n.mode = DelWait
	if n.left.Equal(n.self) {
		n.left, n.right, n.mode = keyspace.Link{}, keyspace.Link{}, Out
		n.mu.Unlock()
		return true
	}
	n.mu.Unlock()

	defer n.reset()
	for attempt := 0; attempt < maxRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		snap := n.Snapshot()
		cur, ok, err := n.remote.SetRight(ctx, snap.Left.Addr, snap.Left.Key, n.level, n.self, snap.Right)
		if err != nil {
			n.logger.Debug().Err(err).Int("attempt", attempt).Msg("delete: left neighbor unreachable")
			continue
		}
		if ok {
			n.mu.Lock()
			n.mode = Grace
			n.mu.Unlock()
			if _, err := n.remote.SetLeft(ctx, snap.Right.Addr, snap.Right.Key, n.level, n.self, snap.Left); err != nil {
				n.logger.Debug().Err(err).Msg("delete: right neighbor unreachable")
			}
			return true
		}
		// Someone was inserted between our left and us: follow its right pointer.
		if keyspace.Between(cur.Right.Key, snap.Left.Key, n.self.Key) {
			n.mu.Lock()
			if n.left.Equal(snap.Left) {
				n.left = cur.Right
			}
			n.mu.Unlock()
		}
	}
	return false
}

// HandleSetRight swings the right pointer from expect to update. It refuses
// when the node is not a settled member or the pointer has moved. pending
// rides along on the change event when the swing succeeds.
func (n *Node) HandleSetRight(expect, update keyspace.Link, pending ...Pending) (Neighbors, bool) {
	n.mu.Lock()
	if n.mode != In || !n.right.Equal(expect) {
		snap := Neighbors{Left: n.left, Right: n.right, Mode: n.mode}
		n.mu.Unlock()
		return snap, false
	}
	old := n.right
	n.right = update
	snap := Neighbors{Left: n.left, Right: n.right, Mode: n.mode}
	n.mu.Unlock()

	if n.onRight != nil && !old.Equal(update) {
		n.onRight(RightChange{Level: n.level, Self: n.self, Old: old, New: update, Pending: pending})
	}
	return snap, true
}

// HandleSetLeft moves the left pointer to update when it still equals
// expect, or when update is strictly closer than the current left.
func (n *Node) HandleSetLeft(expect, update keyspace.Link) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mode == Out {
		return false
	}
	if n.left.Equal(expect) || keyspace.Between(update.Key, n.left.Key, n.self.Key) {
		n.left = update
		return true
	}
	return false
}

// ErrNoRepairPath is returned when no hint leads back to the failed link.
var ErrNoRepairPath = errors.New("no repair path")

// StartFix replaces a failed left neighbor. Starting from the hints closest
// to the left of failed, it walks right along this level until it meets the
// node whose right pointer still names failed, and swings that pointer to us.
func (n *Node) StartFix(ctx context.Context, failed keyspace.Link, hints []keyspace.Link, maxHops int) error {
	if !n.Left().Equal(failed) {
		return nil
	}

	for _, hint := range hints {
		if hint.Equal(failed) || hint.Equal(n.self) {
			continue
		}
		repaired, err := n.walkFix(ctx, hint, failed, maxHops)
		if err != nil {
			n.logger.Debug().Err(err).Str("hint", hint.String()).Msg("repair walk failed")
			continue
		}
		if repaired {
			return nil
		}
	}
	return fmt.Errorf("level %d left %s: %w", n.level, failed, ErrNoRepairPath)
}

func (n *Node) walkFix(ctx context.Context, from, failed keyspace.Link, maxHops int) (bool, error) {
	cur := from
	for hop := 0; hop < maxHops; hop++ {
		nb, err := n.remote.Neighbors(ctx, cur.Addr, cur.Key, n.level)
		if err != nil {
			return false, err
		}
		if nb.Mode != In {
			return false, nil
		}

		switch {
		case nb.Right.Equal(n.self):
			n.HandleSetLeft(failed, cur)
			return true, nil
		case nb.Right.Equal(failed):
			_, ok, err := n.remote.SetRight(ctx, cur.Addr, cur.Key, n.level, failed, n.self)
			if err != nil {
				return false, err
			}
			if ok {
				n.HandleSetLeft(failed, cur)
				return true, nil
			}
		case keyspace.Between(nb.Right.Key, cur.Key, failed.Key):
			cur = nb.Right
		case keyspace.Between(nb.Right.Key, failed.Key, n.self.Key):
			// The failed node is already bypassed on this side.
			n.HandleSetLeft(failed, nb.Right)
			return true, nil
		default:
			return false, nil
		}
	}
	return false, nil
}

func (n *Node) reset() {
	n.mu.Lock()
	n.left, n.right, n.mode = keyspace.Link{}, keyspace.Link{}, Out
	n.mu.Unlock()
}
