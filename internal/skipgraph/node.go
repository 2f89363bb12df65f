package skipgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

// SGNode is one hosted key and its routing table. Every field below self is
// guarded by the owning container's routing lock.
type SGNode struct {
	sg   *SkipGraph
	raw  keyspace.RawKey
	key  keyspace.Key
	self keyspace.Link

	state     NodeState
	tiles     []*tile
	traversed int
	scanLevel int
	yielded   bool

	growing    bool
	growCancel context.CancelFunc
	growDone   chan struct{}
}

type tile struct {
	node  *linklist.Node
	state TileState
}

func newSGNode(sg *SkipGraph, raw keyspace.RawKey) *SGNode {
	key := keyspace.NewKey(raw, sg.peerID)
	return &SGNode{
		sg:   sg,
		raw:  raw,
		key:  key,
		self: keyspace.Link{Key: key, Addr: sg.addr},
	}
}

func (sg *SkipGraph) newLevelNode(n *SGNode, level int) *linklist.Node {
	return linklist.New(n.self, level, &linkRemote{r: sg.router}, sg.onRightChange, sg.logger)
}

// Raw returns the hosted raw key.
func (n *SGNode) Raw() keyspace.RawKey { return n.raw }

// Link returns the handle other peers use for this key.
func (n *SGNode) Link() keyspace.Link { return n.self }

// State returns the lifecycle state.
func (n *SGNode) State() NodeState {
	n.sg.mu.RLock()
	defer n.sg.mu.RUnlock()
	return n.state
}

// Height returns the number of routing rows.
func (n *SGNode) Height() int {
	n.sg.mu.RLock()
	defer n.sg.mu.RUnlock()
	return len(n.tiles)
}

// Traversed returns how many keys this node visited while inserting.
func (n *SGNode) Traversed() int {
	n.sg.mu.RLock()
	defer n.sg.mu.RUnlock()
	return n.traversed
}

// Neighbors returns the level row of the node, or false if it has none.
func (n *SGNode) Neighbors(level int) (linklist.Neighbors, bool) {
	n.sg.mu.RLock()
	if level < 0 || level >= len(n.tiles) {
		n.sg.mu.RUnlock()
		return linklist.Neighbors{}, false
	}
	t := n.tiles[level].node
	n.sg.mu.RUnlock()
	return t.Snapshot(), true
}

func (n *SGNode) levelZero() *linklist.Node {
	if len(n.tiles) == 0 {
		return nil
	}
	return n.tiles[0].node
}

func (n *SGNode) setState(state NodeState) {
	n.sg.mu.Lock()
	n.state = state
	n.sg.mu.Unlock()
}

func (sg *SkipGraph) insertNode(ctx context.Context, n *SGNode, seed string) error {
	if err := sg.insertLevelZero(ctx, n, seed); err != nil {
		return err
	}
	return sg.grow(ctx, n, 1)
}

// insertLevelZero links n into the bottom ring. It retries until it succeeds,
// ctx ends or the seed turns out to host nothing.
func (sg *SkipGraph) insertLevelZero(ctx context.Context, n *SGNode, seed string) error {
	t := &tile{node: sg.newLevelNode(n, 0), state: TileInserting}
	sg.mu.Lock()
	n.tiles = []*tile{t}
	n.scanLevel = 0
	sg.mu.Unlock()

	bo := newBackoff(sg.clock, sg.cfg.InsertBackoffBase, sg.cfg.InsertBackoffMax)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := sg.tryLevelZero(ctx, n, t, seed)
		if err == nil {
			telemetry.InsertAttempts.WithLabelValues("inserted").Inc()
			return nil
		}
		if errors.Is(err, pkg.ErrUnavailable) || !pkg.IsRetriable(err) {
			telemetry.InsertAttempts.WithLabelValues("failed").Inc()
			return err
		}

		telemetry.InsertAttempts.WithLabelValues("retry").Inc()
		sg.logger.Debug().Err(err).Str("key", n.raw.String()).Int("level", 0).Msg("Level insertion will be retried")
		if err := bo.wait(ctx); err != nil {
			return err
		}
	}
}

func (sg *SkipGraph) tryLevelZero(ctx context.Context, n *SGNode, t *tile, seed string) error {
	point, _, err := sg.find(ctx, seed, n.key, false)
	if err != nil {
		return err
	}

	if point == nil {
		// Start a ring, unless a sibling key got there first.
		sg.mu.Lock()
		defer sg.mu.Unlock()
		for _, other := range sg.nodes {
			if other != n && other.levelZero() != nil && other.levelZero().Mode() != linklist.Out {
				return fmt.Errorf("sibling key is starting the ring: %w", pkg.ErrConflict)
			}
		}
		t.node.InsertAsInitial()
		t.state = TileInserted
		sg.logger.Info().Str("key", n.raw.String()).Msg("Started a new skip graph")
		return nil
	}

	if err := t.node.Insert(ctx, *point); err != nil {
		return err
	}
	sg.mu.Lock()
	t.state = TileInserted
	sg.mu.Unlock()
	return nil
}

// grow inserts n at every level from "from" upward until its vector stops
// matching, then keeps adding redundant rows until it reaches the container
// height. It finishes by marking n INSERTED.
func (sg *SkipGraph) grow(ctx context.Context, n *SGNode, from int) error {
	bo := newBackoff(sg.clock, sg.cfg.InsertBackoffBase, sg.cfg.InsertBackoffMax)
	level := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		top, err := sg.insertLevel(ctx, n, level)
		if err != nil {
			if !pkg.IsRetriable(err) {
				telemetry.InsertAttempts.WithLabelValues("failed").Inc()
				return err
			}
			telemetry.InsertAttempts.WithLabelValues("retry").Inc()
			sg.logger.Debug().Err(err).Str("key", n.raw.String()).Int("level", level).Msg("Level insertion will be retried")

			n.setState(StateWaiting)
			if err := bo.wait(ctx); err != nil {
				return err
			}
			continue
		}
		bo.reset()

		if !top {
			telemetry.InsertAttempts.WithLabelValues("inserted").Inc()
			level++
			continue
		}

		sg.mu.Lock()
		if len(n.tiles) < sg.height && len(n.tiles) < sg.cfg.MaxLevel {
			level = len(n.tiles)
			sg.mu.Unlock()
			continue
		}
		n.state = StateInserted
		n.yielded = false
		if len(n.tiles) > sg.height {
			sg.height = len(n.tiles)
			telemetry.Height.Set(float64(sg.height))
			sg.adjustHeightLocked(sg.height, n)
		}
		sg.mu.Unlock()
		return nil
	}
}

// insertLevel runs one scan at level. It reports top when no key shares the
// level and n should stop growing.
func (sg *SkipGraph) insertLevel(ctx context.Context, n *SGNode, level int) (bool, error) {
	sg.mu.Lock()
	if level >= sg.cfg.MaxLevel || level > len(n.tiles) {
		sg.mu.Unlock()
		return true, nil
	}
	n.scanLevel = level
	n.yielded = false
	n.state = StateTraversing
	below := n.tiles[level-1].node
	var t *tile
	if len(n.tiles) > level {
		t = n.tiles[level]
	} else {
		t = &tile{node: sg.newLevelNode(n, level), state: TileInserting}
		n.tiles = append(n.tiles, t)
	}
	if t.state == TileInserted {
		sg.mu.Unlock()
		return false, nil
	}
	sg.mu.Unlock()

	cur := below.Right()
	seenGoRight := false
	for hops := 0; ; hops++ {
		if cur.IsZero() {
			return false, fmt.Errorf("level %d below row detached: %w", level, pkg.ErrStaleRouting)
		}
		if cur.Equal(n.self) {
			return sg.circulated(n, t, level, seenGoRight), nil
		}
		if hops >= sg.cfg.MaxScanHops {
			return false, fmt.Errorf("level %d scan exceeded %d hops: %w", level, sg.cfg.MaxScanHops, pkg.ErrStaleRouting)
		}

		sg.mu.Lock()
		if n.yielded {
			sg.mu.Unlock()
			return false, fmt.Errorf("level %d yielded to a concurrent insertion: %w", level, pkg.ErrConflict)
		}
		req := &NodeInfoRequest{
			Target:          cur.Key,
			Level:           level,
			Caller:          n.self,
			CallerPeer:      sg.peerID,
			CallerMV:        sg.mv,
			CallerTraversed: n.traversed,
		}
		n.traversed++
		sg.mu.Unlock()

		reply, err := sg.router.nodeInfo(ctx, cur.Addr, req)
		if err != nil {
			return false, err
		}

		switch reply.Status {
		case InfoNotMatching:
			cur = reply.Right
		case InfoGoRight:
			seenGoRight = true
			cur = reply.Right
		case InfoMatched:
			if err := t.node.Insert(ctx, linklist.Point{Left: reply.Left, Right: reply.Self}); err != nil {
				return false, err
			}
			sg.mu.Lock()
			t.state = TileInserted
			sg.mu.Unlock()
			sg.logger.Debug().Str("key", n.raw.String()).Int("level", level).Str("right", reply.Self.String()).Msg("Level inserted")
			return false, nil
		case InfoConflict:
			return false, fmt.Errorf("level %d conflict at %s: %w", level, cur, pkg.ErrConflict)
		case InfoStale:
			return false, fmt.Errorf("level %d stale at %s: %w", level, cur, pkg.ErrStaleRouting)
		default:
			return false, fmt.Errorf("level %d: unexpected status %s", level, reply.Status)
		}
	}
}

// circulated handles a scan that came back to n without finding a key
// already holding the level.
func (sg *SkipGraph) circulated(n *SGNode, t *tile, level int, seenGoRight bool) bool {
	sg.mu.Lock()
	defer sg.mu.Unlock()

	if seenGoRight || level < sg.height {
		t.node.InsertAsInitial()
		t.state = TileInserted
		sg.logger.Debug().Str("key", n.raw.String()).Int("level", level).Msg("Level started as sole member")
		return false
	}
	n.tiles = n.tiles[:level]
	return true
}

// scheduleGrowthLocked lets an INSERTED node pick up rows it is now
// eligible for, in the background.
func (sg *SkipGraph) scheduleGrowthLocked(n *SGNode) {
	if n.growing || n.state != StateInserted || sg.shutdown.Load() {
		return
	}
	ctx, cancel := context.WithCancel(sg.ctx)
	done := make(chan struct{})
	from := len(n.tiles)
	n.state = StateTraversing
	n.growing = true
	n.growCancel = cancel
	n.growDone = done

	sg.wg.Add(1)
	go func() {
		defer sg.wg.Done()
		defer cancel()

		err := sg.grow(ctx, n, from)

		sg.mu.Lock()
		n.growing = false
		if err != nil && n.state != StateDeleting {
			// The rows already linked stay; the node just stops climbing.
			for len(n.tiles) > 0 && n.tiles[len(n.tiles)-1].state != TileInserted {
				n.tiles = n.tiles[:len(n.tiles)-1]
			}
			n.state = StateInserted
			sg.logger.Debug().Err(err).Str("key", n.raw.String()).Msg("Background growth stopped")
		}
		sg.mu.Unlock()
		close(done)
	}()
}

// removeNode unlinks every row of n from the top down.
func (sg *SkipGraph) removeNode(ctx context.Context, n *SGNode) error {
	sg.mu.Lock()
	if n.growing {
		cancel, done := n.growCancel, n.growDone
		sg.mu.Unlock()
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		sg.mu.Lock()
	}
	if n.state != StateInserted {
		state := n.state
		sg.mu.Unlock()
		return fmt.Errorf("key is %s: %w", state, pkg.ErrNotInserted)
	}
	n.state = StateDeleting
	tiles := slices.Clone(n.tiles)
	sg.mu.Unlock()

	for level := len(tiles) - 1; level >= 0; level-- {
		node := tiles[level].node
		if node.Mode() == linklist.Out {
			continue
		}
		if !node.Delete(ctx, sg.cfg.DeleteRetries) {
			sg.logger.Warn().Str("key", n.raw.String()).Int("level", level).Msg("Level delete failed, dropping row anyway")
		}
	}

	sg.mu.Lock()
	n.tiles = nil
	n.state = StateOut
	sg.mu.Unlock()
	return nil
}
