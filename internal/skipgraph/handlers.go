package skipgraph

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

// levelNode returns the level row of a hosted key. The routing lock is
// released before the caller touches the row.
func (sg *SkipGraph) levelNode(target keyspace.Key, level int) *linklist.Node {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	n := sg.nodeByKeyLocked(target)
	if n == nil || level < 0 || level >= len(n.tiles) {
		return nil
	}
	return n.tiles[level].node
}

// HandleNodeInfo answers a scanning caller that wants to share req.Level
// with the target key.
func (sg *SkipGraph) HandleNodeInfo(_ context.Context, req *NodeInfoRequest) (*NodeInfoReply, error) {
	if req.Level < 1 {
		return nil, fmt.Errorf("node info: invalid level %d", req.Level)
	}

	sg.mu.Lock()
	defer sg.mu.Unlock()

	n := sg.nodeByKeyLocked(req.Target)
	if n == nil || len(n.tiles) < req.Level {
		return &NodeInfoReply{Status: InfoStale}, nil
	}
	below := n.tiles[req.Level-1].node.Snapshot()
	if below.Mode != linklist.In {
		return &NodeInfoReply{Status: InfoStale, Self: n.self}, nil
	}

	reply := &NodeInfoReply{Self: n.self, Right: below.Right}
	switch {
	case !sg.mv.SharesLevel(req.CallerMV, req.Level):
		reply.Status = InfoNotMatching
	case n.state == StateDeleting:
		reply.Status = InfoNotMatching
	case len(n.tiles) > req.Level && n.tiles[req.Level].state == TileInserted:
		reply.Status = InfoMatched
		reply.Left = n.tiles[req.Level].node.Left()
	case req.CallerPeer == sg.peerID:
		// Co-located keys catch up through adjustHeight.
		reply.Status = InfoNotMatching
	case n.state == StateTraversing && n.scanLevel == req.Level:
		if resolveConflict(req.CallerTraversed, n.traversed, req.Caller.Key, n.key) == CallerProceeds {
			n.yielded = true
			n.state = StateWaiting
			reply.Status = InfoGoRight
			telemetry.Conflicts.WithLabelValues("caller").Inc()
		} else {
			reply.Status = InfoConflict
			telemetry.Conflicts.WithLabelValues("local").Inc()
		}
		sg.logger.Debug().
			Str("key", n.raw.String()).
			Str("caller", req.Caller.String()).
			Int("level", req.Level).
			Int("caller_traversed", req.CallerTraversed).
			Int("local_traversed", n.traversed).
			Str("status", reply.Status.String()).
			Msg("Level conflict resolved")
	case n.state == StateInserted:
		reply.Status = InfoGoRight
		sg.scheduleGrowthLocked(n)
	default:
		reply.Status = InfoGoRight
	}
	return reply, nil
}

// HandleNeighbors reads one level row. Unknown rows report mode OUT.
func (sg *SkipGraph) HandleNeighbors(_ context.Context, req *NeighborsRequest) (*linklist.Neighbors, error) {
	node := sg.levelNode(req.Target, req.Level)
	if node == nil {
		return &linklist.Neighbors{Mode: linklist.Out}, nil
	}
	snap := node.Snapshot()
	return &snap, nil
}

// HandleSetRight is the compare-and-set on a row's right pointer. Queries
// still answering for the bottom row ride along, so whatever the new right
// neighbor now owns is handed to it.
func (sg *SkipGraph) HandleSetRight(_ context.Context, req *SetLinkRequest) (*SetLinkReply, error) {
	node := sg.levelNode(req.Target, req.Level)
	if node == nil {
		return &SetLinkReply{Neighbors: linklist.Neighbors{Mode: linklist.Out}}, nil
	}
	var pending []linklist.Pending
	if req.Level == 0 {
		pending = sg.pendingFor(req.Target)
	}
	snap, ok := node.HandleSetRight(req.Expect, req.Update, pending...)
	return &SetLinkReply{OK: ok, Neighbors: snap}, nil
}

// HandleSetLeft moves a row's left pointer.
func (sg *SkipGraph) HandleSetLeft(_ context.Context, req *SetLinkRequest) (*SetLinkReply, error) {
	node := sg.levelNode(req.Target, req.Level)
	if node == nil {
		return &SetLinkReply{Neighbors: linklist.Neighbors{Mode: linklist.Out}}, nil
	}
	ok := node.HandleSetLeft(req.Expect, req.Update)
	return &SetLinkReply{OK: ok, Neighbors: node.Snapshot()}, nil
}

// HandleExecQuery runs the query for one key during a leftward walk and
// returns its left neighbor so the walk can continue.
func (sg *SkipGraph) HandleExecQuery(ctx context.Context, req *ExecRequest) (*ExecReply, error) {
	sg.mu.RLock()
	n := sg.nodeByKeyLocked(req.Target)
	var bottom *linklist.Node
	if n != nil {
		bottom = n.levelZero()
	}
	sg.mu.RUnlock()
	if bottom == nil {
		return nil, fmt.Errorf("exec %s: %w", req.Target, pkg.ErrKeyNotFound)
	}

	snap := bottom.Snapshot()
	if snap.Mode != linklist.In {
		return nil, fmt.Errorf("exec %s: row is %s: %w", req.Target, snap.Mode, pkg.ErrStaleRouting)
	}
	if !req.ExpectRight.IsZero() && !snap.Right.Equal(req.ExpectRight) {
		return nil, fmt.Errorf("exec %s: right is %s, not %s: %w", req.Target, snap.Right, req.ExpectRight, pkg.ErrStaleRouting)
	}

	reply := &ExecReply{Self: n.self, Left: snap.Left}
	if req.Exec {
		entry := sg.execLocal(ctx, req.QID, n.raw, req.Payload)
		reply.Executed = true
		reply.Value = entry.value
		reply.Err = entry.err
	}
	return reply, nil
}

// HandleLocalLinks answers getLocalLinks.
func (sg *SkipGraph) HandleLocalLinks(context.Context) (*PeerInfo, error) {
	if sg.shutdown.Load() {
		return nil, pkg.ErrClosed
	}
	return sg.Info(), nil
}

// execLocal invokes the executor at most once per query and key. Repeats,
// including concurrent ones, are answered from history.
func (sg *SkipGraph) execLocal(ctx context.Context, qid QueryID, raw keyspace.RawKey, payload []byte) historyEntry {
	hk := qid.String() + "/" + hex.EncodeToString([]byte(raw))
	if entry, ok := sg.history.Get(hk); ok {
		telemetry.ExecCalls.WithLabelValues("history").Inc()
		return entry
	}

	v, _, _ := sg.execGroup.Do(hk, func() (any, error) {
		if entry, ok := sg.history.Get(hk); ok {
			telemetry.ExecCalls.WithLabelValues("history").Inc()
			return entry, nil
		}
		value, err := sg.exec.ExecQuery(ctx, raw, payload)
		entry := historyEntry{value: value}
		if err != nil {
			entry.err = err.Error()
		}
		sg.history.Add(hk, entry)
		telemetry.ExecCalls.WithLabelValues("executor").Inc()
		return entry, nil
	})
	return v.(historyEntry)
}

func (sg *SkipGraph) onRightChange(ch linklist.RightChange) {
	sg.logger.Debug().
		Int("level", ch.Level).
		Str("key", ch.Self.Key.String()).
		Str("old", ch.Old.String()).
		Str("new", ch.New.String()).
		Int("pending", len(ch.Pending)).
		Msg("Right neighbor changed")
	for _, p := range ch.Pending {
		p.HandOver(ch)
	}
	sg.publish(EventRightChanged, ch.Self.Key.Raw.String(), ch.Level, ch.New.String(), "right neighbor changed")
}

func resultError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
