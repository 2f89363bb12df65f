package skipgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

type row struct {
	n     *SGNode
	level int
	node  *linklist.Node
}

// repairFailed fixes local rows pointing at the failed links and tells the
// keys to their right.
func (sg *SkipGraph) repairFailed(links []keyspace.Link) {
	ctx, cancel := context.WithTimeout(sg.ctx, sg.cfg.QueryTimeout)
	defer cancel()

	for _, failed := range lo.UniqBy(links, func(l keyspace.Link) keyspace.Key { return l.Key }) {
		if err := sg.router.ping(ctx, failed.Addr); err == nil {
			// Slow, not dead.
			sg.ForgetFailure(failed.Addr)
			sg.logger.Debug().Str("link", failed.String()).Msg("Suspected link answered ping, skipping repair")
			continue
		}
		sg.fixLeftLinks(ctx, failed, nil)
		if err := sg.fixAndPropagateRight(ctx, failed); err != nil {
			sg.logger.Debug().Err(err).Str("failed", failed.String()).Msg("Failure notice not propagated")
		}
	}
}

// fixLeftLinks repairs every row whose left neighbor is failed, limited to
// the rows of only when it is non-nil. It returns the highest level that
// pointed at failed, or -1.
func (sg *SkipGraph) fixLeftLinks(ctx context.Context, failed keyspace.Link, only *SGNode) int {
	sg.mu.RLock()
	var rows []row
	collect := func(n *SGNode) {
		for l, t := range n.tiles {
			if t.node.Left().Equal(failed) {
				rows = append(rows, row{n: n, level: l, node: t.node})
			}
		}
	}
	if only != nil {
		collect(only)
	} else {
		for _, n := range sg.nodes {
			collect(n)
		}
	}
	sg.mu.RUnlock()

	if len(rows) == 0 {
		return -1
	}

	hints := sg.repairHints(failed)
	highest := -1
	for _, r := range rows {
		highest = max(highest, r.level)
		err := r.node.StartFix(ctx, failed, hints, sg.cfg.MaxScanHops)
		if err != nil {
			telemetry.Repairs.WithLabelValues("failed").Inc()
			sg.logger.Warn().Err(err).Str("key", r.n.raw.String()).Int("level", r.level).Str("failed", failed.String()).Msg("Left link repair failed")
			continue
		}
		telemetry.Repairs.WithLabelValues("repaired").Inc()
		left := r.node.Left()
		sg.logger.Info().Str("key", r.n.raw.String()).Int("level", r.level).Str("failed", failed.String()).Str("left", left.String()).Msg("Left link repaired")
		sg.publish(EventLinkRepaired, r.n.raw.String(), r.level, left.String(), "left link repaired")
	}
	return highest
}

// repairHints orders the live links nearest-left of failed first, going
// around the ring.
func (sg *SkipGraph) repairHints(failed keyspace.Link) []keyspace.Link {
	dead := sg.failedAddrs()
	dead[failed.Addr] = true
	delete(dead, sg.addr)

	links := lo.Filter(sg.linkSnapshot(), func(l keyspace.Link, _ int) bool {
		return !dead[l.Addr] && !l.Equal(failed)
	})
	i, _ := searchLinks(links, failed.Key)
	below := slices.Clone(links[:i])
	above := slices.Clone(links[i:])
	slices.Reverse(below)
	slices.Reverse(above)
	return append(below, above...)
}

// fixAndPropagateRight sends a failure notice to the first live key right of
// failed. The notice travels right, climbing to the highest level that
// pointed at failed, until it would pass failed again.
func (sg *SkipGraph) fixAndPropagateRight(ctx context.Context, failed keyspace.Link) error {
	dead := sg.failedAddrs()
	dead[failed.Addr] = true
	delete(dead, sg.addr)

	live := lo.Filter(sg.linkSnapshot(), func(l keyspace.Link, _ int) bool {
		return !dead[l.Addr] && !l.Equal(failed)
	})
	next, ok := ceilLink(live, failed.Key.Successor())
	if !ok {
		return nil
	}
	return sg.notifyFailure(ctx, next, failed)
}

func (sg *SkipGraph) notifyFailure(ctx context.Context, target, failed keyspace.Link) error {
	return sg.router.fix(ctx, target.Addr, &FixRequest{
		Target: target.Key,
		Failed: failed,
		Level:  0,
		Limit:  failed.Key,
	})
}

// reportDeadLeft tells right that its bottom-ring left neighbor failed,
// once a ping confirms it.
func (sg *SkipGraph) reportDeadLeft(right, failed keyspace.Link) {
	sg.goAsync(func() {
		ctx, cancel := context.WithTimeout(sg.ctx, sg.cfg.RPCTimeout)
		defer cancel()
		if sg.router.ping(ctx, failed.Addr) == nil {
			sg.ForgetFailure(failed.Addr)
			return
		}
		if err := sg.notifyFailure(ctx, right, failed); err != nil {
			sg.logger.Debug().Err(err).Str("right", right.String()).Str("failed", failed.String()).Msg("Failure notice not delivered")
		}
	})
}

// HandleFix accepts a failure notice for one hosted key. The repair and the
// onward notice run in the background.
func (sg *SkipGraph) HandleFix(_ context.Context, req *FixRequest) error {
	sg.mu.RLock()
	n := sg.nodeByKeyLocked(req.Target)
	sg.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("fix %s: %w", req.Target, pkg.ErrKeyNotFound)
	}
	if req.Failed.Addr == sg.addr {
		return nil
	}

	sg.markFailed(req.Failed.Addr, []keyspace.Link{req.Failed})
	sg.goAsync(func() {
		ctx, cancel := context.WithTimeout(sg.ctx, sg.cfg.QueryTimeout)
		defer cancel()
		sg.fixAndForward(ctx, n, req)
	})
	return nil
}

func (sg *SkipGraph) fixAndForward(ctx context.Context, n *SGNode, req *FixRequest) {
	fixed := sg.fixLeftLinks(ctx, req.Failed, n)
	h := max(req.Level, fixed)
	if req.Hops+1 >= sg.cfg.MaxScanHops {
		return
	}

	dead := sg.failedAddrs()
	dead[req.Failed.Addr] = true
	delete(dead, sg.addr)

	sg.mu.RLock()
	tiles := slices.Clone(n.tiles)
	sg.mu.RUnlock()

	for lvl := min(h, len(tiles)-1); lvl >= 0; lvl-- {
		next := tiles[lvl].node.Right()
		if next.IsZero() || next.Equal(n.self) || dead[next.Addr] {
			continue
		}
		if !keyspace.Between(next.Key, n.key, req.Limit) {
			continue
		}
		err := sg.router.fix(ctx, next.Addr, &FixRequest{
			Target: next.Key,
			Failed: req.Failed,
			Level:  h,
			Limit:  req.Limit,
			Hops:   req.Hops + 1,
		})
		if err == nil {
			return
		}
		if !errors.Is(err, pkg.ErrCommunication) {
			sg.logger.Debug().Err(err).Str("next", next.String()).Msg("Failure notice refused")
		}
	}
}
