package skipgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/messaging"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

// RangeQuery runs payload against every key in ranges. Results stream back
// as they arrive; see QueryStream.
func (sg *SkipGraph) RangeQuery(ranges []keyspace.Range, payload []byte, opts QueryOptions) (*QueryStream, error) {
	spans := keyspace.Normalize(lo.Map(ranges, func(r keyspace.Range, _ int) keyspace.Span { return r.Span() }))
	if len(spans) == 0 {
		return nil, fmt.Errorf("range query: no non-empty range")
	}
	return sg.startQuery(spans, payload, false, opts, sg.cfg.Seed)
}

// Lookup returns the greatest key not above raw, and how many forwarding
// hops it took to find it.
func (sg *SkipGraph) Lookup(ctx context.Context, raw keyspace.RawKey) (keyspace.Link, int, error) {
	point, hops, err := sg.find(ctx, sg.cfg.Seed, keyspace.Highest(raw), false)
	if err != nil {
		return keyspace.Link{}, 0, fmt.Errorf("lookup %s: %w", raw, err)
	}
	if point == nil {
		return keyspace.Link{}, 0, fmt.Errorf("lookup %s: %w", raw, pkg.ErrUnavailable)
	}
	return point.Left, hops, nil
}

// find locates where key belongs in the bottom ring. A nil point with a nil
// error means there is no ring yet and the caller may start one.
func (sg *SkipGraph) find(ctx context.Context, seed string, key keyspace.Key, accurate bool) (*linklist.Point, int, error) {
	if !sg.HasKeys() && (seed == "" || seed == sg.addr) {
		return nil, 0, nil
	}

	stream, err := sg.startQuery([]keyspace.Span{keyspace.PointSpan(key)}, nil, true,
		QueryOptions{Timeout: sg.cfg.RPCTimeout, Mode: Direct}, seed)
	if err != nil {
		return nil, 0, err
	}
	defer stream.Close()

	var point *linklist.Point
wait:
	for {
		select {
		case r, ok := <-stream.Results():
			if !ok {
				break wait
			}
			if r.point != nil {
				point = r.point
				break wait
			}
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if point == nil {
		if err := stream.Err(); err != nil {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("find %s: no answer before deadline: %w", key, pkg.ErrCommunication)
	}
	hops := stream.Hops()

	if accurate {
		nb, err := sg.router.neighbors(ctx, point.Left.Addr, &NeighborsRequest{Target: point.Left.Key})
		if err != nil {
			return nil, 0, err
		}
		if nb.Mode != linklist.In || !nb.Right.Equal(point.Right) {
			return nil, 0, fmt.Errorf("find %s: point moved: %w", key, pkg.ErrStaleRouting)
		}
	}
	return point, hops, nil
}

func (sg *SkipGraph) startQuery(spans []keyspace.Span, payload []byte, find bool, opts QueryOptions, seed string) (*QueryStream, error) {
	if sg.shutdown.Load() {
		return nil, pkg.ErrClosed
	}
	hasKeys := sg.HasKeys()
	if !hasKeys && (seed == "" || seed == sg.addr) {
		return nil, fmt.Errorf("query: this peer hosts no key and has no seed: %w", pkg.ErrUnavailable)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = sg.cfg.QueryTimeout
	}
	msg := &QueryMessage{
		ID:       messaging.NewID(),
		QID:      sg.newQueryID(),
		Spans:    spans,
		Payload:  payload,
		Find:     find,
		Direct:   opts.Mode == Direct,
		Sender:   sg.addr,
		ReplyTo:  sg.addr,
		Deadline: sg.clock.Now().Add(timeout),
	}
	msg.ReplyID = msg.ID

	qr := newQueryReturn(sg, msg, true)
	env := &messaging.Envelope[*queryReturn]{
		ID:      msg.ID,
		Sender:  sg.addr,
		ReplyTo: sg.addr,
		ReplyID: msg.ID,
		Direct:  msg.Direct,
		Expire:  msg.Deadline.Add(sg.cfg.ExpireGrace),
		Value:   qr,
	}
	if err := sg.messenger.Register(env); err != nil {
		return nil, err
	}
	qr.start()

	if !find {
		qr.logger.Debug().Int("spans", len(spans)).Str("mode", opts.Mode.String()).Msg("Range query started")
	}
	if hasKeys {
		sg.goAsync(func() { qr.disseminate(spans, false) })
	} else {
		qr.sendChild(seed, nil, spans)
	}
	return &QueryStream{qr: qr}, nil
}

// HandleQuery accepts a forwarded query. Returning nil acknowledges it; the
// work happens in the background.
func (sg *SkipGraph) HandleQuery(_ context.Context, msg *QueryMessage) error {
	if sg.shutdown.Load() {
		return pkg.ErrClosed
	}
	if !sg.linkedIn() {
		return fmt.Errorf("deliver query: %w", pkg.ErrUnavailable)
	}
	if msg.Hops > sg.cfg.MaxHops {
		sg.logger.Warn().Str("qid", msg.QID.String()).Int("hops", msg.Hops).Msg("Dropping query past hop limit")
		return nil
	}

	qr := newQueryReturn(sg, msg, false)
	qr.start()
	sg.goAsync(func() { qr.disseminate(msg.Spans, true) })
	return nil
}

// HandleReply routes a reply to the participation that is waiting for it.
func (sg *SkipGraph) HandleReply(_ context.Context, reply *QueryReply) error {
	env, ok := sg.messenger.Lookup(reply.ReplyID)
	if !ok {
		sg.logger.Debug().Str("reply_id", reply.ReplyID).Str("sender", reply.Sender).Msg("Reply for an unknown or finished query")
		return nil
	}
	env.Value.addRemote(reply)
	return nil
}

type outgoing struct {
	spans []keyspace.Span
	links []keyspace.Link
}

// localPiece is work a hosted key still owes a query. Its spans shrink
// when a new right neighbor takes part of them over.
type localPiece struct {
	spans []keyspace.Span
	owner keyspace.Link
}

type repairWalk struct {
	gap   keyspace.Span
	start keyspace.Link
}

// disseminate splits spans at every known link, answers the pieces this
// peer owns and forwards the rest, one message per destination peer.
// Pieces owned by failed links are merged into gaps and covered by walking
// left from the next reachable key. received marks spans just delivered to
// this peer, whose repair gaps must be walked from here.
func (qr *queryReturn) disseminate(spans []keyspace.Span, received bool) {
	sg := qr.sg
	if len(spans) == 0 {
		return
	}
	qr.mu.Lock()
	if qr.disposed {
		qr.mu.Unlock()
		return
	}
	qr.busy++
	qr.mu.Unlock()
	defer func() {
		qr.mu.Lock()
		qr.busy--
		qr.mu.Unlock()
		qr.maybeRetire()
	}()

	links := sg.linkSnapshot()
	if len(links) == 0 {
		if qr.root {
			qr.fail(fmt.Errorf("no reachable delegate: %w", pkg.ErrCommunication))
		}
		return
	}
	failed := qr.failedAddrs()
	live := lo.Filter(links, func(l keyspace.Link, _ int) bool { return !failed[l.Addr] })
	own := lo.Filter(links, func(l keyspace.Link, _ int) bool { return l.Addr == sg.addr })

	var (
		local  []*localPiece
		gaps   []keyspace.Span
		walks  []repairWalk
		dead   []keyspace.Link
		remote = make(map[string]*outgoing)
	)
	send := func(addr string, s keyspace.Span, l keyspace.Link) {
		out, ok := remote[addr]
		if !ok {
			out = &outgoing{}
			remote[addr] = out
		}
		out.spans = append(out.spans, s)
		if !lo.ContainsBy(out.links, func(o keyspace.Link) bool { return o.Equal(l) }) {
			out.links = append(out.links, l)
		}
	}

	for _, s := range spans {
		if s.Repair && received {
			if start, ok := ceilLink(own, s.To); ok {
				walks = append(walks, repairWalk{gap: s, start: start})
			}
			continue
		}
		s.Repair = false
		for _, p := range splitSpan(s, links) {
			d := floorLink(links, p.From)
			switch {
			case failed[d.Addr]:
				p.Repair = true
				gaps = append(gaps, p)
				dead = append(dead, d)
			case d.Addr == sg.addr:
				local = append(local, &localPiece{spans: []keyspace.Span{p}, owner: d})
			default:
				send(d.Addr, p, d)
			}
		}
	}

	for _, g := range keyspace.Normalize(gaps) {
		s, ok := ceilLink(live, g.To)
		if !ok {
			continue
		}
		if s.Addr == sg.addr {
			walks = append(walks, repairWalk{gap: g, start: s})
		} else {
			send(s.Addr, g, s)
		}
	}
	if len(dead) > 0 {
		qr.noteFailed(dead...)
	}
	qr.mu.Lock()
	qr.owned = append(qr.owned, local...)
	qr.mu.Unlock()

	for addr, out := range remote {
		qr.sendChild(addr, out.links, keyspace.Normalize(out.spans))
	}

	ctx, cancel := context.WithDeadline(sg.ctx, qr.msg.Deadline.Add(sg.cfg.ExpireGrace))
	defer cancel()

	covs, moved := qr.answerLocal(ctx, local)
	for _, w := range walks {
		covs = append(covs, qr.walkLeft(ctx, w.gap, w.start)...)
	}
	qr.addLocal(covs)
	qr.disseminate(moved, false)
}

// sendChild forwards spans to the peer at addr as a fresh child message.
func (qr *queryReturn) sendChild(addr string, links []keyspace.Link, spans []keyspace.Span) {
	sg := qr.sg
	out := &QueryMessage{
		ID:       messaging.NewID(),
		QID:      qr.msg.QID,
		Spans:    spans,
		Payload:  qr.msg.Payload,
		Find:     qr.msg.Find,
		Direct:   qr.msg.Direct,
		Sender:   sg.addr,
		Hops:     qr.msg.Hops + 1,
		Failed:   qr.failedLinks(),
		Deadline: qr.msg.Deadline,
	}
	if out.Direct {
		out.ReplyTo, out.ReplyID = qr.msg.ReplyTo, qr.msg.ReplyID
	} else {
		out.ReplyTo, out.ReplyID = sg.addr, out.ID
	}

	env := &messaging.Envelope[*queryReturn]{
		ID:           out.ID,
		Sender:       sg.addr,
		ReplyTo:      out.ReplyTo,
		ReplyID:      out.ReplyID,
		Direct:       out.Direct,
		Expire:       out.Deadline.Add(sg.cfg.ExpireGrace),
		Value:        qr,
		Delegate:     addr,
		OnAckTimeout: qr.onTimeOut,
		OnAck:        qr.onAck,
	}

	qr.mu.Lock()
	if qr.disposed {
		qr.mu.Unlock()
		return
	}
	qr.children[out.ID] = &child{env: env, msg: out, addr: addr, links: links}
	qr.lastSend = sg.clock.Now()
	qr.mu.Unlock()

	kind := "forward"
	if slices.ContainsFunc(spans, func(s keyspace.Span) bool { return s.Repair }) {
		kind = "repair"
	}
	telemetry.MessagesSent.WithLabelValues(kind).Inc()

	err := sg.messenger.Send(env, func(ctx context.Context) error {
		return sg.router.deliverQuery(ctx, addr, out)
	})
	if err != nil {
		qr.mu.Lock()
		delete(qr.children, out.ID)
		qr.mu.Unlock()
		qr.logger.Debug().Err(err).Str("delegate", addr).Msg("Failed to send child message")
	}
}

// answerLocal covers pieces whose delegate is a key hosted here, up to that
// key's current right neighbor, so each covered span holds at most the key
// itself. Parts beyond a right neighbor that moved in after the link
// snapshot are returned for another round.
func (qr *queryReturn) answerLocal(ctx context.Context, pieces []*localPiece) ([]Coverage, []keyspace.Span) {
	sg := qr.sg
	covs := make([]Coverage, 0, len(pieces))
	var moved []keyspace.Span
	for _, p := range pieces {
		sg.mu.RLock()
		n := sg.nodeByKeyLocked(p.owner.Key)
		var bottom *linklist.Node
		if n != nil {
			bottom = n.levelZero()
		}
		sg.mu.RUnlock()

		spans := qr.release(p)
		if bottom == nil {
			// Removed since the snapshot; the gap stays open for a retry.
			continue
		}

		right := bottom.Right()
		for _, s := range spans {
			owned := []keyspace.Span{s}
			if !right.IsZero() {
				owned = arcIntersect(s, n.key, right.Key)
				moved = append(moved, subtractAll(s, owned)...)
			}
			for _, part := range owned {
				cov := Coverage{Span: part, Peer: n.self}
				if qr.msg.Find {
					cov.Point = &linklist.Point{Left: n.self, Right: right}
				} else if part.Contains(n.key) {
					entry := sg.execLocal(ctx, qr.msg.QID, n.raw, qr.msg.Payload)
					cov.Present, cov.Value, cov.Err = true, entry.value, entry.err
				}
				covs = append(covs, cov)
			}
		}
	}
	return covs, moved
}

// release stops p from taking part in hand-overs and returns what is left
// of it.
func (qr *queryReturn) release(p *localPiece) []keyspace.Span {
	qr.mu.Lock()
	defer qr.mu.Unlock()
	qr.owned = slices.DeleteFunc(qr.owned, func(o *localPiece) bool { return o == p })
	return p.spans
}

// owns reports whether a piece owned by self is still waiting here.
func (qr *queryReturn) owns(self keyspace.Key) bool {
	qr.mu.Lock()
	defer qr.mu.Unlock()
	return slices.ContainsFunc(qr.owned, func(p *localPiece) bool { return p.owner.Key.Equal(self) })
}

// HandOver moves the arc [ch.New, ch.Old) out of every piece still owed by
// ch.Self and disseminates it, so the new right neighbor answers it.
func (qr *queryReturn) HandOver(ch linklist.RightChange) {
	if ch.Level != 0 {
		return
	}
	qr.mu.Lock()
	if qr.disposed {
		qr.mu.Unlock()
		return
	}
	var moved []keyspace.Span
	for _, p := range qr.owned {
		if !p.owner.Equal(ch.Self) {
			continue
		}
		var kept []keyspace.Span
		for _, s := range p.spans {
			gone := arcIntersect(s, ch.New.Key, ch.Old.Key)
			moved = append(moved, gone...)
			kept = append(kept, subtractAll(s, gone)...)
		}
		p.spans = kept
	}
	qr.mu.Unlock()

	if len(moved) == 0 {
		return
	}
	qr.logger.Debug().Str("key", ch.Self.String()).Str("new_right", ch.New.String()).Int("spans", len(moved)).Msg("Handing query spans to new right neighbor")
	qr.sg.goAsync(func() { qr.disseminate(moved, false) })
}

// walkLeft covers gap by following bottom-ring left pointers from start.
// Each visited key proves the arc up to the key visited before it is free
// of unknown keys, and answers the query when it lies inside the gap.
func (qr *queryReturn) walkLeft(ctx context.Context, gap keyspace.Span, start keyspace.Link) []Coverage {
	sg := qr.sg
	bottom := sg.levelNode(start.Key, 0)
	if bottom == nil {
		return nil
	}

	var covs []Coverage
	prev, cur := start, bottom.Left()
	for hop := 0; hop < sg.cfg.MaxScanHops && !cur.IsZero(); hop++ {
		inGap := gap.Contains(cur.Key)
		reply, err := sg.router.execQuery(ctx, cur.Addr, &ExecRequest{
			Target:      cur.Key,
			QID:         qr.msg.QID,
			Payload:     qr.msg.Payload,
			Exec:        inGap && !qr.msg.Find,
			ExpectRight: prev,
		})
		arc := arcIntersect(gap, cur.Key, prev.Key)
		if err != nil {
			if errors.Is(err, pkg.ErrCommunication) {
				// Nothing lives between a dead key and prev; its own answer is lost.
				sg.markFailed(cur.Addr, []keyspace.Link{cur})
				qr.noteFailed(cur)
				sg.reportDeadLeft(prev, cur)
				for _, a := range arc {
					covs = append(covs, Coverage{Span: a, Peer: cur})
				}
			}
			qr.logger.Debug().Err(err).Str("at", cur.String()).Str("gap", gap.String()).Msg("Repair walk stopped")
			break
		}

		for _, a := range arc {
			cov := Coverage{Span: a, Peer: reply.Self}
			if qr.msg.Find {
				cov.Point = &linklist.Point{Left: reply.Self, Right: prev}
			} else if reply.Executed && a.Contains(cur.Key) {
				cov.Present, cov.Value, cov.Err = true, reply.Value, reply.Err
			}
			covs = append(covs, cov)
		}

		if keyspace.BetweenLeftIncl(gap.From, cur.Key, prev.Key) || cur.Equal(prev) {
			break
		}
		prev, cur = cur, reply.Left
	}
	return covs
}

// subtractAll returns what is left of s once every span in parts is removed.
func subtractAll(s keyspace.Span, parts []keyspace.Span) []keyspace.Span {
	rest := []keyspace.Span{s}
	for _, part := range parts {
		rest = lo.FlatMap(rest, func(r keyspace.Span, _ int) []keyspace.Span { return r.Subtract(part) })
	}
	return rest
}

// splitSpan cuts s at every link key strictly inside it.
func splitSpan(s keyspace.Span, links []keyspace.Link) []keyspace.Span {
	var out []keyspace.Span
	from := s.From
	for _, l := range links {
		if !from.Less(l.Key) {
			continue
		}
		if !l.Key.Less(s.To) {
			break
		}
		out = append(out, keyspace.Span{From: from, To: l.Key})
		from = l.Key
	}
	return append(out, keyspace.Span{From: from, To: s.To})
}

func searchLinks(links []keyspace.Link, k keyspace.Key) (int, bool) {
	return slices.BinarySearchFunc(links, k, func(l keyspace.Link, k keyspace.Key) int { return l.Key.Compare(k) })
}

// floorLink returns the greatest link not above k, wrapping to the greatest
// link overall. links must be sorted and non-empty.
func floorLink(links []keyspace.Link, k keyspace.Key) keyspace.Link {
	i, found := searchLinks(links, k)
	switch {
	case found:
		return links[i]
	case i == 0:
		return links[len(links)-1]
	default:
		return links[i-1]
	}
}

// ceilLink returns the smallest link not below k, wrapping to the smallest.
func ceilLink(links []keyspace.Link, k keyspace.Key) (keyspace.Link, bool) {
	if len(links) == 0 {
		return keyspace.Link{}, false
	}
	i, _ := searchLinks(links, k)
	if i == len(links) {
		return links[0], true
	}
	return links[i], true
}

// arcIntersect returns the parts of g inside the ring arc [from, to).
func arcIntersect(g keyspace.Span, from, to keyspace.Key) []keyspace.Span {
	var parts []keyspace.Span
	switch c := from.Compare(to); {
	case c == 0:
		parts = []keyspace.Span{g}
	case c < 0:
		parts = []keyspace.Span{g.Intersect(keyspace.Span{From: from, To: to})}
	default:
		parts = []keyspace.Span{
			g.Intersect(keyspace.Span{From: from, To: g.To}),
			g.Intersect(keyspace.Span{From: g.From, To: to}),
		}
	}
	return lo.Filter(parts, func(s keyspace.Span, _ int) bool { return !s.Empty() })
}

// goAsync runs fn in the background until Close.
func (sg *SkipGraph) goAsync(fn func()) {
	if sg.shutdown.Load() {
		return
	}
	sg.wg.Add(1)
	go func() {
		defer sg.wg.Done()
		fn()
	}()
}
