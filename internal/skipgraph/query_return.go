package skipgraph

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/messaging"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

// child is a forwarded part of a query awaiting its ack.
type child struct {
	env   *messaging.Envelope[*queryReturn]
	msg   *QueryMessage
	addr  string
	links []keyspace.Link
}

// queryReturn is one participation in a query: the root's, or a relay's
// for the sub-tree it forwarded.
type queryReturn struct {
	sg      *SkipGraph
	msg     *QueryMessage
	root    bool
	track   bool
	logger  *pkg.Logger
	started time.Time

	mu          sync.Mutex
	gaps        *btree.BTreeG[keyspace.Span]
	collected   *btree.BTreeG[Coverage]
	children    map[string]*child
	failed      map[string][]keyspace.Link
	pending     []Coverage
	owned       []*localPiece
	received    int
	maxHops     int
	retransmits int
	lastSend    time.Time
	busy        int
	disposed    bool
	err         error

	pump    *resultPump
	expiry  clockwork.Timer
	flusher clockwork.Ticker
	done    chan struct{}
}

var _ linklist.Pending = (*queryReturn)(nil)

func spanLess(a, b keyspace.Span) bool { return a.From.Less(b.From) }

func newQueryReturn(sg *SkipGraph, msg *QueryMessage, root bool) *queryReturn {
	qr := &queryReturn{
		sg:      sg,
		msg:     msg,
		root:    root,
		track:   root || !msg.Direct,
		started: sg.clock.Now(),
		logger: sg.logger.WithFields(pkg.Fields{
			"qid":    msg.QID.String(),
			"msg_id": msg.ID,
		}),
		gaps:      btree.NewG(4, spanLess),
		collected: btree.NewG(4, func(a, b Coverage) bool { return spanLess(a.Span, b.Span) }),
		children:  make(map[string]*child),
		failed:    make(map[string][]keyspace.Link),
		done:      make(chan struct{}),
	}
	qr.lastSend = qr.started
	if qr.track {
		for _, s := range keyspace.Normalize(lo.Map(msg.Spans, func(s keyspace.Span, _ int) keyspace.Span {
			s.Repair = false
			return s
		})) {
			qr.gaps.ReplaceOrInsert(s)
		}
	}
	for _, l := range msg.Failed {
		qr.failed[l.Addr] = append(qr.failed[l.Addr], l)
	}
	if root {
		qr.pump = newResultPump()
	}
	return qr
}

func (qr *queryReturn) start() {
	sg := qr.sg
	sg.track(qr)

	expireAt := qr.msg.Deadline.Add(sg.cfg.ExpireGrace)
	qr.expiry = sg.clock.AfterFunc(expireAt.Sub(sg.clock.Now()), qr.expire)

	if qr.root {
		pump := qr.pump
		sg.goAsync(func() { pump.run(sg.ctx) })
	}
	// A direct root hears from leaves only, so it alone can notice a relay
	// that acked and then died.
	if !qr.msg.Direct || qr.root {
		qr.flusher = sg.clock.NewTicker(sg.cfg.FlushInterval)
		sg.goAsync(qr.flushLoop)
	}
}

// addLocal registers values produced at this peer.
func (qr *queryReturn) addLocal(covs []Coverage) {
	if len(covs) == 0 {
		return
	}
	if qr.track {
		qr.addCoverages(covs)
		return
	}
	qr.replyDirect(covs)
}

// addRemote registers a reply from a descendant.
func (qr *queryReturn) addRemote(reply *QueryReply) {
	qr.mu.Lock()
	qr.received++
	qr.maxHops = max(qr.maxHops, reply.Hops)
	for _, l := range reply.Failed {
		qr.noteFailedLocked(l)
	}
	qr.mu.Unlock()

	if !qr.track {
		// A direct relay only forwards; replies never address it.
		return
	}
	qr.addCoverages(reply.Coverages)
}

// addCoverages removes each covered span from the gaps. Only the parts that
// were still open count, so duplicates and overlaps are ignored.
func (qr *queryReturn) addCoverages(covs []Coverage) {
	qr.mu.Lock()
	if qr.disposed {
		qr.mu.Unlock()
		return
	}

	var emit []QueryResult
	for _, cov := range covs {
		newly := qr.coverLocked(cov.Span)
		if len(newly) == 0 {
			continue
		}
		if qr.root && qr.msg.Direct {
			qr.lastSend = qr.sg.clock.Now()
		}

		hit := false
		for _, piece := range newly {
			rec := Coverage{Span: piece, Peer: cov.Peer, Point: cov.Point}
			if cov.Present && piece.Contains(cov.Peer.Key) {
				rec.Present, rec.Value, rec.Err = true, cov.Value, cov.Err
				hit = true
			}
			qr.collected.ReplaceOrInsert(rec)
			if !qr.root {
				qr.pending = append(qr.pending, rec)
			}
		}

		if qr.root && (hit || (qr.msg.Find && cov.Point != nil)) {
			emit = append(emit, QueryResult{
				Peer:  cov.Peer,
				Key:   cov.Peer.Key.Raw,
				Value: cov.Value,
				Err:   resultError(cov.Err),
				point: cov.Point,
			})
		}
	}
	complete := qr.gaps.Len() == 0
	qr.mu.Unlock()

	for _, r := range emit {
		qr.pump.push(r)
	}
	if !complete {
		return
	}
	if !qr.root {
		qr.flush(true)
	}
	qr.dispose("complete")
}

func (qr *queryReturn) coverLocked(s keyspace.Span) []keyspace.Span {
	var overlapping []keyspace.Span
	qr.gaps.Ascend(func(g keyspace.Span) bool {
		if !g.From.Less(s.To) {
			return false
		}
		if g.Overlaps(s) {
			overlapping = append(overlapping, g)
		}
		return true
	})

	newly := make([]keyspace.Span, 0, len(overlapping))
	for _, g := range overlapping {
		qr.gaps.Delete(g)
		newly = append(newly, g.Intersect(s))
		for _, rest := range g.Subtract(s) {
			qr.gaps.ReplaceOrInsert(rest)
		}
	}
	return newly
}

func (qr *queryReturn) noteFailedLocked(l keyspace.Link) {
	if l.Addr == qr.sg.addr {
		return
	}
	if lo.ContainsBy(qr.failed[l.Addr], func(o keyspace.Link) bool { return o.Equal(l) }) {
		return
	}
	qr.failed[l.Addr] = append(qr.failed[l.Addr], l)
}

func (qr *queryReturn) noteFailed(links ...keyspace.Link) {
	qr.mu.Lock()
	for _, l := range links {
		qr.noteFailedLocked(l)
	}
	qr.mu.Unlock()
}

func (qr *queryReturn) failedLinks() []keyspace.Link {
	qr.mu.Lock()
	defer qr.mu.Unlock()
	return qr.failedLinksLocked()
}

func (qr *queryReturn) failedLinksLocked() []keyspace.Link {
	out := lo.Flatten(lo.Values(qr.failed))
	slices.SortFunc(out, func(a, b keyspace.Link) int { return a.Key.Compare(b.Key) })
	return out
}

// failedAddrs merges what this query learned with what the peer remembers.
func (qr *queryReturn) failedAddrs() map[string]bool {
	out := qr.sg.failedAddrs()
	qr.mu.Lock()
	for addr := range qr.failed {
		out[addr] = true
	}
	qr.mu.Unlock()
	delete(out, qr.sg.addr)
	return out
}

// replyDirect sends local values straight to the root.
func (qr *queryReturn) replyDirect(covs []Coverage) {
	sg := qr.sg
	reply := &QueryReply{
		ReplyID:   qr.msg.ReplyID,
		Sender:    sg.addr,
		Coverages: covs,
		Failed:    qr.failedLinks(),
		Hops:      qr.msg.Hops,
	}

	bo := newBackoff(sg.clock, sg.cfg.InsertBackoffBase, sg.cfg.AckTimeout)
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(sg.ctx, sg.cfg.RPCTimeout)
		err = sg.router.deliverReply(ctx, qr.msg.ReplyTo, reply)
		cancel()
		if err == nil {
			return
		}
		if bo.wait(sg.ctx) != nil {
			break
		}
	}
	qr.logger.Warn().Err(err).Str("root", qr.msg.ReplyTo).Msg("Failed to deliver reply to query root")
}

// onAck drops acknowledged children of a direct-return query: their
// descendants answer the root themselves.
func (qr *queryReturn) onAck(env *messaging.Envelope[*queryReturn]) {
	if !qr.msg.Direct {
		return
	}
	qr.mu.Lock()
	_, ok := qr.children[env.ID]
	delete(qr.children, env.ID)
	qr.mu.Unlock()
	if ok {
		qr.sg.messenger.Resolve(env.ID)
	}
	qr.maybeRetire()
}

// onTimeOut treats the timed-out child, and every sibling that is also
// overdue, as failed. Their links are repaired and exactly their spans are
// disseminated again.
func (qr *queryReturn) onTimeOut(env *messaging.Envelope[*queryReturn], cause error) {
	sg := qr.sg
	qr.mu.Lock()
	if qr.disposed {
		qr.mu.Unlock()
		return
	}
	if _, ok := qr.children[env.ID]; !ok {
		qr.mu.Unlock()
		return
	}
	now := sg.clock.Now()
	var timedOut []*child
	for id, c := range qr.children {
		if id == env.ID || c.env.Overdue(now, sg.messenger.AckTimeout()) {
			timedOut = append(timedOut, c)
			delete(qr.children, id)
		}
	}
	for _, c := range timedOut {
		for _, l := range c.links {
			qr.noteFailedLocked(l)
		}
	}
	qr.mu.Unlock()

	if qr.root && errors.Is(cause, pkg.ErrUnavailable) && !sg.HasKeys() {
		qr.fail(cause)
		return
	}

	var spans []keyspace.Span
	var links []keyspace.Link
	for _, c := range timedOut {
		sg.messenger.Resolve(c.env.ID)
		sg.markFailed(c.addr, c.links)
		telemetry.AckTimeouts.Inc()
		qr.logger.Warn().Err(cause).Str("delegate", c.addr).Int("spans", len(c.msg.Spans)).Msg("Child message timed out")
		sg.publish(EventLinkFailed, "", 0, c.addr, "delegate did not acknowledge query")
		spans = append(spans, c.msg.Spans...)
		links = append(links, c.links...)
	}

	if len(links) > 0 {
		sg.goAsync(func() { sg.repairFailed(links) })
	}
	qr.disseminate(spans, false)
	qr.maybeRetire()
}

// maybeRetire disposes a direct relay once its own work is done and no
// child is left unacknowledged.
func (qr *queryReturn) maybeRetire() {
	if qr.track {
		return
	}
	qr.mu.Lock()
	idle := qr.busy == 0 && len(qr.children) == 0
	qr.mu.Unlock()
	if idle {
		qr.dispose("complete")
	}
}

func (qr *queryReturn) flushLoop() {
	for {
		select {
		case <-qr.done:
			return
		case <-qr.sg.ctx.Done():
			return
		case <-qr.flusher.Chan():
			qr.flush(false)
		}
	}
}

// flush sends pending values toward the root and retransmits gaps that
// outlived a full round-trip window. A direct root counts the window from
// its last send or its last answered span, whichever is later.
func (qr *queryReturn) flush(final bool) {
	sg := qr.sg
	now := sg.clock.Now()

	qr.mu.Lock()
	if qr.disposed {
		qr.mu.Unlock()
		return
	}
	pending := qr.pending
	qr.pending = nil
	var retransmit []keyspace.Span
	if !final && qr.gaps.Len() > 0 && now.Sub(qr.lastSend) >= sg.cfg.RetransmitWindow {
		qr.gaps.Ascend(func(g keyspace.Span) bool {
			retransmit = append(retransmit, g)
			return true
		})
		qr.retransmits++
		qr.lastSend = now
	}
	failed := qr.failedLinksLocked()
	hops := max(qr.msg.Hops, qr.maxHops)
	qr.mu.Unlock()

	if !qr.root && len(pending) > 0 {
		ctx, cancel := context.WithTimeout(sg.ctx, sg.cfg.RPCTimeout)
		err := sg.router.deliverReply(ctx, qr.msg.ReplyTo, &QueryReply{
			ReplyID:   qr.msg.ReplyID,
			Sender:    sg.addr,
			Coverages: pending,
			Failed:    failed,
			Hops:      hops,
		})
		cancel()
		if err != nil {
			qr.logger.Debug().Err(err).Int("coverages", len(pending)).Msg("Flush failed, will retry")
			if !final {
				qr.mu.Lock()
				qr.pending = append(pending, qr.pending...)
				qr.mu.Unlock()
			}
		}
	}

	if len(retransmit) > 0 {
		telemetry.Retransmits.Inc()
		qr.logger.Debug().Int("gaps", len(retransmit)).Msg("Retransmitting open gaps")
		qr.disseminate(retransmit, false)
	}
}

func (qr *queryReturn) expire() {
	if !qr.root && qr.track {
		qr.flush(true)
	}
	qr.dispose("expired")
}

func (qr *queryReturn) fail(err error) {
	qr.mu.Lock()
	qr.err = err
	qr.mu.Unlock()
	qr.dispose("failed")
}

// dispose is terminal. At the root it closes the result stream.
func (qr *queryReturn) dispose(reason string) {
	sg := qr.sg
	qr.mu.Lock()
	if qr.disposed {
		qr.mu.Unlock()
		return
	}
	qr.disposed = true
	children := lo.Values(qr.children)
	clear(qr.children)
	gaps := qr.gaps.Len()
	qr.mu.Unlock()

	if qr.expiry != nil {
		qr.expiry.Stop()
	}
	if qr.flusher != nil {
		qr.flusher.Stop()
	}
	close(qr.done)

	for _, c := range children {
		sg.messenger.Resolve(c.env.ID)
	}
	if qr.root {
		sg.messenger.Resolve(qr.msg.ID)
		qr.pump.close()
		telemetry.QueryDuration.WithLabelValues(reason).Observe(sg.clock.Since(qr.started).Seconds())
	}
	sg.untrack(qr)

	qr.logger.Debug().Str("reason", reason).Bool("root", qr.root).Int("open_gaps", gaps).Msg("Query participation disposed")
}

func (qr *queryReturn) spansOf(tree *btree.BTreeG[keyspace.Span]) []keyspace.Span {
	qr.mu.Lock()
	defer qr.mu.Unlock()
	out := make([]keyspace.Span, 0, tree.Len())
	tree.Ascend(func(s keyspace.Span) bool {
		out = append(out, s)
		return true
	})
	return out
}

// resultPump decouples result producers from a slow reader with an
// unbounded queue.
type resultPump struct {
	mu     sync.Mutex
	queue  []QueryResult
	closed bool
	notify chan struct{}
	stop   chan struct{}
	once   sync.Once
	out    chan QueryResult
}

func newResultPump() *resultPump {
	return &resultPump{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan QueryResult),
	}
}

func (p *resultPump) push(r QueryResult) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, r)
	p.mu.Unlock()
	p.signal()
}

func (p *resultPump) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

func (p *resultPump) abort() {
	p.once.Do(func() { close(p.stop) })
}

func (p *resultPump) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *resultPump) run(ctx context.Context) {
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-p.notify:
				continue
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		r := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case p.out <- r:
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// QueryStream delivers a query's results as they arrive. The channel closes
// when every range is answered or the deadline passes; open gaps at that
// point are a normal partial result.
type QueryStream struct {
	qr *queryReturn
}

// ID returns the query id.
func (s *QueryStream) ID() QueryID { return s.qr.msg.QID }

// Results streams one entry per matched key.
func (s *QueryStream) Results() <-chan QueryResult { return s.qr.pump.out }

// Done is closed once the query is disposed.
func (s *QueryStream) Done() <-chan struct{} { return s.qr.done }

// Failed lists the links found unreachable while answering.
func (s *QueryStream) Failed() []keyspace.Link { return s.qr.failedLinks() }

// Gaps returns the spans not answered yet.
func (s *QueryStream) Gaps() []keyspace.Span { return s.qr.spansOf(s.qr.gaps) }

// Covered returns the answered spans in key order.
func (s *QueryStream) Covered() []keyspace.Span {
	s.qr.mu.Lock()
	defer s.qr.mu.Unlock()
	out := make([]keyspace.Span, 0, s.qr.collected.Len())
	s.qr.collected.Ascend(func(c Coverage) bool {
		out = append(out, c.Span)
		return true
	})
	return out
}

// Hops returns the deepest forwarding depth seen in replies.
func (s *QueryStream) Hops() int {
	s.qr.mu.Lock()
	defer s.qr.mu.Unlock()
	return s.qr.maxHops
}

// Retransmits returns how many times open gaps were sent again.
func (s *QueryStream) Retransmits() int {
	s.qr.mu.Lock()
	defer s.qr.mu.Unlock()
	return s.qr.retransmits
}

// Err is set when the query could not start routing at all.
func (s *QueryStream) Err() error {
	s.qr.mu.Lock()
	defer s.qr.mu.Unlock()
	return s.qr.err
}

// Close abandons the query.
func (s *QueryStream) Close() {
	s.qr.pump.abort()
	s.qr.dispose("closed")
}

// Collect drains the stream.
func Collect(ctx context.Context, s *QueryStream) ([]QueryResult, error) {
	var out []QueryResult
	for {
		select {
		case r, ok := <-s.Results():
			if !ok {
				return out, s.Err()
			}
			out = append(out, r)
		case <-ctx.Done():
			s.Close()
			return out, ctx.Err()
		}
	}
}
