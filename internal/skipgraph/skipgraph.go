// Package skipgraph hosts the keys of one peer in a distributed skip graph:
// their multi-level routing tables, the insertion and removal protocol, and
// the range query engine that disseminates queries along routing links.
package skipgraph

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/zde37/skipgraph/internal/config"
	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/messaging"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

// SkipGraph is the per-peer container of hosted keys.
type SkipGraph struct {
	cfg    *config.Config
	peerID string
	addr   string
	mv     keyspace.MembershipVector
	logger *pkg.Logger
	clock  clockwork.Clock

	remoteMu    sync.RWMutex
	remote      RemoteClient
	router      *router
	exec        QueryExecutor
	broadcaster Broadcaster
	messenger   *messaging.Messenger[*queryReturn]

	// mu is the routing lock. It guards nodes, index, height and every
	// SGNode's mutable fields. Never held across a remote call.
	mu     sync.RWMutex
	nodes  map[keyspace.RawKey]*SGNode
	index  *btree.BTreeG[*SGNode]
	height int

	history     *expirable.LRU[string, historyEntry]
	execGroup   singleflight.Group
	failedPeers *expirable.LRU[string, []keyspace.Link]

	activeMu sync.Mutex
	active   map[string]*queryReturn

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

type historyEntry struct {
	value []byte
	err   string
}

// Option customizes a SkipGraph.
type Option func(*SkipGraph)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(sg *SkipGraph) { sg.clock = clock }
}

// WithMembershipVector fixes the peer's membership vector instead of drawing one.
func WithMembershipVector(mv keyspace.MembershipVector) Option {
	return func(sg *SkipGraph) { sg.mv = mv }
}

// WithBroadcaster publishes topology events to b.
func WithBroadcaster(b Broadcaster) Option {
	return func(sg *SkipGraph) { sg.broadcaster = b }
}

// WithRemote sets the client used to reach other peers.
func WithRemote(remote RemoteClient) Option {
	return func(sg *SkipGraph) { sg.remote = remote }
}

// New creates an empty peer container. exec answers queries for hosted keys.
func New(cfg *config.Config, exec QueryExecutor, logger *pkg.Logger, opts ...Option) (*SkipGraph, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("query executor cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sg := &SkipGraph{
		cfg:    cfg,
		peerID: cfg.PeerID,
		addr:   cfg.Address(),
		mv:     keyspace.RandomMembershipVector(),
		clock:  clockwork.NewRealClock(),
		exec:   exec,
		nodes:  make(map[keyspace.RawKey]*SGNode),
		index: btree.NewG(8, func(a, b *SGNode) bool {
			return a.key.Less(b.key)
		}),
		active: make(map[string]*queryReturn),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(sg)
	}

	sg.logger = logger.WithFields(pkg.Fields{"component": "skipgraph", "peer_id": shortID(sg.peerID)})
	sg.router = &router{sg: sg}
	sg.messenger = messaging.NewMessenger[*queryReturn](messaging.Config{
		AckTimeout:    cfg.AckTimeout,
		SweepInterval: cfg.MessageSweepInterval,
	}, sg.clock, sg.logger)
	sg.history = expirable.NewLRU[string, historyEntry](cfg.HistorySize, nil, cfg.HistoryTTL)
	sg.failedPeers = expirable.NewLRU[string, []keyspace.Link](1024, nil, cfg.FailedLinkTTL)

	sg.logger.Info().
		Str("addr", sg.addr).
		Str("membership_vector", sg.mv.String()[:16]).
		Msg("SkipGraph peer created")

	return sg, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SetRemote sets the client used to reach other peers.
func (sg *SkipGraph) SetRemote(remote RemoteClient) {
	sg.remoteMu.Lock()
	defer sg.remoteMu.Unlock()
	sg.remote = remote
}

func (sg *SkipGraph) remoteClient() RemoteClient {
	sg.remoteMu.RLock()
	defer sg.remoteMu.RUnlock()
	return sg.remote
}

// PeerID returns the peer's unique id.
func (sg *SkipGraph) PeerID() string { return sg.peerID }

// Address returns the peer's RPC address.
func (sg *SkipGraph) Address() string { return sg.addr }

// MembershipVector returns the vector shared by every hosted key.
func (sg *SkipGraph) MembershipVector() keyspace.MembershipVector { return sg.mv }

// Height returns the routing height shared by inserted keys.
func (sg *SkipGraph) Height() int {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	return sg.height
}

// IsShutdown reports whether Close has been called.
func (sg *SkipGraph) IsShutdown() bool { return sg.shutdown.Load() }

// AddKey inserts raw at this peer, blocking until every qualifying level is
// linked. seed is any peer already in the graph; it is ignored once this peer
// hosts an inserted key and may be empty to start a new graph.
func (sg *SkipGraph) AddKey(ctx context.Context, seed string, raw keyspace.RawKey) error {
	if sg.shutdown.Load() {
		return pkg.ErrClosed
	}

	sg.mu.Lock()
	if _, exists := sg.nodes[raw]; exists {
		sg.mu.Unlock()
		return fmt.Errorf("add key %s: %w", raw, pkg.ErrDuplicateKey)
	}
	n := newSGNode(sg, raw)
	n.state = StateTraversing
	sg.nodes[raw] = n
	sg.index.ReplaceOrInsert(n)
	telemetry.HostedKeys.Set(float64(len(sg.nodes)))
	sg.mu.Unlock()

	if err := sg.insertNode(ctx, n, seed); err != nil {
		sg.abandon(n)
		return fmt.Errorf("add key %s: %w", raw, err)
	}

	sg.logger.Info().Str("key", raw.String()).Int("height", n.Height()).Msg("Key inserted")
	sg.publish(EventKeyInserted, raw.String(), n.Height()-1, "", "key inserted")
	return nil
}

// abandon unlinks whatever rows a failed insertion managed to create.
func (sg *SkipGraph) abandon(n *SGNode) {
	sg.mu.Lock()
	tiles := slices.Clone(n.tiles)
	n.tiles = nil
	n.state = StateOut
	delete(sg.nodes, n.raw)
	sg.index.Delete(n)
	telemetry.HostedKeys.Set(float64(len(sg.nodes)))
	sg.mu.Unlock()

	ctx, cancel := context.WithTimeout(sg.ctx, sg.cfg.RPCTimeout)
	defer cancel()
	for i := len(tiles) - 1; i >= 0; i-- {
		if tiles[i].node.Mode() == linklist.In {
			tiles[i].node.Delete(ctx, sg.cfg.DeleteRetries)
		}
	}
}

// RemoveKey unlinks raw from every level and forgets it.
func (sg *SkipGraph) RemoveKey(ctx context.Context, raw keyspace.RawKey) error {
	sg.mu.RLock()
	n, ok := sg.nodes[raw]
	sg.mu.RUnlock()
	if !ok {
		return fmt.Errorf("remove key %s: %w", raw, pkg.ErrKeyNotFound)
	}

	if err := sg.removeNode(ctx, n); err != nil {
		return fmt.Errorf("remove key %s: %w", raw, err)
	}

	sg.mu.Lock()
	delete(sg.nodes, raw)
	sg.index.Delete(n)
	sg.recomputeHeightLocked()
	telemetry.HostedKeys.Set(float64(len(sg.nodes)))
	sg.mu.Unlock()

	sg.logger.Info().Str("key", raw.String()).Msg("Key removed")
	sg.publish(EventKeyRemoved, raw.String(), 0, "", "key removed")
	return nil
}

// Keys returns the hosted raw keys in order.
func (sg *SkipGraph) Keys() []keyspace.RawKey {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	out := make([]keyspace.RawKey, 0, sg.index.Len())
	sg.index.Ascend(func(n *SGNode) bool {
		out = append(out, n.raw)
		return true
	})
	return out
}

// Node returns the hosted node for raw.
func (sg *SkipGraph) Node(raw keyspace.RawKey) (*SGNode, bool) {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	n, ok := sg.nodes[raw]
	return n, ok
}

func (sg *SkipGraph) recomputeHeightLocked() {
	h := 0
	for _, n := range sg.nodes {
		if n.state == StateInserted && len(n.tiles) > h {
			h = len(n.tiles)
		}
	}
	sg.height = h
	telemetry.Height.Set(float64(h))
}

// nodeByKeyLocked finds a hosted node by its full key.
func (sg *SkipGraph) nodeByKeyLocked(k keyspace.Key) *SGNode {
	n, ok := sg.nodes[k.Raw]
	if !ok || !n.key.Equal(k) {
		return nil
	}
	return n
}

func (sg *SkipGraph) hasInsertedLocked() bool {
	for _, n := range sg.nodes {
		if len(n.tiles) > 0 && n.tiles[0].state == TileInserted {
			return true
		}
	}
	return false
}

// linkedIn reports whether some hosted key sits in the bottom ring, even one
// still finishing its insertion. Such a key can already be handed queries.
func (sg *SkipGraph) linkedIn() bool {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	for _, n := range sg.nodes {
		if bottom := n.levelZero(); bottom != nil && bottom.Mode() == linklist.In {
			return true
		}
	}
	return false
}

// HasKeys reports whether this peer hosts a key usable as a routing seed.
func (sg *SkipGraph) HasKeys() bool {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	return sg.hasInsertedLocked()
}

// adjustHeightLocked brings every inserted node below level up to level.
// Rows whose ring is made only of this peer's keys are spliced in place;
// any other node leaves INSERTED and grows in the background.
func (sg *SkipGraph) adjustHeightLocked(level int, ref *SGNode) {
	for _, n := range sg.nodes {
		if n == ref || n.state != StateInserted || len(n.tiles) >= level {
			continue
		}
		for l := len(n.tiles); l < level; l++ {
			if !sg.spliceLocalLocked(n, ref, l) {
				break
			}
		}
		if len(n.tiles) < level {
			sg.scheduleGrowthLocked(n)
		}
	}
}

// spliceLocalLocked links n into ref's level-l ring without remote calls,
// provided every member of that ring lives at this peer.
func (sg *SkipGraph) spliceLocalLocked(n, ref *SGNode, l int) bool {
	if len(ref.tiles) <= l || ref.tiles[l].state != TileInserted {
		return false
	}

	members := []*SGNode{ref}
	cur := ref.tiles[l].node.Right()
	for !cur.Equal(ref.self) {
		if cur.Addr != sg.addr || len(members) > len(sg.nodes) {
			return false
		}
		m := sg.nodeByKeyLocked(cur.Key)
		if m == nil || len(m.tiles) <= l {
			return false
		}
		members = append(members, m)
		cur = m.tiles[l].node.Right()
	}

	// pred is the closest member below n, wrapping to the largest.
	byKey := func(a, b *SGNode) int { return a.key.Compare(b.key) }
	pred := slices.MaxFunc(members, byKey)
	if below := lo.Filter(members, func(m *SGNode, _ int) bool { return m.key.Less(n.key) }); len(below) > 0 {
		pred = slices.MaxFunc(below, byKey)
	}
	succ := sg.nodeByKeyLocked(pred.tiles[l].node.Right().Key)
	if succ == nil {
		return false
	}

	t := &tile{node: sg.newLevelNode(n, l), state: TileInserting}
	if !t.node.InsertLocal(pred.tiles[l].node, succ.tiles[l].node) {
		return false
	}
	t.state = TileInserted
	n.tiles = append(n.tiles, t)
	sg.logger.Debug().Str("key", n.raw.String()).Int("level", l).Msg("Spliced level locally")
	return true
}

// Info returns a snapshot of every hosted key and its routing rows.
func (sg *SkipGraph) Info() *PeerInfo {
	sg.mu.RLock()
	info := &PeerInfo{
		PeerID:           sg.peerID,
		Addr:             sg.addr,
		MembershipVector: sg.mv.String(),
		Height:           sg.height,
	}
	sg.index.Ascend(func(n *SGNode) bool {
		ki := KeyInfo{Key: n.self, State: n.state.String()}
		for l, t := range n.tiles {
			snap := t.node.Snapshot()
			state := "INSERTING"
			if t.state == TileInserted {
				state = "INSERTED"
			}
			ki.Levels = append(ki.Levels, LevelInfo{
				Level: l,
				Left:  snap.Left,
				Right: snap.Right,
				Mode:  snap.Mode.String(),
				State: state,
			})
		}
		info.Keys = append(info.Keys, ki)
		return true
	})
	sg.mu.RUnlock()

	info.Links = sg.linkSnapshot()
	return info
}

// linkSnapshot returns every distinct link known to this peer's routing
// tables, sorted by key.
func (sg *SkipGraph) linkSnapshot() []keyspace.Link {
	sg.mu.RLock()
	var links []keyspace.Link
	for _, n := range sg.nodes {
		for _, t := range n.tiles {
			snap := t.node.Snapshot()
			if snap.Mode != linklist.In {
				continue
			}
			links = append(links, n.self)
			if !snap.Left.IsZero() {
				links = append(links, snap.Left)
			}
			if !snap.Right.IsZero() {
				links = append(links, snap.Right)
			}
		}
	}
	sg.mu.RUnlock()

	links = lo.UniqBy(links, func(l keyspace.Link) keyspace.Key { return l.Key })
	slices.SortFunc(links, func(a, b keyspace.Link) int { return a.Key.Compare(b.Key) })
	return links
}

// markFailed records that every link hosted at addr is unreachable.
func (sg *SkipGraph) markFailed(addr string, links []keyspace.Link) {
	if addr == sg.addr {
		return
	}
	prev, _ := sg.failedPeers.Get(addr)
	merged := lo.UniqBy(append(prev, links...), func(l keyspace.Link) keyspace.Key { return l.Key })
	sg.failedPeers.Add(addr, merged)
}

// failedAddrs returns the addresses recently found unreachable.
func (sg *SkipGraph) failedAddrs() map[string]bool {
	out := make(map[string]bool)
	for _, addr := range sg.failedPeers.Keys() {
		out[addr] = true
	}
	return out
}

// ForgetFailure clears a peer from the recently-failed set, for example after
// it restarted.
func (sg *SkipGraph) ForgetFailure(addr string) {
	sg.failedPeers.Remove(addr)
}

func (sg *SkipGraph) newQueryID() QueryID {
	return QueryID{Origin: sg.peerID, Nonce: rand.Uint64()}
}

func (sg *SkipGraph) track(qr *queryReturn) {
	sg.activeMu.Lock()
	sg.active[qr.msg.ID] = qr
	n := len(sg.active)
	sg.activeMu.Unlock()
	telemetry.ActiveQueries.Set(float64(n))
}

func (sg *SkipGraph) untrack(qr *queryReturn) {
	sg.activeMu.Lock()
	delete(sg.active, qr.msg.ID)
	n := len(sg.active)
	sg.activeMu.Unlock()
	telemetry.ActiveQueries.Set(float64(n))
}

// pendingFor returns the open queries still owing an answer for target's
// bottom row.
func (sg *SkipGraph) pendingFor(target keyspace.Key) []linklist.Pending {
	sg.activeMu.Lock()
	open := lo.Values(sg.active)
	sg.activeMu.Unlock()

	var out []linklist.Pending
	for _, qr := range open {
		if qr.owns(target) {
			out = append(out, qr)
		}
	}
	return out
}

// ActiveQueries returns how many query participations are still open here.
func (sg *SkipGraph) ActiveQueries() int {
	sg.activeMu.Lock()
	defer sg.activeMu.Unlock()
	return len(sg.active)
}

// Close stops background work and disposes every open query.
func (sg *SkipGraph) Close() error {
	if !sg.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	sg.logger.Info().Msg("Shutting down SkipGraph peer")

	sg.cancel()

	sg.activeMu.Lock()
	open := lo.Values(sg.active)
	sg.activeMu.Unlock()
	for _, qr := range open {
		qr.dispose("shutdown")
	}

	sg.wg.Wait()
	sg.messenger.Close()
	sg.history.Purge()

	sg.logger.Info().Msg("SkipGraph peer shutdown complete")
	return nil
}
