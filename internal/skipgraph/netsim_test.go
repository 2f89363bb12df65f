package skipgraph

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/skipgraph/internal/config"
	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/pkg"
)

// network connects peers in-process. Killed peers fail every call with a
// communication error; blackholed peers accept queries and drop them; a
// crashing peer acks the first query it gets and goes down straight after.
type network struct {
	mu        sync.RWMutex
	peers     map[string]*SkipGraph
	down      map[string]bool
	blackhole map[string]bool
	crashing  map[string]bool
	dupQuery  atomic.Bool
}

func newNetwork() *network {
	return &network{
		peers:     make(map[string]*SkipGraph),
		down:      make(map[string]bool),
		blackhole: make(map[string]bool),
		crashing:  make(map[string]bool),
	}
}

func (nw *network) add(sg *SkipGraph) {
	nw.mu.Lock()
	nw.peers[sg.Address()] = sg
	nw.mu.Unlock()
	sg.SetRemote(&netClient{nw: nw})
}

func (nw *network) kill(addr string) {
	nw.mu.Lock()
	nw.down[addr] = true
	nw.mu.Unlock()
}

func (nw *network) drop(addr string) {
	nw.mu.Lock()
	nw.blackhole[addr] = true
	nw.mu.Unlock()
}

func (nw *network) crashOnQuery(addr string) {
	nw.mu.Lock()
	nw.crashing[addr] = true
	nw.mu.Unlock()
}

// crashNow takes a crashing peer down and reports whether it was one.
func (nw *network) crashNow(addr string) bool {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if !nw.crashing[addr] {
		return false
	}
	delete(nw.crashing, addr)
	nw.down[addr] = true
	return true
}

func (nw *network) peer(addr string) (*SkipGraph, error) {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	if nw.down[addr] {
		return nil, fmt.Errorf("peer %s is down: %w", addr, pkg.ErrCommunication)
	}
	sg, ok := nw.peers[addr]
	if !ok {
		return nil, fmt.Errorf("no peer at %s: %w", addr, pkg.ErrCommunication)
	}
	return sg, nil
}

func (nw *network) dropped(addr string) bool {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	return nw.blackhole[addr]
}

type netClient struct {
	nw *network
}

func (c *netClient) GetSGNodeInfo(ctx context.Context, address string, req *NodeInfoRequest) (*NodeInfoReply, error) {
	sg, err := c.nw.peer(address)
	if err != nil {
		return nil, err
	}
	return sg.HandleNodeInfo(ctx, req)
}

func (c *netClient) GetLocalLinks(ctx context.Context, address string) (*PeerInfo, error) {
	sg, err := c.nw.peer(address)
	if err != nil {
		return nil, err
	}
	return sg.HandleLocalLinks(ctx)
}

func (c *netClient) GetNeighbors(ctx context.Context, address string, req *NeighborsRequest) (*linklist.Neighbors, error) {
	sg, err := c.nw.peer(address)
	if err != nil {
		return nil, err
	}
	return sg.HandleNeighbors(ctx, req)
}

func (c *netClient) SetRight(ctx context.Context, address string, req *SetLinkRequest) (*SetLinkReply, error) {
	sg, err := c.nw.peer(address)
	if err != nil {
		return nil, err
	}
	return sg.HandleSetRight(ctx, req)
}

func (c *netClient) SetLeft(ctx context.Context, address string, req *SetLinkRequest) (*SetLinkReply, error) {
	sg, err := c.nw.peer(address)
	if err != nil {
		return nil, err
	}
	return sg.HandleSetLeft(ctx, req)
}

func (c *netClient) InvokeExecQuery(ctx context.Context, address string, req *ExecRequest) (*ExecReply, error) {
	sg, err := c.nw.peer(address)
	if err != nil {
		return nil, err
	}
	return sg.HandleExecQuery(ctx, req)
}

func (c *netClient) FixAndPropagateSingle(ctx context.Context, address string, req *FixRequest) error {
	sg, err := c.nw.peer(address)
	if err != nil {
		return err
	}
	return sg.HandleFix(ctx, req)
}

func (c *netClient) DeliverQuery(ctx context.Context, address string, msg *QueryMessage) error {
	sg, err := c.nw.peer(address)
	if err != nil {
		return err
	}
	if c.nw.dropped(address) || c.nw.crashNow(address) {
		return nil
	}
	if c.nw.dupQuery.Load() {
		if err := sg.HandleQuery(ctx, cloneMessage(msg)); err != nil {
			return err
		}
	}
	return sg.HandleQuery(ctx, cloneMessage(msg))
}

func (c *netClient) DeliverReply(ctx context.Context, address string, reply *QueryReply) error {
	sg, err := c.nw.peer(address)
	if err != nil {
		return err
	}
	return sg.HandleReply(ctx, reply)
}

func (c *netClient) Ping(_ context.Context, address string) error {
	_, err := c.nw.peer(address)
	return err
}

// countingExecutor answers every key with its own string form and counts
// invocations per key.
type countingExecutor struct {
	mu    sync.Mutex
	calls map[keyspace.RawKey]int
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{calls: make(map[keyspace.RawKey]int)}
}

func (e *countingExecutor) ExecQuery(_ context.Context, key keyspace.RawKey, _ []byte) ([]byte, error) {
	e.mu.Lock()
	e.calls[key]++
	e.mu.Unlock()
	return []byte(key.String()), nil
}

func (e *countingExecutor) count(key keyspace.RawKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[key]
}

func testConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "sim"
	cfg.Port = port
	cfg.RPCTimeout = time.Second
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.MessageSweepInterval = time.Second
	cfg.QueryTimeout = 2 * time.Second
	cfg.ExpireGrace = 100 * time.Millisecond
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.RetransmitWindow = 300 * time.Millisecond
	cfg.InsertBackoffBase = 2 * time.Millisecond
	cfg.InsertBackoffMax = 40 * time.Millisecond
	return cfg
}

// mvFor spreads peers evenly over the levels: peer i shares level l with
// every peer whose index agrees with i on its l lowest bits.
func mvFor(i int) keyspace.MembershipVector {
	return keyspace.MembershipVector(bits.Reverse64(uint64(i)))
}

func createTestPeer(t *testing.T, nw *network, port int, exec QueryExecutor, opts ...Option) *SkipGraph {
	t.Helper()
	if exec == nil {
		exec = newCountingExecutor()
	}
	sg, err := New(testConfig(port), exec, pkg.Nop(), opts...)
	require.NoError(t, err)
	if nw != nil {
		nw.add(sg)
	}
	t.Cleanup(func() { sg.Close() })
	return sg
}

// cluster is a set of peers, one key each.
type cluster struct {
	nw    *network
	peers []*SkipGraph
	exec  []*countingExecutor
	byKey map[int64]*SkipGraph
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{nw: newNetwork(), byKey: make(map[int64]*SkipGraph)}
	for i := 0; i < n; i++ {
		exec := newCountingExecutor()
		c.exec = append(c.exec, exec)
		c.peers = append(c.peers, createTestPeer(t, c.nw, 9000+i, exec, WithMembershipVector(mvFor(i))))
	}
	return c
}

// insert adds key to peer i using seed, which may be empty.
func (c *cluster) insert(t *testing.T, i int, seed string, key int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.peers[i].AddKey(ctx, seed, keyspace.IntKey(key)))
	c.byKey[key] = c.peers[i]
}

// waitSettled blocks until no hosted key is still climbing.
func (c *cluster) waitSettled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, sg := range c.peers {
			sg.mu.RLock()
			for _, n := range sg.nodes {
				if n.state != StateInserted || n.growing {
					sg.mu.RUnlock()
					return false
				}
			}
			sg.mu.RUnlock()
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

// node returns the hosted node for key, wherever it lives.
func (c *cluster) node(t *testing.T, key int64) *SGNode {
	t.Helper()
	sg, ok := c.byKey[key]
	require.True(t, ok, "key %d was never inserted", key)
	n, ok := sg.Node(keyspace.IntKey(key))
	require.True(t, ok, "key %d is not hosted", key)
	return n
}

// levelRing walks the level ring that holds key.
func (c *cluster) levelRing(t *testing.T, key int64, level int) []keyspace.RawKey {
	t.Helper()
	first := c.node(t, key).Link()
	var out []keyspace.RawKey
	cur := first
	for i := 0; i <= len(c.byKey)*4; i++ {
		out = append(out, cur.Key.Raw)
		sg, err := c.nw.peer(cur.Addr)
		require.NoError(t, err)
		n, ok := sg.Node(cur.Key.Raw)
		require.True(t, ok, "dangling link %s", cur)
		nb, ok := n.Neighbors(level)
		require.True(t, ok, "key %s has no level %d", cur, level)
		cur = nb.Right
		if cur.Equal(first) {
			return out
		}
	}
	t.Fatalf("level %d ring holding %d does not close", level, key)
	return nil
}
