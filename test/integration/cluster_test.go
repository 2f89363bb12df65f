package integration

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/skipgraph/internal/config"
	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/skipgraph"
	"github.com/zde37/skipgraph/internal/store"
	"github.com/zde37/skipgraph/internal/transport"
	"github.com/zde37/skipgraph/pkg"
)

const clusterToken = "integration-secret"

// testPeer is one skip graph peer behind a real gRPC server.
type testPeer struct {
	sg     *skipgraph.SkipGraph
	values *store.MemoryStore
	server *transport.GRPCServer
	client *transport.GRPCClient
	key    int64
	down   bool
}

// testCluster represents a cluster of peers on localhost, one key each.
type testCluster struct {
	peers  []*testPeer
	byKey  map[int64]*testPeer
	byAddr map[string]*testPeer
	logger *pkg.Logger
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	tc := &testCluster{
		byKey:  make(map[int64]*testPeer),
		byAddr: make(map[string]*testPeer),
		logger: pkg.Nop(),
	}
	t.Cleanup(func() { tc.shutdown(t) })
	return tc
}

// addPeer starts a peer on port and inserts key through seed. An empty seed
// starts a new graph.
func (tc *testCluster) addPeer(t *testing.T, port int, seed string, key int64) *testPeer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.HTTPPort = 0
	cfg.AuthToken = clusterToken
	cfg.RPCTimeout = time.Second
	cfg.AckTimeout = 500 * time.Millisecond
	cfg.QueryTimeout = 3 * time.Second
	cfg.ExpireGrace = 200 * time.Millisecond
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.RetransmitWindow = 400 * time.Millisecond
	cfg.InsertBackoffBase = 5 * time.Millisecond
	cfg.InsertBackoffMax = 100 * time.Millisecond
	cfg.LogLevel = "error"

	values := store.NewMemoryStore(nil)
	sg, err := skipgraph.New(cfg, values, tc.logger)
	require.NoError(t, err)

	client := transport.NewGRPCClient(tc.logger, cfg.RPCTimeout, cfg.AuthToken, cfg.Address())
	sg.SetRemote(client)

	server, err := transport.NewGRPCServer(sg, cfg.Address(), cfg.AuthToken, tc.logger)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	p := &testPeer{sg: sg, values: values, server: server, client: client, key: key}
	tc.peers = append(tc.peers, p)
	tc.byKey[key] = p
	tc.byAddr[cfg.Address()] = p

	raw := keyspace.IntKey(key)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, values.Set(ctx, raw, []byte(fmt.Sprint(key)), 0))
	require.NoError(t, sg.AddKey(ctx, seed, raw), "insert key %d", key)
	return p
}

// kill stops a peer without unlinking its key, like a crash.
func (tc *testCluster) kill(t *testing.T, key int64) keyspace.Link {
	t.Helper()
	p := tc.byKey[key]
	require.NotNil(t, p)

	info := p.sg.Info()
	require.NotEmpty(t, info.Keys)
	p.server.Stop()
	p.sg.Close()
	p.down = true
	delete(tc.byKey, key)
	return info.Keys[0].Key
}

// waitSettled waits until every key finished growing its routing table.
func (tc *testCluster) waitSettled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range tc.byKey {
			info := p.sg.Info()
			if len(info.Keys) != 1 || info.Keys[0].State != skipgraph.StateInserted.String() {
				return false
			}
			for _, l := range info.Keys[0].Levels {
				if l.State != "INSERTED" {
					return false
				}
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}

// bottomRing follows level 0 right links starting at key, reading each
// peer's published routing table. It reports false if the walk hits a
// stopped peer or does not close.
func (tc *testCluster) bottomRing(start int64) ([]int64, bool) {
	p := tc.byKey[start]
	if p == nil {
		return nil, false
	}
	var ring []int64
	for i := 0; i <= len(tc.peers); i++ {
		info := p.sg.Info()
		if len(info.Keys) == 0 || len(info.Keys[0].Levels) == 0 {
			return nil, false
		}
		ring = append(ring, p.key)

		right := info.Keys[0].Levels[0].Right
		next := tc.byAddr[right.Addr]
		if next == nil || next.down {
			return nil, false
		}
		if next.key == start {
			return ring, true
		}
		p = next
	}
	return nil, false
}

func (tc *testCluster) shutdown(t *testing.T) {
	t.Helper()
	for _, p := range tc.peers {
		if !p.down {
			if err := p.server.Stop(); err != nil {
				t.Logf("Error stopping server: %v", err)
			}
			p.sg.Close()
		}
		p.client.Close()
		p.values.Close()
	}
}

// resultKeys returns the integer keys of results, sorted, checking that
// every value came from the peer's value store.
func resultKeys(t *testing.T, results []skipgraph.QueryResult) []int64 {
	t.Helper()
	keys := make([]int64, 0, len(results))
	for _, r := range results {
		require.NoError(t, r.Err)
		v, ok := r.Key.Int()
		require.True(t, ok)
		require.Equal(t, fmt.Sprint(v), string(r.Value))
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func runQuery(t *testing.T, p *testPeer, opts skipgraph.QueryOptions, ranges ...keyspace.Range) (*skipgraph.QueryStream, []int64) {
	t.Helper()
	stream, err := p.sg.RangeQuery(ranges, nil, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := skipgraph.Collect(ctx, stream)
	require.NoError(t, err)
	return stream, resultKeys(t, results)
}
