package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/skipgraph/internal/config"
	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/skipgraph"
	"github.com/zde37/skipgraph/pkg"
)

type testPeer struct {
	sg     *skipgraph.SkipGraph
	server *GRPCServer
	client *GRPCClient
}

func echoExecutor() skipgraph.QueryExecutor {
	return skipgraph.ExecutorFunc(func(_ context.Context, key keyspace.RawKey, payload []byte) ([]byte, error) {
		return append([]byte(key.String()+":"), payload...), nil
	})
}

// startPeer runs a peer behind a real gRPC server on localhost.
func startPeer(t *testing.T, port int, token string) *testPeer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.AuthToken = token
	cfg.RPCTimeout = 2 * time.Second
	cfg.AckTimeout = time.Second
	cfg.QueryTimeout = 3 * time.Second
	cfg.InsertBackoffBase = 5 * time.Millisecond
	cfg.InsertBackoffMax = 100 * time.Millisecond

	logger := pkg.Nop()
	sg, err := skipgraph.New(cfg, echoExecutor(), logger)
	require.NoError(t, err)

	client := NewGRPCClient(logger, cfg.RPCTimeout, token, cfg.Address())
	sg.SetRemote(client)

	server, err := NewGRPCServer(sg, cfg.Address(), token, logger)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	t.Cleanup(func() {
		sg.Close()
		server.Stop()
		client.Close()
	})
	return &testPeer{sg: sg, server: server, client: client}
}

func TestNewGRPCServer(t *testing.T) {
	_, err := NewGRPCServer(nil, "127.0.0.1:0", "", pkg.Nop())
	assert.Error(t, err)

	sg, err := skipgraph.New(config.DefaultConfig(), echoExecutor(), pkg.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { sg.Close() })
	_, err = NewGRPCServer(sg, "127.0.0.1:0", "", nil)
	assert.Error(t, err)
}

func TestNewGRPCClient(t *testing.T) {
	client := NewGRPCClient(pkg.Nop(), 5*time.Second, "", "127.0.0.1:1")

	assert.NotNil(t, client.logger)
	assert.Equal(t, 5*time.Second, client.timeout)
	assert.Empty(t, client.connections)

	// Should fall back to the global logger if nil
	assert.NotNil(t, NewGRPCClient(nil, time.Second, "", "").logger)
}

func TestGRPCClient_Ping(t *testing.T) {
	p := startPeer(t, 9301, "")
	ctx := context.Background()

	require.NoError(t, p.client.Ping(ctx, p.server.Addr()))
	assert.Len(t, p.client.connections, 1, "connection is pooled")
	require.NoError(t, p.client.Ping(ctx, p.server.Addr()))
	assert.Len(t, p.client.connections, 1)

	err := p.client.Ping(ctx, "127.0.0.1:1")
	assert.ErrorIs(t, err, pkg.ErrCommunication)
}

func TestGRPCClient_RemoteCalls(t *testing.T) {
	p := startPeer(t, 9302, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr := p.server.Addr()

	t.Run("query to a peer without keys", func(t *testing.T) {
		err := p.client.DeliverQuery(ctx, addr, &skipgraph.QueryMessage{ID: "m", Sender: "x"})
		assert.ErrorIs(t, err, pkg.ErrUnavailable)
	})

	require.NoError(t, p.sg.AddKey(ctx, "", keyspace.IntKey(10)))
	n, ok := p.sg.Node(keyspace.IntKey(10))
	require.True(t, ok)

	t.Run("local links", func(t *testing.T) {
		info, err := p.client.GetLocalLinks(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, p.sg.PeerID(), info.PeerID)
		require.Len(t, info.Keys, 1)
		assert.Equal(t, n.Link(), info.Keys[0].Key)
		assert.Equal(t, []keyspace.Link{n.Link()}, info.Links)
	})

	t.Run("neighbors", func(t *testing.T) {
		nb, err := p.client.GetNeighbors(ctx, addr, &skipgraph.NeighborsRequest{Target: n.Link().Key})
		require.NoError(t, err)
		assert.Equal(t, linklist.In, nb.Mode)
		assert.Equal(t, n.Link(), nb.Right)

		nb, err = p.client.GetNeighbors(ctx, addr, &skipgraph.NeighborsRequest{Target: keyspace.NewKey(keyspace.IntKey(11), "x")})
		require.NoError(t, err)
		assert.Equal(t, linklist.Out, nb.Mode)
	})

	t.Run("node info", func(t *testing.T) {
		reply, err := p.client.GetSGNodeInfo(ctx, addr, &skipgraph.NodeInfoRequest{Target: n.Link().Key, Level: 1, CallerPeer: "other"})
		require.NoError(t, err)
		assert.Equal(t, n.Link(), reply.Self)

		_, err = p.client.GetSGNodeInfo(ctx, addr, &skipgraph.NodeInfoRequest{Target: n.Link().Key, Level: 0})
		assert.Error(t, err)
		assert.NotErrorIs(t, err, pkg.ErrCommunication)
	})

	t.Run("exec query", func(t *testing.T) {
		reply, err := p.client.InvokeExecQuery(ctx, addr, &skipgraph.ExecRequest{
			Target:  n.Link().Key,
			QID:     skipgraph.QueryID{Origin: "probe", Nonce: 1},
			Payload: []byte("p"),
			Exec:    true,
		})
		require.NoError(t, err)
		assert.True(t, reply.Executed)
		assert.Equal(t, "10:p", string(reply.Value))

		_, err = p.client.InvokeExecQuery(ctx, addr, &skipgraph.ExecRequest{Target: keyspace.NewKey(keyspace.IntKey(99), "x")})
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)

		_, err = p.client.InvokeExecQuery(ctx, addr, &skipgraph.ExecRequest{
			Target:      n.Link().Key,
			ExpectRight: keyspace.Link{Key: keyspace.NewKey(keyspace.IntKey(5), "x"), Addr: "elsewhere:1"},
		})
		assert.ErrorIs(t, err, pkg.ErrStaleRouting)
	})

	t.Run("fix for an unknown key", func(t *testing.T) {
		err := p.client.FixAndPropagateSingle(ctx, addr, &skipgraph.FixRequest{Target: keyspace.NewKey(keyspace.IntKey(99), "x")})
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})

	t.Run("reply for a finished query", func(t *testing.T) {
		assert.NoError(t, p.client.DeliverReply(ctx, addr, &skipgraph.QueryReply{ReplyID: "gone"}))
	})
}

func TestGRPCAuth(t *testing.T) {
	p := startPeer(t, 9303, "secret")
	ctx := context.Background()

	require.NoError(t, p.client.Ping(ctx, p.server.Addr()))

	anonymous := NewGRPCClient(pkg.Nop(), time.Second, "", "")
	defer anonymous.Close()
	assert.ErrorIs(t, anonymous.Ping(ctx, p.server.Addr()), pkg.ErrCommunication)

	wrong := NewGRPCClient(pkg.Nop(), time.Second, "guess", "")
	defer wrong.Close()
	assert.ErrorIs(t, wrong.Ping(ctx, p.server.Addr()), pkg.ErrCommunication)
}

func TestGRPCTwoPeers(t *testing.T) {
	a := startPeer(t, 9304, "")
	b := startPeer(t, 9305, "")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for i := int64(0); i < 6; i++ {
		sg, seed := a.sg, ""
		if i%2 == 1 {
			sg, seed = b.sg, a.server.Addr()
		}
		require.NoError(t, sg.AddKey(ctx, seed, keyspace.IntKey(i*10)), "key %d", i*10)
	}

	stream, err := b.sg.RangeQuery([]keyspace.Range{keyspace.Closed(keyspace.IntKey(10), keyspace.IntKey(40))}, []byte("q"), skipgraph.QueryOptions{})
	require.NoError(t, err)
	results, err := skipgraph.Collect(ctx, stream)
	require.NoError(t, err)

	got := make(map[string]string)
	for _, r := range results {
		require.NoError(t, r.Err)
		got[r.Key.String()] = string(r.Value)
	}
	want := make(map[string]string)
	for _, k := range []int{10, 20, 30, 40} {
		want[fmt.Sprint(k)] = fmt.Sprintf("%d:q", k)
	}
	assert.Equal(t, want, got)
	assert.Empty(t, stream.Gaps())

	link, _, err := a.sg.Lookup(ctx, keyspace.IntKey(35))
	require.NoError(t, err)
	assert.Equal(t, keyspace.IntKey(30), link.Key.Raw)
	assert.Equal(t, b.server.Addr(), link.Addr)
}
