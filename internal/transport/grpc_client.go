package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/skipgraph"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

// Compile-time check to ensure GRPCClient implements skipgraph.RemoteClient
var _ skipgraph.RemoteClient = (*GRPCClient)(nil)

// GRPCClient manages connections to remote peers.
type GRPCClient struct {
	logger    *pkg.Logger
	authToken string
	sender    string

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Default timeout for RPC calls
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client. sender is this peer's address,
// reported in pings.
func NewGRPCClient(logger *pkg.Logger, timeout time.Duration, authToken, sender string) *GRPCClient {
	if logger == nil {
		logger = pkg.Get()
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		authToken:   authToken,
		sender:      sender,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if c.authToken != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(tokenInterceptor(c.authToken)))
	}

	newConn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// invoke performs one unary call and maps its failure back to a sentinel.
func (c *GRPCClient) invoke(ctx context.Context, address, method string, req, reply any) error {
	conn, err := c.getConnection(address)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, address, err, pkg.ErrCommunication)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err = conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, reply)
	telemetry.ObserveRPC("client", method, status.Code(err).String(), time.Since(start))
	return fromStatus(method, address, err)
}

// GetSGNodeInfo asks a visited key whether the caller may share a level.
func (c *GRPCClient) GetSGNodeInfo(ctx context.Context, address string, req *skipgraph.NodeInfoRequest) (*skipgraph.NodeInfoReply, error) {
	resp := new(skipgraph.NodeInfoReply)
	if err := c.invoke(ctx, address, MethodNodeInfo, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetLocalLinks fetches a snapshot of everything the remote peer hosts.
func (c *GRPCClient) GetLocalLinks(ctx context.Context, address string) (*skipgraph.PeerInfo, error) {
	resp := new(skipgraph.PeerInfo)
	if err := c.invoke(ctx, address, MethodLocalLinks, &LocalLinksRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetNeighbors reads one level row of a remote key.
func (c *GRPCClient) GetNeighbors(ctx context.Context, address string, req *skipgraph.NeighborsRequest) (*linklist.Neighbors, error) {
	resp := new(linklist.Neighbors)
	if err := c.invoke(ctx, address, MethodNeighbors, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SetRight is the remote compare-and-set of a right pointer.
func (c *GRPCClient) SetRight(ctx context.Context, address string, req *skipgraph.SetLinkRequest) (*skipgraph.SetLinkReply, error) {
	resp := new(skipgraph.SetLinkReply)
	if err := c.invoke(ctx, address, MethodSetRight, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SetLeft moves a remote left pointer.
func (c *GRPCClient) SetLeft(ctx context.Context, address string, req *skipgraph.SetLinkRequest) (*skipgraph.SetLinkReply, error) {
	resp := new(skipgraph.SetLinkReply)
	if err := c.invoke(ctx, address, MethodSetLeft, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InvokeExecQuery runs a query at a remote key during a repair walk.
func (c *GRPCClient) InvokeExecQuery(ctx context.Context, address string, req *skipgraph.ExecRequest) (*skipgraph.ExecReply, error) {
	resp := new(skipgraph.ExecReply)
	if err := c.invoke(ctx, address, MethodExecQuery, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FixAndPropagateSingle hands a failure notice to a remote key.
func (c *GRPCClient) FixAndPropagateSingle(ctx context.Context, address string, req *skipgraph.FixRequest) error {
	return c.invoke(ctx, address, MethodFix, req, &Empty{})
}

// DeliverQuery forwards a query message; a nil error is the ack.
func (c *GRPCClient) DeliverQuery(ctx context.Context, address string, msg *skipgraph.QueryMessage) error {
	return c.invoke(ctx, address, MethodDeliverQuery, msg, &Empty{})
}

// DeliverReply returns coverages toward a query root.
func (c *GRPCClient) DeliverReply(ctx context.Context, address string, reply *skipgraph.QueryReply) error {
	return c.invoke(ctx, address, MethodDeliverReply, reply, &Empty{})
}

// Ping checks that the peer at address answers.
func (c *GRPCClient) Ping(ctx context.Context, address string) error {
	return c.invoke(ctx, address, MethodPing, &PingRequest{Sender: c.sender}, &PingReply{})
}

// Close closes all connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Info().
		Int("connections", len(c.connections)).
		Msg("Closing all gRPC connections")

	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Error().
				Err(err).
				Str("address", address).
				Msg("Failed to close connection")
		}
	}

	c.connections = make(map[string]*grpc.ClientConn)
	return nil
}
