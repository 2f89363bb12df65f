package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/zde37/skipgraph/internal/linklist"
	"github.com/zde37/skipgraph/internal/skipgraph"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

// ServiceName is the fully qualified gRPC service peers talk to.
const ServiceName = "skipgraph.SkipGraphService"

// Method names, as they appear after the service name.
const (
	MethodNodeInfo     = "GetSGNodeInfo"
	MethodLocalLinks   = "GetLocalLinks"
	MethodNeighbors    = "GetNeighbors"
	MethodSetRight     = "SetRight"
	MethodSetLeft      = "SetLeft"
	MethodExecQuery    = "InvokeExecQuery"
	MethodFix          = "FixAndPropagateSingle"
	MethodDeliverQuery = "DeliverQuery"
	MethodDeliverReply = "DeliverReply"
	MethodPing         = "Ping"
)

// Handler is the peer-side surface; *skipgraph.SkipGraph implements it.
type Handler interface {
	HandleNodeInfo(ctx context.Context, req *skipgraph.NodeInfoRequest) (*skipgraph.NodeInfoReply, error)
	HandleLocalLinks(ctx context.Context) (*skipgraph.PeerInfo, error)
	HandleNeighbors(ctx context.Context, req *skipgraph.NeighborsRequest) (*linklist.Neighbors, error)
	HandleSetRight(ctx context.Context, req *skipgraph.SetLinkRequest) (*skipgraph.SetLinkReply, error)
	HandleSetLeft(ctx context.Context, req *skipgraph.SetLinkRequest) (*skipgraph.SetLinkReply, error)
	HandleExecQuery(ctx context.Context, req *skipgraph.ExecRequest) (*skipgraph.ExecReply, error)
	HandleFix(ctx context.Context, req *skipgraph.FixRequest) error
	HandleQuery(ctx context.Context, msg *skipgraph.QueryMessage) error
	HandleReply(ctx context.Context, reply *skipgraph.QueryReply) error
	PeerID() string
}

var _ Handler = (*skipgraph.SkipGraph)(nil)

// PingRequest probes a peer.
type PingRequest struct {
	Sender string `json:"sender"`
}

// PingReply answers a probe.
type PingReply struct {
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
}

// LocalLinksRequest has no fields.
type LocalLinksRequest struct{}

// Empty acknowledges calls that return nothing.
type Empty struct{}

// pinger is the HandlerType of the service description.
type pinger interface {
	Ping(ctx context.Context, req *PingRequest) (*PingReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*pinger)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodNodeInfo, (*GRPCServer).nodeInfo),
		unary(MethodLocalLinks, (*GRPCServer).localLinks),
		unary(MethodNeighbors, (*GRPCServer).neighbors),
		unary(MethodSetRight, (*GRPCServer).setRight),
		unary(MethodSetLeft, (*GRPCServer).setLeft),
		unary(MethodExecQuery, (*GRPCServer).execQuery),
		unary(MethodFix, (*GRPCServer).fix),
		unary(MethodDeliverQuery, (*GRPCServer).deliverQuery),
		unary(MethodDeliverReply, (*GRPCServer).deliverReply),
		unary(MethodPing, (*GRPCServer).Ping),
	},
}

// unary adapts a typed server method to a grpc.MethodDesc. The request is
// decoded with whatever codec the call negotiated.
func unary[Req, Resp any](name string, call func(*GRPCServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*GRPCServer)
			handler := func(ctx context.Context, req any) (any, error) {
				start := time.Now()
				resp, err := call(s, ctx, req.(*Req))
				err = toStatus(err)
				telemetry.ObserveRPC("server", name, status.Code(err).String(), time.Since(start))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

// GRPCServer exposes a peer over gRPC.
type GRPCServer struct {
	handler   Handler
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string // Authentication token for peer-to-peer communication

	// Server address
	address  string
	listener net.Listener
}

// NewGRPCServer creates a new gRPC server for the given peer.
func NewGRPCServer(handler Handler, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCServer{
		handler:   handler,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}, nil
}

// Start starts the gRPC server.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&serviceDesc, s)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the address the server listens on, once started.
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	if s.server != nil {
		s.server.GracefulStop()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	return nil
}

func (s *GRPCServer) nodeInfo(ctx context.Context, req *skipgraph.NodeInfoRequest) (*skipgraph.NodeInfoReply, error) {
	s.logger.Trace().Str("target", req.Target.String()).Int("level", req.Level).Msg("GetSGNodeInfo called")
	return s.handler.HandleNodeInfo(ctx, req)
}

func (s *GRPCServer) localLinks(ctx context.Context, _ *LocalLinksRequest) (*skipgraph.PeerInfo, error) {
	s.logger.Debug().Msg("GetLocalLinks called")
	return s.handler.HandleLocalLinks(ctx)
}

func (s *GRPCServer) neighbors(ctx context.Context, req *skipgraph.NeighborsRequest) (*linklist.Neighbors, error) {
	return s.handler.HandleNeighbors(ctx, req)
}

func (s *GRPCServer) setRight(ctx context.Context, req *skipgraph.SetLinkRequest) (*skipgraph.SetLinkReply, error) {
	s.logger.Trace().Str("target", req.Target.String()).Int("level", req.Level).Str("update", req.Update.String()).Msg("SetRight called")
	return s.handler.HandleSetRight(ctx, req)
}

func (s *GRPCServer) setLeft(ctx context.Context, req *skipgraph.SetLinkRequest) (*skipgraph.SetLinkReply, error) {
	s.logger.Trace().Str("target", req.Target.String()).Int("level", req.Level).Str("update", req.Update.String()).Msg("SetLeft called")
	return s.handler.HandleSetLeft(ctx, req)
}

func (s *GRPCServer) execQuery(ctx context.Context, req *skipgraph.ExecRequest) (*skipgraph.ExecReply, error) {
	s.logger.Debug().Str("target", req.Target.String()).Str("qid", req.QID.String()).Msg("InvokeExecQuery called")
	return s.handler.HandleExecQuery(ctx, req)
}

func (s *GRPCServer) fix(ctx context.Context, req *skipgraph.FixRequest) (*Empty, error) {
	s.logger.Debug().Str("target", req.Target.String()).Str("failed", req.Failed.String()).Msg("FixAndPropagateSingle called")
	if err := s.handler.HandleFix(ctx, req); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *GRPCServer) deliverQuery(ctx context.Context, msg *skipgraph.QueryMessage) (*Empty, error) {
	s.logger.Trace().Str("qid", msg.QID.String()).Str("sender", msg.Sender).Int("spans", len(msg.Spans)).Msg("DeliverQuery called")
	if err := s.handler.HandleQuery(ctx, msg); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *GRPCServer) deliverReply(ctx context.Context, reply *skipgraph.QueryReply) (*Empty, error) {
	s.logger.Trace().Str("reply_id", reply.ReplyID).Str("sender", reply.Sender).Int("coverages", len(reply.Coverages)).Msg("DeliverReply called")
	if err := s.handler.HandleReply(ctx, reply); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// Ping implements the Ping RPC.
func (s *GRPCServer) Ping(_ context.Context, req *PingRequest) (*PingReply, error) {
	s.logger.Trace().Str("sender", req.Sender).Msg("Ping called")
	return &PingReply{
		PeerID:    s.handler.PeerID(),
		Timestamp: time.Now().Unix(),
	}, nil
}
