package transport

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthTokenHeader carries the shared peer secret in call metadata.
const AuthTokenHeader = "x-auth-token"

// AuthInterceptor rejects peer calls that do not carry expectedToken. An
// empty expectedToken lets every peer through.
func AuthInterceptor(expectedToken string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkToken(ctx, expectedToken); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func checkToken(ctx context.Context, want string) error {
	if want == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "peer call without metadata")
	}
	got := md.Get(AuthTokenHeader)
	if len(got) == 0 {
		return status.Error(codes.Unauthenticated, "peer call without auth token")
	}
	if subtle.ConstantTimeCompare([]byte(got[0]), []byte(want)) != 1 {
		return status.Error(codes.Unauthenticated, "peer auth token rejected")
	}
	return nil
}

// tokenInterceptor attaches token to every outgoing call.
func tokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, token), method, req, reply, cc, opts...)
	}
}
