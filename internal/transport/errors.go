package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/skipgraph/pkg"
)

// errorDomain scopes the ErrorInfo reasons below.
const errorDomain = "skipgraph.zde37.github.com"

var wireErrors = []struct {
	err    error
	code   codes.Code
	reason string
}{
	{pkg.ErrUnavailable, codes.FailedPrecondition, "NO_KEYS"},
	{pkg.ErrConflict, codes.Aborted, "CONFLICT"},
	{pkg.ErrStaleRouting, codes.Aborted, "STALE_ROUTING"},
	{pkg.ErrKeyNotFound, codes.NotFound, "KEY_NOT_FOUND"},
	{pkg.ErrDuplicateKey, codes.AlreadyExists, "DUPLICATE_KEY"},
	{pkg.ErrNotInserted, codes.FailedPrecondition, "NOT_INSERTED"},
	{pkg.ErrClosed, codes.Unavailable, "CLOSED"},
	{pkg.ErrCommunication, codes.Unavailable, "COMMUNICATION"},
}

// toStatus converts a handler error into a gRPC status carrying the
// sentinel's reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	for _, w := range wireErrors {
		if !errors.Is(err, w.err) {
			continue
		}
		st := status.New(w.code, err.Error())
		if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: w.reason, Domain: errorDomain}); derr == nil {
			st = detailed
		}
		return st.Err()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus restores the sentinel behind a status returned by method at
// address. Anything the transport itself produced becomes ErrCommunication.
func fromStatus(method, address string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s %s: %v: %w", method, address, err, pkg.ErrCommunication)
	}

	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		for _, w := range wireErrors {
			if w.reason != info.GetReason() {
				continue
			}
			if st.Code() == codes.Unavailable && w.err != pkg.ErrCommunication {
				return fmt.Errorf("%s %s: %s: %w: %w", method, address, st.Message(), w.err, pkg.ErrCommunication)
			}
			return fmt.Errorf("%s %s: %s: %w", method, address, st.Message(), w.err)
		}
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Unauthenticated:
		return fmt.Errorf("%s %s: %s: %w", method, address, st.Message(), pkg.ErrCommunication)
	default:
		return fmt.Errorf("%s %s: %s", method, address, st.Message())
	}
}
