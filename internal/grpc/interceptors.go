package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/logging"
)

// grpcCode maps domain error codes onto gRPC statuses.
func grpcCode(code domain.Code) codes.Code {
	switch code {
	case domain.CodeInvalidParam, domain.CodeMissingIdempotency:
		return codes.InvalidArgument
	case domain.CodeInvalidTransition, domain.CodeAgreementInactive:
		return codes.FailedPrecondition
	case domain.CodeDuplicate:
		return codes.AlreadyExists
	case domain.CodeNotFound:
		return codes.NotFound
	case domain.CodeTimeout, domain.CodeUpstreamTimeout:
		return codes.DeadlineExceeded
	case domain.CodeSourceError:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatusError converts a domain error into a gRPC status error,
// passing already-converted statuses through.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(grpcCode(domain.CodeOf(err)), err.Error())
}

// errorInterceptor maps handler errors onto gRPC status codes.
func errorInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, toStatusError(err)
	}
	return resp, nil
}

// loggingInterceptor logs one line per call with outcome and latency.
func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logging.Component("grpc").Warn("call failed",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil, err
	}
	logging.Component("grpc").Debug("call completed",
		"method", info.FullMethod,
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}
