package guard

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/observability"
)

// UnaryInterceptor implements Guard.
func (g *guard) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		decision := g.AuthenticateGRPC(ctx)
		if !decision.Allowed {
			g.logRPCDenied(info.FullMethod, decision)
			return nil, grpcError(decision)
		}

		return handler(auth.ContextWithIdentity(ctx, decision.Identity), req)
	}
}

// StreamInterceptor implements Guard. The stream handed to the handler
// carries the identity on its context.
func (g *guard) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		decision := g.AuthenticateGRPC(ss.Context())
		if !decision.Allowed {
			g.logRPCDenied(info.FullMethod, decision)
			return grpcError(decision)
		}

		wrapped := &authenticatedServerStream{
			ServerStream: ss,
			ctx:          auth.ContextWithIdentity(ss.Context(), decision.Identity),
		}
		return handler(srv, wrapped)
	}
}

func (g *guard) logRPCDenied(method string, d Decision) {
	g.logger.Warn("rpc denied",
		observability.String("method", method),
		observability.String("reason", string(d.Reason)),
		observability.Error(d.Err),
	)
}

// grpcError converts a denied decision into a status error.
// Authorization failures map to PermissionDenied, all authentication
// failures to Unauthenticated.
func grpcError(d Decision) error {
	if d.Reason == ReasonUnauthorized {
		return status.Error(codes.PermissionDenied, d.Message())
	}
	return status.Error(codes.Unauthenticated, d.Message())
}

// authenticatedServerStream overrides Context so stream handlers see
// the verified identity.
type authenticatedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedServerStream) Context() context.Context {
	return s.ctx
}
