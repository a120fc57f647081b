package grpcapi

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"bankcore.org/internal/audit"
	"bankcore.org/internal/auth"
	"bankcore.org/internal/ids"
	"bankcore.org/internal/obs"
)

// Metadata keys read by the interceptors.
const (
	AuthorizationKey = "authorization"
	RequestIDKey     = "x-request-id"
)

// ServerOptions returns the interceptor chain: request id, access log, auth.
func ServerOptions(signer *auth.Signer) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			UnaryRequestID(),
			UnaryLogging(),
			UnaryAuth(signer),
		),
	}
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// UnaryRequestID accepts a ULID from x-request-id metadata or mints one and
// echoes it in the response header.
func UnaryRequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		rid := ids.Normalize(firstValue(md, RequestIDKey))
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDKey, rid))
		return handler(audit.WithRequestID(ctx, rid), req)
	}
}

// UnaryLogging writes one line per call with the resulting status code.
func UnaryLogging() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		obs.Logger().Info("grpc request",
			zap.String("request_id", audit.RequestIDFromContext(ctx)),
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
		return resp, err
	}
}

// UnaryAuth verifies the bearer token of every ledger call except Info.
// Other services (health) pass through.
func UnaryAuth(signer *auth.Signer) grpc.UnaryServerInterceptor {
	prefix := "/" + ServiceName + "/"
	public := FullMethod(MethodInfo)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) || info.FullMethod == public {
			return handler(ctx, req)
		}
		if signer == nil {
			return nil, ToStatus(auth.ErrUnauthorized)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		token, ok := auth.BearerToken(firstValue(md, AuthorizationKey))
		if !ok {
			return nil, ToStatus(auth.ErrUnauthorized)
		}
		claims, err := signer.Verify(token)
		if err != nil {
			return nil, ToStatus(err)
		}
		ctx = auth.ContextWithUser(ctx, claims.Subject)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}
