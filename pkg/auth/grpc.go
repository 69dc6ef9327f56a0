package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// InterceptorOption configures the gRPC server interceptors.
type InterceptorOption func(*interceptorConfig)

type interceptorConfig struct {
	exempt []string
	logger *slog.Logger
}

// WithExemptMethods skips authentication for full method names starting
// with any of the given prefixes, e.g. "/grpc.health.v1.Health/".
func WithExemptMethods(prefixes ...string) InterceptorOption {
	return func(c *interceptorConfig) { c.exempt = append(c.exempt, prefixes...) }
}

// WithInterceptorLogger sets the logger for rejected calls.
func WithInterceptorLogger(logger *slog.Logger) InterceptorOption {
	return func(c *interceptorConfig) { c.logger = logger }
}

func newInterceptorConfig(opts []InterceptorOption) *interceptorConfig {
	c := &interceptorConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *interceptorConfig) isExempt(method string) bool {
	for _, p := range c.exempt {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

// UnaryServerInterceptor verifies the bearer session token in the
// "authorization" metadata and stores the verified [Claims] in the handler
// context. Calls without a valid token fail with codes.Unauthenticated.
func UnaryServerInterceptor(verifier TokenVerifier, opts ...InterceptorOption) grpc.UnaryServerInterceptor {
	cfg := newInterceptorConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.isExempt(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := authenticateGRPC(ctx, verifier, cfg, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming form of [UnaryServerInterceptor].
func StreamServerInterceptor(verifier TokenVerifier, opts ...InterceptorOption) grpc.StreamServerInterceptor {
	cfg := newInterceptorConfig(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.isExempt(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := authenticateGRPC(ss.Context(), verifier, cfg, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticateGRPC(ctx context.Context, verifier TokenVerifier, cfg *interceptorConfig, method string) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(HeaderAuthorization)
	if len(values) == 0 {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	token := ExtractBearerToken(values[0])
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, "invalid authorization format")
	}
	claims, err := verifier.Verify(ctx, token)
	if err != nil {
		cfg.logger.InfoContext(ctx, "auth: rejected grpc call",
			"method", method,
			"error", err,
		)
		return ctx, status.Error(codes.Unauthenticated, "invalid session token")
	}
	return ContextWithClaims(ctx, claims), nil
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
