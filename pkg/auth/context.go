package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const claimsKey contextKey = iota

// ContextWithClaims returns a copy of ctx carrying verified claims.
func ContextWithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the verified claims stored by an interceptor.
//
//	claims, ok := auth.ClaimsFromContext(ctx)
//	if !ok {
//	    return sserr.Unauthorized("no session")
//	}
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(Claims)
	return claims, ok
}

// SubjectFromContext returns the verified subject id, or "" if none.
func SubjectFromContext(ctx context.Context) string {
	claims, _ := ClaimsFromContext(ctx)
	return claims.Subject
}

// TraceIDFromContext returns the active OpenTelemetry trace id as hex.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
