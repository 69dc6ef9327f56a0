package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
)

// maxTokenSize rejects oversized tokens before any parsing.
const maxTokenSize = 8192

// Claims are the verified facts extracted from a session token.
type Claims struct {
	Subject   string    `json:"sub"`
	Issuer    string    `json:"iss"`
	ExpiresAt time.Time `json:"exp"`
	KeyID     string    `json:"kid"`
}

// TokenVerifier verifies session tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// KeyProvider resolves an issuer's signing key by id. [*KeySetCache]
// implements it.
type KeyProvider interface {
	Key(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error)
}

var _ KeyProvider = (*KeySetCache)(nil)

// VerifierConfig configures a [Verifier].
type VerifierConfig struct {
	// TrustedIssuers lists the exact issuer URLs whose tokens are accepted.
	// A trailing slash is ignored.
	TrustedIssuers []string `json:"trusted_issuers" yaml:"trusted_issuers" env:"TRUSTED_ISSUERS" required:"true"`
}

// Validate checks that at least one usable issuer is configured.
func (c VerifierConfig) Validate() error {
	for _, iss := range c.TrustedIssuers {
		if normalizeIssuer(iss) != "" {
			return nil
		}
	}
	return sserr.New(sserr.CodeConfiguration, "auth: at least one trusted issuer is required")
}

// Verifier verifies RS256 session tokens against the issuer's key set.
// It is safe for concurrent use.
type Verifier struct {
	issuers map[string]struct{}
	keys    KeyProvider
	now     func() time.Time
	tracer  trace.Tracer
}

var _ TokenVerifier = (*Verifier)(nil)

// VerifierOption configures a [Verifier].
type VerifierOption func(*Verifier)

// WithVerifierClock replaces time.Now as the reference for expiry checks
// made by [Verifier.Verify].
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier returns a Verifier trusting cfg.TrustedIssuers.
func NewVerifier(cfg VerifierConfig, keys KeyProvider, opts ...VerifierOption) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, sserr.Config("auth: key provider is required")
	}
	v := &Verifier{
		issuers: make(map[string]struct{}, len(cfg.TrustedIssuers)),
		keys:    keys,
		now:     time.Now,
		tracer:  otel.Tracer(tracerName),
	}
	for _, iss := range cfg.TrustedIssuers {
		if iss = normalizeIssuer(iss); iss != "" {
			v.issuers[iss] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify verifies token against the current time.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	return v.VerifyAt(ctx, token, v.now())
}

// VerifyAt verifies token as of now.
//
// The token must use RS256, name a key id, and carry a non-empty subject,
// a trusted issuer and an expiry later than now. The signature is checked
// over the exact header and payload bytes received. Every failure is an
// *sserr.Error with code [sserr.CodeInvalidToken] or
// [sserr.CodeTokenExpired].
func (v *Verifier) VerifyAt(ctx context.Context, token string, now time.Time) (Claims, error) {
	ctx, span := v.tracer.Start(ctx, "auth.Verify")
	defer span.End()

	claims, err := v.verify(ctx, token, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token rejected")
		return Claims{}, err
	}
	span.SetAttributes(
		attribute.String("auth.issuer", claims.Issuer),
		attribute.String("auth.kid", claims.KeyID),
	)
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, token string, now time.Time) (Claims, error) {
	if token == "" {
		return Claims{}, sserr.InvalidToken("token must not be empty")
	}
	if len(token) > maxTokenSize {
		return Claims{}, sserr.InvalidToken("token exceeds maximum size")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	var (
		registered jwt.RegisteredClaims
		kid        string
		issuer     string
	)
	_, err := parser.ParseWithClaims(token, &registered, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		if kid == "" {
			return nil, sserr.InvalidToken("token header has no key id")
		}
		if registered.Subject == "" {
			return nil, sserr.InvalidToken("token has no subject")
		}
		issuer = normalizeIssuer(registered.Issuer)
		if issuer == "" {
			return nil, sserr.InvalidToken("token has no issuer")
		}
		if _, ok := v.issuers[issuer]; !ok {
			return nil, sserr.InvalidToken("token issuer is not trusted").WithDetail("issuer", issuer)
		}
		key, err := v.keys.Key(ctx, issuer, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return Claims{}, classifyError(err)
	}

	return Claims{
		Subject:   registered.Subject,
		Issuer:    issuer,
		ExpiresAt: registered.ExpiresAt.Time,
		KeyID:     kid,
	}, nil
}

// classifyError maps parser and key lookup failures onto token errors.
// Key set outages surface as invalid tokens with the fetch error as cause.
func classifyError(err error) *sserr.Error {
	if e, ok := sserr.AsError(err); ok {
		if sserr.IsInvalidToken(e) {
			return e
		}
		return sserr.Wrap(e, sserr.CodeInvalidToken, "signing keys unavailable")
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeTokenExpired, "token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeInvalidToken, "token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeInvalidToken, "token signature is invalid")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return sserr.Wrap(err, sserr.CodeInvalidToken, "token is missing a required claim")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrap(err, sserr.CodeInvalidToken, "token is not valid yet")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeInvalidToken, "token is unverifiable")
	default:
		return sserr.Wrap(err, sserr.CodeInvalidToken, "token validation failed")
	}
}
