// Package auth verifies provider-issued session tokens.
//
// A session token is an RS256 JWT whose header names a signing key (kid)
// and whose claims carry the subject (sub), issuer (iss) and expiry (exp).
// [Verifier] checks the signature against the issuer's published key set,
// obtained through a [KeySetCache], and returns the verified [Claims].
//
// Only issuers listed in [VerifierConfig.TrustedIssuers] are accepted; keys
// are never fetched for any other issuer.
//
//	cache := auth.NewKeySetCache(auth.WithKeySetTTL(time.Hour))
//	verifier, err := auth.NewVerifier(auth.VerifierConfig{
//	    TrustedIssuers: []string{"https://clerk.example.dev"},
//	}, cache)
//	claims, err := verifier.Verify(ctx, token)
//
// The package also provides gRPC interceptors so other services can
// authenticate callers with the same session tokens.
package auth
