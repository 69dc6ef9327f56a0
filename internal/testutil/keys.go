package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// JWKSPath is where a KeyRing is served by [NewIssuerServer].
const JWKSPath = "/.well-known/jwks.json"

// KeyRing is a test issuer's set of RSA signing keys. It serves its public
// half as a JWKS document and signs RS256 tokens with the current key.
// Safe for concurrent use.
type KeyRing struct {
	mu      sync.RWMutex
	keys    map[string]*rsa.PrivateKey
	order   []string
	current string

	fetches     atomic.Int64
	unavailable atomic.Bool
	delay       atomic.Int64
}

// NewKeyRing returns a KeyRing holding one fresh 2048-bit key named kid.
func NewKeyRing(t testing.TB, kid string) *KeyRing {
	t.Helper()
	r := &KeyRing{keys: make(map[string]*rsa.PrivateKey)}
	r.Rotate(t, kid)
	return r
}

// Rotate adds a new key named kid and makes it the signing key. Older keys
// stay published until [KeyRing.Retire] removes them.
func (r *KeyRing) Rotate(t testing.TB, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[kid]; !exists {
		r.order = append(r.order, kid)
	}
	r.keys[kid] = key
	r.current = kid
	return key
}

// Retire stops publishing kid.
func (r *KeyRing) Retire(kid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, kid)
	for i, k := range r.order {
		if k == kid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Private returns the private key named kid.
func (r *KeyRing) Private(kid string) *rsa.PrivateKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[kid]
}

// SetUnavailable makes the JWKS endpoint answer 503 while on is true.
func (r *KeyRing) SetUnavailable(on bool) {
	r.unavailable.Store(on)
}

// SetDelay makes every JWKS response wait d before being written.
func (r *KeyRing) SetDelay(d time.Duration) {
	r.delay.Store(int64(d))
}

// Fetches returns how many JWKS requests have been served or refused.
func (r *KeyRing) Fetches() int64 {
	return r.fetches.Load()
}

// Sign signs claims with the current key and sets its kid header.
func (r *KeyRing) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	r.mu.RLock()
	kid := r.current
	r.mu.RUnlock()
	return r.SignWith(t, kid, claims)
}

// SignWith signs claims with the key named kid. The kid header is omitted
// when kid is empty, in which case the current key signs.
func (r *KeyRing) SignWith(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()
	r.mu.RLock()
	key := r.keys[kid]
	if kid == "" {
		key = r.keys[r.current]
	}
	r.mu.RUnlock()
	require.NotNil(t, key, "unknown signing key %q", kid)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign token")
	return signed
}

// SessionToken returns a token for subject from issuer expiring at exp,
// signed with the current key.
func (r *KeyRing) SessionToken(t testing.TB, issuer, subject string, exp time.Time) string {
	t.Helper()
	return r.Sign(t, jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
		"iat": exp.Add(-time.Hour).Unix(),
		"exp": exp.Unix(),
	})
}

// JWKS returns the published key set document.
func (r *KeyRing) JWKS() []byte {
	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]jwk, 0, len(r.order))
	for _, kid := range r.order {
		pub := r.keys[kid].PublicKey
		keys = append(keys, jwk{
			Kty: "RSA",
			Kid: kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	doc, _ := json.Marshal(map[string]any{"keys": keys})
	return doc
}

// ServeHTTP serves the JWKS document.
func (r *KeyRing) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.fetches.Add(1)
	if d := time.Duration(r.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-req.Context().Done():
			return
		}
	}
	if r.unavailable.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(r.JWKS())
}

// NewIssuerServer serves ring at [JWKSPath] and returns the running server.
// The server's URL is the issuer value to put in tokens.
func NewIssuerServer(t testing.TB, ring *KeyRing) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET "+JWKSPath, ring)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TamperSignature returns token with one byte of its decoded signature
// flipped. The result is still well-formed.
func TamperSignature(t testing.TB, token string) string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3, "token must have three segments")
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err, "failed to decode signature")
	sig[len(sig)/2] ^= 0x01
	parts[2] = base64.RawURLEncoding.EncodeToString(sig)
	return strings.Join(parts, ".")
}
