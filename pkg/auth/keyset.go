package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"

const (
	// DefaultKeySetTTL is how long a fetched key set is served without
	// revalidation.
	DefaultKeySetTTL = time.Hour

	// DefaultMinRefreshInterval bounds forced refetches triggered by tokens
	// naming an unknown key. At most one forced refetch per issuer happens
	// within this interval.
	DefaultMinRefreshInterval = 30 * time.Second

	// DefaultFetchTimeout bounds a single key set HTTP request.
	DefaultFetchTimeout = 10 * time.Second

	// KeySetPath is appended to the issuer URL to locate its key set.
	KeySetPath = "/.well-known/jwks.json"

	maxKeySetSize = 1 << 20
)

// HTTPClient is the subset of [http.Client] used to fetch key sets.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeySet is an issuer's published RSA signing keys at a point in time.
// It is immutable.
type KeySet struct {
	Issuer    string
	FetchedAt time.Time
	keys      map[string]*rsa.PublicKey
	// stored is set when the document came from the shared store rather
	// than the issuer.
	stored bool
}

// Key returns the public key named kid.
func (s *KeySet) Key(kid string) (*rsa.PublicKey, bool) {
	key, ok := s.keys[kid]
	return key, ok
}

// KeyIDs returns the key ids in the set, sorted.
func (s *KeySet) KeyIDs() []string {
	ids := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		ids = append(ids, kid)
	}
	slices.Sort(ids)
	return ids
}

// ErrKeySetNotStored is returned by a [KeySetStore] that holds no document
// for the issuer.
var ErrKeySetNotStored = errors.New("auth: key set not stored")

// KeySetStore is a second-level cache for raw key set documents, shared
// across service replicas. Store failures never fail verification.
type KeySetStore interface {
	LoadKeySet(ctx context.Context, issuer string) (doc []byte, fetchedAt time.Time, err error)
	SaveKeySet(ctx context.Context, issuer string, doc []byte, fetchedAt time.Time) error
}

// KeySetCache fetches and caches key sets per issuer.
//
// A cached set is served until it is older than the TTL. A lookup for a key
// id missing from the cached set forces one refetch, rate limited per
// issuer. Concurrent refreshes of one issuer share a single HTTP request.
// KeySetCache is safe for concurrent use.
type KeySetCache struct {
	client       HTTPClient
	ttl          time.Duration
	minRefresh   time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	store        KeySetStore
	logger       *slog.Logger
	tracer       trace.Tracer

	mu       sync.RWMutex
	sets     map[string]*KeySet
	forcedAt map[string]time.Time
	group    singleflight.Group
}

// KeySetOption configures a [KeySetCache].
type KeySetOption func(*KeySetCache)

// WithHTTPClient sets the client used for key set requests.
func WithHTTPClient(client HTTPClient) KeySetOption {
	return func(c *KeySetCache) { c.client = client }
}

// WithKeySetTTL sets how long a key set is served before it is refetched.
func WithKeySetTTL(ttl time.Duration) KeySetOption {
	return func(c *KeySetCache) { c.ttl = ttl }
}

// WithMinRefreshInterval sets the per-issuer rate limit for forced
// refetches. Zero disables the limit.
func WithMinRefreshInterval(d time.Duration) KeySetOption {
	return func(c *KeySetCache) { c.minRefresh = d }
}

// WithFetchTimeout bounds each key set request.
func WithFetchTimeout(d time.Duration) KeySetOption {
	return func(c *KeySetCache) { c.fetchTimeout = d }
}

// WithKeySetStore adds a shared second-level store.
func WithKeySetStore(store KeySetStore) KeySetOption {
	return func(c *KeySetCache) { c.store = store }
}

// WithKeySetClock replaces time.Now for freshness decisions.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(c *KeySetCache) { c.now = now }
}

// WithKeySetLogger sets the logger. Defaults to slog.Default().
func WithKeySetLogger(logger *slog.Logger) KeySetOption {
	return func(c *KeySetCache) { c.logger = logger }
}

// NewKeySetCache returns an empty cache.
func NewKeySetCache(opts ...KeySetOption) *KeySetCache {
	c := &KeySetCache{
		client:       &http.Client{},
		ttl:          DefaultKeySetTTL,
		minRefresh:   DefaultMinRefreshInterval,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       slog.Default(),
		tracer:       otel.Tracer(tracerName),
		sets:         make(map[string]*KeySet),
		forcedAt:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keys returns the key set for issuer, fetching it when absent or stale.
func (c *KeySetCache) Keys(ctx context.Context, issuer string) (*KeySet, error) {
	issuer = normalizeIssuer(issuer)
	if set := c.fresh(issuer); set != nil {
		return set, nil
	}
	return c.load(ctx, issuer, false)
}

// Refresh refetches the key set for issuer from the network, bypassing
// both cache levels.
func (c *KeySetCache) Refresh(ctx context.Context, issuer string) (*KeySet, error) {
	return c.load(ctx, normalizeIssuer(issuer), true)
}

// Key returns the public key kid published by issuer. When the cached set
// does not contain kid, the set is refetched once before giving up.
func (c *KeySetCache) Key(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	issuer = normalizeIssuer(issuer)
	cached := c.fresh(issuer)
	set := cached
	if set == nil {
		var err error
		if set, err = c.load(ctx, issuer, false); err != nil {
			return nil, err
		}
	}
	if key, ok := set.Key(kid); ok {
		return key, nil
	}

	// A set this call just fetched from the issuer is as new as a forced
	// refetch would be.
	justFetched := cached == nil && !set.stored
	if !justFetched && c.allowForcedRefresh(issuer) {
		c.logger.DebugContext(ctx, "auth: unknown key id, refetching key set",
			"issuer", issuer,
			"kid", kid,
		)
		set, err := c.Refresh(ctx, issuer)
		if err != nil {
			return nil, err
		}
		if key, ok := set.Key(kid); ok {
			return key, nil
		}
	}
	return nil, sserr.InvalidToken("token signed with unknown key").
		WithDetail("issuer", issuer).
		WithDetail("kid", kid)
}

func (c *KeySetCache) fresh(issuer string) *KeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.sets[issuer]
	if !ok || c.now().Sub(set.FetchedAt) >= c.ttl {
		return nil
	}
	return set
}

func (c *KeySetCache) allowForcedRefresh(issuer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.forcedAt[issuer]; ok && now.Sub(last) < c.minRefresh {
		return false
	}
	c.forcedAt[issuer] = now
	return true
}

// load runs one shared load per issuer. The shared work runs detached
// from any single caller's cancellation, bounded by the fetch timeout, so
// a caller that gives up does not fail the callers waiting with it.
func (c *KeySetCache) load(ctx context.Context, issuer string, force bool) (*KeySet, error) {
	key := issuer
	if force {
		key = "force\x00" + issuer
	}
	ch := c.group.DoChan(key, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		if c.fetchTimeout > 0 {
			var cancel context.CancelFunc
			shared, cancel = context.WithTimeout(shared, c.fetchTimeout)
			defer cancel()
		}
		if !force {
			if set := c.fresh(issuer); set != nil {
				return set, nil
			}
			if set := c.loadStored(shared, issuer); set != nil {
				c.put(set)
				return set, nil
			}
		}
		set, doc, err := c.fetch(shared, issuer)
		if err != nil {
			return nil, err
		}
		c.put(set)
		c.saveStored(shared, set, doc)
		return set, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	case <-ctx.Done():
		code := sserr.CodeKeySetFetch
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = sserr.CodeTimeout
		}
		return nil, sserr.Wrap(ctx.Err(), code, "key set request abandoned").WithDetail("issuer", issuer)
	}
}

func (c *KeySetCache) put(set *KeySet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sets[set.Issuer]; ok && cur.FetchedAt.After(set.FetchedAt) {
		return
	}
	c.sets[set.Issuer] = set
}

func (c *KeySetCache) loadStored(ctx context.Context, issuer string) *KeySet {
	if c.store == nil {
		return nil
	}
	doc, fetchedAt, err := c.store.LoadKeySet(ctx, issuer)
	if err != nil {
		if !errors.Is(err, ErrKeySetNotStored) {
			c.logger.WarnContext(ctx, "auth: key set store read failed",
				"issuer", issuer,
				"error", err,
			)
		}
		return nil
	}
	if c.now().Sub(fetchedAt) >= c.ttl {
		return nil
	}
	set, err := parseKeySet(issuer, doc, fetchedAt)
	if err != nil {
		c.logger.WarnContext(ctx, "auth: stored key set is unreadable",
			"issuer", issuer,
			"error", err,
		)
		return nil
	}
	set.stored = true
	return set
}

func (c *KeySetCache) saveStored(ctx context.Context, set *KeySet, doc []byte) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveKeySet(ctx, set.Issuer, doc, set.FetchedAt); err != nil {
		c.logger.WarnContext(ctx, "auth: key set store write failed",
			"issuer", set.Issuer,
			"error", err,
		)
	}
}

func (c *KeySetCache) fetch(ctx context.Context, issuer string) (*KeySet, []byte, error) {
	ctx, span := c.tracer.Start(ctx, "auth.FetchKeySet",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("auth.issuer", issuer)),
	)
	defer span.End()

	set, doc, err := c.doFetch(ctx, issuer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("auth.key_count", len(set.keys)))
	return set, doc, nil
}

func (c *KeySetCache) doFetch(ctx context.Context, issuer string) (*KeySet, []byte, error) {
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	fetchErr := func(err error, msg string) *sserr.Error {
		code := sserr.CodeKeySetFetch
		if errors.Is(err, context.DeadlineExceeded) {
			code = sserr.CodeTimeout
		}
		return sserr.Wrap(err, code, msg).WithDetail("issuer", issuer)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+KeySetPath, nil)
	if err != nil {
		return nil, nil, fetchErr(err, "invalid key set url")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fetchErr(err, "key set request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, sserr.Newf(sserr.CodeKeySetFetch, "key set endpoint returned status %d", resp.StatusCode).
			WithDetail("issuer", issuer)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return nil, nil, fetchErr(err, "failed to read key set")
	}
	set, err := parseKeySet(issuer, doc, c.now())
	if err != nil {
		return nil, nil, fetchErr(err, "failed to parse key set")
	}
	return set, doc, nil
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// parseKeySet decodes a JWKS document. Keys that are not RSA signing keys
// or are malformed are skipped.
func parseKeySet(issuer string, doc []byte, fetchedAt time.Time) (*KeySet, error) {
	var parsed jwksDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	set := &KeySet{
		Issuer:    issuer,
		FetchedAt: fetchedAt,
		keys:      make(map[string]*rsa.PublicKey, len(parsed.Keys)),
	}
	for _, k := range parsed.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if k.Alg != "" && k.Alg != "RS256" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		set.keys[k.Kid] = pub
	}
	return set, nil
}

func parseRSAPublicKey(nEnc, eEnc string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEnc)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEnc)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, errors.New("rsa key parameters out of range")
	}
	e := new(big.Int).SetBytes(eBytes).Int64()
	if e < 3 {
		return nil, errors.New("rsa exponent too small")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e)}, nil
}

func normalizeIssuer(issuer string) string {
	return strings.TrimSuffix(strings.TrimSpace(issuer), "/")
}
