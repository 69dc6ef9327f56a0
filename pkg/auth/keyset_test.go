package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-rolesync/internal/testutil"
	"github.com/StricklySoft/stricklysoft-rolesync/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryKeySetStore is an in-memory KeySetStore.
type memoryKeySetStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	at      map[string]time.Time
	loadErr error
	saves   atomic.Int64
}

func newMemoryKeySetStore() *memoryKeySetStore {
	return &memoryKeySetStore{docs: map[string][]byte{}, at: map[string]time.Time{}}
}

func (s *memoryKeySetStore) LoadKeySet(_ context.Context, issuer string) ([]byte, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, time.Time{}, s.loadErr
	}
	doc, ok := s.docs[issuer]
	if !ok {
		return nil, time.Time{}, ErrKeySetNotStored
	}
	return doc, s.at[issuer], nil
}

func (s *memoryKeySetStore) SaveKeySet(_ context.Context, issuer string, doc []byte, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[issuer] = doc
	s.at[issuer] = fetchedAt
	s.saves.Add(1)
	return nil
}

func TestKeySetCache_ServesFromCacheWithinTTL(t *testing.T) {
	t.Parallel()
	ring := testutil.NewKeyRing(t, fixtures.KeyID)
	srv := testutil.NewIssuerServer(t, ring)
	clock := newFakeClock()
	cache := NewKeySetCache(WithKeySetTTL(time.Minute), WithKeySetClock(clock.Now))
	ctx := context.Background()

	set, err := cache.Keys(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{fixtures.KeyID}, set.KeyIDs())

	clock.Advance(59 * time.Second)
	_, err = cache.Keys(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ring.Fetches())

	clock.Advance(time.Second)
	_, err = cache.Keys(ctx, srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ring.Fetches())
}

func TestKeySetCache_KeyRefetchesOnUnknownKid(t *testing.T) {
	t.Parallel()
	ring := testutil.NewKeyRing(t, fixtures.KeyID)
	srv := testutil.NewIssuerServer(t, ring)
	clock := newFakeClock()
	cache := NewKeySetCache(WithKeySetClock(clock.Now), WithMinRefreshInterval(10*time.Second))
	ctx := context.Background()

	_, err := cache.Key(ctx, srv.URL, fixtures.KeyID)
	require.NoError(t, err)

	ring.Rotate(t, fixtures.RotatedKeyID)
	key, err := cache.Key(ctx, srv.URL, fixtures.RotatedKeyID)
	require.NoError(t, err)
	assert.Zero(t, ring.Private(fixtures.RotatedKeyID).PublicKey.N.Cmp(key.N))
	assert.EqualValues(t, 2, ring.Fetches())

	// Within the refresh interval a second unknown kid fails without a fetch.
	_, err = cache.Key(ctx, srv.URL, "kid-3")
	testutil.RequireErrorCode(t, err, sserr.CodeInvalidToken)
	assert.EqualValues(t, 2, ring.Fetches())

	clock.Advance(10 * time.Second)
	ring.Rotate(t, "kid-3")
	_, err = cache.Key(ctx, srv.URL, "kid-3")
	require.NoError(t, err)
	assert.EqualValues(t, 3, ring.Fetches())
}

func TestKeySetCache_KeyAfterExpiryFetchesOnce(t *testing.T) {
	t.Parallel()
	ring := testutil.NewKeyRing(t, fixtures.KeyID)
	srv := testutil.NewIssuerServer(t, ring)
	clock := newFakeClock()
	cache := NewKeySetCache(WithKeySetTTL(time.Minute), WithKeySetClock(clock.Now))
	ctx := context.Background()

	_, err := cache.Key(ctx, srv.URL, fixtures.KeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ring.Fetches())

	// The TTL refetch already returned the issuer's current keys.
	clock.Advance(time.Minute)
	_, err = cache.Key(ctx, srv.URL, "kid-unknown")
	testutil.RequireErrorCode(t, err, sserr.CodeInvalidToken)
	assert.EqualValues(t, 2, ring.Fetches())

	// That did not use up the forced refetch for a cached set.
	ring.Rotate(t, fixtures.RotatedKeyID)
	_, err = cache.Key(ctx, srv.URL, fixtures.RotatedKeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, ring.Fetches())
}

func TestKeySetCache_CanceledCallerDoesNotFailWaiters(t *testing.T) {
	t.Parallel()
	ring := testutil.NewKeyRing(t, fixtures.KeyID)
	ring.SetDelay(300 * time.Millisecond)
	srv := testutil.NewIssuerServer(t, ring)
	cache := NewKeySetCache()

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Keys(first, srv.URL)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return ring.Fetches() == 1 }, time.Second, 5*time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := cache.Keys(context.Background(), srv.URL)
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	testutil.RequireErrorCode(t, <-firstErr, sserr.CodeKeySetFetch)
	require.NoError(t, <-secondErr)
	assert.EqualValues(t, 1, ring.Fetches())

	set, err := cache.Keys(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{fixtures.KeyID}, set.KeyIDs())
	assert.EqualValues(t, 1, ring.Fetches())
}

func TestKeySetCache_FetchErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    sserr.Code
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			code: sserr.CodeKeySetFetch,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
			code: sserr.CodeKeySetFetch,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				<-r.Context().Done()
			},
			code: sserr.CodeTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)
			cache := NewKeySetCache(WithFetchTimeout(100 * time.Millisecond))

			_, err := cache.Keys(context.Background(), srv.URL)
			testutil.RequireErrorCode(t, err, tt.code)
			assert.True(t, sserr.IsTransient(err))
		})
	}
}

func TestKeySetCache_UnreachableIssuer(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewKeySetCache().Keys(context.Background(), url)
	testutil.RequireErrorCode(t, err, sserr.CodeKeySetFetch)
}

func TestKeySetCache_SkipsUnusableKeys(t *testing.T) {
	t.Parallel()
	ring := testutil.NewKeyRing(t, fixtures.KeyID)
	good := ring.JWKS()
	doc := []byte(`{"keys":[
		{"kty":"EC","kid":"ec-1","crv":"P-256","x":"AA","y":"AA"},
		{"kty":"RSA","kid":"enc-1","use":"enc","n":"AQAB","e":"AQAB"},
		{"kty":"RSA","kid":"ps-1","alg":"PS256","n":"AQAB","e":"AQAB"},
		{"kty":"RSA","kid":"","n":"AQAB","e":"AQAB"},
		{"kty":"RSA","kid":"bad-n","n":"!!!","e":"AQAB"},
		{"kty":"RSA","kid":"small-e","n":"AQAB","e":"AQ"}
	]}`)

	set, err := parseKeySet("https://issuer.test", doc, time.Now())
	require.NoError(t, err)
	assert.Empty(t, set.KeyIDs())

	set, err = parseKeySet("https://issuer.test", good, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{fixtures.KeyID}, set.KeyIDs())
}

func TestKeySetCache_UsesSharedStore(t *testing.T) {
	t.Parallel()
	ring := testutil.NewKeyRing(t, fixtures.KeyID)
	srv := testutil.NewIssuerServer(t, ring)
	clock := newFakeClock()
	store := newMemoryKeySetStore()
	ctx := context.Background()

	first := NewKeySetCache(WithKeySetStore(store), WithKeySetClock(clock.Now))
	_, err := first.Keys(ctx, srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.saves.Load())

	// A second replica finds the document in the store.
	second := NewKeySetCache(WithKeySetStore(store), WithKeySetClock(clock.Now))
	_, err = second.Key(ctx, srv.URL, fixtures.KeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ring.Fetches())

	// A stale stored document is ignored.
	clock.Advance(DefaultKeySetTTL)
	third := NewKeySetCache(WithKeySetStore(store), WithKeySetClock(clock.Now))
	_, err = third.Keys(ctx, srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ring.Fetches())
}

func TestKeySetCache_ForcedRefreshBypassesStore(t *testing.T) {
	t.Parallel()
	ring := testutil.NewKeyRing(t, fixtures.KeyID)
	srv := testutil.NewIssuerServer(t, ring)
	store := newMemoryKeySetStore()
	ctx := context.Background()

	warm := NewKeySetCache(WithKeySetStore(store))
	_, err := warm.Keys(ctx, srv.URL)
	require.NoError(t, err)

	ring.Rotate(t, fixtures.RotatedKeyID)
	cold := NewKeySetCache(WithKeySetStore(store))
	_, err = cold.Key(ctx, srv.URL, fixtures.RotatedKeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ring.Fetches())
	assert.EqualValues(t, 2, store.saves.Load())
}

func TestKeySetCache_StoreFailureFallsBackToNetwork(t *testing.T) {
	t.Parallel()
	ring := testutil.NewKeyRing(t, fixtures.KeyID)
	srv := testutil.NewIssuerServer(t, ring)
	store := newMemoryKeySetStore()
	store.loadErr = errors.New("connection refused")

	cache := NewKeySetCache(WithKeySetStore(store))
	_, err := cache.Key(context.Background(), srv.URL, fixtures.KeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ring.Fetches())
}
