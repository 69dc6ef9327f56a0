// Package fakeprovider runs an in-process identity provider for tests. One
// httptest server acts as both the token issuer (publishing a JWKS document)
// and the backend users API, with hooks to inject failures and metadata
// propagation lag.
package fakeprovider

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/StricklySoft/stricklysoft-rolesync/internal/testutil"
	"github.com/StricklySoft/stricklysoft-rolesync/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

// APIPrefix is the path prefix of the users API.
const APIPrefix = "/v1"

// Write records one accepted metadata PATCH.
type Write struct {
	Subject string
	Field   string // "public_metadata" or "unsafe_metadata"
	Role    string
}

type user struct {
	public map[string]any
	unsafe map[string]any

	// stalePublic is served instead of public while staleReads > 0.
	stalePublic map[string]any
	staleReads  int
}

// Provider is the fake. Safe for concurrent use.
type Provider struct {
	Ring   *testutil.KeyRing
	Server *httptest.Server

	mu         sync.Mutex
	users      map[string]*user
	writes     []Write
	failStatus int
	failCount  int
	lag        int
	writeDelay time.Duration

	reads atomic.Int64
}

// New starts a Provider with one signing key. The server is closed when the
// test ends.
func New(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{
		Ring:  testutil.NewKeyRing(t, fixtures.KeyID),
		users: make(map[string]*user),
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+testutil.JWKSPath, p.Ring)
	mux.HandleFunc("GET "+APIPrefix+"/users/{id}", p.handleGetUser)
	mux.HandleFunc("PATCH "+APIPrefix+"/users/{id}/metadata", p.handlePatchMetadata)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer returns the issuer URL embedded in tokens.
func (p *Provider) Issuer() string { return p.Server.URL }

// APIURL returns the users API base URL.
func (p *Provider) APIURL() string { return p.Server.URL + APIPrefix }

// Token returns a session token for subject valid for one hour.
func (p *Provider) Token(t testing.TB, subject string) string {
	t.Helper()
	return p.Ring.SessionToken(t, p.Issuer(), subject, time.Now().Add(time.Hour))
}

// AddUser registers subject with the given provisional role (None for none).
func (p *Provider) AddUser(subject string, provisional role.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := &user{public: map[string]any{}, unsafe: map[string]any{}}
	if provisional != role.None {
		u.unsafe[role.MetadataKey] = string(provisional)
	}
	p.users[subject] = u
}

// SetRaw overwrites subject's metadata objects verbatim.
func (p *Provider) SetRaw(subject string, public, unsafe map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[subject] = &user{public: maps.Clone(public), unsafe: maps.Clone(unsafe)}
}

// Metadata returns subject's current (non-lagged) role metadata.
func (p *Provider) Metadata(subject string) role.Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[subject]
	if !ok {
		return role.Metadata{}
	}
	md, _ := role.FromProviderMetadata(u.public, u.unsafe)
	return md
}

// Writes returns the accepted writes in order.
func (p *Provider) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// Reads returns how many user reads were served.
func (p *Provider) Reads() int64 { return p.reads.Load() }

// FailWrites makes the next n metadata writes fail with status.
func (p *Provider) FailWrites(status, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failStatus, p.failCount = status, n
}

// SetPropagationLag makes the next reads user reads after each public
// metadata write return the previous value.
func (p *Provider) SetPropagationLag(reads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lag = reads
}

// SetWriteDelay delays every metadata write by d.
func (p *Provider) SetWriteDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeDelay = d
}

func authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+fixtures.SecretKey
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func providerError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]string{{"code": code, "message": code}},
	})
}

func (p *Provider) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		providerError(w, http.StatusUnauthorized, "authentication_invalid")
		return
	}
	p.reads.Add(1)
	id := r.PathValue("id")

	p.mu.Lock()
	u, ok := p.users[id]
	if !ok {
		p.mu.Unlock()
		providerError(w, http.StatusNotFound, "resource_not_found")
		return
	}
	public := u.public
	if u.staleReads > 0 {
		u.staleReads--
		public = u.stalePublic
	}
	body := map[string]any{
		"id":              id,
		"public_metadata": maps.Clone(public),
		"unsafe_metadata": maps.Clone(u.unsafe),
	}
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

func (p *Provider) handlePatchMetadata(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		providerError(w, http.StatusUnauthorized, "authentication_invalid")
		return
	}
	var patch struct {
		PublicMetadata map[string]any `json:"public_metadata"`
		UnsafeMetadata map[string]any `json:"unsafe_metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		providerError(w, http.StatusBadRequest, "form_param_invalid")
		return
	}

	p.mu.Lock()
	delay := p.writeDelay
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	id := r.PathValue("id")
	p.mu.Lock()
	if p.failCount > 0 {
		p.failCount--
		status := p.failStatus
		p.mu.Unlock()
		providerError(w, status, "injected_failure")
		return
	}
	u, ok := p.users[id]
	if !ok {
		p.mu.Unlock()
		providerError(w, http.StatusNotFound, "resource_not_found")
		return
	}
	if patch.PublicMetadata != nil {
		if p.lag > 0 {
			u.stalePublic = maps.Clone(u.public)
			u.staleReads = p.lag
		}
		u.public = merge(u.public, patch.PublicMetadata)
		p.writes = append(p.writes, Write{Subject: id, Field: "public_metadata", Role: roleValue(patch.PublicMetadata)})
	}
	if patch.UnsafeMetadata != nil {
		u.unsafe = merge(u.unsafe, patch.UnsafeMetadata)
		p.writes = append(p.writes, Write{Subject: id, Field: "unsafe_metadata", Role: roleValue(patch.UnsafeMetadata)})
	}
	body := map[string]any{
		"id":              id,
		"public_metadata": maps.Clone(u.public),
		"unsafe_metadata": maps.Clone(u.unsafe),
	}
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

// merge applies patch to dst with the provider's semantics: a null value
// removes the key.
func merge(dst, patch map[string]any) map[string]any {
	out := maps.Clone(dst)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func roleValue(m map[string]any) string {
	s, _ := m[role.MetadataKey].(string)
	return s
}
