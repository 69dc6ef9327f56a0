package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-rolesync/internal/testutil"
	"github.com/StricklySoft/stricklysoft-rolesync/internal/testutil/fakeprovider"
	"github.com/StricklySoft/stricklysoft-rolesync/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

func newTestClient(p *fakeprovider.Provider) *Client {
	return NewClient(Config{
		BaseURL:   p.APIURL(),
		SecretKey: auth.Secret(fixtures.SecretKey),
	})
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{})
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultTimeout, c.timeout)
	assert.False(t, c.Configured())

	c = NewClient(Config{BaseURL: "https://api.test/v1/", SecretKey: "sk"})
	assert.Equal(t, "https://api.test/v1", c.baseURL)
	assert.True(t, c.Configured())
}

func TestWriteRole_SetsAuthoritativeRole(t *testing.T) {
	t.Parallel()
	p := fakeprovider.New(t)
	p.AddUser(fixtures.Subject, role.Investor)
	c := newTestClient(p)

	err := c.WriteRole(context.Background(), fixtures.Subject, role.Investor)
	require.NoError(t, err)

	assert.Equal(t, role.Metadata{Provisional: role.Investor, Authoritative: role.Investor},
		p.Metadata(fixtures.Subject))
	assert.Equal(t, []fakeprovider.Write{
		{Subject: fixtures.Subject, Field: "public_metadata", Role: "investor"},
	}, p.Writes())
}

func TestWriteRole_Idempotent(t *testing.T) {
	t.Parallel()
	p := fakeprovider.New(t)
	p.AddUser(fixtures.Subject, role.None)
	c := newTestClient(p)
	ctx := context.Background()

	require.NoError(t, c.WriteRole(ctx, fixtures.Subject, role.Student))
	require.NoError(t, c.WriteRole(ctx, fixtures.Subject, role.Student))
	assert.Equal(t, role.Student, p.Metadata(fixtures.Subject).Authoritative)
}

func TestWriteRole_PreservesOtherMetadata(t *testing.T) {
	t.Parallel()
	p := fakeprovider.New(t)
	p.SetRaw(fixtures.Subject, map[string]any{"plan": "pro"}, map[string]any{"role": "student"})
	c := newTestClient(p)

	require.NoError(t, c.WriteRole(context.Background(), fixtures.Subject, role.Student))

	u, err := c.GetUser(context.Background(), fixtures.Subject)
	require.NoError(t, err)
	assert.Equal(t, role.Student, u.Metadata.Authoritative)
}

func TestWriteRole_RejectsBeforeNetwork(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name    string
		secret  string
		subject string
		role    role.Role
		code    sserr.Code
	}{
		{name: "invalid role", secret: fixtures.SecretKey, subject: fixtures.Subject, role: "admin", code: sserr.CodeInvalidRole},
		{name: "empty role", secret: fixtures.SecretKey, subject: fixtures.Subject, role: role.None, code: sserr.CodeInvalidRole},
		{name: "invalid role wins over missing secret", secret: "", subject: fixtures.Subject, role: "admin", code: sserr.CodeInvalidRole},
		{name: "missing subject", secret: fixtures.SecretKey, subject: "", role: role.Student, code: sserr.CodeValidationRequired},
		{name: "missing secret", secret: "", subject: fixtures.Subject, role: role.Student, code: sserr.CodeConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(Config{BaseURL: srv.URL, SecretKey: auth.Secret(tt.secret)})
			err := c.WriteRole(context.Background(), tt.subject, tt.role)
			testutil.RequireErrorCode(t, err, tt.code)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestWriteRole_StatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		code   sserr.Code
	}{
		{http.StatusUnauthorized, sserr.CodeConfiguration},
		{http.StatusForbidden, sserr.CodeConfiguration},
		{http.StatusNotFound, sserr.CodeSubjectNotFound},
		{http.StatusUnprocessableEntity, sserr.CodeSubjectNotFound},
		{http.StatusRequestTimeout, sserr.CodeTransient},
		{http.StatusTooManyRequests, sserr.CodeTransient},
		{http.StatusInternalServerError, sserr.CodeTransient},
		{http.StatusServiceUnavailable, sserr.CodeTransient},
		{http.StatusBadRequest, sserr.CodeUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			p := fakeprovider.New(t)
			p.AddUser(fixtures.Subject, role.Student)
			p.FailWrites(tt.status, 1)
			c := newTestClient(p)

			err := c.WriteRole(context.Background(), fixtures.Subject, role.Student)
			testutil.RequireErrorCode(t, err, tt.code)
			e, _ := sserr.AsError(err)
			assert.Equal(t, tt.status, e.Details["status"])
			assert.Empty(t, p.Writes())
		})
	}
}

func TestWriteRole_ErrorDoesNotExposeBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "stack trace at db.go:42")
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, SecretKey: fixtures.SecretKey})

	err := c.WriteRole(context.Background(), fixtures.Subject, role.Student)
	e, ok := sserr.AsError(err)
	require.True(t, ok)
	assert.NotContains(t, e.Message, "stack trace")
	testutil.AssertJSONNotContains(t, e, "stack trace")
}

func TestWriteRole_WrongSecret(t *testing.T) {
	t.Parallel()
	p := fakeprovider.New(t)
	p.AddUser(fixtures.Subject, role.Student)
	c := NewClient(Config{BaseURL: p.APIURL(), SecretKey: fixtures.WrongSecretKey})

	err := c.WriteRole(context.Background(), fixtures.Subject, role.Student)
	testutil.RequireErrorCode(t, err, sserr.CodeConfiguration)
	assert.False(t, sserr.IsRetryable(err))
}

func TestWriteRole_UnknownSubject(t *testing.T) {
	t.Parallel()
	p := fakeprovider.New(t)
	c := newTestClient(p)

	err := c.WriteRole(context.Background(), "user_missing", role.Student)
	testutil.RequireErrorCode(t, err, sserr.CodeSubjectNotFound)
	assert.True(t, sserr.IsNotFound(err))
}

func TestWriteRole_Timeout(t *testing.T) {
	t.Parallel()
	p := fakeprovider.New(t)
	p.AddUser(fixtures.Subject, role.Student)
	p.SetWriteDelay(time.Second)
	c := NewClient(Config{BaseURL: p.APIURL(), SecretKey: fixtures.SecretKey, Timeout: 50 * time.Millisecond})

	err := c.WriteRole(context.Background(), fixtures.Subject, role.Student)
	testutil.RequireErrorCode(t, err, sserr.CodeTimeout)
	assert.True(t, sserr.IsTransient(err))
}

func TestWriteRole_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClient(Config{BaseURL: url, SecretKey: fixtures.SecretKey})

	err := c.WriteRole(context.Background(), fixtures.Subject, role.Student)
	testutil.RequireErrorCode(t, err, sserr.CodeTransient)
}

func TestWriteRole_EscapesSubject(t *testing.T) {
	t.Parallel()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "Bearer "+fixtures.SecretKey, r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"public_metadata":{"role":"student"}}`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, SecretKey: fixtures.SecretKey})

	require.NoError(t, c.WriteRole(context.Background(), "user/../x", role.Student))
	assert.Equal(t, "/users/user%2F..%2Fx/metadata", gotPath)
}

func TestWriteProvisionalRole(t *testing.T) {
	t.Parallel()
	p := fakeprovider.New(t)
	p.AddUser(fixtures.Subject, role.None)
	c := newTestClient(p)

	require.NoError(t, c.WriteProvisionalRole(context.Background(), fixtures.Subject, role.Student))
	md := p.Metadata(fixtures.Subject)
	assert.Equal(t, role.Student, md.Provisional)
	assert.Equal(t, role.None, md.Authoritative)
}

func TestGetUser(t *testing.T) {
	t.Parallel()
	p := fakeprovider.New(t)
	p.SetRaw(fixtures.Subject,
		map[string]any{"role": "investor"},
		map[string]any{"role": "student"},
	)
	p.SetRaw(fixtures.AltSubject,
		map[string]any{"role": "admin"},
		map[string]any{"role": 7},
	)
	c := newTestClient(p)
	ctx := context.Background()

	u, err := c.GetUser(ctx, fixtures.Subject)
	require.NoError(t, err)
	assert.Equal(t, fixtures.Subject, u.ID)
	assert.Equal(t, role.Metadata{Provisional: role.Student, Authoritative: role.Investor}, u.Metadata)

	u, err = c.GetUser(ctx, fixtures.AltSubject)
	require.NoError(t, err)
	assert.Equal(t, role.Metadata{}, u.Metadata)

	_, err = c.GetUser(ctx, "user_missing")
	testutil.RequireErrorCode(t, err, sserr.CodeSubjectNotFound)
}

func TestGetUser_UnreadableBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("<", 10))
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, SecretKey: fixtures.SecretKey})

	_, err := c.GetUser(context.Background(), fixtures.Subject)
	testutil.RequireErrorCode(t, err, sserr.CodeUpstream)
}
