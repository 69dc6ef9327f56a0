// Package provider talks to the identity provider's backend API: it writes
// the authoritative role into a user's public metadata and reads back both
// role fields.
//
// The API is Clerk-shaped. Reads are GET {base}/users/{id}; writes are
// PATCH {base}/users/{id}/metadata, which deep-merges the given metadata
// objects so only the role field changes. Every call authenticates with
// the backend secret key as a bearer token.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

const tracerName = "github.com/StricklySoft/stricklysoft-rolesync/pkg/provider"

const (
	// DefaultBaseURL is the provider's production backend API.
	DefaultBaseURL = "https://api.clerk.com/v1"

	// DefaultTimeout bounds a single provider call.
	DefaultTimeout = 10 * time.Second

	maxResponseSize = 1 << 20
	maxErrorSnippet = 512
)

// Config configures a [Client].
type Config struct {
	BaseURL   string        `json:"base_url" yaml:"base_url" env:"BASE_URL" envDefault:"https://api.clerk.com/v1"`
	SecretKey auth.Secret   `json:"-" yaml:"secret_key" env:"SECRET_KEY"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"10s"`
}

// RoleWriter records the authoritative role for a verified subject.
type RoleWriter interface {
	WriteRole(ctx context.Context, subject string, r role.Role) error
}

// UserReader reads a user's role metadata.
type UserReader interface {
	GetUser(ctx context.Context, subject string) (User, error)
}

// User is the role-relevant view of a provider user.
type User struct {
	ID       string
	Metadata role.Metadata
}

// HTTPClient is the subset of [http.Client] used by [Client].
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the backend API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	secret  auth.Secret
	timeout time.Duration
	http    HTTPClient
	logger  *slog.Logger
	tracer  trace.Tracer
}

var (
	_ RoleWriter = (*Client)(nil)
	_ UserReader = (*Client)(nil)
)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient returns a Client. A missing secret key is not an error here;
// calls fail with [sserr.CodeConfiguration] so the deployment problem is
// reported on every attempt.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		secret:  cfg.SecretKey,
		timeout: cfg.Timeout,
		http:    &http.Client{},
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether a secret key is present.
func (c *Client) Configured() bool {
	return c.secret.Value() != ""
}

// WriteRole sets the authoritative role of subject. It is an upsert of that
// single field; other metadata is preserved.
//
// Errors:
//   - [sserr.CodeInvalidRole] when r is outside the role set
//   - [sserr.CodeConfiguration] when the secret is missing or rejected
//   - [sserr.CodeSubjectNotFound] when the provider does not know subject
//   - [sserr.CodeTransient] or [sserr.CodeTimeout] for retryable failures
//
// Role and configuration checks happen before any network call.
func (c *Client) WriteRole(ctx context.Context, subject string, r role.Role) (err error) {
	ctx, span := c.startSpan(ctx, "provider.WriteRole", subject)
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("rolesync.role", r.String()))

	if !r.Valid() {
		return sserr.InvalidRole(r.String())
	}
	return c.patchMetadata(ctx, subject, metadataPatch{
		PublicMetadata: map[string]any{role.MetadataKey: r},
	})
}

// WriteProvisionalRole sets the client-side provisional role of subject.
// Used by operator tooling that acts on behalf of a signed-in user.
func (c *Client) WriteProvisionalRole(ctx context.Context, subject string, r role.Role) (err error) {
	ctx, span := c.startSpan(ctx, "provider.WriteProvisionalRole", subject)
	defer func() { finishSpan(span, err) }()

	if !r.Valid() {
		return sserr.InvalidRole(r.String())
	}
	return c.patchMetadata(ctx, subject, metadataPatch{
		UnsafeMetadata: map[string]any{role.MetadataKey: r},
	})
}

// GetUser reads subject's role metadata. Role values outside the role set
// are dropped and logged.
func (c *Client) GetUser(ctx context.Context, subject string) (u User, err error) {
	ctx, span := c.startSpan(ctx, "provider.GetUser", subject)
	defer func() { finishSpan(span, err) }()

	if err := c.precheck(subject); err != nil {
		return User{}, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, userPath(subject), nil)
	if err != nil {
		return User{}, err
	}
	body, err := c.do(req)
	if err != nil {
		return User{}, err
	}

	var payload struct {
		ID             string         `json:"id"`
		PublicMetadata map[string]any `json:"public_metadata"`
		UnsafeMetadata map[string]any `json:"unsafe_metadata"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return User{}, sserr.Wrap(err, sserr.CodeUpstream, "identity provider returned an unreadable user")
	}
	md, mdErr := role.FromProviderMetadata(payload.PublicMetadata, payload.UnsafeMetadata)
	if mdErr != nil {
		c.logger.WarnContext(ctx, "provider: ignoring invalid role metadata",
			"subject_id", subject,
			"error", mdErr,
		)
	}
	id := payload.ID
	if id == "" {
		id = subject
	}
	return User{ID: id, Metadata: md}, nil
}

type metadataPatch struct {
	PublicMetadata map[string]any `json:"public_metadata,omitempty"`
	UnsafeMetadata map[string]any `json:"unsafe_metadata,omitempty"`
}

func (c *Client) patchMetadata(ctx context.Context, subject string, patch metadataPatch) error {
	if err := c.precheck(subject); err != nil {
		return err
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "failed to encode metadata")
	}
	req, err := c.newRequest(ctx, http.MethodPatch, userPath(subject)+"/metadata", payload)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

func (c *Client) precheck(subject string) error {
	if subject == "" {
		return sserr.New(sserr.CodeValidationRequired, "subject id is required")
	}
	if !c.Configured() {
		return sserr.Config("identity provider secret key is not configured")
	}
	return nil
}

func userPath(subject string) string {
	return "/users/" + url.PathEscape(subject)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfiguration, "invalid identity provider url")
	}
	req.Header.Set("Authorization", "Bearer "+c.secret.Value())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do performs req under the client timeout and classifies the outcome.
func (c *Client) do(req *http.Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	defer cancel()

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, sserr.Wrap(err, sserr.CodeTimeout, "identity provider timed out")
		}
		return nil, sserr.Wrap(err, sserr.CodeTransient, "identity provider unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeTransient, "failed to read identity provider response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, body)
}

// classifyStatus maps a non-2xx provider response onto the error taxonomy.
// The response body is kept in the cause for logs only.
func classifyStatus(status int, body []byte) *sserr.Error {
	snippet := string(body)
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet]
	}
	cause := fmt.Errorf("provider status %d: %s", status, snippet)

	var e *sserr.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = sserr.Wrap(cause, sserr.CodeConfiguration, "identity provider rejected the secret key")
	case status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		e = sserr.Wrap(cause, sserr.CodeSubjectNotFound, "identity provider does not know the subject")
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		e = sserr.Wrap(cause, sserr.CodeTransient, "identity provider is unavailable")
	default:
		e = sserr.Wrap(cause, sserr.CodeUpstream, "identity provider returned an unexpected response")
	}
	return e.WithDetail("status", status)
}

func (c *Client) startSpan(ctx context.Context, name, subject string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rolesync.subject_id", subject)),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
