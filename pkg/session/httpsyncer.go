package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

// DefaultSyncTimeout bounds one sync-role call.
const DefaultSyncTimeout = 15 * time.Second

const maxSyncResponse = 64 << 10

// HTTPDoer is the subset of *http.Client used by [HTTPSyncer].
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSyncer calls the role sync service's sync-role endpoint.
type HTTPSyncer struct {
	endpoint string
	client   HTTPDoer
	timeout  time.Duration
}

// HTTPSyncerOption configures an [HTTPSyncer].
type HTTPSyncerOption func(*HTTPSyncer)

// WithSyncHTTPClient sets the HTTP client. Defaults to http.DefaultClient.
func WithSyncHTTPClient(c HTTPDoer) HTTPSyncerOption {
	return func(s *HTTPSyncer) { s.client = c }
}

// WithSyncTimeout sets the per-call timeout.
func WithSyncTimeout(d time.Duration) HTTPSyncerOption {
	return func(s *HTTPSyncer) { s.timeout = d }
}

// NewHTTPSyncer returns a syncer that POSTs to endpoint, the full URL of
// the sync-role route.
func NewHTTPSyncer(endpoint string, opts ...HTTPSyncerOption) *HTTPSyncer {
	s := &HTTPSyncer{
		endpoint: endpoint,
		client:   http.DefaultClient,
		timeout:  DefaultSyncTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type syncResponse struct {
	Success bool      `json:"success"`
	Role    role.Role `json:"role"`
	Error   *struct {
		Code    sserr.Code `json:"code"`
		Message string     `json:"message"`
	} `json:"error"`
}

// SyncRole asks the service to record r for the subject of token. Failed
// responses are returned as *errors.Error carrying the service's code.
func (s *HTTPSyncer) SyncRole(ctx context.Context, token string, r role.Role) (role.Role, error) {
	payload, err := json.Marshal(map[string]role.Role{"role": r})
	if err != nil {
		return role.None, sserr.Wrap(err, sserr.CodeInternal, "failed to encode sync request")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return role.None, sserr.Wrap(err, sserr.CodeConfiguration, "invalid sync endpoint")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id := AttemptIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return role.None, sserr.Wrap(err, sserr.CodeTimeout, "role sync timed out")
		}
		return role.None, sserr.Wrap(err, sserr.CodeTransient, "role sync service is unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSyncResponse))
	if err != nil {
		return role.None, sserr.Wrap(err, sserr.CodeTransient, "failed to read role sync response")
	}

	var out syncResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return role.None, sserr.Newf(sserr.CodeUpstream, "role sync service returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}
	if resp.StatusCode >= 300 || !out.Success {
		if out.Error != nil && out.Error.Code != "" {
			return role.None, sserr.New(out.Error.Code, out.Error.Message).WithDetail("status", resp.StatusCode)
		}
		return role.None, sserr.New(sserr.CodeUpstream, fmt.Sprintf("role sync failed with status %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	}
	return out.Role, nil
}
