package session

import (
	"context"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/provider"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

// ProviderAPI is the identity provider surface a [ProviderSource] needs.
// *provider.Client implements it.
type ProviderAPI interface {
	provider.UserReader
	WriteProvisionalRole(ctx context.Context, subject string, r role.Role) error
}

// ProviderSource is a [SessionSource] that keeps the signed-in session in
// memory and loads role metadata from the identity provider. Every
// SignIn and SignOut starts a new authentication event.
//
// It stands in for the provider's browser SDK in tools and tests.
type ProviderSource struct {
	api ProviderAPI

	mu     sync.Mutex
	snap   Snapshot
	loaded bool
}

// NewProviderSource returns a signed-out source.
func NewProviderSource(api ProviderAPI) *ProviderSource {
	return &ProviderSource{api: api}
}

// SignIn starts a session for the subject of token and returns the new
// event id. The token is not verified here; the role sync service does
// that.
func (s *ProviderSource) SignIn(token string) (string, error) {
	subject, err := SubjectFromToken(token)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{
		Active:  true,
		EventID: uuid.NewString(),
		Subject: subject,
		Token:   token,
	}
	s.loaded = false
	return s.snap.EventID, nil
}

// SignOut ends the session.
func (s *ProviderSource) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{EventID: uuid.NewString()}
	s.loaded = true
}

// Current returns the session, loading metadata once per event.
func (s *ProviderSource) Current(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	snap, loaded := s.snap, s.loaded
	s.mu.Unlock()
	if loaded || !snap.Active {
		return snap, nil
	}
	return s.reload(ctx, snap)
}

// Refresh reloads metadata from the provider.
func (s *ProviderSource) Refresh(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	if !snap.Active {
		return snap, nil
	}
	return s.reload(ctx, snap)
}

// SetProvisional writes r into the user's provisional metadata.
func (s *ProviderSource) SetProvisional(ctx context.Context, r role.Role) error {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	if !snap.Active {
		return sserr.Unauthorized("no active session")
	}
	if err := s.api.WriteProvisionalRole(ctx, snap.Subject, r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.EventID == snap.EventID {
		s.snap.Metadata.Provisional = r
	}
	return nil
}

func (s *ProviderSource) reload(ctx context.Context, snap Snapshot) (Snapshot, error) {
	u, err := s.api.GetUser(ctx, snap.Subject)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The session may have changed while the read was in flight.
	if s.snap.EventID != snap.EventID {
		return s.snap, nil
	}
	s.snap.Metadata = u.Metadata
	s.loaded = true
	return s.snap, nil
}

// SubjectFromToken returns the sub claim of an unverified session token.
func SubjectFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", sserr.Wrap(err, sserr.CodeInvalidToken, "session token is malformed")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", sserr.InvalidToken("session token has no subject")
	}
	return sub, nil
}
