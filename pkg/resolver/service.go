// Package resolver implements the role resolution boundary: it turns a
// session token and a requested role into a durable authoritative role
// for the token's verified subject.
//
// Each [Service.Resolve] call runs these gates in order and stops at the
// first failure:
//
//  1. The requested role must be in the closed role set.
//  2. The token must verify. Any verifier failure becomes a generic
//     Unauthorized error; the verifier's reason is only logged.
//  3. The role is written for the verified subject. A subject claimed by
//     the caller is never used.
//
// The service holds no per-subject state and performs no retries.
// Concurrent calls for one subject are safe; the last write to reach the
// provider wins.
package resolver

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/provider"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

const tracerName = "github.com/StricklySoft/stricklysoft-rolesync/pkg/resolver"

// DefaultMirrorTimeout bounds the best-effort mirror upsert.
const DefaultMirrorTimeout = 2 * time.Second

// Mirror is the optional relational copy of authoritative roles.
// [*mirror.Store] implements it.
type Mirror interface {
	UpsertRole(ctx context.Context, subject string, r role.Role) error
	GetRole(ctx context.Context, subject string) (role.Role, error)
}

// Request is one role resolution call.
type Request struct {
	// Token is the caller's bearer session token.
	Token string
	// Role is the requested role exactly as received.
	Role string
	// ClaimedSubject is a subject id the caller put in the request body.
	// It is compared against the verified subject for logging only.
	ClaimedSubject string
}

// Result is a successful resolution.
type Result struct {
	Subject string    `json:"subject_id"`
	Role    role.Role `json:"role"`
}

// Status is the role status of a verified subject.
type Status struct {
	Subject       string `json:"subject_id"`
	MirrorEnabled bool   `json:"mirror_enabled"`
	role.Report
}

// Service is the role resolution boundary. Safe for concurrent use.
type Service struct {
	verifier      auth.TokenVerifier
	writer        provider.RoleWriter
	reader        provider.UserReader
	mirror        Mirror
	mirrorTimeout time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
}

// Option configures a [Service].
type Option func(*Service)

// WithUserReader enables [Service.Status].
func WithUserReader(r provider.UserReader) Option {
	return func(s *Service) { s.reader = r }
}

// WithMirror upserts every successful write into m, bounded by timeout.
// A non-positive timeout selects [DefaultMirrorTimeout].
func WithMirror(m Mirror, timeout time.Duration) Option {
	return func(s *Service) {
		s.mirror = m
		if timeout > 0 {
			s.mirrorTimeout = timeout
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New returns a Service. A writer that is also a [provider.UserReader] is
// used for [Service.Status] unless [WithUserReader] overrides it.
func New(verifier auth.TokenVerifier, writer provider.RoleWriter, opts ...Option) *Service {
	s := &Service{
		verifier:      verifier,
		writer:        writer,
		mirrorTimeout: DefaultMirrorTimeout,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
	}
	if r, ok := writer.(provider.UserReader); ok {
		s.reader = r
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve validates req, verifies its token and writes the requested role
// for the verified subject.
//
// Errors:
//   - [sserr.CodeInvalidRole] when req.Role is not a known role
//   - [sserr.CodeUnauthorized] when the token does not verify
//   - the writer's error otherwise (Config, SubjectNotFound, Transient,
//     Timeout)
func (s *Service) Resolve(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "resolver.Resolve")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(sserr.GetCode(err)))
		}
		span.End()
	}()

	requested, err := role.Parse(req.Role)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("rolesync.role", requested.String()))

	claims, err := s.verifier.Verify(ctx, req.Token)
	if err != nil {
		s.logger.InfoContext(ctx, "resolver: token rejected", "error", err)
		return Result{}, sserr.Wrap(err, sserr.CodeUnauthorized, "invalid or expired session token")
	}
	subject := claims.Subject
	span.SetAttributes(attribute.String("rolesync.subject_id", subject))

	if req.ClaimedSubject != "" && req.ClaimedSubject != subject {
		s.logger.WarnContext(ctx, "resolver: ignoring mismatched client subject",
			"subject_id", subject,
			"claimed_subject_id", req.ClaimedSubject,
		)
	}

	if err := s.writer.WriteRole(ctx, subject, requested); err != nil {
		return Result{}, s.writeFailed(ctx, subject, requested, err)
	}
	s.logger.InfoContext(ctx, "resolver: role written",
		"subject_id", subject,
		"role", requested,
	)

	s.mirrorRole(ctx, subject, requested)
	return Result{Subject: subject, Role: requested}, nil
}

func (s *Service) writeFailed(ctx context.Context, subject string, r role.Role, err error) error {
	e, ok := sserr.AsError(err)
	if !ok {
		e = sserr.Wrap(err, sserr.CodeInternal, "role write failed")
	}
	level := slog.LevelWarn
	if sserr.IsConfig(e) || sserr.IsInternal(e) {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "resolver: role write failed",
		"subject_id", subject,
		"role", r,
		"code", e.Code,
		"error", err,
	)
	return e
}

// mirrorRole upserts the mirror without failing the request. It runs under
// its own deadline so a client disconnect does not abandon it halfway.
func (s *Service) mirrorRole(ctx context.Context, subject string, r role.Role) {
	if s.mirror == nil {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.mirrorTimeout)
	defer cancel()
	if err := s.mirror.UpsertRole(mctx, subject, r); err != nil {
		s.logger.WarnContext(ctx, "resolver: mirror upsert failed",
			"subject_id", subject,
			"role", r,
			"error", err,
		)
	}
}

// Status reports the role values stored for the token's subject and
// whether they agree.
func (s *Service) Status(ctx context.Context, token string) (Status, error) {
	ctx, span := s.tracer.Start(ctx, "resolver.Status")
	defer span.End()

	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return Status{}, sserr.Wrap(err, sserr.CodeUnauthorized, "invalid or expired session token")
	}
	if s.reader == nil {
		return Status{}, sserr.Config("role status requires a user reader")
	}

	user, err := s.reader.GetUser(ctx, claims.Subject)
	if err != nil {
		span.RecordError(err)
		if _, ok := sserr.AsError(err); !ok {
			err = sserr.Wrap(err, sserr.CodeInternal, "user lookup failed")
		}
		return Status{}, err
	}

	mirrored := role.None
	if s.mirror != nil {
		mirrored, err = s.mirror.GetRole(ctx, claims.Subject)
		if err != nil {
			s.logger.WarnContext(ctx, "resolver: mirror read failed",
				"subject_id", claims.Subject,
				"error", err,
			)
			mirrored = role.None
		}
	}

	return Status{
		Subject:       claims.Subject,
		MirrorEnabled: s.mirror != nil,
		Report:        role.Compare(user.Metadata, mirrored),
	}, nil
}

// Ready reports whether the service can accept writes. It fails when the
// writer reports itself unconfigured or the mirror's health check fails.
func (s *Service) Ready(ctx context.Context) error {
	if c, ok := s.writer.(interface{ Configured() bool }); ok && !c.Configured() {
		return sserr.Config("identity provider secret key is not configured")
	}
	if h, ok := s.mirror.(interface{ Health(context.Context) error }); ok {
		if err := h.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}
