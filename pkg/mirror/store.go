// Package mirror keeps an application-side copy of each user's
// authoritative role in PostgreSQL.
//
// The mirror is written best-effort after the identity provider accepts a
// role write and is read by the role status endpoint to detect drift. It is
// never consulted for authorization; the provider's public metadata is the
// source of truth.
//
// # Schema
//
// [Store.EnsureSchema] creates one table:
//
//	CREATE TABLE user_roles (
//	    subject_id TEXT PRIMARY KEY,
//	    role       TEXT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	)
//
// Writes are upserts keyed by subject_id, so replays converge.
//
// # Testing
//
// Use [NewFromPool] with pgxmock:
//
//	mock, _ := pgxmock.NewPool()
//	store := mirror.NewFromPool(mock, "testdb")
package mirror

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

const tracerName = "github.com/StricklySoft/stricklysoft-rolesync/pkg/mirror"

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS user_roles (
	subject_id TEXT PRIMARY KEY,
	role       TEXT NOT NULL CHECK (role IN ('student', 'investor')),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	upsertSQL = `INSERT INTO user_roles (subject_id, role, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (subject_id) DO UPDATE SET role = EXCLUDED.role, updated_at = EXCLUDED.updated_at`

	selectSQL = `SELECT role FROM user_roles WHERE subject_id = $1`
)

// Pool is the subset of [*pgxpool.Pool] used by [Store]. pgxmock pools
// satisfy it too.
type Pool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Store reads and writes mirrored roles. Safe for concurrent use.
type Store struct {
	pool     Pool
	database string
	tracer   trace.Tracer
}

// Open validates cfg, connects a pool and pings the database.
//
// Errors:
//   - [sserr.CodeConfiguration] for invalid configuration
//   - [sserr.CodeUpstream] when the database cannot be reached
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfiguration, "mirror: invalid configuration")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		// The parse error can echo the connection string; drop it.
		return nil, sserr.Config("mirror: failed to parse connection string")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUpstream, "mirror: failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, sserr.Wrap(err, sserr.CodeUpstream, "mirror: failed to connect to database")
	}
	return NewFromPool(pool, cfg.databaseName()), nil
}

// NewFromPool wraps an existing pool. database is used for span attributes.
func NewFromPool(pool Pool, database string) *Store {
	return &Store{
		pool:     pool,
		database: database,
		tracer:   otel.Tracer(tracerName),
	}
}

// EnsureSchema creates the user_roles table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "EnsureSchema", schemaSQL)
	_, err := s.pool.Exec(ctx, schemaSQL)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "mirror: failed to create schema")
	}
	return nil
}

// UpsertRole records r as subject's role, replacing any previous value.
func (s *Store) UpsertRole(ctx context.Context, subject string, r role.Role) error {
	if !r.Valid() {
		return sserr.InvalidRole(r.String())
	}
	if subject == "" {
		return sserr.New(sserr.CodeValidationRequired, "mirror: subject id is required")
	}
	ctx, span := s.startSpan(ctx, "UpsertRole", upsertSQL)
	span.SetAttributes(attribute.String("rolesync.role", r.String()))

	_, err := s.pool.Exec(ctx, upsertSQL, subject, string(r))
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "mirror: failed to upsert role")
	}
	return nil
}

// GetRole returns subject's mirrored role, or [role.None] when no row
// exists.
func (s *Store) GetRole(ctx context.Context, subject string) (role.Role, error) {
	ctx, span := s.startSpan(ctx, "GetRole", selectSQL)

	var raw string
	err := s.pool.QueryRow(ctx, selectSQL, subject).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		finishSpan(span, nil)
		return role.None, nil
	}
	finishSpan(span, err)
	if err != nil {
		return role.None, wrapError(err, "mirror: failed to read role")
	}

	r, err := role.Parse(raw)
	if err != nil {
		return role.None, sserr.Wrap(err, sserr.CodeInternalDatabase, "mirror: stored role is invalid")
	}
	return r, nil
}

// Health pings the database, applying [DefaultHealthTimeout] when ctx has
// no deadline.
func (s *Store) Health(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Health", "SELECT 1")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	err := s.pool.Ping(ctx)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUpstream, "mirror: health check failed")
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) startSpan(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "mirror."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.name", s.database),
			attribute.String("db.statement", sql),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError separates deadline failures, which callers may retry, from
// other database errors.
func wrapError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.Wrap(err, sserr.CodeTimeout, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
