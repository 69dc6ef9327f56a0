package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

const tracerName = "github.com/StricklySoft/stricklysoft-rolesync/pkg/session"

// Defaults for the post-write re-check loop.
const (
	DefaultRecheckAttempts = 5
	DefaultRecheckDelay    = 500 * time.Millisecond
)

// Snapshot is the client's view of its session at one point in time.
type Snapshot struct {
	// Active is false when nobody is signed in.
	Active bool
	// EventID identifies the authentication event. It changes on every
	// sign-in, sign-out and account switch.
	EventID string
	Subject string
	Token   string
	// Metadata is the role record as last loaded from the provider.
	Metadata role.Metadata
}

// SessionSource exposes the signed-in session. Current may serve cached
// metadata; Refresh must reload it from the provider.
type SessionSource interface {
	Current(ctx context.Context) (Snapshot, error)
	Refresh(ctx context.Context) (Snapshot, error)
}

// ProvisionalWriter records a role the user picked. Required by
// [Machine.SelectRole].
type ProvisionalWriter interface {
	SetProvisional(ctx context.Context, r role.Role) error
}

// RoleSyncer calls the role sync service. It returns the role the service
// confirmed it wrote.
type RoleSyncer interface {
	SyncRole(ctx context.Context, token string, r role.Role) (role.Role, error)
}

// Source says where a resolved role came from.
type Source string

// Role sources, most to least trustworthy.
const (
	SourceNone          Source = ""
	SourceAuthoritative Source = "authoritative"
	SourceService       Source = "service"
	SourceProvisional   Source = "provisional"
)

// Outcome is a settled resolution.
type Outcome struct {
	State   State     `json:"state"`
	Role    role.Role `json:"role,omitempty"`
	Source  Source    `json:"source,omitempty"`
	Route   string    `json:"route"`
	EventID string    `json:"event_id,omitempty"`
	// Err is the sync failure behind a provisional fallback.
	Err error `json:"-"`
}

// Durable reports whether the role is known to be stored authoritatively.
// A provisional fallback is not durable and is retried on the next
// authentication event.
func (o Outcome) Durable() bool {
	return o.State == StateResolved && (o.Source == SourceAuthoritative || o.Source == SourceService)
}

// Machine is the client role resolution state machine.
type Machine struct {
	source SessionSource
	syncer RoleSyncer
	routes Routes

	recheckAttempts int
	recheckDelay    time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
	onTransition    func(from, to State)
	logger          *slog.Logger
	tracer          trace.Tracer

	// run serializes Resolve and SelectRole.
	run sync.Mutex

	mu      sync.RWMutex
	state   State
	outcome Outcome

	// attemptEvent is the authentication event that already used its one
	// sync call; attemptID names that call.
	attemptEvent string
	attemptID    string
}

// Option configures a [Machine].
type Option func(*Machine)

// WithRoutes replaces [DefaultRoutes].
func WithRoutes(r Routes) Option {
	return func(m *Machine) { m.routes = r }
}

// WithRecheck sets how many times, and how far apart, the machine reloads
// metadata after a successful sync while waiting for the authoritative
// role to become visible.
func WithRecheck(attempts int, delay time.Duration) Option {
	return func(m *Machine) {
		m.recheckAttempts = attempts
		m.recheckDelay = delay
	}
}

// WithTransitionHook is called after every state change, outside any lock
// held by callers but while the machine's run lock is held. It must not
// call back into the Machine.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine returns a Machine in [StateUnknown].
func NewMachine(source SessionSource, syncer RoleSyncer, opts ...Option) *Machine {
	m := &Machine{
		source:          source,
		syncer:          syncer,
		routes:          DefaultRoutes(),
		recheckAttempts: DefaultRecheckAttempts,
		recheckDelay:    DefaultRecheckDelay,
		sleep:           sleepContext,
		logger:          slog.Default(),
		tracer:          otel.Tracer(tracerName),
		state:           StateUnknown,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.recheckAttempts < 1 {
		m.recheckAttempts = 1
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Outcome returns the last settled outcome. Its State is StateUnknown
// before the first resolution completes.
func (m *Machine) Outcome() Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outcome
}

// Resolve runs one resolution pass for the current authentication event
// and returns the settled outcome. Call it on every authentication state
// change; repeated calls within one event never issue a second sync.
//
// The returned error is non-nil only when the session itself could not be
// read; the outcome is then Unauthenticated.
func (m *Machine) Resolve(ctx context.Context) (Outcome, error) {
	m.run.Lock()
	defer m.run.Unlock()
	return m.resolve(ctx)
}

// SelectRole records r as the user's provisional role and resolves. It is
// only valid in [StateNeedsRole].
func (m *Machine) SelectRole(ctx context.Context, r role.Role) (Outcome, error) {
	if !r.Valid() {
		return Outcome{}, sserr.InvalidRole(r.String())
	}
	w, ok := m.source.(ProvisionalWriter)
	if !ok {
		return Outcome{}, sserr.Config("session: source cannot record a selected role")
	}

	m.run.Lock()
	defer m.run.Unlock()
	if st := m.State(); st != StateNeedsRole {
		return m.Outcome(), sserr.Newf(sserr.CodeValidation, "session: cannot select a role in state %s", st)
	}
	if err := w.SetProvisional(ctx, r); err != nil {
		m.logger.WarnContext(ctx, "session: failed to record selected role",
			"role", r,
			"error", err,
		)
		return m.Outcome(), err
	}
	return m.resolve(ctx)
}

func (m *Machine) resolve(ctx context.Context) (out Outcome, err error) {
	ctx, span := m.tracer.Start(ctx, "session.Resolve")
	defer func() {
		span.SetAttributes(
			attribute.String("session.state", out.State.String()),
			attribute.String("session.source", string(out.Source)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.transition(StateLoading)

	snap, err := m.source.Current(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "session: failed to read session", "error", err)
		return m.settle(Outcome{State: StateUnauthenticated, Err: err}), err
	}
	return m.evaluate(ctx, snap), nil
}

// evaluate settles snap. It recurses at most once per authentication
// event change observed mid-flight.
func (m *Machine) evaluate(ctx context.Context, snap Snapshot) Outcome {
	if !snap.Active {
		return m.settle(Outcome{State: StateUnauthenticated})
	}
	md := snap.Metadata
	if md.HasAuthoritative() {
		return m.settle(Outcome{State: StateResolved, Role: md.Authoritative, Source: SourceAuthoritative, EventID: snap.EventID})
	}
	if !md.Provisional.Valid() {
		return m.settle(Outcome{State: StateNeedsRole, EventID: snap.EventID})
	}

	if m.attemptEvent == snap.EventID {
		prev := m.Outcome()
		if prev.State == StateResolved && prev.EventID == snap.EventID {
			return m.settle(prev)
		}
		return m.settle(m.fallback(snap, nil))
	}
	m.attemptEvent = snap.EventID
	m.attemptID = uuid.NewString()

	logger := m.logger.With(
		"subject_id", snap.Subject,
		"event_id", snap.EventID,
		"attempt_id", m.attemptID,
	)
	written, syncErr := m.syncer.SyncRole(WithAttemptID(ctx, m.attemptID), snap.Token, md.Provisional)

	cur, ok := m.stillCurrent(ctx, logger, snap)
	if !ok {
		logger.InfoContext(ctx, "session: discarding sync result for ended session")
		return m.evaluate(ctx, cur)
	}
	if syncErr != nil {
		logger.WarnContext(ctx, "session: role sync failed, routing with provisional role",
			"role", md.Provisional,
			"code", sserr.GetCode(syncErr),
			"error", syncErr,
		)
		return m.settle(m.fallback(snap, syncErr))
	}
	if !written.Valid() {
		written = md.Provisional
	}

	for i := range m.recheckAttempts {
		if i > 0 {
			if err := m.sleep(ctx, m.recheckDelay); err != nil {
				break
			}
		}
		fresh, err := m.source.Refresh(ctx)
		if err != nil {
			logger.WarnContext(ctx, "session: metadata refresh failed", "attempt", i+1, "error", err)
			continue
		}
		if !fresh.Active || fresh.EventID != snap.EventID {
			logger.InfoContext(ctx, "session: session changed during re-check")
			return m.evaluate(ctx, fresh)
		}
		if fresh.Metadata.HasAuthoritative() {
			return m.settle(Outcome{State: StateResolved, Role: fresh.Metadata.Authoritative, Source: SourceAuthoritative, EventID: snap.EventID})
		}
	}

	logger.InfoContext(ctx, "session: authoritative role not visible yet, routing with confirmed role",
		"role", written,
	)
	return m.settle(Outcome{State: StateResolved, Role: written, Source: SourceService, EventID: snap.EventID})
}

// stillCurrent re-reads the session after an async call. The returned
// snapshot is the session to evaluate when ok is false. A failed read is
// not a session change: snap stays current.
func (m *Machine) stillCurrent(ctx context.Context, logger *slog.Logger, snap Snapshot) (Snapshot, bool) {
	cur, err := m.source.Current(ctx)
	if err != nil {
		logger.WarnContext(ctx, "session: failed to re-read session after sync", "error", err)
		return snap, true
	}
	if !cur.Active || cur.EventID != snap.EventID {
		return cur, false
	}
	return cur, true
}

func (m *Machine) fallback(snap Snapshot, err error) Outcome {
	return Outcome{
		State:   StateResolved,
		Role:    snap.Metadata.Provisional,
		Source:  SourceProvisional,
		EventID: snap.EventID,
		Err:     err,
	}
}

func (m *Machine) settle(o Outcome) Outcome {
	o.Route = m.routes.For(o)
	m.mu.Lock()
	m.outcome = o
	m.mu.Unlock()
	if m.State() != o.State {
		m.transition(o.State)
	}
	return o
}

func (m *Machine) transition(to State) {
	m.mu.Lock()
	from := m.state
	if !ValidTransition(from, to) {
		m.mu.Unlock()
		if from != to {
			m.logger.Error("session: invalid state transition", "from", from, "to", to)
		}
		return
	}
	m.state = to
	m.mu.Unlock()
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type attemptKey struct{}

// WithAttemptID tags ctx with the id of a resolution attempt. HTTP
// syncers send it as the request id.
func WithAttemptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, attemptKey{}, id)
}

// AttemptIDFromContext returns the attempt id set by [WithAttemptID].
func AttemptIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(attemptKey{}).(string)
	return id
}
