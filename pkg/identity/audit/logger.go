// Package audit records structural mutations of the identity graph and
// reverses them on request. Entries are append-only: a rollback is itself a
// new entry.
package audit

import (
	"context"
	"fmt"
	"sort"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/locks"
	"github.com/otherjamesbrown/canonid/pkg/logging"
	"github.com/otherjamesbrown/canonid/pkg/observability"
)

// SystemActor is recorded when no actor is supplied.
const SystemActor = "system"

// Logger is the sole writer of audit entries.
type Logger struct {
	repo      identity.Repository
	locker    locks.Locker
	logger    logging.Logger
	metrics   *observability.ResolutionMetrics
	tracer    *observability.Tracer
	publisher observability.EventPublisher
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Logger) { a.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ResolutionMetrics) Option {
	return func(a *Logger) { a.metrics = m }
}

// WithPublisher publishes committed entries to audit viewers.
func WithPublisher(p observability.EventPublisher) Option {
	return func(a *Logger) { a.publisher = p }
}

// NewLogger returns an audit Logger. locker must be the same Locker used by
// every other writer of the graph.
func NewLogger(repo identity.Repository, locker locks.Locker, opts ...Option) *Logger {
	a := &Logger{
		repo:   repo,
		locker: locker,
		logger: logging.NewNopLogger(),
		tracer: observability.NewTracer(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(logging.F("component", "audit"))
	return a
}

// LogAction appends entry inside tx. The caller publishes the entry with
// Published once tx has committed.
func (a *Logger) LogAction(ctx context.Context, tx identity.Tx, entry *identity.AuditEntry) error {
	if !entry.Kind.Valid() {
		return fmt.Errorf("audit entry kind %q: %w", entry.Kind, cierrors.ErrValidation)
	}
	if entry.Action == "" {
		return fmt.Errorf("audit entry without action: %w", cierrors.ErrValidation)
	}
	if entry.Actor == "" {
		entry.Actor = SystemActor
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Published announces committed entries. Publication failures are logged and
// never undo the commit.
func (a *Logger) Published(ctx context.Context, entries ...identity.AuditEntry) {
	if a.publisher == nil || len(entries) == 0 {
		return
	}
	if err := observability.EmitAudit(ctx, a.publisher, entries...); err != nil {
		a.logger.Warn("Failed to publish audit entries", logging.Err(err), logging.F("count", len(entries)))
	}
}

// Entries lists entries oldest first.
func (a *Logger) Entries(ctx context.Context, filter identity.AuditFilter) ([]identity.AuditEntry, error) {
	return a.repo.ListAuditEntries(ctx, filter)
}

// Get returns one entry.
func (a *Logger) Get(ctx context.Context, id int64) (*identity.AuditEntry, error) {
	return a.repo.GetAuditEntry(ctx, id)
}

// Snapshot captures the current state of ids inside tx.
func Snapshot(ctx context.Context, r identity.Reader, ids ...int64) (identity.Snapshot, error) {
	states := make([]identity.IdentityState, 0, len(ids))
	for _, id := range uniqueIDs(ids) {
		st, err := identity.StateOf(ctx, r, id)
		if err != nil {
			return identity.Snapshot{}, err
		}
		states = append(states, st)
	}
	return identity.NewSnapshot(states...), nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
