// Package postgres implements the plan state store on a relational schema:
// plan metadata keyed by plan id, step entries keyed by (plan id, step id)
// with a unique index on the idempotency key, and a bounded retained-subject
// archive. The step transition graph is enforced inside single statements so
// concurrent workers cannot interleave an illegal transition between a read
// and a write.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

// transitionOK is the SQL form of the step state graph: non-terminal states
// may repeat, terminal states admit nothing. %[1]s is the current state
// expression, %[2]s the candidate.
const transitionOK = `(
    (%[1]s = %[2]s AND %[1]s NOT IN ('completed','failed','rejected'))
    OR (%[1]s = 'waiting_approval' AND %[2]s IN ('queued','rejected'))
    OR (%[1]s = 'queued' AND %[2]s = 'running')
    OR (%[1]s = 'running' AND %[2]s IN ('completed','failed','retrying'))
    OR (%[1]s = 'retrying' AND %[2]s = 'queued')
)`

type (
	// Store implements state.Store on PostgreSQL.
	Store struct {
		db          *sqlx.DB
		logger      telemetry.Logger
		retainedCap int
		nowFunc     func() time.Time
	}

	// Options configures the relational store.
	Options struct {
		// MaxConns bounds the connection pool; 0 keeps the driver default.
		MaxConns int
		// RetainedSubjectCap overrides the retained-subject archive bound.
		RetainedSubjectCap int
		// SkipMigrations leaves schema management to the operator.
		SkipMigrations bool
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// Open connects to the database, applies migrations and returns the store.
func Open(dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if !opts.SkipMigrations {
		if err := Migrate(db.DB); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewWithDB(db, opts), nil
}

// NewWithDB wraps an existing connection pool; tests use it with sqlmock.
func NewWithDB(db *sqlx.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	cap := opts.RetainedSubjectCap
	if cap <= 0 {
		cap = state.DefaultRetainedSubjects
	}
	return &Store{db: db, logger: logger, retainedCap: cap, nowFunc: time.Now}
}

// RememberPlanMetadata upserts the plan's metadata document.
func (s *Store) RememberPlanMetadata(ctx context.Context, planID string, meta plan.Metadata) error {
	doc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode plan metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_metadata (plan_id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (plan_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		planID, doc)
	return s.wrap(err, "remember plan metadata")
}

// PlanMetadata loads a plan's metadata.
func (s *Store) PlanMetadata(ctx context.Context, planID string) (plan.Metadata, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT doc FROM plan_metadata WHERE plan_id = $1`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.Metadata{}, fmt.Errorf("plan %s metadata: %w", planID, state.ErrNotFound)
	}
	if err != nil {
		return plan.Metadata{}, s.wrap(err, "load plan metadata")
	}
	var meta plan.Metadata
	if err := json.Unmarshal(doc, &meta); err != nil {
		return plan.Metadata{}, fmt.Errorf("decode plan metadata: %w", err)
	}
	return meta, nil
}

// ForgetPlanMetadata removes the plan's metadata.
func (s *Store) ForgetPlanMetadata(ctx context.Context, planID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plan_metadata WHERE plan_id = $1`, planID)
	return s.wrap(err, "forget plan metadata")
}

// ListPlanMetadata returns every stored plan.
func (s *Store) ListPlanMetadata(ctx context.Context) ([]plan.Metadata, error) {
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, `SELECT doc FROM plan_metadata ORDER BY plan_id`); err != nil {
		return nil, s.wrap(err, "list plan metadata")
	}
	out := make([]plan.Metadata, 0, len(docs))
	for _, doc := range docs {
		var meta plan.Metadata
		if err := json.Unmarshal(doc, &meta); err != nil {
			return nil, fmt.Errorf("decode plan metadata: %w", err)
		}
		out = append(out, meta)
	}
	return out, nil
}

// RememberStep creates or advances a step entry in one upsert. The conflict
// branch applies the transition rule in SQL: state and document advance only
// when the graph allows, attempt never decreases, terminal states never
// regress.
func (s *Store) RememberStep(ctx context.Context, planID string, step plan.Step, traceID string, opts state.RememberOptions) error {
	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = plan.IdempotencyKey(planID, step.ID)
	}
	if opts.InitialState == "" {
		opts.InitialState = plan.StateQueued
	}
	now := s.nowFunc().UTC()
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = now
	}
	entry := plan.PersistedStepEntry{
		PlanID:         planID,
		Step:           step,
		State:          opts.InitialState,
		Attempt:        opts.Attempt,
		CreatedAt:      opts.CreatedAt,
		TraceID:        traceID,
		RequestID:      opts.RequestID,
		IdempotencyKey: opts.IdempotencyKey,
		Approvals:      opts.Approvals,
		Subject:        opts.Subject,
		UpdatedAt:      now,
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode step entry: %w", err)
	}
	rule := fmt.Sprintf(transitionOK, "plan_step_entries.state", "EXCLUDED.state")
	query := fmt.Sprintf(`
		INSERT INTO plan_step_entries (plan_id, step_id, idempotency_key, state, attempt, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (plan_id, step_id) DO UPDATE SET
			attempt = GREATEST(plan_step_entries.attempt, EXCLUDED.attempt),
			state = CASE WHEN %[1]s THEN EXCLUDED.state ELSE plan_step_entries.state END,
			doc = (CASE WHEN %[1]s THEN EXCLUDED.doc ELSE plan_step_entries.doc END)
				|| jsonb_build_object(
					'attempt', GREATEST(plan_step_entries.attempt, EXCLUDED.attempt),
					'state', CASE WHEN %[1]s THEN EXCLUDED.state ELSE plan_step_entries.state END,
					'updatedAt', to_jsonb(now())),
			updated_at = now()`, rule)
	_, err = s.db.ExecContext(ctx, query,
		planID, step.ID, opts.IdempotencyKey, string(opts.InitialState), opts.Attempt, doc)
	return s.wrap(err, "remember step")
}

// SetState applies an allowed transition; the WHERE clause carries the
// transition rule so an illegal transition updates zero rows.
func (s *Store) SetState(ctx context.Context, planID, stepID string, to plan.StepState, opts state.SetStateOptions) error {
	var outputDoc any
	if opts.Output != nil {
		data, err := json.Marshal(opts.Output)
		if err != nil {
			return fmt.Errorf("encode step output: %w", err)
		}
		outputDoc = string(data)
	}
	var attempt any
	if opts.Attempt != nil {
		attempt = *opts.Attempt
	}
	rule := fmt.Sprintf(transitionOK, "state", "$3")
	query := fmt.Sprintf(`
		UPDATE plan_step_entries SET
			state = $3,
			attempt = GREATEST(attempt, COALESCE($4::int, attempt)),
			doc = doc || jsonb_build_object(
					'state', $3::text,
					'attempt', GREATEST(attempt, COALESCE($4::int, attempt)),
					'updatedAt', to_jsonb(now()))
				|| CASE WHEN $5::jsonb IS NULL THEN '{}'::jsonb
				        ELSE jsonb_build_object('output', $5::jsonb) END,
			updated_at = now()
		WHERE plan_id = $1 AND step_id = $2 AND %s`, rule)
	res, err := s.db.ExecContext(ctx, query, planID, stepID, string(to), attempt, outputDoc)
	if err != nil {
		return s.wrap(err, "set step state")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err, "set step state")
	}
	if affected > 0 {
		return nil
	}
	var current string
	err = s.db.GetContext(ctx, &current,
		`SELECT state FROM plan_step_entries WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step %s: %w", plan.IdempotencyKey(planID, stepID), state.ErrNotFound)
	}
	if err != nil {
		return s.wrap(err, "set step state")
	}
	return fmt.Errorf("%w: %s -> %s for %s", state.ErrIllegalTransition, current, to, plan.IdempotencyKey(planID, stepID))
}

// Entry loads one step entry.
func (s *Store) Entry(ctx context.Context, planID, stepID string) (plan.PersistedStepEntry, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc,
		`SELECT doc FROM plan_step_entries WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.PersistedStepEntry{}, fmt.Errorf("step %s: %w", plan.IdempotencyKey(planID, stepID), state.ErrNotFound)
	}
	if err != nil {
		return plan.PersistedStepEntry{}, s.wrap(err, "load step entry")
	}
	var entry plan.PersistedStepEntry
	if err := json.Unmarshal(doc, &entry); err != nil {
		return plan.PersistedStepEntry{}, fmt.Errorf("decode step entry: %w", err)
	}
	return entry, nil
}

// ForgetStep removes one step entry.
func (s *Store) ForgetStep(ctx context.Context, planID, stepID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plan_step_entries WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	return s.wrap(err, "forget step")
}

// ListActiveSteps returns every non-terminal entry.
func (s *Store) ListActiveSteps(ctx context.Context) ([]plan.PersistedStepEntry, error) {
	var docs [][]byte
	err := s.db.SelectContext(ctx, &docs, `
		SELECT doc FROM plan_step_entries
		WHERE state NOT IN ('completed','failed','rejected')
		ORDER BY plan_id, step_id`)
	if err != nil {
		return nil, s.wrap(err, "list active steps")
	}
	out := make([]plan.PersistedStepEntry, 0, len(docs))
	for _, doc := range docs {
		var entry plan.PersistedStepEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, fmt.Errorf("decode step entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// EnsureApprovals returns the step's approvals map, or an empty map when the
// step has no entry yet.
func (s *Store) EnsureApprovals(ctx context.Context, planID, stepID string) (map[string]bool, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `
		SELECT COALESCE(doc->'approvals', '{}'::jsonb)
		FROM plan_step_entries WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, s.wrap(err, "load approvals")
	}
	approvals := make(map[string]bool)
	if err := json.Unmarshal(raw, &approvals); err != nil {
		return nil, fmt.Errorf("decode approvals: %w", err)
	}
	return approvals, nil
}

// RecordApproval sets one capability's approval on the step.
func (s *Store) RecordApproval(ctx context.Context, planID, stepID, capability string, value bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plan_step_entries SET
			doc = jsonb_set(
				CASE WHEN doc ? 'approvals' THEN doc ELSE doc || '{"approvals":{}}'::jsonb END,
				ARRAY['approvals', $3], to_jsonb($4::boolean), true),
			updated_at = now()
		WHERE plan_id = $1 AND step_id = $2`, planID, stepID, capability, value)
	return s.wrap(err, "record approval")
}

// ClearApprovals drops the step's approvals.
func (s *Store) ClearApprovals(ctx context.Context, planID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plan_step_entries SET doc = doc - 'approvals', updated_at = now()
		WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	return s.wrap(err, "clear approvals")
}

// RetainSubject archives a plan's subject and trims the archive to its cap,
// oldest first.
func (s *Store) RetainSubject(ctx context.Context, planID string, subject plan.Subject) error {
	doc, err := json.Marshal(subject)
	if err != nil {
		return fmt.Errorf("encode subject: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retained_subjects (plan_id, doc, retained_at)
		VALUES ($1, $2, now())
		ON CONFLICT (plan_id) DO UPDATE SET doc = EXCLUDED.doc, retained_at = now()`,
		planID, doc)
	if err != nil {
		return s.wrap(err, "retain subject")
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM retained_subjects WHERE plan_id IN (
			SELECT plan_id FROM retained_subjects
			ORDER BY retained_at DESC OFFSET $1)`, s.retainedCap)
	return s.wrap(err, "trim retained subjects")
}

// RetainedSubject loads an archived subject.
func (s *Store) RetainedSubject(ctx context.Context, planID string) (plan.Subject, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT doc FROM retained_subjects WHERE plan_id = $1`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.Subject{}, fmt.Errorf("retained subject for %s: %w", planID, state.ErrNotFound)
	}
	if err != nil {
		return plan.Subject{}, s.wrap(err, "load retained subject")
	}
	var subject plan.Subject
	if err := json.Unmarshal(doc, &subject); err != nil {
		return plan.Subject{}, fmt.Errorf("decode retained subject: %w", err)
	}
	return subject, nil
}

// ForgetRetainedSubject removes an archived subject.
func (s *Store) ForgetRetainedSubject(ctx context.Context, planID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retained_subjects WHERE plan_id = $1`, planID)
	return s.wrap(err, "forget retained subject")
}

// SweepTerminal removes terminal entries not updated since cutoff and prunes
// the retained-subject archive to the same horizon.
func (s *Store) SweepTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM plan_step_entries
		WHERE state IN ('completed','failed','rejected') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, s.wrap(err, "sweep step entries")
	}
	entries, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap(err, "sweep step entries")
	}
	res, err = s.db.ExecContext(ctx,
		`DELETE FROM retained_subjects WHERE retained_at < $1`, cutoff)
	if err != nil {
		return int(entries), s.wrap(err, "sweep retained subjects")
	}
	subjects, err := res.RowsAffected()
	if err != nil {
		return int(entries), s.wrap(err, "sweep retained subjects")
	}
	return int(entries + subjects), nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Name identifies the store for health reporting.
func (s *Store) Name() string { return "state-postgres" }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// wrap classifies backend errors: deadlocks and serialisation failures are
// transient and the caller re-drives after releasing the plan lock.
func (s *Store) wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%s: %w: %v", op, state.ErrTransient, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
