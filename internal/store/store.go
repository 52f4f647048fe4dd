// Package store owns the embedded storage engine. It is the only mutable
// shared resource in the system: uniqueness of (run_id, idempotency_key) and
// (source, delivery_id) is enforced here at the schema level, and callers
// serialize contending mutations through WithTx rather than application
// locks.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned for operations referencing an unknown run_id.
var ErrRunNotFound = errors.New("run not found")

type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the sqlite database at path and applies pending
// migrations. Foreign keys are enforced on every connection.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(path), url.Values{
		"_pragma": []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"},
	}.Encode())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// sqlite is single-writer; one connection avoids SQLITE_BUSY churn under
	// concurrent webhook and sync traffic.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx wraps one serializable transaction. All coordinator mutations happen
// through it; the transaction either commits atomically or rolls back on the
// first error.
type Tx struct {
	tx *sqlx.Tx
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *Tx) InsertRun(ctx context.Context, r Run) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO runs (run_id, owner, repo, prompt_version, mode, budget_json, workspace_dir, created_at, updated_at)
		VALUES (:run_id, :owner, :repo, :prompt_version, :mode, :budget_json, :workspace_dir, :created_at, :updated_at)`, r)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

func (t *Tx) GetRun(ctx context.Context, runID string) (Run, error) {
	var r Run
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

func (t *Tx) GetState(ctx context.Context, runID string) (RunStateRow, error) {
	var row RunStateRow
	err := t.tx.GetContext(ctx, &row, `SELECT * FROM run_states WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return RunStateRow{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return RunStateRow{}, fmt.Errorf("get state %s: %w", runID, err)
	}
	return row, nil
}

func (t *Tx) InsertState(ctx context.Context, row RunStateRow) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO run_states (run_id, state, last_error, updated_at)
		VALUES (:run_id, :state, :last_error, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("insert state %s: %w", row.RunID, err)
	}
	return nil
}

func (t *Tx) SetState(ctx context.Context, row RunStateRow) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE run_states SET state = :state, last_error = :last_error, updated_at = :updated_at
		WHERE run_id = :run_id`, row)
	if err != nil {
		return fmt.Errorf("set state %s: %w", row.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, row.RunID)
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE run_id = ?`, row.UpdatedAt, row.RunID)
	return err
}

// InsertEvent inserts under the (run_id, idempotency_key) uniqueness
// constraint. inserted=false reports a duplicate key: the row was left
// untouched and the caller must not re-execute side effects.
func (t *Tx) InsertEvent(ctx context.Context, ev EventRow) (inserted bool, err error) {
	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO events (run_id, event_type, idempotency_key, payload_json, created_at)
		VALUES (:run_id, :event_type, :idempotency_key, :payload_json, :created_at)
		ON CONFLICT (run_id, idempotency_key) DO NOTHING`, ev)
	if err != nil {
		return false, fmt.Errorf("insert event %s/%s: %w", ev.RunID, ev.IdempotencyKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetPRNumber binds the PR number. The guard in the WHERE clause makes the
// write first-wins: a different number on an already-linked run changes no
// rows.
func (t *Tx) SetPRNumber(ctx context.Context, runID string, prNumber int64, updatedAt string) (bound bool, err error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE runs SET pr_number = ?, updated_at = ?
		WHERE run_id = ? AND (pr_number IS NULL OR pr_number = ?)`,
		prNumber, updatedAt, runID, prNumber)
	if err != nil {
		return false, fmt.Errorf("set pr_number %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *Tx) InsertArtifact(ctx context.Context, a Artifact) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO artifacts (run_id, artifact_type, uri, meta_json, created_at)
		VALUES (:run_id, :artifact_type, :uri, :meta_json, :created_at)`, a)
	if err != nil {
		return fmt.Errorf("insert artifact %s/%s: %w", a.RunID, a.Type, err)
	}
	return nil
}

// InsertStepAttempt assigns the next attempt_no for (run_id, step) and
// appends the attempt.
func (t *Tx) InsertStepAttempt(ctx context.Context, a StepAttempt) (int64, error) {
	var next int64
	err := t.tx.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(attempt_no), 0) + 1 FROM step_attempts WHERE run_id = ? AND step = ?`,
		a.RunID, a.Step)
	if err != nil {
		return 0, fmt.Errorf("next attempt_no %s/%s: %w", a.RunID, a.Step, err)
	}
	a.AttemptNo = next
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO step_attempts (run_id, step, attempt_no, exit_code, stdout, stderr, duration_ms, created_at)
		VALUES (:run_id, :step, :attempt_no, :exit_code, :stdout, :stderr, :duration_ms, :created_at)`, a)
	if err != nil {
		return 0, fmt.Errorf("insert step attempt %s/%s: %w", a.RunID, a.Step, err)
	}
	return next, nil
}

// InsertWebhookDelivery reserves a delivery row. inserted=false reports a
// replayed (source, delivery_id).
func (t *Tx) InsertWebhookDelivery(ctx context.Context, d WebhookDelivery) (inserted bool, err error) {
	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO webhook_deliveries (source, delivery_id, event_type, payload_sha256, received_at)
		VALUES (:source, :delivery_id, :event_type, :payload_sha256, :received_at)
		ON CONFLICT (source, delivery_id) DO NOTHING`, d)
	if err != nil {
		return false, fmt.Errorf("insert delivery %s/%s: %w", d.Source, d.DeliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteWebhookDelivery releases a delivery so the sender's retry is
// processed fresh.
func (t *Tx) DeleteWebhookDelivery(ctx context.Context, source, deliveryID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE source = ? AND delivery_id = ?`,
		source, deliveryID)
	if err != nil {
		return fmt.Errorf("delete delivery %s/%s: %w", source, deliveryID, err)
	}
	return nil
}

// FindRunByPR returns the latest run bound to (owner, repo, pr_number).
func (t *Tx) FindRunByPR(ctx context.Context, owner, repo string, prNumber int64) (Run, error) {
	return findRunByPR(ctx, t.tx, owner, repo, prNumber)
}

type queryer interface {
	sqlx.QueryerContext
}

func findRunByPR(ctx context.Context, q queryer, owner, repo string, prNumber int64) (Run, error) {
	var r Run
	err := sqlx.GetContext(ctx, q, &r, `
		SELECT * FROM runs WHERE owner = ? AND repo = ? AND pr_number = ?
		ORDER BY created_at DESC, run_id DESC LIMIT 1`, owner, repo, prNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s/%s#%d", ErrRunNotFound, owner, repo, prNumber)
	}
	if err != nil {
		return Run{}, fmt.Errorf("find run by pr %s/%s#%d: %w", owner, repo, prNumber, err)
	}
	return r, nil
}

// Read-side queries. Any component may read; only coordinator transactions
// write.

func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var r Run
	err := s.db.GetContext(ctx, &r, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

func (s *Store) GetState(ctx context.Context, runID string) (RunStateRow, error) {
	var row RunStateRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM run_states WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return RunStateRow{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return RunStateRow{}, fmt.Errorf("get state %s: %w", runID, err)
	}
	return row, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []Run
	err := s.db.SelectContext(ctx, &runs, `SELECT * FROM runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListRunsInStates returns runs whose current state is in states. Used by
// the sync engine to find active runs with a linked PR.
func (s *Store) ListRunsInStates(ctx context.Context, states []string) ([]Run, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT runs.* FROM runs
		JOIN run_states ON run_states.run_id = runs.run_id
		WHERE run_states.state IN (?)
		ORDER BY runs.created_at ASC`, states)
	if err != nil {
		return nil, err
	}
	var runs []Run
	if err := s.db.SelectContext(ctx, &runs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs in states: %w", err)
	}
	return runs, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]EventRow, error) {
	var evs []EventRow
	err := s.db.SelectContext(ctx, &evs, `SELECT * FROM events WHERE run_id = ? ORDER BY event_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", runID, err)
	}
	return evs, nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var as []Artifact
	err := s.db.SelectContext(ctx, &as, `SELECT * FROM artifacts WHERE run_id = ? ORDER BY artifact_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts %s: %w", runID, err)
	}
	return as, nil
}

// LatestArtifact returns the newest artifact of the given type; ok=false
// when none exists.
func (s *Store) LatestArtifact(ctx context.Context, runID, artifactType string) (Artifact, bool, error) {
	var a Artifact
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM artifacts WHERE run_id = ? AND artifact_type = ?
		ORDER BY artifact_id DESC LIMIT 1`, runID, artifactType)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, fmt.Errorf("latest artifact %s/%s: %w", runID, artifactType, err)
	}
	return a, true, nil
}

func (s *Store) ListStepAttempts(ctx context.Context, runID string) ([]StepAttempt, error) {
	var as []StepAttempt
	err := s.db.SelectContext(ctx, &as, `SELECT * FROM step_attempts WHERE run_id = ? ORDER BY attempt_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step attempts %s: %w", runID, err)
	}
	return as, nil
}

func (s *Store) FindRunByPR(ctx context.Context, owner, repo string, prNumber int64) (Run, error) {
	return findRunByPR(ctx, s.db, owner, repo, prNumber)
}
