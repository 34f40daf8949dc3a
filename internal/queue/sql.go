package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/shineum/mailgate/internal/email"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	counterCompleted = "completed"
	counterFailed    = "failed"
)

// SQLStore persists jobs in SQLite or PostgreSQL.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// NewSQLStore opens the database, applies pending migrations and seeds the
// job counters. For SQLite the parent directory of dsn is created.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", driver, err)
	}

	if driver == DriverSQLite {
		// One writer at a time; Claim relies on it for atomicity.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func ensureDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating queue directory %s: %w", dir, err)
	}
	return nil
}

// runMigrations applies outstanding migrations in order.
func (s *SQLStore) runMigrations() error {
	if _, err := s.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var currentVersion int
	if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	for _, name := range []string{counterCompleted, counterFailed} {
		_, err := s.db.Exec(s.db.Rebind(
			"INSERT INTO job_counters (name, value) VALUES (?, 0) ON CONFLICT (name) DO NOTHING"), name)
		if err != nil {
			return fmt.Errorf("seeding counter %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type jobRow struct {
	ID               string        `db:"id"`
	Payload          string        `db:"payload"`
	State            string        `db:"state"`
	Attempts         int           `db:"attempts"`
	MaxAttempts      int           `db:"max_attempts"`
	BackoffMS        int64         `db:"backoff_ms"`
	Priority         int           `db:"priority"`
	LastError        string        `db:"last_error"`
	Result           string        `db:"result"`
	RemoveOnComplete int           `db:"remove_on_complete"`
	RemoveOnFail     int           `db:"remove_on_fail"`
	RunAt            int64         `db:"run_at"`
	CreatedAt        int64         `db:"created_at"`
	UpdatedAt        int64         `db:"updated_at"`
	FinishedAt       sql.NullInt64 `db:"finished_at"`
}

const jobColumns = `id, payload, state, attempts, max_attempts, backoff_ms, priority,
	last_error, result, remove_on_complete, remove_on_fail,
	run_at, created_at, updated_at, finished_at`

func (r *jobRow) job() (*Job, error) {
	j := &Job{
		ID:               r.ID,
		State:            State(r.State),
		Attempts:         r.Attempts,
		MaxAttempts:      r.MaxAttempts,
		Backoff:          time.Duration(r.BackoffMS) * time.Millisecond,
		Priority:         r.Priority,
		LastError:        r.LastError,
		RemoveOnComplete: r.RemoveOnComplete != 0,
		RemoveOnFail:     r.RemoveOnFail != 0,
		RunAt:            time.Unix(0, r.RunAt).UTC(),
		CreatedAt:        time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:        time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.FinishedAt.Valid {
		t := time.Unix(0, r.FinishedAt.Int64).UTC()
		j.FinishedAt = &t
	}

	var msg email.Message
	if err := json.Unmarshal([]byte(r.Payload), &msg); err != nil {
		return nil, fmt.Errorf("decoding payload of job %s: %w", r.ID, err)
	}
	j.Message = &msg

	if r.Result != "" {
		var out email.Outcome
		if err := json.Unmarshal([]byte(r.Result), &out); err != nil {
			return nil, fmt.Errorf("decoding result of job %s: %w", r.ID, err)
		}
		j.Result = &out
	}
	return j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) Add(ctx context.Context, jobs ...*Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.db.Rebind(`
		INSERT INTO jobs (
			id, payload, state, attempts, max_attempts, backoff_ms, priority,
			remove_on_complete, remove_on_fail, run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		payload, err := json.Marshal(j.Message)
		if err != nil {
			return fmt.Errorf("encoding payload of job %s: %w", j.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			j.ID, string(payload), string(j.State), j.Attempts, j.MaxAttempts,
			j.Backoff.Milliseconds(), j.Priority,
			boolInt(j.RemoveOnComplete), boolInt(j.RemoveOnFail),
			j.RunAt.UnixNano(), j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("inserting job %s: %w", j.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) Claim(ctx context.Context, now time.Time) (*Job, error) {
	lock := ""
	if s.driver == DriverPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := s.db.Rebind(`
		UPDATE jobs SET state = 'active', attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE state IN ('waiting', 'delayed') AND run_at <= ?
			ORDER BY priority, run_at, created_at, id
			LIMIT 1` + lock + `
		) AND state IN ('waiting', 'delayed')
		RETURNING ` + jobColumns)

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, now.UnixNano(), now.UnixNano())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return row.job()
}

// finish runs update against an active job and bumps counter in the same
// transaction.
func (s *SQLStore) finish(ctx context.Context, id, counter, update string, args ...any) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.Rebind(update), args...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	if err := s.requireOne(ctx, tx, res, id); err != nil {
		return err
	}

	if counter != "" {
		_, err = tx.ExecContext(ctx, s.db.Rebind(
			"UPDATE job_counters SET value = value + 1 WHERE name = ?"), counter)
		if err != nil {
			return fmt.Errorf("bumping %s counter: %w", counter, err)
		}
	}

	return tx.Commit()
}

// requireOne distinguishes a missing job from one in the wrong state when
// an update touched no rows.
func (s *SQLStore) requireOne(ctx context.Context, tx *sqlx.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var state string
	err = tx.GetContext(ctx, &state, s.db.Rebind("SELECT state FROM jobs WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading job %s: %w", id, err)
	}
	return fmt.Errorf("job %s is %s, not active", id, state)
}

func (s *SQLStore) Complete(ctx context.Context, id string, result email.Outcome, remove bool, now time.Time) error {
	if remove {
		return s.finish(ctx, id, counterCompleted,
			"DELETE FROM jobs WHERE id = ? AND state = 'active'", id)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result of job %s: %w", id, err)
	}
	return s.finish(ctx, id, counterCompleted, `
		UPDATE jobs SET state = 'completed', result = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'active'`,
		string(encoded), now.UnixNano(), now.UnixNano(), id)
}

func (s *SQLStore) Retry(ctx context.Context, id string, reason string, runAt, now time.Time) error {
	return s.finish(ctx, id, "", `
		UPDATE jobs SET state = 'delayed', last_error = ?, run_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active'`,
		reason, runAt.UnixNano(), now.UnixNano(), id)
}

func (s *SQLStore) Fail(ctx context.Context, id string, reason string, remove bool, now time.Time) error {
	if remove {
		return s.finish(ctx, id, counterFailed,
			"DELETE FROM jobs WHERE id = ? AND state = 'active'", id)
	}
	return s.finish(ctx, id, counterFailed, `
		UPDATE jobs SET state = 'failed', last_error = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'active'`,
		reason, now.UnixNano(), now.UnixNano(), id)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT "+jobColumns+" FROM jobs WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return row.job()
}

func (s *SQLStore) Counts(ctx context.Context) (Stats, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: s.driver == DriverPostgres})
	if err != nil {
		return Stats{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var byState []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	err = tx.SelectContext(ctx, &byState,
		"SELECT state, COUNT(*) AS n FROM jobs WHERE state IN ('waiting', 'delayed', 'active') GROUP BY state")
	if err != nil {
		return Stats{}, fmt.Errorf("counting jobs: %w", err)
	}

	var counters []struct {
		Name  string `db:"name"`
		Value int    `db:"value"`
	}
	if err := tx.SelectContext(ctx, &counters, "SELECT name, value FROM job_counters"); err != nil {
		return Stats{}, fmt.Errorf("reading counters: %w", err)
	}

	var st Stats
	for _, r := range byState {
		switch State(r.State) {
		case StateWaiting:
			st.Waiting = r.N
		case StateDelayed:
			st.Delayed = r.N
		case StateActive:
			st.Active = r.N
		}
	}
	for _, c := range counters {
		switch c.Name {
		case counterCompleted:
			st.Completed = c.Value
		case counterFailed:
			st.Failed = c.Value
		}
	}
	st.sum()
	return st, nil
}

func (s *SQLStore) ClearPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE state IN ('waiting', 'delayed')")
	if err != nil {
		return 0, fmt.Errorf("clearing pending jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) RequeueActive(ctx context.Context, now time.Time) (Recovery, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Recovery{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const exhausted = "state = 'active' AND attempts >= max_attempts"

	var r Recovery
	if err := tx.GetContext(ctx, &r.Failed, "SELECT COUNT(*) FROM jobs WHERE "+exhausted); err != nil {
		return Recovery{}, fmt.Errorf("counting exhausted jobs: %w", err)
	}
	if r.Failed > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE "+exhausted+" AND remove_on_fail = 1"); err != nil {
			return Recovery{}, fmt.Errorf("removing exhausted jobs: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.db.Rebind(
			"UPDATE jobs SET state = 'failed', last_error = ?, updated_at = ?, finished_at = ? WHERE "+exhausted),
			abandonedReason, now.UnixNano(), now.UnixNano())
		if err != nil {
			return Recovery{}, fmt.Errorf("failing exhausted jobs: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.db.Rebind(
			"UPDATE job_counters SET value = value + ? WHERE name = ?"), r.Failed, counterFailed)
		if err != nil {
			return Recovery{}, fmt.Errorf("bumping %s counter: %w", counterFailed, err)
		}
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE jobs SET state = 'waiting', run_at = ?, updated_at = ? WHERE state = 'active'"),
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return Recovery{}, fmt.Errorf("requeueing active jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Recovery{}, fmt.Errorf("checking rows affected: %w", err)
	}
	r.Requeued = int(n)

	if err := tx.Commit(); err != nil {
		return Recovery{}, fmt.Errorf("committing recovery: %w", err)
	}
	return r, nil
}
