package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"batchscale/internal/config"
)

// Store manages run history persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	runColumns = "id, source, output_dir, model, format, target, processed, status, error_message, started_at, finished_at, elapsed_ms"
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Open connects to the history database configured in [paths].
func Open(cfg *config.Config) (*Store, error) {
	return OpenPath(cfg.Paths.HistoryDB)
}

// OpenPath initializes or connects to the database at dbPath.
func OpenPath(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("history database path required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin records a run as running.
func (s *Store) Begin(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runs (id, source, output_dir, model, format, target, processed, status, started_at)
             VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			run.ID,
			run.Source,
			run.OutputDir,
			nullableString(run.Model),
			nullableString(run.Format),
			run.Target,
			StatusRunning,
			run.StartedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// Finish stores the outcome of run id and its failures in one transaction.
func (s *Store) Finish(ctx context.Context, id string, outcome Outcome) error {
	if outcome.Status == "" {
		outcome.Status = StatusCompleted
	}
	finished := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE runs
             SET status = ?, target = ?, processed = ?, error_message = ?, finished_at = ?, elapsed_ms = ?
             WHERE id = ?`,
			outcome.Status,
			outcome.Target,
			outcome.Processed,
			nullableString(outcome.ErrorMessage),
			finished,
			outcome.Elapsed.Milliseconds(),
			id,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("run %s not found", id)
		}
		for _, f := range outcome.Failures {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_failures (run_id, path, kind, message) VALUES (?, ?, ?, ?)`,
				id, f.Path, f.Kind, nullableString(f.Message),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Get returns a run by id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs first. A limit <= 0 returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Failures returns the recorded failures of run id in insertion order.
func (s *Store) Failures(ctx context.Context, id string) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, kind, message FROM run_failures WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var failures []Failure
	for rows.Next() {
		var f Failure
		var message sql.NullString
		if err := rows.Scan(&f.Path, &f.Kind, &message); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Message = message.String
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run          Run
		model        sql.NullString
		format       sql.NullString
		status       string
		errorMessage sql.NullString
		startedRaw   string
		finishedRaw  sql.NullString
		elapsedMS    int64
	)
	if err := scanner.Scan(
		&run.ID,
		&run.Source,
		&run.OutputDir,
		&model,
		&format,
		&run.Target,
		&run.Processed,
		&status,
		&errorMessage,
		&startedRaw,
		&finishedRaw,
		&elapsedMS,
	); err != nil {
		return nil, err
	}
	run.Model = model.String
	run.Format = format.String
	run.Status = Status(status)
	run.ErrorMessage = errorMessage.String
	run.StartedAt = parseTime(startedRaw)
	if finishedRaw.Valid {
		run.FinishedAt = parseTime(finishedRaw.String)
	}
	run.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return &run, nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
