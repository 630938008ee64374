package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/arc-relay/backend/internal/model/run"
	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    feature     TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    model_key   TEXT NOT NULL,
    status      TEXT NOT NULL,
    exit_code   INTEGER,
    error       TEXT NOT NULL DEFAULT '',
    events      INTEGER NOT NULL DEFAULT 0,
    started_at  DATETIME NOT NULL,
    ended_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
`

const selectRun = `SELECT id, feature, task_id, model_key, status, exit_code, error, events, started_at, ended_at FROM runs`

// SQLiteStore persists run records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("history: failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: failed to open database %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a record.
func (s *SQLiteStore) Save(ctx context.Context, rec run.Record) error {
	if rec.ID == "" {
		return ErrRunInvalid
	}

	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, feature, task_id, model_key, status, exit_code, error, events, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Feature, rec.TaskID, rec.ModelKey, string(rec.Status), exitCode,
		rec.Error, rec.Events, rec.StartedAt.UTC(), rec.EndedAt.UTC())
	if err != nil {
		return fmt.Errorf("history: save run: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (run.Record, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return run.Record{}, ErrRunNotFound
	}
	if err != nil {
		return run.Record{}, fmt.Errorf("history: get run: %w", err)
	}
	return rec, nil
}

// List returns matching records, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter run.Filter) ([]run.Record, error) {
	filter = filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.Feature != "" {
		where = append(where, "feature = ?")
		args = append(args, filter.Feature)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := selectRun
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var out []run.Record
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (run.Record, error) {
	var (
		rec      run.Record
		status   string
		exitCode sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Feature, &rec.TaskID, &rec.ModelKey, &status, &exitCode,
		&rec.Error, &rec.Events, &rec.StartedAt, &rec.EndedAt)
	if err != nil {
		return run.Record{}, err
	}
	rec.Status = stream.Status(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return rec, nil
}
