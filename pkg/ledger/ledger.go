// Package ledger keeps a history of runs and per-file outcomes in SQLite.
// It is a record only; runs are never resumed from it.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/docsmith/pkg/models"
)

// Ledger records runs and their file results.
type Ledger interface {
	// BeginRun stores a new run and returns it with its ID assigned.
	BeginRun(ctx context.Context, root, model string) (models.Run, error)
	// RecordResult stores one file result under a run.
	RecordResult(ctx context.Context, runID string, res models.FileResult) error
	// FinishRun stamps the run's end time.
	FinishRun(ctx context.Context, runID string) error
	// ListRuns returns the most recent runs first, at most limit when limit > 0.
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	// RunResults returns the file results of a run ordered by path.
	RunResults(ctx context.Context, runID string) ([]models.FileResult, error)
	// TotalTokens returns the tokens billed for model since a given time.
	// An empty model or "*" matches every model.
	TotalTokens(ctx context.Context, model string, since time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteLedger implements Ledger with a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	root TEXT NOT NULL,
	model TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS file_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	model TEXT NOT NULL,
	path TEXT NOT NULL,
	outcome TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost INTEGER NOT NULL,
	headroom INTEGER NOT NULL,
	near_limit INTEGER NOT NULL DEFAULT 0,
	cached INTEGER NOT NULL DEFAULT 0,
	billed INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_run ON file_results(run_id);
CREATE INDEX IF NOT EXISTS idx_results_model_time ON file_results(model, created_at);
`

// New creates a SQLiteLedger and runs auto-migration.
func New(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// Results arrive from many goroutines; a single connection serialises
	// writers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate runs table: %w", err)
	}
	if _, err := db.Exec(createResultsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate file_results table: %w", err)
	}

	// Ledgers written before failed exchanges were billed lack the flag.
	if !columnExists(db, "file_results", "billed") {
		if _, err := db.Exec(`ALTER TABLE file_results ADD COLUMN billed INTEGER NOT NULL DEFAULT 0`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add billed column: %w", err)
		}
	}
	return &SQLiteLedger{db: db}, nil
}

// BeginRun stores a new run with a random UUID.
func (l *SQLiteLedger) BeginRun(ctx context.Context, root, model string) (models.Run, error) {
	run := models.Run{
		ID:        uuid.NewString(),
		Root:      root,
		Model:     model,
		StartedAt: time.Now().UTC(),
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, root, model, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Root, run.Model, run.StartedAt,
	)
	if err != nil {
		return models.Run{}, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

// RecordResult stores a file result. The model is taken from the run.
func (l *SQLiteLedger) RecordResult(ctx context.Context, runID string, res models.FileResult) error {
	createdAt := res.CreatedAt.UTC()
	if res.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	result, err := l.db.ExecContext(ctx,
		`INSERT INTO file_results (run_id, model, path, outcome, kind, message,
			prompt_tokens, completion_tokens, total_tokens, cost, headroom,
			near_limit, cached, billed, duration_ms, created_at)
		 SELECT id, model, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? FROM runs WHERE id = ?`,
		res.Path, string(res.Outcome), string(res.Kind), res.Message,
		res.PromptTokens, res.CompletionTokens, res.TotalTokens(), res.Cost, res.Headroom,
		res.NearLimit, res.Cached, res.Billed, res.Duration.Milliseconds(), createdAt,
		runID,
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("record result: unknown run %q", runID)
	}
	return nil
}

// FinishRun stamps the run's end time.
func (l *SQLiteLedger) FinishRun(ctx context.Context, runID string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ? WHERE id = ?`,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: unknown run %q", runID)
	}
	return nil
}

const runSummaryQuery = `
SELECT r.id, r.root, r.model, r.started_at, r.finished_at,
	COUNT(f.id),
	COALESCE(SUM(CASE WHEN f.outcome = 'written' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN f.outcome = 'skipped' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN f.outcome = 'failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(f.total_tokens), 0)
FROM runs r LEFT JOIN file_results f ON f.run_id = r.id
GROUP BY r.id
ORDER BY r.started_at DESC`

// ListRuns returns runs with their counters, most recent first.
func (l *SQLiteLedger) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	query := runSummaryQuery
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var r models.Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Root, &r.Model, &r.StartedAt, &finished,
			&r.Files, &r.Written, &r.Skipped, &r.Failed, &r.Tokens); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunResults returns the file results of a run ordered by path.
func (l *SQLiteLedger) RunResults(ctx context.Context, runID string) ([]models.FileResult, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT path, outcome, kind, message, prompt_tokens, completion_tokens,
			cost, headroom, near_limit, cached, billed, duration_ms, created_at
		 FROM file_results WHERE run_id = ? ORDER BY path ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("run results: %w", err)
	}
	defer rows.Close()

	var results []models.FileResult
	for rows.Next() {
		var r models.FileResult
		var outcome, kind string
		var durationMS int64
		if err := rows.Scan(&r.Path, &outcome, &kind, &r.Message, &r.PromptTokens, &r.CompletionTokens,
			&r.Cost, &r.Headroom, &r.NearLimit, &r.Cached, &r.Billed, &durationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Outcome = models.Outcome(outcome)
		r.Kind = models.FailureKind(kind)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

// TotalTokens returns the tokens billed for model since a given time.
func (l *SQLiteLedger) TotalTokens(ctx context.Context, model string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(total_tokens), 0) FROM file_results WHERE created_at >= ?`
	args := []any{since.UTC()}
	if model != "" && model != "*" {
		query += ` AND model = ?`
		args = append(args, model)
	}

	var total int64
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total tokens: %w", err)
	}
	return total, nil
}

// Close releases the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// dsn adds a busy timeout; the ledger shares its file with the cache.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)"
}
