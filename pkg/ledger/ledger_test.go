package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/docsmith/pkg/models"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	l, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func written(path string, prompt, completion int) models.FileResult {
	return models.FileResult{
		Path:             path,
		Outcome:          models.OutcomeWritten,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Billed:           true,
		Cost:             prompt * 2,
		Headroom:         1000,
		Duration:         1500 * time.Millisecond,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestBeginRunAssignsID(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	a, err := l.BeginRun(ctx, "/src", "gpt-4")
	require.NoError(t, err)
	b, err := l.BeginRun(ctx, "/src", "gpt-4")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRecordAndRunResults(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run, err := l.BeginRun(ctx, "/src", "gpt-4")
	require.NoError(t, err)
	require.NoError(t, l.RecordResult(ctx, run.ID, written("/src/b.go", 100, 50)))
	failed := models.FileResult{
		Path:    "/src/a.go",
		Outcome: models.OutcomeFailed,
		Kind:    models.FailureService,
		Message: "rate limited",
	}
	require.NoError(t, l.RecordResult(ctx, run.ID, failed))

	results, err := l.RunResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "/src/a.go", results[0].Path)
	assert.Equal(t, models.FailureService, results[0].Kind)
	assert.Equal(t, "rate limited", results[0].Message)
	assert.False(t, results[0].Billed)

	assert.Equal(t, models.OutcomeWritten, results[1].Outcome)
	assert.Equal(t, 50, results[1].CompletionTokens)
	assert.True(t, results[1].Billed)
	assert.Equal(t, 1500*time.Millisecond, results[1].Duration)
}

func TestRecordResultUnknownRun(t *testing.T) {
	l := newTestLedger(t)
	err := l.RecordResult(context.Background(), "missing", written("/a.go", 1, 1))
	assert.Error(t, err)
}

func TestListRunsCounters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run, err := l.BeginRun(ctx, "/src", "gpt-4")
	require.NoError(t, err)
	_ = l.RecordResult(ctx, run.ID, written("/src/a.go", 100, 50))
	_ = l.RecordResult(ctx, run.ID, written("/src/b.go", 200, 100))
	_ = l.RecordResult(ctx, run.ID, models.FileResult{Path: "/src/c.go", Outcome: models.OutcomeSkipped})
	_ = l.RecordResult(ctx, run.ID, models.FileResult{Path: "/src/d.go", Outcome: models.OutcomeFailed, Kind: models.FailureTransport})
	require.NoError(t, l.FinishRun(ctx, run.ID))

	runs, err := l.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	r := runs[0]
	assert.Equal(t, 4, r.Files)
	assert.Equal(t, 2, r.Written)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, int64(450), r.Tokens)
	assert.False(t, r.FinishedAt.IsZero(), "finished_at should be set")
}

func TestListRunsLimit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	for range 3 {
		_, err := l.BeginRun(ctx, "/src", "gpt-4")
		require.NoError(t, err)
	}

	runs, err := l.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].FinishedAt.IsZero(), "unfinished run should have zero finished time")
}

func TestFinishUnknownRun(t *testing.T) {
	l := newTestLedger(t)
	assert.Error(t, l.FinishRun(context.Background(), "missing"))
}

func TestTotalTokens(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	gpt4, _ := l.BeginRun(ctx, "/src", "gpt-4")
	turbo, _ := l.BeginRun(ctx, "/src", "gpt-3.5-turbo")
	_ = l.RecordResult(ctx, gpt4.ID, written("/src/a.go", 100, 50))
	_ = l.RecordResult(ctx, turbo.ID, written("/src/a.go", 200, 100))

	cached := written("/src/b.go", 500, 500)
	cached.Cached = true
	cached.Billed = false
	_ = l.RecordResult(ctx, gpt4.ID, cached)

	old := written("/src/c.go", 1000, 1000)
	old.CreatedAt = now.Add(-48 * time.Hour)
	_ = l.RecordResult(ctx, gpt4.ID, old)

	since := now.Add(-time.Hour)
	tests := []struct {
		model string
		want  int64
	}{
		{"gpt-4", 150},
		{"gpt-3.5-turbo", 300},
		{"*", 450},
		{"", 450},
	}
	for _, tt := range tests {
		got, err := l.TotalTokens(ctx, tt.model, since)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "TotalTokens(%q)", tt.model)
	}
}

func TestTotalTokensCountsBilledFailures(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run, err := l.BeginRun(ctx, "/src", "gpt-4")
	require.NoError(t, err)

	// Answered by the service but never applied.
	for _, kind := range []models.FailureKind{models.FailureCommit, models.FailureProtocol} {
		res := models.FileResult{
			Path:             "/src/" + string(kind) + ".go",
			Outcome:          models.OutcomeFailed,
			Kind:             kind,
			PromptTokens:     700,
			CompletionTokens: 20,
			Billed:           true,
		}
		require.NoError(t, l.RecordResult(ctx, run.ID, res))
	}
	// Never reached the service.
	require.NoError(t, l.RecordResult(ctx, run.ID, models.FileResult{
		Path:         "/src/transport.go",
		Outcome:      models.OutcomeFailed,
		Kind:         models.FailureTransport,
		PromptTokens: 700,
	}))

	got, err := l.TotalTokens(ctx, "gpt-4", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1440), got)

	runs, err := l.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Failed)
	assert.Equal(t, int64(1440), runs[0].Tokens)
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	l1, err := New(dbPath)
	require.NoError(t, err)
	_ = l1.Close()

	l2, err := New(dbPath)
	require.NoError(t, err, "second New() failed")
	_ = l2.Close()
}

func TestMigrationAddsBilledColumn(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(createRunsTable)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE file_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
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
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`)
	require.NoError(t, err)
	require.False(t, columnExists(db, "file_results", "billed"))
	_ = db.Close()

	l, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	assert.True(t, columnExists(l.db, "file_results", "billed"))

	ctx := context.Background()
	run, err := l.BeginRun(ctx, "/src", "gpt-4")
	require.NoError(t, err)
	require.NoError(t, l.RecordResult(ctx, run.ID, written("/src/a.go", 10, 5)))
}
