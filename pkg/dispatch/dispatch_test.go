package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/docsmith/pkg/budget"
	"github.com/pario-ai/docsmith/pkg/client"
	"github.com/pario-ai/docsmith/pkg/job"
	"github.com/pario-ai/docsmith/pkg/models"
	"github.com/pario-ai/docsmith/pkg/prompt"
	"github.com/pario-ai/docsmith/pkg/writer"
)

var gpt4 = models.Model{Name: "gpt-4", ContextWindow: 8192}

func goPrompt(t *testing.T) *prompt.Builder {
	t.Helper()
	b, err := prompt.Load("go")
	require.NoError(t, err)
	return b
}

func settings(t *testing.T) Settings {
	return Settings{
		Root:   "/src",
		Model:  gpt4,
		Prompt: goPrompt(t),
		Sizing: job.Sizing{SkipOnOverflow: true, SafetyMargin: job.DefaultSafetyMargin},
	}
}

func controller(t *testing.T, tokens, requests int) *budget.Controller {
	t.Helper()
	c, err := budget.NewController(budget.Limits{Tokens: tokens, Requests: requests})
	require.NoError(t, err)
	return c
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func writeFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range n {
		paths[i] = filepath.Join(dir, fmt.Sprintf("f%02d.go", i))
		require.NoError(t, os.WriteFile(paths[i], []byte(fmt.Sprintf("func f%02d() {}\n", i)), 0o644))
	}
	return paths
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// completerFunc adapts a function to Completer and counts calls.
type completerFunc struct {
	calls atomic.Int64
	fn    func(ctx context.Context, req models.ChatCompletionRequest) (*client.Completion, error)
}

func (c *completerFunc) Complete(ctx context.Context, req models.ChatCompletionRequest) (*client.Completion, error) {
	c.calls.Add(1)
	return c.fn(ctx, req)
}

// bodyOf extracts the wrapped file body from the final user message.
func bodyOf(req models.ChatCompletionRequest) string {
	last := req.Messages[len(req.Messages)-1].Content
	last = strings.TrimPrefix(last, prompt.Begin+"\n")
	return strings.TrimSuffix(last, "\n"+prompt.End)
}

func documenting() *completerFunc {
	return &completerFunc{fn: func(_ context.Context, req models.ChatCompletionRequest) (*client.Completion, error) {
		return &client.Completion{Content: "// documented\n" + bodyOf(req)}, nil
	}}
}

// chatServer serves completions, failing bodies that contain "FAIL" with a
// rate limit error.
func chatServer(t *testing.T, reply func(body string) string) *client.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body := bodyOf(req)
		if strings.Contains(body, "FAIL") {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Choices: []models.Choice{{Message: models.ChatMessage{Role: models.RoleAssistant, Content: reply(body)}}},
			Usage:   &models.Usage{PromptTokens: 700, CompletionTokens: 20, TotalTokens: 720},
		})
	}))
	t.Cleanup(srv.Close)

	c, err := client.New(client.Options{BaseURL: srv.URL, APIKey: "sk-test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestRunWritesStrippedReplyEndToEnd(t *testing.T) {
	paths := writeFiles(t, 1)
	c := chatServer(t, func(body string) string { return client.DefaultSentinel + "// F documents f.\n" + body })

	d, err := New(settings(t), c, controller(t, 90000, 10), writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	require.NoError(t, rep.Err())

	assert.Equal(t, 1, rep.Written)
	assert.Equal(t, "// F documents f.\nfunc f00() {}\n", readFile(t, paths[0]))
	assert.Equal(t, 720, rep.Results[0].TotalTokens())
	assert.Equal(t, int64(720), rep.Tokens)
}

func TestRunMissingSentinelLeavesFileUntouched(t *testing.T) {
	paths := writeFiles(t, 1)
	before := readFile(t, paths[0])
	c := chatServer(t, func(body string) string { return "// no sentinel\n" + body })

	d, err := New(settings(t), c, controller(t, 90000, 10), writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)

	require.Equal(t, 1, rep.Failed)
	assert.Equal(t, models.FailureProtocol, rep.Results[0].Kind)
	assert.ErrorIs(t, rep.Err(), client.ErrProtocolViolation)
	assert.Equal(t, before, readFile(t, paths[0]))

	// The service answered, so the call is paid for.
	assert.True(t, rep.Results[0].Billed)
	assert.Equal(t, 720, rep.Results[0].TotalTokens())
	assert.Equal(t, int64(720), rep.Tokens)
}

func TestRunServiceErrorReleasesAdmission(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, body := range []string{"func a() {}\n", "func FAIL() {}\n", "func c() {}\n"} {
		p := filepath.Join(dir, fmt.Sprintf("%d.go", i))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		paths = append(paths, p)
	}
	c := chatServer(t, func(body string) string { return client.DefaultSentinel + "// doc\n" + body })
	ctrl := controller(t, 90000, 1)

	d, err := New(settings(t), c, ctrl, writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Written)
	require.Equal(t, 1, rep.Failed)
	failed := rep.Failures()[0]
	assert.Equal(t, paths[1], failed.Path)
	assert.Equal(t, models.FailureService, failed.Kind)
	assert.Contains(t, failed.Message, "rate limited")
	assert.Equal(t, "func FAIL() {}\n", readFile(t, paths[1]))

	u := ctrl.Snapshot()
	assert.Zero(t, u.TokensInFlight)
	assert.Zero(t, u.RequestsInFlight)
}

func TestRunSkipsOversizedWithoutAdmission(t *testing.T) {
	paths := writeFiles(t, 1)
	before := readFile(t, paths[0])

	s := settings(t)
	s.Model = models.Model{Name: "tiny", ContextWindow: 50}

	// The only request slot is taken, so any admission attempt would block
	// until the deadline and fail as cancelled.
	ctrl := controller(t, 90000, 1)
	require.True(t, ctrl.TryAdmit(0))

	comp := documenting()
	d, err := New(s, comp, ctrl, writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	rep, err := d.Run(ctx, paths)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, models.OutcomeSkipped, rep.Results[0].Outcome)
	assert.Contains(t, rep.Results[0].Message, "context window")
	assert.Zero(t, comp.calls.Load())
	assert.Equal(t, 1, ctrl.Snapshot().RequestsInFlight)
	assert.Equal(t, before, readFile(t, paths[0]))
	assert.NoError(t, rep.Err())
}

func TestRunOverflowWithoutSkipIsNearLimit(t *testing.T) {
	paths := writeFiles(t, 1)
	b := goPrompt(t)
	j := job.New(paths[0], readFile(t, paths[0]), b, gpt4)

	s := settings(t)
	s.Sizing.SkipOnOverflow = false
	s.Model = models.Model{Name: "snug", ContextWindow: j.PromptTokens + j.InputTokens}

	d, err := New(s, documenting(), controller(t, 90000, 10), writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Written)
	assert.True(t, rep.Results[0].NearLimit)
}

func TestRunBatchAllWritten(t *testing.T) {
	const n = 24
	paths := writeFiles(t, n)
	b := goPrompt(t)
	cost := job.New(paths[0], readFile(t, paths[0]), b, gpt4).Cost()

	const requestLimit = 3
	ctrl := controller(t, 2*cost+1, requestLimit)

	var inFlight, peak atomic.Int64
	comp := &completerFunc{fn: func(_ context.Context, req models.ChatCompletionRequest) (*client.Completion, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return &client.Completion{Content: "// documented\n" + bodyOf(req)}, nil
	}}

	d, err := New(settings(t), comp, ctrl, writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	require.NoError(t, rep.Err())

	assert.Equal(t, n, rep.Written)
	assert.Equal(t, int64(n), comp.calls.Load())
	assert.LessOrEqual(t, peak.Load(), int64(2), "token limit allows two jobs at once")
	for i, p := range paths {
		assert.Equal(t, fmt.Sprintf("// documented\nfunc f%02d() {}\n", i), readFile(t, p))
	}
	assert.Zero(t, ctrl.Snapshot().RequestsInFlight)
	assert.Zero(t, ctrl.Snapshot().TokensInFlight)
}

func TestRunCancelWhileWaitingForAdmission(t *testing.T) {
	paths := writeFiles(t, 4)
	ctrl := controller(t, 90000, 1)
	require.True(t, ctrl.TryAdmit(0))
	before := ctrl.Snapshot()

	comp := documenting()
	d, err := New(settings(t), comp, ctrl, writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	rep, err := d.Run(ctx, paths)
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Failed)
	for _, res := range rep.Results {
		assert.Equal(t, models.FailureCancelled, res.Kind)
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Zero(t, comp.calls.Load())
	assert.Equal(t, before, ctrl.Snapshot())
	assert.Equal(t, "func f00() {}\n", readFile(t, paths[0]))
}

func TestRunDeadlineWhileWaitingForAdmission(t *testing.T) {
	paths := writeFiles(t, 2)
	ctrl := controller(t, 90000, 1)
	require.True(t, ctrl.TryAdmit(0))
	before := ctrl.Snapshot()

	comp := documenting()
	d, err := New(settings(t), comp, ctrl, writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rep, err := d.Run(ctx, paths)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Failed)
	for _, res := range rep.Results {
		assert.Equal(t, models.FailureCancelled, res.Kind)
		assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
		assert.Zero(t, res.TotalTokens())
	}
	assert.Zero(t, comp.calls.Load())
	assert.Equal(t, before, ctrl.Snapshot())
}

func TestRunDeadlineDuringCallIsCancelled(t *testing.T) {
	paths := writeFiles(t, 1)
	comp := &completerFunc{fn: func(ctx context.Context, _ models.ChatCompletionRequest) (*client.Completion, error) {
		<-ctx.Done()
		return nil, &client.TransportError{Err: ctx.Err()}
	}}
	ctrl := controller(t, 90000, 10)
	d, err := New(settings(t), comp, ctrl, writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rep, err := d.Run(ctx, paths)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	assert.Equal(t, models.FailureCancelled, rep.Results[0].Kind)
	assert.Equal(t, int64(1), comp.calls.Load())
	assert.Zero(t, ctrl.Snapshot().RequestsInFlight)
}

func TestRunCallTimeoutIsTransport(t *testing.T) {
	paths := writeFiles(t, 1)
	// The client gave up on its own; the run itself is still live.
	comp := &completerFunc{fn: func(context.Context, models.ChatCompletionRequest) (*client.Completion, error) {
		return nil, &client.TransportError{Err: context.DeadlineExceeded}
	}}
	d, err := New(settings(t), comp, controller(t, 90000, 10), writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	assert.Equal(t, models.FailureTransport, rep.Results[0].Kind)
	assert.False(t, rep.Results[0].Billed)
}

func TestRunCostAboveLimitIsOversize(t *testing.T) {
	paths := writeFiles(t, 1)
	comp := documenting()
	d, err := New(settings(t), comp, controller(t, 10, 10), writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	assert.Equal(t, models.FailureOversize, rep.Results[0].Kind)
	assert.Zero(t, comp.calls.Load())
}

type failingCommitter struct{}

func (failingCommitter) Commit(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestRunCommitFailure(t *testing.T) {
	paths := writeFiles(t, 2)
	ctrl := controller(t, 90000, 10)
	d, err := New(settings(t), documenting(), ctrl, failingCommitter{}, WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Failed)
	for _, res := range rep.Results {
		assert.Equal(t, models.FailureCommit, res.Kind)
	}
	assert.Zero(t, ctrl.Snapshot().RequestsInFlight)
}

func TestRunCommitFailureIsBilled(t *testing.T) {
	paths := writeFiles(t, 1)
	c := chatServer(t, func(body string) string { return client.DefaultSentinel + "// doc\n" + body })
	d, err := New(settings(t), c, controller(t, 90000, 10), failingCommitter{}, WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)

	res := rep.Results[0]
	assert.Equal(t, models.FailureCommit, res.Kind)
	assert.True(t, res.Billed)
	assert.Equal(t, 700, res.PromptTokens)
	assert.Equal(t, 20, res.CompletionTokens)
	assert.Equal(t, 720, res.TotalTokens())
	assert.Equal(t, int64(720), rep.Tokens)
}

func TestRunReadFailure(t *testing.T) {
	d, err := New(settings(t), documenting(), controller(t, 90000, 10), writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), []string{filepath.Join(t.TempDir(), "missing.go")})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	assert.Equal(t, models.FailureRead, rep.Results[0].Kind)
}

func TestRunSkipsEmptyFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.go")
	require.NoError(t, os.WriteFile(p, []byte("\n  \n"), 0o644))
	comp := documenting()

	d, err := New(settings(t), comp, controller(t, 90000, 10), writer.New(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), []string{p})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, comp.calls.Load())
}

func TestRunDryRun(t *testing.T) {
	paths := writeFiles(t, 3)
	s := settings(t)
	s.DryRun = true

	d, err := New(s, nil, nil, nil)
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Planned)
	for i, res := range rep.Results {
		assert.Equal(t, models.OutcomePlanned, res.Outcome)
		assert.Positive(t, res.Cost)
		assert.Positive(t, res.Headroom)
		assert.Equal(t, fmt.Sprintf("func f%02d() {}\n", i), readFile(t, paths[i]))
	}
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func (c *memCache) key(model string, msgs []models.ChatMessage) string {
	return model + "|" + msgs[len(msgs)-1].Content
}

func (c *memCache) Get(_ context.Context, model string, msgs []models.ChatMessage) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[c.key(model, msgs)]
	return v, ok
}

func (c *memCache) Put(_ context.Context, model string, msgs []models.ChatMessage, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(model, msgs)] = content
	return nil
}

func TestRunCacheHitSkipsNetwork(t *testing.T) {
	paths := writeFiles(t, 1)
	cache := &memCache{entries: map[string]string{}}
	comp := documenting()
	ctrl := controller(t, 90000, 10)

	d, err := New(settings(t), comp, ctrl, writer.New(), WithCache(cache), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Written)
	assert.False(t, rep.Results[0].Cached)
	assert.Equal(t, int64(1), comp.calls.Load())

	// Restore the original so the second run hashes the same prompt.
	require.NoError(t, os.WriteFile(paths[0], []byte("func f00() {}\n"), 0o644))

	rep, err = d.Run(context.Background(), paths)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Written)
	assert.True(t, rep.Results[0].Cached)
	assert.Equal(t, 1, rep.Cached)
	assert.Zero(t, rep.Tokens)
	assert.Equal(t, int64(1), comp.calls.Load())
	assert.Equal(t, "// documented\nfunc f00() {}\n", readFile(t, paths[0]))
}

type gateFunc func(ctx context.Context, model string) error

func (f gateFunc) Check(ctx context.Context, model string) error { return f(ctx, model) }

func TestRunGateRefusesRun(t *testing.T) {
	paths := writeFiles(t, 2)
	comp := documenting()
	gate := gateFunc(func(context.Context, string) error { return budget.ErrBudgetExceeded })

	d, err := New(settings(t), comp, controller(t, 90000, 10), writer.New(), WithEnforcer(gate))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Nil(t, rep)
	assert.Zero(t, comp.calls.Load())
}

type memRecorder struct {
	mu       sync.Mutex
	runs     int
	finished int
	results  []models.FileResult
}

func (r *memRecorder) BeginRun(_ context.Context, root, model string) (models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	return models.Run{ID: "run-1", Root: root, Model: model}, nil
}

func (r *memRecorder) RecordResult(_ context.Context, runID string, res models.FileResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *memRecorder) FinishRun(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
	return nil
}

type countingObserver struct {
	started, finished atomic.Int64
}

func (o *countingObserver) FileStarted(string)             { o.started.Add(1) }
func (o *countingObserver) FileFinished(models.FileResult) { o.finished.Add(1) }

func TestRunRecordsAndObserves(t *testing.T) {
	paths := writeFiles(t, 5)
	rec := &memRecorder{}
	obs := &countingObserver{}

	d, err := New(settings(t), documenting(), controller(t, 90000, 10), writer.New(),
		WithRecorder(rec), WithObserver(obs), WithLogger(quietLogger()))
	require.NoError(t, err)

	rep, err := d.Run(context.Background(), paths)
	require.NoError(t, err)

	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, 1, rec.runs)
	assert.Equal(t, 1, rec.finished)
	assert.Len(t, rec.results, 5)
	assert.Equal(t, int64(5), obs.started.Load())
	assert.Equal(t, int64(5), obs.finished.Load())
}

func TestNewValidates(t *testing.T) {
	s := settings(t)
	_, err := New(s, nil, nil, nil)
	assert.Error(t, err)

	s.Prompt = nil
	s.DryRun = true
	_, err = New(s, nil, nil, nil)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.FailureKind
	}{
		{"nil", nil, models.FailureNone},
		{"oversize", fmt.Errorf("x: %w", budget.ErrCostExceedsLimit), models.FailureOversize},
		{"service", &client.ServiceError{StatusCode: 429, Message: "rate limited"}, models.FailureService},
		{"protocol", fmt.Errorf("%w: bad", client.ErrProtocolViolation), models.FailureProtocol},
		{"protocol with usage", &client.ProtocolError{Reason: "no sentinel", Usage: &models.Usage{TotalTokens: 1}}, models.FailureProtocol},
		{"cancelled", context.Canceled, models.FailureCancelled},
		{"cancelled transport", &client.TransportError{Err: context.Canceled}, models.FailureCancelled},
		{"timeout", &client.TransportError{Err: context.DeadlineExceeded}, models.FailureTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
