package models

import "time"

// Outcome is the terminal state of a file job.
type Outcome string

const (
	OutcomeWritten Outcome = "written"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	// OutcomePlanned marks a dry-run job that was sized but never sent.
	OutcomePlanned Outcome = "planned"
)

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransport FailureKind = "transport"
	FailureService   FailureKind = "service"
	FailureProtocol  FailureKind = "protocol"
	FailureCommit    FailureKind = "commit"
	FailureCancelled FailureKind = "cancelled"
	FailureRead      FailureKind = "read"
	FailureOversize  FailureKind = "oversize"
)

// FileResult is the record of one file's job.
type FileResult struct {
	Path             string      `json:"path"`
	Outcome          Outcome     `json:"outcome"`
	Kind             FailureKind `json:"kind,omitempty"`
	Message          string      `json:"message,omitempty"`
	Err              error       `json:"-"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	Cost             int         `json:"cost"`
	Headroom         int         `json:"headroom"`
	NearLimit        bool        `json:"near_limit,omitempty"`
	Cached           bool        `json:"cached,omitempty"`
	// Billed is set once the service answered a request, whatever the outcome.
	Billed    bool          `json:"billed,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// TotalTokens returns the tokens billed for the file, zero when no call was answered.
func (r FileResult) TotalTokens() int {
	if !r.Billed {
		return 0
	}
	return r.PromptTokens + r.CompletionTokens
}

// Bill records the usage the service reported for the file's exchange.
func (r *FileResult) Bill(u *Usage) {
	r.PromptTokens = u.PromptTokens
	r.CompletionTokens = u.CompletionTokens
	r.Billed = true
}

// Run summarises one invocation over a set of files.
type Run struct {
	ID         string    `json:"id"`
	Root       string    `json:"root"`
	Model      string    `json:"model"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Files      int       `json:"files"`
	Written    int       `json:"written"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Tokens     int64     `json:"tokens"`
}
