// Package job holds the per-file unit of work and its context-window sizing
// policy.
package job

import (
	"github.com/pario-ai/docsmith/pkg/models"
	"github.com/pario-ai/docsmith/pkg/prompt"
	"github.com/pario-ai/docsmith/pkg/tokens"
)

// DefaultSafetyMargin is the headroom multiplier below which a job is
// flagged as close to the context limit.
const DefaultSafetyMargin = 1.1

// Job is one file's documentation request. It is not modified after New.
type Job struct {
	Path     string
	Body     string
	Messages []models.ChatMessage
	Model    models.Model
	// PromptTokens is the estimated size of Messages including framing.
	PromptTokens int
	// InputTokens is the estimated size of Body alone.
	InputTokens int
}

// New builds the job for the file at path with contents body.
func New(path, body string, b *prompt.Builder, m models.Model) *Job {
	msgs := b.Messages(body)
	return &Job{
		Path:         path,
		Body:         body,
		Messages:     msgs,
		Model:        m,
		PromptTokens: tokens.Messages(msgs),
		InputTokens:  tokens.Estimate(body),
	}
}

// Cost is the number of tokens the job holds against the shared budget: the
// prompt plus a reply as long as the input.
func (j *Job) Cost() int {
	return j.PromptTokens + j.InputTokens
}

// Request returns the wire request for the job.
func (j *Job) Request(temperature float64) models.ChatCompletionRequest {
	t := temperature
	return models.ChatCompletionRequest{
		Model:       j.Model.Name,
		Messages:    j.Messages,
		Temperature: &t,
		Stop:        prompt.End,
	}
}

// Sizing controls how jobs near the context window are treated.
type Sizing struct {
	SkipOnOverflow bool    `yaml:"skip_on_overflow"`
	SafetyMargin   float64 `yaml:"safety_margin"`
}

// Plan is the sizing decision for a job.
type Plan struct {
	// Headroom is the context window left after the prompt.
	Headroom int
	// Overflow reports that the headroom cannot hold a reply as long as
	// the input.
	Overflow bool
	// Skip reports that the job must not be sent.
	Skip bool
	// NearLimit reports that the job is sent but the reply may be cut off.
	NearLimit bool
}

// Plan applies s to the job. The estimate is a heuristic: a reply that
// arrives despite a low estimate is still used.
func (j *Job) Plan(s Sizing) Plan {
	margin := s.SafetyMargin
	if margin < 1 {
		margin = DefaultSafetyMargin
	}
	p := Plan{Headroom: j.Model.ContextWindow - j.PromptTokens}
	p.Overflow = p.Headroom <= j.InputTokens
	p.Skip = p.Overflow && s.SkipOnOverflow
	p.NearLimit = !p.Skip && float64(p.Headroom) < margin*float64(j.InputTokens)
	return p
}
