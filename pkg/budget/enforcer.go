package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/docsmith/pkg/models"
)

// ErrBudgetExceeded is returned when a policy's period allowance is spent.
var ErrBudgetExceeded = errors.New("budget exceeded")

// UsageSource reports billed tokens. It is satisfied by the run ledger.
type UsageSource interface {
	TotalTokens(ctx context.Context, model string, since time.Time) (int64, error)
}

// Enforcer checks token usage against budget policies.
type Enforcer struct {
	policies []models.BudgetPolicy
	usage    UsageSource
	now      func() time.Time
}

// New creates an Enforcer with the given policies and usage source.
func New(policies []models.BudgetPolicy, usage UsageSource) *Enforcer {
	return &Enforcer{policies: policies, usage: usage, now: time.Now}
}

// Check returns ErrBudgetExceeded if any policy covering model is spent.
func (e *Enforcer) Check(ctx context.Context, model string) error {
	for _, p := range e.applicablePolicies(model) {
		used, err := e.used(ctx, p)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxTokens {
			return fmt.Errorf("%w: %s %s policy used %d of %d tokens",
				ErrBudgetExceeded, policyModel(p), p.Period, used, p.MaxTokens)
		}
	}
	return nil
}

// Status returns usage against every policy.
func (e *Enforcer) Status(ctx context.Context) ([]models.BudgetStatus, error) {
	statuses := make([]models.BudgetStatus, 0, len(e.policies))
	for _, p := range e.policies {
		used, err := e.used(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		remaining := p.MaxTokens - used
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Used:      used,
			Remaining: remaining,
		})
	}
	return statuses, nil
}

func (e *Enforcer) used(ctx context.Context, p models.BudgetPolicy) (int64, error) {
	return e.usage.TotalTokens(ctx, p.Model, periodStart(p.Period, e.now()))
}

func (e *Enforcer) applicablePolicies(model string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policies {
		if p.Model == "" || p.Model == "*" || p.Model == model {
			result = append(result, p)
		}
	}
	return result
}

func policyModel(p models.BudgetPolicy) string {
	if p.Model == "" {
		return "*"
	}
	return p.Model
}

func periodStart(period models.BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
