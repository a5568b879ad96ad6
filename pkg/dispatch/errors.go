package dispatch

import (
	"context"
	"errors"

	"github.com/pario-ai/docsmith/pkg/budget"
	"github.com/pario-ai/docsmith/pkg/client"
	"github.com/pario-ai/docsmith/pkg/models"
)

// Classify maps an admission or completion error to a failure kind on its
// own. A deadline is a transport timeout here; process records failures
// after the run context has ended as cancelled.
func Classify(err error) models.FailureKind {
	var svcErr *client.ServiceError
	switch {
	case err == nil:
		return models.FailureNone
	case errors.Is(err, budget.ErrCostExceedsLimit):
		return models.FailureOversize
	case errors.As(err, &svcErr):
		return models.FailureService
	case errors.Is(err, client.ErrProtocolViolation):
		return models.FailureProtocol
	case errors.Is(err, context.Canceled):
		return models.FailureCancelled
	default:
		return models.FailureTransport
	}
}
