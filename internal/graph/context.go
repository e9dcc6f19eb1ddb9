package graph

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vsavkov/maestro/internal/memory"
	"github.com/vsavkov/maestro/internal/model"
	"github.com/vsavkov/maestro/internal/resilience"
)

// ExecContext is handed to every node invocation. It carries the
// session-scoped collaborators; nodes must not retain it past their call.
type ExecContext struct {
	SessionID string
	Model     model.Model
	// Memory is optional; nodes must tolerate nil.
	Memory memory.Manager
	Logger zerolog.Logger
	Retry  model.RetryPolicy
	// Budget estimates context usage for the session's model.
	Budget *resilience.BudgetGuard
}

// InvokeModel calls the session model with classified-error retry.
func (ec *ExecContext) InvokeModel(ctx context.Context, msgs []model.Message) (model.Response, error) {
	return model.InvokeWithRetry(ctx, ec.Model, msgs, ec.Retry)
}

// CheckBudget estimates usage for the given messages. A nil guard is
// created lazily from the model name.
func (ec *ExecContext) CheckBudget(contents []string) resilience.Budget {
	if ec.Budget == nil {
		name := ""
		if ec.Model != nil {
			name = ec.Model.Name()
		}
		ec.Budget = resilience.NewBudgetGuard(name, 0)
	}
	return ec.Budget.Check(contents)
}
