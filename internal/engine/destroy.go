package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/deployerr"
	"github.com/paguebem/infra/internal/resource"
	"github.com/paguebem/infra/internal/state"
)

// PlanDestroy computes what a destroy would remove and what it would keep.
func (e *Engine) PlanDestroy(ctx context.Context) (*Plan, error) {
	var plan *Plan
	err := state.WithLock(ctx, e.backend, "plan", func(ctx context.Context) error {
		st, err := e.backend.Get(ctx)
		if err != nil {
			return err
		}
		plan = e.planDestroy(st)
		return nil
	})
	return plan, err
}

func (e *Engine) planDestroy(st *state.State) *Plan {
	plan := e.newPlan(OperationDestroy, st)
	for _, addr := range e.stack.Reverse() {
		current := st.Find(addr)
		if current == nil {
			continue
		}
		r, _ := e.stack.Get(addr)
		change := &Change{Address: addr, Type: r.Type(), Action: ActionDelete}
		switch rt, ok := r.(resource.Retainer); {
		case current.Retained:
			change.Action = ActionNoOp
			change.Reasons = []string{"already retained"}
		case ok && rt.Retains():
			change.Action = ActionRetain
			change.Reasons = []string{"kept by deletion policy"}
		}
		if change.Action.Mutating() {
			change.Before = redact(r, current.Inputs)
		}
		plan.Changes = append(plan.Changes, change)
	}
	return plan
}

// Destroy removes every recorded resource, dependents first. Resources kept
// by a deletion policy stay in state marked retained.
func (e *Engine) Destroy(ctx context.Context) (*Plan, error) {
	var plan *Plan
	err := state.WithLock(ctx, e.backend, "destroy", func(ctx context.Context) error {
		st, err := e.backend.Get(ctx)
		if err != nil {
			return err
		}
		plan = e.planDestroy(st)
		plan.Status = StatusValidated

		for _, change := range plan.Changes {
			if !change.Action.Mutating() {
				continue
			}
			r, _ := e.stack.Get(change.Address)
			current := st.Find(change.Address)
			logger := e.logger.With(zap.String("address", change.Address))

			err := r.Delete(ctx, current)
			switch {
			case errors.Is(err, resource.ErrRetained):
				current.Retained = true
				change.Action = ActionRetain
				logger.Info("retained")
			case err != nil:
				plan.Status = StatusFailed
				logger.Error("destroy failed", zap.Error(err))
				return &deployerr.ProvisioningError{Address: change.Address, Op: "delete", Err: err}
			default:
				st.Remove(change.Address)
				logger.Info("destroyed")
			}
			if err := e.persist(ctx, st); err != nil {
				plan.Status = StatusFailed
				return err
			}
		}
		plan.Status = StatusApplied
		return nil
	})
	return plan, err
}
