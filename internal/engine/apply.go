package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/deployerr"
	"github.com/paguebem/infra/internal/resource"
	"github.com/paguebem/infra/internal/state"
)

// journalEntry is a step a failed apply has to compensate. prior is nil when
// the step created the resource.
type journalEntry struct {
	resource resource.Resource
	prior    *state.ResourceState
	current  *state.ResourceState
}

// Apply plans and applies in one locked operation.
func (e *Engine) Apply(ctx context.Context) (*Plan, error) {
	return e.ApplyWith(ctx, Options{})
}

// ApplyWith plans with opts and applies in one locked operation.
func (e *Engine) ApplyWith(ctx context.Context, opts Options) (*Plan, error) {
	return e.apply(ctx, nil, opts)
}

// ApplyPlan applies exactly the reviewed plan. It refuses with ErrStalePlan,
// before touching anything, if state moved on or if any resource would now
// take a different action or be given different inputs.
func (e *Engine) ApplyPlan(ctx context.Context, reviewed *Plan) (*Plan, error) {
	if reviewed == nil {
		return e.Apply(ctx)
	}
	return e.apply(ctx, reviewed, Options{ForceBuild: reviewed.ForceBuild})
}

func (e *Engine) apply(ctx context.Context, reviewed *Plan, opts Options) (*Plan, error) {
	var plan *Plan
	err := state.WithLock(ctx, e.backend, "apply", func(ctx context.Context) error {
		st, err := e.backend.Get(ctx)
		if err != nil {
			return err
		}
		if reviewed != nil && reviewed.Serial != st.Serial {
			return fmt.Errorf("%w: planned at serial %d, state is at %d", ErrStalePlan, reviewed.Serial, st.Serial)
		}

		plan, err = e.planApply(ctx, st, opts)
		if err != nil {
			return err
		}
		if reviewed != nil {
			if err := plan.divergence(reviewed); err != nil {
				e.logger.Warn("refusing reviewed plan", zap.String("plan", reviewed.ID), zap.Error(err))
				return err
			}
			plan.ID = reviewed.ID
		}
		plan.Status = StatusValidated

		if err := e.execute(ctx, st, plan, opts); err != nil {
			plan.Status = StatusFailed
			return err
		}
		plan.Status = StatusApplied
		return nil
	})
	return plan, err
}

// execute re-decides each resource from the live attributes of the ones
// before it. Inputs that were fully known at plan time must not change.
func (e *Engine) execute(ctx context.Context, st *state.State, plan *Plan, opts Options) error {
	var journal []journalEntry
	attrs := map[string]resource.Attributes{}
	dirty := false

	for _, addr := range e.stack.Order() {
		r, _ := e.stack.Get(addr)
		current := st.Find(addr)
		change := plan.change(addr)

		raw, err := desired(r, attrs)
		if err != nil {
			return e.rollback(ctx, st, journal, err)
		}
		if change != nil && !change.deferred && change.InputsHash != state.Hash(raw) {
			err := fmt.Errorf("%w: inputs of %s changed during apply", ErrStalePlan, addr)
			return e.rollback(ctx, st, journal, err)
		}
		missing := current != nil && change != nil && change.Action == ActionCreate
		action, reasons := decide(r, current, raw, missing, opts)
		if change != nil {
			change.Action, change.Reasons = action, reasons
			if action.Mutating() {
				change.After = redact(r, raw)
			}
		}

		if action == ActionNoOp {
			attrs[addr] = resource.Attributes(current.Attributes)
			if current.Retained {
				current.Retained = false
				dirty = true
			}
			continue
		}

		logger := e.logger.With(zap.String("address", addr), zap.String("action", string(action)))
		logger.Info("applying", zap.Strings("reasons", reasons))

		next, err := e.applyOne(ctx, r, action, current, raw)
		if err != nil {
			logger.Error("apply failed", zap.Error(err))
			return e.rollback(ctx, st, journal, &deployerr.ProvisioningError{Address: addr, Op: string(action), Err: err})
		}

		entry := journalEntry{resource: r, current: next}
		if action == ActionUpdate {
			entry.prior = current
		}
		journal = append(journal, entry)

		st.Upsert(next)
		attrs[addr] = resource.Attributes(next.Attributes)
		if err := e.persist(ctx, st); err != nil {
			return e.rollback(ctx, st, journal, err)
		}
		dirty = false
		logger.Info("applied")
	}

	if dirty {
		return e.persist(ctx, st)
	}
	return nil
}

func (e *Engine) applyOne(ctx context.Context, r resource.Resource, action Action, current *state.ResourceState, raw json.RawMessage) (*state.ResourceState, error) {
	var (
		attrs resource.Attributes
		err   error
	)
	switch action {
	case ActionCreate:
		attrs, err = r.Create(ctx, raw)
	case ActionUpdate:
		attrs, err = r.Update(ctx, current, raw)
	case ActionReplace:
		if err = r.Delete(ctx, current); err != nil {
			if !errors.Is(err, resource.ErrRetained) {
				return nil, err
			}
			e.logger.Warn("replaced resource retained and no longer tracked", zap.String("address", r.Address()))
		}
		attrs, err = r.Create(ctx, raw)
	default:
		return nil, fmt.Errorf("unexpected action %s", action)
	}
	if err != nil {
		return nil, err
	}
	return &state.ResourceState{
		Address:      r.Address(),
		Type:         r.Type(),
		Inputs:       raw,
		InputsHash:   state.Hash(raw),
		Attributes:   attrs,
		Dependencies: r.DependsOn(),
	}, nil
}

// rollback compensates the journal in reverse order and records what it
// could not undo.
func (e *Engine) rollback(ctx context.Context, st *state.State, journal []journalEntry, cause error) error {
	if len(journal) == 0 {
		return cause
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	e.logger.Warn("rolling back", zap.Error(cause), zap.Int("steps", len(journal)))

	var failures []error
	for i := len(journal) - 1; i >= 0; i-- {
		entry := journal[i]
		addr := entry.resource.Address()
		if err := compensate(ctx, entry); err != nil {
			e.logger.Error("rollback failed", zap.String("address", addr), zap.Error(err))
			failures = append(failures, &deployerr.ProvisioningError{Address: addr, Op: "rollback", Err: err})
			continue
		}
		if entry.prior == nil {
			st.Remove(addr)
		} else {
			st.Upsert(entry.prior)
		}
		e.logger.Info("rolled back", zap.String("address", addr))
	}

	if err := e.persist(ctx, st); err != nil {
		failures = append(failures, err)
	}
	if len(failures) > 0 {
		return &deployerr.RollbackError{Cause: cause, Failures: failures}
	}
	return cause
}

func compensate(ctx context.Context, entry journalEntry) error {
	if c, ok := entry.resource.(resource.Compensator); ok {
		return c.Rollback(ctx, entry.prior, entry.current)
	}
	if entry.prior == nil {
		err := entry.resource.Delete(ctx, entry.current)
		if errors.Is(err, resource.ErrRetained) {
			return nil
		}
		return err
	}
	_, err := entry.resource.Update(ctx, entry.current, entry.prior.Inputs)
	return err
}
