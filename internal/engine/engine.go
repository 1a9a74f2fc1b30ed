// Package engine reconciles a resource stack against recorded state.
//
// Every operation holds the state lock from start to finish. Apply walks the
// stack in dependency order, destroy walks it backwards, and a failed apply
// compensates whatever it already did before releasing the lock.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/deployerr"
	"github.com/paguebem/infra/internal/resource"
	"github.com/paguebem/infra/internal/state"
)

// ErrStalePlan is returned when state, config or build inputs moved on after
// a plan was reviewed.
var ErrStalePlan = errors.New("plan no longer matches what apply would do")

// Options adjust a single plan or apply.
type Options struct {
	// ForceBuild re-runs rebuildable resources even when their inputs are
	// unchanged.
	ForceBuild bool
}

type Engine struct {
	stack   *resource.Stack
	backend state.Backend
	logger  *zap.Logger
	now     func() time.Time
}

func New(stack *resource.Stack, backend state.Backend, logger *zap.Logger) *Engine {
	return &Engine{
		stack:   stack,
		backend: backend,
		logger:  logger.With(zap.String("state", backend.Key())),
		now:     time.Now,
	}
}

// State returns the recorded state without taking the lock.
func (e *Engine) State(ctx context.Context) (*state.State, error) {
	return e.backend.Get(ctx)
}

// Outputs returns the outputs recorded by the last apply or destroy.
func (e *Engine) Outputs(ctx context.Context) (map[string]string, error) {
	st, err := e.backend.Get(ctx)
	if err != nil {
		return nil, err
	}
	if st.Outputs == nil {
		return map[string]string{}, nil
	}
	return st.Outputs, nil
}

func (e *Engine) newPlan(op Operation, st *state.State) *Plan {
	return &Plan{
		ID:        uuid.New().String(),
		Operation: op,
		StateKey:  e.backend.Key(),
		Serial:    st.Serial,
		Status:    StatusPlanned,
		CreatedAt: e.now().UTC(),
	}
}

// Plan computes the changes an apply would make.
func (e *Engine) Plan(ctx context.Context) (*Plan, error) {
	return e.PlanWith(ctx, Options{})
}

// PlanWith computes the changes an apply with opts would make. The options
// are recorded so that applying the plan later uses the same ones.
func (e *Engine) PlanWith(ctx context.Context, opts Options) (*Plan, error) {
	var plan *Plan
	err := state.WithLock(ctx, e.backend, "plan", func(ctx context.Context) error {
		st, err := e.backend.Get(ctx)
		if err != nil {
			return err
		}
		plan, err = e.planApply(ctx, st, opts)
		return err
	})
	return plan, err
}

func (e *Engine) planApply(ctx context.Context, st *state.State, opts Options) (*Plan, error) {
	plan := e.newPlan(OperationApply, st)
	plan.ForceBuild = opts.ForceBuild
	projected := map[string]resource.Attributes{}

	for _, addr := range e.stack.Order() {
		r, _ := e.stack.Get(addr)
		current := st.Find(addr)

		missing := false
		if current != nil {
			exists, err := r.Exists(ctx, current)
			if err != nil {
				return nil, &deployerr.ProvisioningError{Address: addr, Op: "read", Err: err}
			}
			if !exists {
				missing = true
				plan.Drift = append(plan.Drift, Drift{Address: addr, Reason: "missing from the platform"})
			}
		}

		raw, err := desired(r, projected)
		if err != nil {
			return nil, err
		}
		action, reasons := decide(r, current, raw, missing, opts)

		change := &Change{
			Address:    addr,
			Type:       r.Type(),
			Action:     action,
			Reasons:    reasons,
			InputsHash: state.Hash(raw),
			deferred:   bytes.Contains(raw, []byte(resource.Unknown)),
		}
		if action.Mutating() {
			if current != nil {
				change.Before = redact(r, current.Inputs)
			}
			change.After = redact(r, raw)
		}
		plan.Changes = append(plan.Changes, change)
		projected[addr] = project(r, current, action)
	}
	return plan, nil
}

func desired(r resource.Resource, attrs map[string]resource.Attributes) (json.RawMessage, error) {
	deps := make(map[string]resource.Attributes, len(r.DependsOn()))
	for _, dep := range r.DependsOn() {
		deps[dep] = attrs[dep]
	}
	spec, err := r.Desired(deps)
	if err != nil {
		return nil, &deployerr.ProvisioningError{Address: r.Address(), Op: "plan", Err: err}
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, &deployerr.ProvisioningError{Address: r.Address(), Op: "plan", Err: err}
	}
	return raw, nil
}

func decide(r resource.Resource, current *state.ResourceState, raw json.RawMessage, missing bool, opts Options) (Action, []string) {
	switch {
	case current == nil:
		return ActionCreate, []string{"not in state"}
	case missing:
		return ActionCreate, []string{"missing from the platform"}
	case current.InputsHash == state.Hash(raw):
		if rb, ok := r.(resource.Rebuildable); ok && opts.ForceBuild && rb.Rebuildable() {
			return ActionUpdate, []string{"rebuild forced"}
		}
		return ActionNoOp, nil
	}

	changed := changedFields(current.Inputs, raw)
	if rep, ok := r.(resource.Replacer); ok && rep.RequiresReplace(current.Inputs, raw) {
		return ActionReplace, changed
	}
	return ActionUpdate, changed
}

// project returns the attributes dependents see while planning.
func project(r resource.Resource, current *state.ResourceState, action Action) resource.Attributes {
	switch action {
	case ActionNoOp:
		return resource.Attributes(current.Attributes)
	case ActionUpdate:
		attrs := resource.Attributes{}
		for k, v := range current.Attributes {
			attrs[k] = v
		}
		if v, ok := r.(resource.Volatile); ok {
			for _, k := range v.VolatileAttributes() {
				attrs[k] = resource.Unknown
			}
		}
		return attrs
	default:
		return nil
	}
}

func changedFields(before, after json.RawMessage) []string {
	var a, b map[string]interface{}
	if json.Unmarshal(before, &a) != nil || json.Unmarshal(after, &b) != nil {
		return nil
	}
	var keys []string
	for k, v := range b {
		if !reflect.DeepEqual(a[k], v) {
			keys = append(keys, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func redact(r resource.Resource, raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if rd, ok := r.(resource.Redactor); ok {
		return rd.Redact(raw)
	}
	return raw
}

// persist records outputs alongside the resources and writes the state.
func (e *Engine) persist(ctx context.Context, st *state.State) error {
	st.Outputs = resource.Outputs(st)
	if err := e.backend.Put(ctx, st); err != nil {
		return fmt.Errorf("unable to write state: %w", err)
	}
	return nil
}
