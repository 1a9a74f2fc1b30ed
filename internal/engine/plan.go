package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type Action string

const (
	ActionNoOp    Action = "no-op"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionReplace Action = "replace"
	ActionDelete  Action = "delete"
	ActionRetain  Action = "retain"
)

// Mutating reports whether the action calls the platform.
func (a Action) Mutating() bool {
	return a != ActionNoOp
}

type Operation string

const (
	OperationApply   Operation = "apply"
	OperationDestroy Operation = "destroy"
)

// Status tracks a plan through Planned -> Validated -> Applied | Failed.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusValidated Status = "validated"
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
)

// Change is one resource's planned action. Before and After are redacted;
// InputsHash covers the unredacted inputs, unknown placeholders included.
type Change struct {
	Address    string          `json:"address"`
	Type       string          `json:"type"`
	Action     Action          `json:"action"`
	Reasons    []string        `json:"reasons,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	InputsHash string          `json:"inputs_hash"`

	// deferred is set when the inputs depend on values only apply can know.
	deferred bool
}

// Drift is a difference between state and what the platform reports.
type Drift struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

type Plan struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	StateKey  string    `json:"state_key"`
	Serial    int64     `json:"serial"`
	Status    Status    `json:"status"`
	// ForceBuild is carried to the apply of a reviewed plan.
	ForceBuild bool      `json:"force_build,omitempty"`
	Changes    []*Change `json:"changes"`
	Drift      []Drift   `json:"drift,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (p *Plan) change(address string) *Change {
	for _, c := range p.Changes {
		if c.Address == address {
			return c
		}
	}
	return nil
}

// divergence reports the first way p differs from the reviewed plan, or nil
// when both would make the same changes from the same inputs.
func (p *Plan) divergence(reviewed *Plan) error {
	if len(p.Changes) != len(reviewed.Changes) {
		return fmt.Errorf("%w: reviewed plan covers %d resources, stack has %d", ErrStalePlan, len(reviewed.Changes), len(p.Changes))
	}
	for _, c := range p.Changes {
		r := reviewed.change(c.Address)
		switch {
		case r == nil:
			return fmt.Errorf("%w: %s is not in the reviewed plan", ErrStalePlan, c.Address)
		case r.Action != c.Action:
			return fmt.Errorf("%w: %s would now %s, reviewed plan says %s", ErrStalePlan, c.Address, c.Action, r.Action)
		case r.InputsHash != c.InputsHash:
			return fmt.Errorf("%w: inputs of %s changed after review", ErrStalePlan, c.Address)
		}
	}
	return nil
}

// HasChanges reports whether applying the plan would call the platform.
func (p *Plan) HasChanges() bool {
	for _, c := range p.Changes {
		if c.Action.Mutating() && c.Action != ActionRetain {
			return true
		}
	}
	return false
}

// Count returns how many changes carry action.
func (p *Plan) Count(action Action) int {
	n := 0
	for _, c := range p.Changes {
		if c.Action == action {
			n++
		}
	}
	return n
}

func (p *Plan) Summary() string {
	add := p.Count(ActionCreate) + p.Count(ActionReplace)
	change := p.Count(ActionUpdate)
	destroy := p.Count(ActionDelete) + p.Count(ActionReplace)
	s := fmt.Sprintf("Plan: %d to add, %d to change, %d to destroy.", add, change, destroy)
	if n := p.Count(ActionRetain); n > 0 {
		s += fmt.Sprintf(" %d retained.", n)
	}
	return s
}

var actionSymbols = map[Action]string{
	ActionNoOp:    " ",
	ActionCreate:  "+",
	ActionUpdate:  "~",
	ActionReplace: "-/+",
	ActionDelete:  "-",
	ActionRetain:  "!",
}

// Render writes a human readable plan.
func (p *Plan) Render(w io.Writer) error {
	var b strings.Builder
	for _, d := range p.Drift {
		fmt.Fprintf(&b, "drift: %s %s\n", d.Address, d.Reason)
	}
	for _, c := range p.Changes {
		if !c.Action.Mutating() {
			continue
		}
		fmt.Fprintf(&b, "%3s %s (%s)", actionSymbols[c.Action], c.Address, c.Action)
		if len(c.Reasons) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(c.Reasons, ", "))
		}
		b.WriteString("\n")
	}
	if !p.HasChanges() && p.Count(ActionRetain) == 0 {
		b.WriteString("No changes. Infrastructure is up to date.\n")
	} else {
		b.WriteString(p.Summary() + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
