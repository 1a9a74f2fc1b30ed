package worker

import (
	"context"

	"github.com/paguebem/infra/internal/engine"
)

// Deployer is the part of the engine a worker drives.
type Deployer interface {
	PlanWith(ctx context.Context, opts engine.Options) (*engine.Plan, error)
	ApplyPlan(ctx context.Context, reviewed *engine.Plan) (*engine.Plan, error)
	Destroy(ctx context.Context) (*engine.Plan, error)
	Outputs(ctx context.Context) (map[string]string, error)
}

type DeployRequest struct {
	Operation   engine.Operation `json:"operation"`
	Environment string           `json:"environment"`
	StateKey    string           `json:"state_key"`
	// ForceBuild rebuilds the image even if no build input changed. The plan
	// records it, so the apply activity honours it too.
	ForceBuild bool `json:"force_build,omitempty"`
}

type DeployResult struct {
	PlanID  string            `json:"plan_id"`
	Status  engine.Status     `json:"status"`
	Summary string            `json:"summary"`
	Changed bool              `json:"changed"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

func resultFor(plan *engine.Plan) DeployResult {
	return DeployResult{
		PlanID:  plan.ID,
		Status:  plan.Status,
		Summary: plan.Summary(),
		Changed: plan.HasChanges(),
	}
}

// WorkflowID serializes runs per state key: Temporal refuses a second
// execution with the same ID while one is still running.
func WorkflowID(stateKey string) string {
	return "deploy-" + stateKey
}
