package worker

import (
	"context"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/paguebem/infra/internal/engine"
)

// activityTimeout covers an image build plus Lambda's slowest update wait.
const activityTimeout = 45 * time.Minute

// DeployWorkflow plans and applies, or destroys, one environment. Activities
// are never retried: a failed apply has already compensated.
func DeployWorkflow(ctx workflow.Context, req DeployRequest) (DeployResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	logger := workflow.GetLogger(ctx)

	var a *DeployActivities
	var result DeployResult

	if req.Operation == engine.OperationDestroy {
		err := workflow.ExecuteActivity(ctx, a.DestroyActivity, req).Get(ctx, &result)
		return result, err
	}

	var plan *engine.Plan
	if err := workflow.ExecuteActivity(ctx, a.PlanActivity, req).Get(ctx, &plan); err != nil {
		return result, err
	}
	if !plan.HasChanges() {
		logger.Info("nothing to apply", "state", req.StateKey)
		return resultFor(plan), nil
	}

	err := workflow.ExecuteActivity(ctx, a.ApplyActivity, plan).Get(ctx, &result)
	return result, err
}

// Submit starts DeployWorkflow and waits for its result.
func Submit(ctx context.Context, c client.Client, taskQueue string, req DeployRequest) (DeployResult, error) {
	var result DeployResult
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    WorkflowID(req.StateKey),
		TaskQueue:             taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, DeployWorkflow, req)
	if err != nil {
		return result, err
	}
	err = run.Get(ctx, &result)
	return result, err
}
