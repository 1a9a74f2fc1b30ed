package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/engine"
)

// RunArchive stores each plan a worker executes next to the state object.
type RunArchive struct {
	S3Client s3iface.S3API
	Bucket   string
	Prefix   string
}

type DeployActivities struct {
	Deployer Deployer
	Archive  *RunArchive
	Logger   *zap.Logger
}

func getNowInUTC() time.Time {
	return time.Now().UTC()
}

func (a *DeployActivities) PlanActivity(ctx context.Context, req DeployRequest) (*engine.Plan, error) {
	plan, err := a.Deployer.PlanWith(ctx, engine.Options{ForceBuild: req.ForceBuild})
	if err != nil {
		a.Logger.Error("plan failed", zap.String("state", req.StateKey), zap.Error(err))
		return nil, err
	}
	a.Logger.Info("planned",
		zap.String("state", req.StateKey),
		zap.Bool("force_build", req.ForceBuild),
		zap.String("summary", plan.Summary()))
	return plan, nil
}

func (a *DeployActivities) ApplyActivity(ctx context.Context, reviewed *engine.Plan) (DeployResult, error) {
	plan, err := a.Deployer.ApplyPlan(ctx, reviewed)
	if plan != nil {
		a.archive(ctx, plan)
	}
	if err != nil {
		a.Logger.Error("apply failed", zap.String("plan", reviewed.ID), zap.Error(err))
		return DeployResult{}, err
	}

	result := resultFor(plan)
	if result.Outputs, err = a.Deployer.Outputs(ctx); err != nil {
		return DeployResult{}, err
	}
	return result, nil
}

func (a *DeployActivities) DestroyActivity(ctx context.Context, req DeployRequest) (DeployResult, error) {
	plan, err := a.Deployer.Destroy(ctx)
	if plan != nil {
		a.archive(ctx, plan)
	}
	if err != nil {
		a.Logger.Error("destroy failed", zap.String("state", req.StateKey), zap.Error(err))
		return DeployResult{}, err
	}
	return resultFor(plan), nil
}

// archive is best effort; a failed upload never fails the run.
func (a *DeployActivities) archive(ctx context.Context, plan *engine.Plan) {
	if a.Archive == nil || a.Archive.Bucket == "" {
		return
	}

	runID := activity.GetInfo(ctx).WorkflowExecution.RunID
	dateShard := "dt=" + getNowInUTC().Truncate(5*time.Minute).Format("2006-01-02-15-04")
	key := fmt.Sprintf("%s/%s/%s~%s~%s.json", a.Archive.Prefix, dateShard, runID, plan.Operation, plan.ID)

	data, err := json.Marshal(plan)
	if err != nil {
		a.Logger.Warn("unable to encode plan for archive", zap.Error(err))
		return
	}

	_, err = a.Archive.S3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Archive.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		a.Logger.Warn("unable to archive plan", zap.String("key", key), zap.Error(err))
	}
}
