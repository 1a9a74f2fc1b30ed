package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/deployerr"
	"github.com/paguebem/infra/internal/state"
)

type LogGroupSpec struct {
	Name            string            `json:"name"`
	RetentionInDays int64             `json:"retention_in_days"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// LogGroup is created ahead of the function so retention applies from the
// first invocation.
type LogGroup struct {
	base
	cfg        *config.Config
	logsClient cloudwatchlogsiface.CloudWatchLogsAPI
	region     string
	accountID  string
	logger     *zap.Logger
}

func NewLogGroup(cfg *config.Config, logsClient cloudwatchlogsiface.CloudWatchLogsAPI, region, accountID string, logger *zap.Logger) *LogGroup {
	return &LogGroup{
		base:       base{address: LogGroupAddress, typ: "log_group"},
		cfg:        cfg,
		logsClient: logsClient,
		region:     region,
		accountID:  accountID,
		logger:     logger.With(zap.String("resource", LogGroupAddress)),
	}
}

func (l *LogGroup) Desired(map[string]Attributes) (interface{}, error) {
	return LogGroupSpec{
		Name:            l.cfg.LogGroupName(),
		RetentionInDays: l.cfg.Function.LogRetentionDays,
		Tags:            l.cfg.Tags,
	}, nil
}

func (l *LogGroup) arn(name string) string {
	return fmt.Sprintf("arn:aws:logs:%s:%s:log-group:%s", l.region, l.accountID, name)
}

func (l *LogGroup) Create(ctx context.Context, raw json.RawMessage) (Attributes, error) {
	var spec LogGroupSpec
	if err := decodeSpec(raw, &spec); err != nil {
		return nil, err
	}

	input := &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(spec.Name)}
	if len(spec.Tags) > 0 {
		input.Tags = aws.StringMap(spec.Tags)
	}
	if _, err := l.logsClient.CreateLogGroupWithContext(ctx, input); err != nil {
		if awsErrorCode(err) == cloudwatchlogs.ErrCodeResourceAlreadyExistsException {
			return nil, &deployerr.ConflictError{Kind: "log group", Name: spec.Name}
		}
		return nil, err
	}
	if err := l.putRetention(ctx, spec); err != nil {
		if _, delErr := l.logsClient.DeleteLogGroupWithContext(ctx, &cloudwatchlogs.DeleteLogGroupInput{
			LogGroupName: aws.String(spec.Name),
		}); delErr != nil {
			l.logger.Error("unable to clean up partially created log group", zap.Error(delErr))
		}
		return nil, err
	}

	l.logger.Info("log group created", zap.String("name", spec.Name), zap.Int64("retention_days", spec.RetentionInDays))
	return Attributes{"name": spec.Name, "arn": l.arn(spec.Name)}, nil
}

func (l *LogGroup) putRetention(ctx context.Context, spec LogGroupSpec) error {
	_, err := l.logsClient.PutRetentionPolicyWithContext(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(spec.Name),
		RetentionInDays: aws.Int64(spec.RetentionInDays),
	})
	return err
}

func (l *LogGroup) Update(ctx context.Context, current *state.ResourceState, raw json.RawMessage) (Attributes, error) {
	var prior, spec LogGroupSpec
	if err := decodeSpec(current.Inputs, &prior); err != nil {
		return nil, err
	}
	if err := decodeSpec(raw, &spec); err != nil {
		return nil, err
	}
	if err := l.converge(ctx, prior, spec); err != nil {
		return nil, err
	}
	return Attributes(current.Attributes), nil
}

func (l *LogGroup) converge(ctx context.Context, prior, next LogGroupSpec) error {
	if err := l.putRetention(ctx, next); err != nil {
		return err
	}

	set, remove := tagDiff(prior.Tags, next.Tags)
	if len(set) > 0 {
		_, err := l.logsClient.TagLogGroupWithContext(ctx, &cloudwatchlogs.TagLogGroupInput{
			LogGroupName: aws.String(next.Name),
			Tags:         aws.StringMap(set),
		})
		if err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		_, err := l.logsClient.UntagLogGroupWithContext(ctx, &cloudwatchlogs.UntagLogGroupInput{
			LogGroupName: aws.String(next.Name),
			Tags:         aws.StringSlice(remove),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *LogGroup) Delete(ctx context.Context, current *state.ResourceState) error {
	_, err := l.logsClient.DeleteLogGroupWithContext(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: aws.String(current.Attributes["name"]),
	})
	if awsErrorCode(err) == cloudwatchlogs.ErrCodeResourceNotFoundException {
		return nil
	}
	return err
}

func (l *LogGroup) Exists(ctx context.Context, current *state.ResourceState) (bool, error) {
	name := current.Attributes["name"]
	out, err := l.logsClient.DescribeLogGroupsWithContext(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(name),
	})
	if err != nil {
		return false, err
	}
	for _, group := range out.LogGroups {
		if aws.StringValue(group.LogGroupName) == name {
			return true, nil
		}
	}
	return false, nil
}

func (l *LogGroup) RequiresReplace(prior, desired json.RawMessage) bool {
	var a, b LogGroupSpec
	if decodeSpec(prior, &a) != nil || decodeSpec(desired, &b) != nil {
		return true
	}
	return a.Name != b.Name
}

func (l *LogGroup) Rollback(ctx context.Context, prior, current *state.ResourceState) error {
	if prior == nil {
		return l.Delete(ctx, current)
	}
	var previous, applied LogGroupSpec
	if err := decodeSpec(prior.Inputs, &previous); err != nil {
		return err
	}
	if err := decodeSpec(current.Inputs, &applied); err != nil {
		return err
	}
	return l.converge(ctx, applied, previous)
}
