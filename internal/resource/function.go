package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/deployerr"
	"github.com/paguebem/infra/internal/state"
)

// A freshly created role takes a few seconds to become assumable by Lambda.
var (
	rolePropagationAttempts = 10
	rolePropagationDelay    = 3 * time.Second
)

type FunctionSpec struct {
	Name          string            `json:"name"`
	RoleARN       string            `json:"role_arn"`
	ImageURI      string            `json:"image_uri"`
	Timeout       int64             `json:"timeout"`
	MemorySize    int64             `json:"memory_size"`
	Environment   map[string]string `json:"environment"`
	SensitiveKeys []string          `json:"sensitive_keys,omitempty"`
	LogGroup      string            `json:"log_group"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Function is the container-image Lambda serving the API.
type Function struct {
	base
	cfg          *config.Config
	lambdaClient lambdaiface.LambdaAPI
	region       string
	logger       *zap.Logger
}

func NewFunction(cfg *config.Config, lambdaClient lambdaiface.LambdaAPI, region string, logger *zap.Logger) *Function {
	return &Function{
		base: base{
			address:   FunctionAddress,
			typ:       "lambda_function",
			dependsOn: []string{BuildTriggerAddress, RoleAddress, LogGroupAddress},
		},
		cfg:          cfg,
		lambdaClient: lambdaClient,
		region:       region,
		logger:       logger.With(zap.String("resource", FunctionAddress)),
	}
}

func (f *Function) Desired(deps map[string]Attributes) (interface{}, error) {
	return FunctionSpec{
		Name:          f.cfg.FunctionName(),
		RoleARN:       deps[RoleAddress].Get("arn"),
		ImageURI:      deps[BuildTriggerAddress].Get("image_uri"),
		Timeout:       f.cfg.Function.Timeout,
		MemorySize:    f.cfg.Function.MemorySize,
		Environment:   f.cfg.FunctionEnv(),
		SensitiveKeys: f.cfg.SensitiveEnvKeys(),
		LogGroup:      deps[LogGroupAddress].Get("name"),
		Tags:          f.cfg.Tags,
	}, nil
}

// InvokeARN is the ARN an API Gateway integration uses to call the function.
func InvokeARN(region, functionARN string) string {
	return fmt.Sprintf("arn:aws:apigateway:%s:lambda:path/2015-03-31/functions/%s/invocations", region, functionARN)
}

func (f *Function) attributes(cfg *lambda.FunctionConfiguration, imageURI string) Attributes {
	arn := aws.StringValue(cfg.FunctionArn)
	return Attributes{
		"function_name": aws.StringValue(cfg.FunctionName),
		"function_arn":  arn,
		"invoke_arn":    InvokeARN(f.region, arn),
		"role_arn":      aws.StringValue(cfg.Role),
		"image_uri":     imageURI,
	}
}

func isRolePropagationError(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok || aerr.Code() != lambda.ErrCodeInvalidParameterValueException {
		return false
	}
	return strings.Contains(aerr.Message(), "role")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Function) Create(ctx context.Context, raw json.RawMessage) (Attributes, error) {
	var spec FunctionSpec
	if err := decodeSpec(raw, &spec); err != nil {
		return nil, err
	}

	input := &lambda.CreateFunctionInput{
		FunctionName: aws.String(spec.Name),
		PackageType:  aws.String(lambda.PackageTypeImage),
		Code:         &lambda.FunctionCode{ImageUri: aws.String(spec.ImageURI)},
		Role:         aws.String(spec.RoleARN),
		Timeout:      aws.Int64(spec.Timeout),
		MemorySize:   aws.Int64(spec.MemorySize),
		Environment:  &lambda.Environment{Variables: aws.StringMap(spec.Environment)},
	}
	if len(spec.Tags) > 0 {
		input.Tags = aws.StringMap(spec.Tags)
	}

	var (
		out *lambda.FunctionConfiguration
		err error
	)
	for attempt := 1; ; attempt++ {
		out, err = f.lambdaClient.CreateFunctionWithContext(ctx, input)
		if err == nil || !isRolePropagationError(err) || attempt >= rolePropagationAttempts {
			break
		}
		f.logger.Debug("waiting for role to propagate", zap.Int("attempt", attempt))
		if err := sleep(ctx, rolePropagationDelay); err != nil {
			return nil, err
		}
	}
	if err != nil {
		if awsErrorCode(err) == lambda.ErrCodeResourceConflictException {
			return nil, &deployerr.ConflictError{Kind: "function", Name: spec.Name}
		}
		return nil, err
	}

	err = f.lambdaClient.WaitUntilFunctionActiveWithContext(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(spec.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("function %s did not become active: %w", spec.Name, err)
	}

	f.logger.Info("function created", zap.String("arn", aws.StringValue(out.FunctionArn)))
	return f.attributes(out, spec.ImageURI), nil
}

func configurationChanged(prior, next FunctionSpec) bool {
	return prior.RoleARN != next.RoleARN ||
		prior.Timeout != next.Timeout ||
		prior.MemorySize != next.MemorySize ||
		!reflect.DeepEqual(prior.Environment, next.Environment)
}

func (f *Function) Update(ctx context.Context, current *state.ResourceState, raw json.RawMessage) (Attributes, error) {
	var prior, next FunctionSpec
	if err := decodeSpec(current.Inputs, &prior); err != nil {
		return nil, err
	}
	if err := decodeSpec(raw, &next); err != nil {
		return nil, err
	}
	out, err := f.converge(ctx, current.Attributes["function_arn"], prior, next)
	if err != nil {
		return nil, err
	}
	if out == nil {
		attrs := Attributes{}
		for k, v := range current.Attributes {
			attrs[k] = v
		}
		return attrs, nil
	}
	return f.attributes(out, next.ImageURI), nil
}

// converge applies configuration before code, then tags. Lambda allows one
// update in flight per function, so each call waits for the previous to settle.
func (f *Function) converge(ctx context.Context, arn string, prior, next FunctionSpec) (*lambda.FunctionConfiguration, error) {
	var out *lambda.FunctionConfiguration
	name := aws.String(next.Name)

	if configurationChanged(prior, next) {
		cfg, err := f.lambdaClient.UpdateFunctionConfigurationWithContext(ctx, &lambda.UpdateFunctionConfigurationInput{
			FunctionName: name,
			Role:         aws.String(next.RoleARN),
			Timeout:      aws.Int64(next.Timeout),
			MemorySize:   aws.Int64(next.MemorySize),
			Environment:  &lambda.Environment{Variables: aws.StringMap(next.Environment)},
		})
		if err != nil {
			return nil, err
		}
		if err := f.waitUpdated(ctx, next.Name); err != nil {
			return nil, err
		}
		out = cfg
	}

	if prior.ImageURI != next.ImageURI {
		cfg, err := f.lambdaClient.UpdateFunctionCodeWithContext(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: name,
			ImageUri:     aws.String(next.ImageURI),
		})
		if err != nil {
			return nil, err
		}
		if err := f.waitUpdated(ctx, next.Name); err != nil {
			return nil, err
		}
		f.logger.Info("function code updated", zap.String("image", next.ImageURI))
		out = cfg
	}

	if err := f.syncTags(ctx, arn, prior.Tags, next.Tags); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Function) syncTags(ctx context.Context, arn string, prior, next map[string]string) error {
	set, remove := tagDiff(prior, next)
	if len(set) > 0 {
		_, err := f.lambdaClient.TagResourceWithContext(ctx, &lambda.TagResourceInput{
			Resource: aws.String(arn),
			Tags:     aws.StringMap(set),
		})
		if err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		_, err := f.lambdaClient.UntagResourceWithContext(ctx, &lambda.UntagResourceInput{
			Resource: aws.String(arn),
			TagKeys:  aws.StringSlice(remove),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Function) waitUpdated(ctx context.Context, name string) error {
	err := f.lambdaClient.WaitUntilFunctionUpdatedWithContext(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("function %s did not finish updating: %w", name, err)
	}
	return nil
}

func (f *Function) Delete(ctx context.Context, current *state.ResourceState) error {
	_, err := f.lambdaClient.DeleteFunctionWithContext(ctx, &lambda.DeleteFunctionInput{
		FunctionName: aws.String(current.Attributes["function_name"]),
	})
	if awsErrorCode(err) == lambda.ErrCodeResourceNotFoundException {
		return nil
	}
	if err == nil {
		f.logger.Info("function deleted", zap.String("name", current.Attributes["function_name"]))
	}
	return err
}

func (f *Function) Exists(ctx context.Context, current *state.ResourceState) (bool, error) {
	_, err := f.lambdaClient.GetFunctionWithContext(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(current.Attributes["function_name"]),
	})
	if awsErrorCode(err) == lambda.ErrCodeResourceNotFoundException {
		return false, nil
	}
	return err == nil, err
}

func (f *Function) RequiresReplace(prior, desired json.RawMessage) bool {
	var a, b FunctionSpec
	if decodeSpec(prior, &a) != nil || decodeSpec(desired, &b) != nil {
		return true
	}
	return a.Name != b.Name
}

func (f *Function) Redact(raw json.RawMessage) json.RawMessage {
	var spec FunctionSpec
	if decodeSpec(raw, &spec) != nil || len(spec.SensitiveKeys) == 0 {
		return raw
	}
	env := make(map[string]string, len(spec.Environment))
	for k, v := range spec.Environment {
		env[k] = v
	}
	for _, key := range spec.SensitiveKeys {
		if v, ok := env[key]; ok {
			env[key] = config.Redact(v)
		}
	}
	spec.Environment = env
	data, err := json.Marshal(spec)
	if err != nil {
		return raw
	}
	return data
}

func (f *Function) Rollback(ctx context.Context, prior, current *state.ResourceState) error {
	if prior == nil {
		return f.Delete(ctx, current)
	}
	var previous, applied FunctionSpec
	if err := decodeSpec(prior.Inputs, &previous); err != nil {
		return err
	}
	if err := decodeSpec(current.Inputs, &applied); err != nil {
		return err
	}
	_, err := f.converge(ctx, current.Attributes["function_arn"], applied, previous)
	return err
}
