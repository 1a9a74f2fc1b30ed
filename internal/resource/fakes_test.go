package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/stretchr/testify/require"

	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/publish"
	"github.com/paguebem/infra/internal/state"
)

const testAccount = "123456789012"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"Dockerfile":       "FROM public.ecr.aws/lambda/python:3.11\nCOPY . .\n",
		"main.py":          "def handler(event, context):\n    return {}\n",
		"requirements.txt": "boto3\n",
	} {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}

	cfg := config.Default()
	cfg.Environment = "dev"
	cfg.Build.Context = dir
	cfg.State.Bucket = "paguebem-state"
	cfg.State.LockTable = "paguebem-locks"
	cfg.JWTSecret = "s3cret"
	cfg.Tables = []config.Table{{
		Name:    "paguebem-users-dev",
		EnvVar:  "USERS_TABLE",
		ARN:     "arn:aws:dynamodb:us-east-1:" + testAccount + ":table/paguebem-users-dev",
		Indexes: []string{"email-index"},
	}}
	return cfg
}

func render(t *testing.T, r Resource, deps map[string]Attributes) json.RawMessage {
	t.Helper()
	spec, err := r.Desired(deps)
	require.NoError(t, err)
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	return raw
}

func applied(r Resource, raw json.RawMessage, attrs Attributes) *state.ResourceState {
	return &state.ResourceState{
		Address:    r.Address(),
		Type:       r.Type(),
		Inputs:     raw,
		InputsHash: state.Hash(raw),
		Attributes: attrs,
	}
}

// tagStore records the tags a fake service holds per resource.
type tagStore struct {
	tags  map[string]map[string]string
	calls int
}

func (s *tagStore) set(id string, tags map[string]string) {
	if s.tags == nil {
		s.tags = map[string]map[string]string{}
	}
	if s.tags[id] == nil {
		s.tags[id] = map[string]string{}
	}
	for k, v := range tags {
		s.tags[id][k] = v
	}
}

func (s *tagStore) tag(id string, tags map[string]string) {
	s.calls++
	s.set(id, tags)
}

func (s *tagStore) untag(id string, keys []*string) {
	s.calls++
	for _, k := range keys {
		delete(s.tags[id], aws.StringValue(k))
	}
}

// ECR

type fakeECR struct {
	ecriface.ECRAPI
	repos  map[string]*ecr.Repository
	images map[string]map[string]bool
	tags   tagStore
}

func newFakeECR() *fakeECR {
	return &fakeECR{repos: map[string]*ecr.Repository{}, images: map[string]map[string]bool{}}
}

func ecrTagMap(tags []*ecr.Tag) map[string]string {
	out := map[string]string{}
	for _, t := range tags {
		out[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return out
}

func (f *fakeECR) TagResourceWithContext(_ aws.Context, in *ecr.TagResourceInput, _ ...request.Option) (*ecr.TagResourceOutput, error) {
	f.tags.tag(aws.StringValue(in.ResourceArn), ecrTagMap(in.Tags))
	return &ecr.TagResourceOutput{}, nil
}

func (f *fakeECR) UntagResourceWithContext(_ aws.Context, in *ecr.UntagResourceInput, _ ...request.Option) (*ecr.UntagResourceOutput, error) {
	f.tags.untag(aws.StringValue(in.ResourceArn), in.TagKeys)
	return &ecr.UntagResourceOutput{}, nil
}

func (f *fakeECR) CreateRepositoryWithContext(_ aws.Context, in *ecr.CreateRepositoryInput, _ ...request.Option) (*ecr.CreateRepositoryOutput, error) {
	name := aws.StringValue(in.RepositoryName)
	if _, ok := f.repos[name]; ok {
		return nil, awserr.New(ecr.ErrCodeRepositoryAlreadyExistsException, "exists", nil)
	}
	repo := &ecr.Repository{
		RepositoryName:             in.RepositoryName,
		RepositoryArn:              aws.String("arn:aws:ecr:us-east-1:" + testAccount + ":repository/" + name),
		RegistryId:                 aws.String(testAccount),
		RepositoryUri:              aws.String(testAccount + ".dkr.ecr.us-east-1.amazonaws.com/" + name),
		ImageTagMutability:         in.ImageTagMutability,
		ImageScanningConfiguration: in.ImageScanningConfiguration,
	}
	f.repos[name] = repo
	f.images[name] = map[string]bool{}
	f.tags.set(aws.StringValue(repo.RepositoryArn), ecrTagMap(in.Tags))
	return &ecr.CreateRepositoryOutput{Repository: repo}, nil
}

func (f *fakeECR) DescribeRepositoriesWithContext(_ aws.Context, in *ecr.DescribeRepositoriesInput, _ ...request.Option) (*ecr.DescribeRepositoriesOutput, error) {
	repo, ok := f.repos[aws.StringValue(in.RepositoryNames[0])]
	if !ok {
		return nil, awserr.New(ecr.ErrCodeRepositoryNotFoundException, "not found", nil)
	}
	return &ecr.DescribeRepositoriesOutput{Repositories: []*ecr.Repository{repo}}, nil
}

func (f *fakeECR) DeleteRepositoryWithContext(_ aws.Context, in *ecr.DeleteRepositoryInput, _ ...request.Option) (*ecr.DeleteRepositoryOutput, error) {
	name := aws.StringValue(in.RepositoryName)
	if _, ok := f.repos[name]; !ok {
		return nil, awserr.New(ecr.ErrCodeRepositoryNotFoundException, "not found", nil)
	}
	if len(f.images[name]) > 0 && !aws.BoolValue(in.Force) {
		return nil, awserr.New(ecr.ErrCodeRepositoryNotEmptyException, "not empty", nil)
	}
	delete(f.repos, name)
	delete(f.images, name)
	return &ecr.DeleteRepositoryOutput{}, nil
}

func (f *fakeECR) PutImageTagMutabilityWithContext(_ aws.Context, in *ecr.PutImageTagMutabilityInput, _ ...request.Option) (*ecr.PutImageTagMutabilityOutput, error) {
	f.repos[aws.StringValue(in.RepositoryName)].ImageTagMutability = in.ImageTagMutability
	return &ecr.PutImageTagMutabilityOutput{}, nil
}

func (f *fakeECR) PutImageScanningConfigurationWithContext(_ aws.Context, in *ecr.PutImageScanningConfigurationInput, _ ...request.Option) (*ecr.PutImageScanningConfigurationOutput, error) {
	f.repos[aws.StringValue(in.RepositoryName)].ImageScanningConfiguration = in.ImageScanningConfiguration
	return &ecr.PutImageScanningConfigurationOutput{}, nil
}

func (f *fakeECR) DescribeImagesWithContext(_ aws.Context, in *ecr.DescribeImagesInput, _ ...request.Option) (*ecr.DescribeImagesOutput, error) {
	images, ok := f.images[aws.StringValue(in.RepositoryName)]
	if !ok {
		return nil, awserr.New(ecr.ErrCodeRepositoryNotFoundException, "not found", nil)
	}
	digest := aws.StringValue(in.ImageIds[0].ImageDigest)
	if !images[digest] {
		return nil, awserr.New(ecr.ErrCodeImageNotFoundException, "not found", nil)
	}
	return &ecr.DescribeImagesOutput{ImageDetails: []*ecr.ImageDetail{{ImageDigest: aws.String(digest)}}}, nil
}

// Publisher

type fakePublisher struct {
	ecr       *fakeECR
	pushes    int
	err       error
	restored  []string
	untagged  int
	lastInput publish.Request
}

func (p *fakePublisher) Publish(_ context.Context, req publish.Request) (*publish.Image, error) {
	p.lastInput = req
	if p.err != nil {
		return nil, p.err
	}
	p.pushes++
	digest := fmt.Sprintf("sha256:%064d", p.pushes)
	if p.ecr != nil {
		if images, ok := p.ecr.images[req.RepositoryName]; ok {
			images[digest] = true
		}
	}
	return &publish.Image{
		Reference: req.RepositoryURL + ":" + req.Tag,
		URI:       req.RepositoryURL + "@" + digest,
		Digest:    digest,
		Tag:       req.Tag,
	}, nil
}

func (p *fakePublisher) Restore(_ context.Context, _, _, digest string) error {
	p.restored = append(p.restored, digest)
	return nil
}

func (p *fakePublisher) Untag(context.Context, string, string) error {
	p.untagged++
	return nil
}

// IAM

type fakeIAM struct {
	iamiface.IAMAPI
	roles     map[string]*iam.Role
	attached  map[string]map[string]bool
	inline    map[string]map[string]string
	attachErr error
	calls     []string
	tags      tagStore
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		roles:    map[string]*iam.Role{},
		attached: map[string]map[string]bool{},
		inline:   map[string]map[string]string{},
	}
}

func noSuchEntity() error {
	return awserr.New(iam.ErrCodeNoSuchEntityException, "no such entity", nil)
}

func (f *fakeIAM) CreateRoleWithContext(_ aws.Context, in *iam.CreateRoleInput, _ ...request.Option) (*iam.CreateRoleOutput, error) {
	name := aws.StringValue(in.RoleName)
	if _, ok := f.roles[name]; ok {
		return nil, awserr.New(iam.ErrCodeEntityAlreadyExistsException, "exists", nil)
	}
	role := &iam.Role{
		RoleName:                 in.RoleName,
		RoleId:                   aws.String("AROA" + name),
		Arn:                      aws.String("arn:aws:iam::" + testAccount + ":role/" + name),
		AssumeRolePolicyDocument: in.AssumeRolePolicyDocument,
	}
	f.roles[name] = role
	f.attached[name] = map[string]bool{}
	f.inline[name] = map[string]string{}
	f.tags.set(name, iamTagMap(in.Tags))
	f.calls = append(f.calls, "CreateRole")
	return &iam.CreateRoleOutput{Role: role}, nil
}

func (f *fakeIAM) GetRoleWithContext(_ aws.Context, in *iam.GetRoleInput, _ ...request.Option) (*iam.GetRoleOutput, error) {
	role, ok := f.roles[aws.StringValue(in.RoleName)]
	if !ok {
		return nil, noSuchEntity()
	}
	return &iam.GetRoleOutput{Role: role}, nil
}

func (f *fakeIAM) DeleteRoleWithContext(_ aws.Context, in *iam.DeleteRoleInput, _ ...request.Option) (*iam.DeleteRoleOutput, error) {
	name := aws.StringValue(in.RoleName)
	if _, ok := f.roles[name]; !ok {
		return nil, noSuchEntity()
	}
	if len(f.attached[name]) > 0 || len(f.inline[name]) > 0 {
		return nil, awserr.New(iam.ErrCodeDeleteConflictException, "must detach policies first", nil)
	}
	delete(f.roles, name)
	f.calls = append(f.calls, "DeleteRole")
	return &iam.DeleteRoleOutput{}, nil
}

func (f *fakeIAM) AttachRolePolicyWithContext(_ aws.Context, in *iam.AttachRolePolicyInput, _ ...request.Option) (*iam.AttachRolePolicyOutput, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	f.attached[aws.StringValue(in.RoleName)][aws.StringValue(in.PolicyArn)] = true
	f.calls = append(f.calls, "AttachRolePolicy")
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachRolePolicyWithContext(_ aws.Context, in *iam.DetachRolePolicyInput, _ ...request.Option) (*iam.DetachRolePolicyOutput, error) {
	attached := f.attached[aws.StringValue(in.RoleName)]
	if !attached[aws.StringValue(in.PolicyArn)] {
		return nil, noSuchEntity()
	}
	delete(attached, aws.StringValue(in.PolicyArn))
	f.calls = append(f.calls, "DetachRolePolicy")
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) PutRolePolicyWithContext(_ aws.Context, in *iam.PutRolePolicyInput, _ ...request.Option) (*iam.PutRolePolicyOutput, error) {
	f.inline[aws.StringValue(in.RoleName)][aws.StringValue(in.PolicyName)] = aws.StringValue(in.PolicyDocument)
	f.calls = append(f.calls, "PutRolePolicy")
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRolePolicyWithContext(_ aws.Context, in *iam.DeleteRolePolicyInput, _ ...request.Option) (*iam.DeleteRolePolicyOutput, error) {
	inline := f.inline[aws.StringValue(in.RoleName)]
	if _, ok := inline[aws.StringValue(in.PolicyName)]; !ok {
		return nil, noSuchEntity()
	}
	delete(inline, aws.StringValue(in.PolicyName))
	f.calls = append(f.calls, "DeleteRolePolicy")
	return &iam.DeleteRolePolicyOutput{}, nil
}

func iamTagMap(tags []*iam.Tag) map[string]string {
	out := map[string]string{}
	for _, t := range tags {
		out[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return out
}

func (f *fakeIAM) TagRoleWithContext(_ aws.Context, in *iam.TagRoleInput, _ ...request.Option) (*iam.TagRoleOutput, error) {
	f.tags.tag(aws.StringValue(in.RoleName), iamTagMap(in.Tags))
	f.calls = append(f.calls, "TagRole")
	return &iam.TagRoleOutput{}, nil
}

func (f *fakeIAM) UntagRoleWithContext(_ aws.Context, in *iam.UntagRoleInput, _ ...request.Option) (*iam.UntagRoleOutput, error) {
	f.tags.untag(aws.StringValue(in.RoleName), in.TagKeys)
	f.calls = append(f.calls, "UntagRole")
	return &iam.UntagRoleOutput{}, nil
}

func (f *fakeIAM) UpdateAssumeRolePolicyWithContext(_ aws.Context, in *iam.UpdateAssumeRolePolicyInput, _ ...request.Option) (*iam.UpdateAssumeRolePolicyOutput, error) {
	f.roles[aws.StringValue(in.RoleName)].AssumeRolePolicyDocument = in.PolicyDocument
	return &iam.UpdateAssumeRolePolicyOutput{}, nil
}

// CloudWatch Logs

type fakeLogs struct {
	cloudwatchlogsiface.CloudWatchLogsAPI
	groups map[string]int64
	tags   tagStore
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{groups: map[string]int64{}}
}

func (f *fakeLogs) CreateLogGroupWithContext(_ aws.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...request.Option) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	name := aws.StringValue(in.LogGroupName)
	if _, ok := f.groups[name]; ok {
		return nil, awserr.New(cloudwatchlogs.ErrCodeResourceAlreadyExistsException, "exists", nil)
	}
	f.groups[name] = 0
	f.tags.set(name, aws.StringValueMap(in.Tags))
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogs) TagLogGroupWithContext(_ aws.Context, in *cloudwatchlogs.TagLogGroupInput, _ ...request.Option) (*cloudwatchlogs.TagLogGroupOutput, error) {
	f.tags.tag(aws.StringValue(in.LogGroupName), aws.StringValueMap(in.Tags))
	return &cloudwatchlogs.TagLogGroupOutput{}, nil
}

func (f *fakeLogs) UntagLogGroupWithContext(_ aws.Context, in *cloudwatchlogs.UntagLogGroupInput, _ ...request.Option) (*cloudwatchlogs.UntagLogGroupOutput, error) {
	f.tags.untag(aws.StringValue(in.LogGroupName), in.Tags)
	return &cloudwatchlogs.UntagLogGroupOutput{}, nil
}

func (f *fakeLogs) PutRetentionPolicyWithContext(_ aws.Context, in *cloudwatchlogs.PutRetentionPolicyInput, _ ...request.Option) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	f.groups[aws.StringValue(in.LogGroupName)] = aws.Int64Value(in.RetentionInDays)
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogs) DeleteLogGroupWithContext(_ aws.Context, in *cloudwatchlogs.DeleteLogGroupInput, _ ...request.Option) (*cloudwatchlogs.DeleteLogGroupOutput, error) {
	name := aws.StringValue(in.LogGroupName)
	if _, ok := f.groups[name]; !ok {
		return nil, awserr.New(cloudwatchlogs.ErrCodeResourceNotFoundException, "not found", nil)
	}
	delete(f.groups, name)
	return &cloudwatchlogs.DeleteLogGroupOutput{}, nil
}

func (f *fakeLogs) DescribeLogGroupsWithContext(_ aws.Context, in *cloudwatchlogs.DescribeLogGroupsInput, _ ...request.Option) (*cloudwatchlogs.DescribeLogGroupsOutput, error) {
	out := &cloudwatchlogs.DescribeLogGroupsOutput{}
	for name, days := range f.groups {
		if strings.HasPrefix(name, aws.StringValue(in.LogGroupNamePrefix)) {
			out.LogGroups = append(out.LogGroups, &cloudwatchlogs.LogGroup{
				LogGroupName:    aws.String(name),
				RetentionInDays: aws.Int64(days),
			})
		}
	}
	return out, nil
}

// Lambda

type fakeLambda struct {
	lambdaiface.LambdaAPI
	functions  map[string]*lambda.FunctionConfiguration
	createErrs []error
	calls      []string
	tags       tagStore
}

func newFakeLambda() *fakeLambda {
	return &fakeLambda{functions: map[string]*lambda.FunctionConfiguration{}}
}

func (f *fakeLambda) CreateFunctionWithContext(_ aws.Context, in *lambda.CreateFunctionInput, _ ...request.Option) (*lambda.FunctionConfiguration, error) {
	f.calls = append(f.calls, "CreateFunction")
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return nil, err
	}
	name := aws.StringValue(in.FunctionName)
	if _, ok := f.functions[name]; ok {
		return nil, awserr.New(lambda.ErrCodeResourceConflictException, "exists", nil)
	}
	fn := &lambda.FunctionConfiguration{
		FunctionName: in.FunctionName,
		FunctionArn:  aws.String("arn:aws:lambda:us-east-1:" + testAccount + ":function:" + name),
		Role:         in.Role,
		Timeout:      in.Timeout,
		MemorySize:   in.MemorySize,
		PackageType:  in.PackageType,
		Environment:  &lambda.EnvironmentResponse{Variables: in.Environment.Variables},
	}
	f.functions[name] = fn
	f.tags.set(aws.StringValue(fn.FunctionArn), aws.StringValueMap(in.Tags))
	return fn, nil
}

func (f *fakeLambda) TagResourceWithContext(_ aws.Context, in *lambda.TagResourceInput, _ ...request.Option) (*lambda.TagResourceOutput, error) {
	f.calls = append(f.calls, "TagResource")
	f.tags.tag(aws.StringValue(in.Resource), aws.StringValueMap(in.Tags))
	return &lambda.TagResourceOutput{}, nil
}

func (f *fakeLambda) UntagResourceWithContext(_ aws.Context, in *lambda.UntagResourceInput, _ ...request.Option) (*lambda.UntagResourceOutput, error) {
	f.calls = append(f.calls, "UntagResource")
	f.tags.untag(aws.StringValue(in.Resource), in.TagKeys)
	return &lambda.UntagResourceOutput{}, nil
}

func (f *fakeLambda) WaitUntilFunctionActiveWithContext(aws.Context, *lambda.GetFunctionConfigurationInput, ...request.WaiterOption) error {
	f.calls = append(f.calls, "WaitActive")
	return nil
}

func (f *fakeLambda) WaitUntilFunctionUpdatedWithContext(aws.Context, *lambda.GetFunctionConfigurationInput, ...request.WaiterOption) error {
	f.calls = append(f.calls, "WaitUpdated")
	return nil
}

func (f *fakeLambda) UpdateFunctionConfigurationWithContext(_ aws.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...request.Option) (*lambda.FunctionConfiguration, error) {
	f.calls = append(f.calls, "UpdateFunctionConfiguration")
	fn := f.functions[aws.StringValue(in.FunctionName)]
	fn.Role, fn.Timeout, fn.MemorySize = in.Role, in.Timeout, in.MemorySize
	fn.Environment = &lambda.EnvironmentResponse{Variables: in.Environment.Variables}
	return fn, nil
}

func (f *fakeLambda) UpdateFunctionCodeWithContext(_ aws.Context, in *lambda.UpdateFunctionCodeInput, _ ...request.Option) (*lambda.FunctionConfiguration, error) {
	f.calls = append(f.calls, "UpdateFunctionCode:"+aws.StringValue(in.ImageUri))
	return f.functions[aws.StringValue(in.FunctionName)], nil
}

func (f *fakeLambda) DeleteFunctionWithContext(_ aws.Context, in *lambda.DeleteFunctionInput, _ ...request.Option) (*lambda.DeleteFunctionOutput, error) {
	name := aws.StringValue(in.FunctionName)
	if _, ok := f.functions[name]; !ok {
		return nil, awserr.New(lambda.ErrCodeResourceNotFoundException, "not found", nil)
	}
	delete(f.functions, name)
	return &lambda.DeleteFunctionOutput{}, nil
}

func (f *fakeLambda) GetFunctionWithContext(_ aws.Context, in *lambda.GetFunctionInput, _ ...request.Option) (*lambda.GetFunctionOutput, error) {
	fn, ok := f.functions[aws.StringValue(in.FunctionName)]
	if !ok {
		return nil, awserr.New(lambda.ErrCodeResourceNotFoundException, "not found", nil)
	}
	return &lambda.GetFunctionOutput{Configuration: fn}, nil
}
