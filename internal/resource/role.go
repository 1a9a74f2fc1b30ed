package resource

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/deployerr"
	"github.com/paguebem/infra/internal/state"
)

const basicExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"

// DataStoreActions are the item and query operations the function may perform.
var DataStoreActions = []string{
	"dynamodb:GetItem",
	"dynamodb:PutItem",
	"dynamodb:UpdateItem",
	"dynamodb:DeleteItem",
	"dynamodb:Query",
	"dynamodb:Scan",
	"dynamodb:BatchGetItem",
	"dynamodb:BatchWriteItem",
}

type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

type Statement struct {
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal,omitempty"`
	Action    []string          `json:"Action"`
	Resource  []string          `json:"Resource,omitempty"`
}

func (d PolicyDocument) String() string {
	data, _ := json.Marshal(d)
	return string(data)
}

func lambdaTrustPolicy() PolicyDocument {
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []Statement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": "lambda.amazonaws.com"},
			Action:    []string{"sts:AssumeRole"},
		}},
	}
}

func dataStorePolicy(resources []string) PolicyDocument {
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []Statement{{
			Effect:   "Allow",
			Action:   DataStoreActions,
			Resource: resources,
		}},
	}
}

type RoleSpec struct {
	Name              string            `json:"name"`
	AssumeRolePolicy  string            `json:"assume_role_policy"`
	ManagedPolicyARNs []string          `json:"managed_policy_arns"`
	InlinePolicies    map[string]string `json:"inline_policies,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

// ExecutionRole is the identity the function runs as. It carries the basic
// logging policy and an inline grant scoped to the configured tables.
type ExecutionRole struct {
	base
	cfg       *config.Config
	iamClient iamiface.IAMAPI
	logger    *zap.Logger
}

func NewExecutionRole(cfg *config.Config, iamClient iamiface.IAMAPI, logger *zap.Logger) *ExecutionRole {
	return &ExecutionRole{
		base:      base{address: RoleAddress, typ: "iam_role"},
		cfg:       cfg,
		iamClient: iamClient,
		logger:    logger.With(zap.String("resource", RoleAddress)),
	}
}

func (r *ExecutionRole) Desired(map[string]Attributes) (interface{}, error) {
	spec := RoleSpec{
		Name:              r.cfg.RoleName(),
		AssumeRolePolicy:  lambdaTrustPolicy().String(),
		ManagedPolicyARNs: []string{basicExecutionPolicyARN},
		Tags:              r.cfg.Tags,
	}
	// IAM rejects a statement without resources, so no tables means no grant.
	if resources := r.cfg.GrantResources(); len(resources) > 0 {
		spec.InlinePolicies = map[string]string{
			r.cfg.GrantPolicyName(): dataStorePolicy(resources).String(),
		}
	}
	return spec, nil
}

func iamTags(tags map[string]string) []*iam.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*iam.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, &iam.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *ExecutionRole) Create(ctx context.Context, raw json.RawMessage) (attrs Attributes, err error) {
	var spec RoleSpec
	if err := decodeSpec(raw, &spec); err != nil {
		return nil, err
	}

	input := &iam.CreateRoleInput{
		RoleName:                 aws.String(spec.Name),
		AssumeRolePolicyDocument: aws.String(spec.AssumeRolePolicy),
		Description:              aws.String("Execution role for " + r.cfg.FunctionName()),
	}
	if len(spec.Tags) > 0 {
		input.Tags = iamTags(spec.Tags)
	}
	out, err := r.iamClient.CreateRoleWithContext(ctx, input)
	if err != nil {
		if awsErrorCode(err) == iam.ErrCodeEntityAlreadyExistsException {
			return nil, &deployerr.ConflictError{Kind: "role", Name: spec.Name}
		}
		return nil, err
	}

	// A half-configured role is not recorded in state, so remove it here.
	defer func() {
		if err != nil {
			if cleanupErr := r.remove(ctx, spec); cleanupErr != nil {
				r.logger.Error("unable to clean up partially created role", zap.Error(cleanupErr))
			}
		}
	}()

	for _, arn := range spec.ManagedPolicyARNs {
		if err = r.attach(ctx, spec.Name, arn); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(spec.InlinePolicies) {
		if err = r.putInline(ctx, spec.Name, name, spec.InlinePolicies[name]); err != nil {
			return nil, err
		}
	}

	r.logger.Info("role created", zap.String("arn", aws.StringValue(out.Role.Arn)))
	return Attributes{
		"name": aws.StringValue(out.Role.RoleName),
		"arn":  aws.StringValue(out.Role.Arn),
		"id":   aws.StringValue(out.Role.RoleId),
	}, nil
}

func (r *ExecutionRole) attach(ctx context.Context, role, arn string) error {
	_, err := r.iamClient.AttachRolePolicyWithContext(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(role),
		PolicyArn: aws.String(arn),
	})
	return err
}

func (r *ExecutionRole) detach(ctx context.Context, role, arn string) error {
	_, err := r.iamClient.DetachRolePolicyWithContext(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(role),
		PolicyArn: aws.String(arn),
	})
	if awsErrorCode(err) == iam.ErrCodeNoSuchEntityException {
		return nil
	}
	return err
}

func (r *ExecutionRole) putInline(ctx context.Context, role, name, document string) error {
	_, err := r.iamClient.PutRolePolicyWithContext(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(role),
		PolicyName:     aws.String(name),
		PolicyDocument: aws.String(document),
	})
	return err
}

func (r *ExecutionRole) deleteInline(ctx context.Context, role, name string) error {
	_, err := r.iamClient.DeleteRolePolicyWithContext(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(role),
		PolicyName: aws.String(name),
	})
	if awsErrorCode(err) == iam.ErrCodeNoSuchEntityException {
		return nil
	}
	return err
}

func (r *ExecutionRole) Update(ctx context.Context, current *state.ResourceState, raw json.RawMessage) (Attributes, error) {
	var prior, next RoleSpec
	if err := decodeSpec(current.Inputs, &prior); err != nil {
		return nil, err
	}
	if err := decodeSpec(raw, &next); err != nil {
		return nil, err
	}
	if err := r.converge(ctx, prior, next); err != nil {
		return nil, err
	}
	return Attributes(current.Attributes), nil
}

// converge moves the role's policies and tags from prior to next. Grants are
// added before any are taken away.
func (r *ExecutionRole) converge(ctx context.Context, prior, next RoleSpec) error {
	if prior.AssumeRolePolicy != next.AssumeRolePolicy {
		_, err := r.iamClient.UpdateAssumeRolePolicyWithContext(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(next.Name),
			PolicyDocument: aws.String(next.AssumeRolePolicy),
		})
		if err != nil {
			return err
		}
	}

	had := stringSet(prior.ManagedPolicyARNs)
	for _, arn := range next.ManagedPolicyARNs {
		if !had[arn] {
			if err := r.attach(ctx, next.Name, arn); err != nil {
				return err
			}
		}
	}
	for _, name := range sortedKeys(next.InlinePolicies) {
		if prior.InlinePolicies[name] != next.InlinePolicies[name] {
			if err := r.putInline(ctx, next.Name, name, next.InlinePolicies[name]); err != nil {
				return err
			}
		}
	}

	want := stringSet(next.ManagedPolicyARNs)
	for _, arn := range prior.ManagedPolicyARNs {
		if !want[arn] {
			if err := r.detach(ctx, next.Name, arn); err != nil {
				return err
			}
		}
	}
	for _, name := range sortedKeys(prior.InlinePolicies) {
		if _, ok := next.InlinePolicies[name]; !ok {
			if err := r.deleteInline(ctx, next.Name, name); err != nil {
				return err
			}
		}
	}

	set, remove := tagDiff(prior.Tags, next.Tags)
	if len(set) > 0 {
		_, err := r.iamClient.TagRoleWithContext(ctx, &iam.TagRoleInput{
			RoleName: aws.String(next.Name),
			Tags:     iamTags(set),
		})
		if err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		_, err := r.iamClient.UntagRoleWithContext(ctx, &iam.UntagRoleInput{
			RoleName: aws.String(next.Name),
			TagKeys:  aws.StringSlice(remove),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ExecutionRole) Delete(ctx context.Context, current *state.ResourceState) error {
	var spec RoleSpec
	if err := decodeSpec(current.Inputs, &spec); err != nil {
		return err
	}
	return r.remove(ctx, spec)
}

// remove detaches every policy first; IAM refuses to delete a role that
// still has any.
func (r *ExecutionRole) remove(ctx context.Context, spec RoleSpec) error {
	for _, arn := range spec.ManagedPolicyARNs {
		if err := r.detach(ctx, spec.Name, arn); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(spec.InlinePolicies) {
		if err := r.deleteInline(ctx, spec.Name, name); err != nil {
			return err
		}
	}
	_, err := r.iamClient.DeleteRoleWithContext(ctx, &iam.DeleteRoleInput{RoleName: aws.String(spec.Name)})
	if awsErrorCode(err) == iam.ErrCodeNoSuchEntityException {
		return nil
	}
	if err == nil {
		r.logger.Info("role deleted", zap.String("name", spec.Name))
	}
	return err
}

func (r *ExecutionRole) Exists(ctx context.Context, current *state.ResourceState) (bool, error) {
	_, err := r.iamClient.GetRoleWithContext(ctx, &iam.GetRoleInput{RoleName: aws.String(current.Attributes["name"])})
	if awsErrorCode(err) == iam.ErrCodeNoSuchEntityException {
		return false, nil
	}
	return err == nil, err
}

func (r *ExecutionRole) RequiresReplace(prior, desired json.RawMessage) bool {
	var a, b RoleSpec
	if decodeSpec(prior, &a) != nil || decodeSpec(desired, &b) != nil {
		return true
	}
	return a.Name != b.Name
}

func (r *ExecutionRole) Rollback(ctx context.Context, prior, current *state.ResourceState) error {
	var spec RoleSpec
	if err := decodeSpec(current.Inputs, &spec); err != nil {
		return err
	}
	if prior == nil {
		return r.remove(ctx, spec)
	}
	var previous RoleSpec
	if err := decodeSpec(prior.Inputs, &previous); err != nil {
		return err
	}
	return r.converge(ctx, spec, previous)
}
