package resource

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/deployerr"
	"github.com/paguebem/infra/internal/state"
)

type RegistrySpec struct {
	Name               string            `json:"name"`
	ImageTagMutability string            `json:"image_tag_mutability"`
	ScanOnPush         bool              `json:"scan_on_push"`
	Tags               map[string]string `json:"tags,omitempty"`
}

// Registry is the ECR repository images are pushed to.
type Registry struct {
	base
	cfg         *config.Config
	ecrClient   ecriface.ECRAPI
	forceDelete bool
	logger      *zap.Logger
}

func NewRegistry(cfg *config.Config, ecrClient ecriface.ECRAPI, logger *zap.Logger) *Registry {
	return &Registry{
		base:        base{address: RegistryAddress, typ: "ecr_repository"},
		cfg:         cfg,
		ecrClient:   ecrClient,
		forceDelete: cfg.Registry.ForceDelete,
		logger:      logger.With(zap.String("resource", RegistryAddress)),
	}
}

func (r *Registry) Desired(map[string]Attributes) (interface{}, error) {
	return RegistrySpec{
		Name:               r.cfg.RepositoryName(),
		ImageTagMutability: ecr.ImageTagMutabilityMutable,
		ScanOnPush:         true,
		Tags:               r.cfg.Tags,
	}, nil
}

func ecrTags(tags map[string]string) []*ecr.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*ecr.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, &ecr.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func repositoryAttributes(repo *ecr.Repository) Attributes {
	return Attributes{
		"name":           aws.StringValue(repo.RepositoryName),
		"arn":            aws.StringValue(repo.RepositoryArn),
		"registry_id":    aws.StringValue(repo.RegistryId),
		"repository_url": aws.StringValue(repo.RepositoryUri),
	}
}

func (r *Registry) Create(ctx context.Context, raw json.RawMessage) (Attributes, error) {
	var spec RegistrySpec
	if err := decodeSpec(raw, &spec); err != nil {
		return nil, err
	}

	input := &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(spec.Name),
		ImageTagMutability: aws.String(spec.ImageTagMutability),
		ImageScanningConfiguration: &ecr.ImageScanningConfiguration{
			ScanOnPush: aws.Bool(spec.ScanOnPush),
		},
	}
	if len(spec.Tags) > 0 {
		input.Tags = ecrTags(spec.Tags)
	}

	out, err := r.ecrClient.CreateRepositoryWithContext(ctx, input)
	if err != nil {
		if awsErrorCode(err) == ecr.ErrCodeRepositoryAlreadyExistsException {
			return nil, &deployerr.ConflictError{Kind: "repository", Name: spec.Name}
		}
		return nil, err
	}
	r.logger.Info("repository created", zap.String("url", aws.StringValue(out.Repository.RepositoryUri)))
	return repositoryAttributes(out.Repository), nil
}

func (r *Registry) Update(ctx context.Context, current *state.ResourceState, raw json.RawMessage) (Attributes, error) {
	var prior, spec RegistrySpec
	if err := decodeSpec(current.Inputs, &prior); err != nil {
		return nil, err
	}
	if err := decodeSpec(raw, &spec); err != nil {
		return nil, err
	}
	if err := r.apply(ctx, spec); err != nil {
		return nil, err
	}
	if err := r.syncTags(ctx, current.Attributes["arn"], prior.Tags, spec.Tags); err != nil {
		return nil, err
	}
	return Attributes(current.Attributes), nil
}

func (r *Registry) syncTags(ctx context.Context, arn string, prior, next map[string]string) error {
	set, remove := tagDiff(prior, next)
	if len(set) > 0 {
		_, err := r.ecrClient.TagResourceWithContext(ctx, &ecr.TagResourceInput{
			ResourceArn: aws.String(arn),
			Tags:        ecrTags(set),
		})
		if err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		_, err := r.ecrClient.UntagResourceWithContext(ctx, &ecr.UntagResourceInput{
			ResourceArn: aws.String(arn),
			TagKeys:     aws.StringSlice(remove),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) apply(ctx context.Context, spec RegistrySpec) error {
	_, err := r.ecrClient.PutImageTagMutabilityWithContext(ctx, &ecr.PutImageTagMutabilityInput{
		RepositoryName:     aws.String(spec.Name),
		ImageTagMutability: aws.String(spec.ImageTagMutability),
	})
	if err != nil {
		return err
	}
	_, err = r.ecrClient.PutImageScanningConfigurationWithContext(ctx, &ecr.PutImageScanningConfigurationInput{
		RepositoryName: aws.String(spec.Name),
		ImageScanningConfiguration: &ecr.ImageScanningConfiguration{
			ScanOnPush: aws.Bool(spec.ScanOnPush),
		},
	})
	return err
}

// Retains reports whether destroy will leave the repository in place.
func (r *Registry) Retains() bool {
	return !r.forceDelete
}

// Delete only removes the repository, and every image in it, when force
// delete is configured. Otherwise it returns ErrRetained.
func (r *Registry) Delete(ctx context.Context, current *state.ResourceState) error {
	if !r.forceDelete {
		r.logger.Warn("repository retained; set registry.force_delete to remove it and its images",
			zap.String("name", current.Attributes["name"]))
		return ErrRetained
	}
	return r.deleteRepository(ctx, current.Attributes["name"])
}

func (r *Registry) deleteRepository(ctx context.Context, name string) error {
	_, err := r.ecrClient.DeleteRepositoryWithContext(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(name),
		Force:          aws.Bool(true),
	})
	if awsErrorCode(err) == ecr.ErrCodeRepositoryNotFoundException {
		return nil
	}
	if err == nil {
		r.logger.Info("repository deleted", zap.String("name", name))
	}
	return err
}

func (r *Registry) Exists(ctx context.Context, current *state.ResourceState) (bool, error) {
	_, err := r.ecrClient.DescribeRepositoriesWithContext(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []*string{aws.String(current.Attributes["name"])},
	})
	if awsErrorCode(err) == ecr.ErrCodeRepositoryNotFoundException {
		return false, nil
	}
	return err == nil, err
}

func (r *Registry) RequiresReplace(prior, desired json.RawMessage) bool {
	var a, b RegistrySpec
	if decodeSpec(prior, &a) != nil || decodeSpec(desired, &b) != nil {
		return true
	}
	return a.Name != b.Name
}

// Rollback removes a repository created by the failed apply; it can only
// hold images pushed by that same apply.
func (r *Registry) Rollback(ctx context.Context, prior, current *state.ResourceState) error {
	if prior == nil {
		return r.deleteRepository(ctx, current.Attributes["name"])
	}
	var spec, applied RegistrySpec
	if err := decodeSpec(prior.Inputs, &spec); err != nil {
		return err
	}
	if err := decodeSpec(current.Inputs, &applied); err != nil {
		return err
	}
	if err := r.apply(ctx, spec); err != nil {
		return err
	}
	return r.syncTags(ctx, current.Attributes["arn"], applied.Tags, spec.Tags)
}
