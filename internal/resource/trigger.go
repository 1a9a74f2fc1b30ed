package resource

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/fingerprint"
	"github.com/paguebem/infra/internal/publish"
	"github.com/paguebem/infra/internal/state"
)

type TriggerSpec struct {
	RepositoryName string          `json:"repository_name"`
	RepositoryURL  string          `json:"repository_url"`
	Tag            string          `json:"tag"`
	Triggers       fingerprint.Set `json:"triggers"`
}

// BuildTrigger rebuilds and pushes the image whenever one of its tracked
// input fingerprints changes, or when a plan forces a rebuild.
// It is a cache key, not a version: its only remote effect is the pushed tag.
type BuildTrigger struct {
	base
	cfg       *config.Config
	ecrClient ecriface.ECRAPI
	publisher publish.Publisher
	logger    *zap.Logger
}

func NewBuildTrigger(cfg *config.Config, ecrClient ecriface.ECRAPI, publisher publish.Publisher, logger *zap.Logger) *BuildTrigger {
	return &BuildTrigger{
		base: base{
			address:   BuildTriggerAddress,
			typ:       "image_build",
			dependsOn: []string{RegistryAddress},
		},
		cfg:       cfg,
		ecrClient: ecrClient,
		publisher: publisher,
		logger:    logger.With(zap.String("resource", BuildTriggerAddress)),
	}
}

func (b *BuildTrigger) inputs() []fingerprint.Input {
	in := []fingerprint.Input{
		{Name: "dockerfile", Path: b.cfg.Build.Dockerfile},
		{Name: "handler", Path: b.cfg.Build.Handler},
		{Name: "manifest", Path: b.cfg.Build.Manifest},
	}
	for _, extra := range b.cfg.Build.ExtraInputs {
		in = append(in, fingerprint.Input{Name: "extra:" + filepath.ToSlash(extra), Path: extra})
	}
	return in
}

func (b *BuildTrigger) Desired(deps map[string]Attributes) (interface{}, error) {
	set, err := fingerprint.Compute(b.cfg.Build.Context, b.inputs())
	if err != nil {
		return nil, err
	}
	registry := deps[RegistryAddress]
	return TriggerSpec{
		RepositoryName: b.cfg.RepositoryName(),
		RepositoryURL:  registry.Get("repository_url"),
		Tag:            b.cfg.Build.Tag,
		Triggers:       set,
	}, nil
}

func (b *BuildTrigger) publish(ctx context.Context, raw json.RawMessage, previousDigest string) (Attributes, error) {
	var spec TriggerSpec
	if err := decodeSpec(raw, &spec); err != nil {
		return nil, err
	}

	img, err := b.publisher.Publish(ctx, publish.Request{
		RepositoryName: spec.RepositoryName,
		RepositoryURL:  spec.RepositoryURL,
		Tag:            spec.Tag,
		ContextDir:     b.cfg.Build.Context,
		Dockerfile:     b.cfg.Build.Dockerfile,
	})
	if err != nil {
		return nil, err
	}
	return Attributes{
		"image_ref":       img.Reference,
		"image_uri":       img.URI,
		"image_digest":    img.Digest,
		"image_tag":       img.Tag,
		"pushed_at":       img.PushedAt.Format(time.RFC3339),
		"previous_digest": previousDigest,
		"fingerprint":     spec.Triggers.Key(),
	}, nil
}

func (b *BuildTrigger) Create(ctx context.Context, raw json.RawMessage) (Attributes, error) {
	return b.publish(ctx, raw, "")
}

func (b *BuildTrigger) Update(ctx context.Context, current *state.ResourceState, raw json.RawMessage) (Attributes, error) {
	var prior, next TriggerSpec
	if decodeSpec(current.Inputs, &prior) == nil && decodeSpec(raw, &next) == nil {
		if changed := next.Triggers.Changed(prior.Triggers); len(changed) > 0 {
			b.logger.Info("build inputs changed", zap.Strings("inputs", changed))
		} else {
			b.logger.Info("rebuilding with unchanged inputs", zap.String("fingerprint", next.Triggers.Key()))
		}
	}
	return b.publish(ctx, raw, current.Attributes["image_digest"])
}

// Delete only forgets the trigger; pushed images go with the repository.
func (b *BuildTrigger) Delete(context.Context, *state.ResourceState) error {
	return nil
}

// Exists reports whether the recorded digest is still in the repository.
func (b *BuildTrigger) Exists(ctx context.Context, current *state.ResourceState) (bool, error) {
	var spec TriggerSpec
	if err := decodeSpec(current.Inputs, &spec); err != nil {
		return false, err
	}
	_, err := b.ecrClient.DescribeImagesWithContext(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(spec.RepositoryName),
		ImageIds:       []*ecr.ImageIdentifier{{ImageDigest: aws.String(current.Attributes["image_digest"])}},
	})
	switch awsErrorCode(err) {
	case ecr.ErrCodeImageNotFoundException, ecr.ErrCodeRepositoryNotFoundException:
		return false, nil
	}
	return err == nil, err
}

func (b *BuildTrigger) Rebuildable() bool {
	return true
}

func (b *BuildTrigger) VolatileAttributes() []string {
	return []string{"image_ref", "image_uri", "image_digest", "pushed_at", "previous_digest"}
}

// Rollback points the tag back at the digest recorded before the failed apply,
// or removes it when there was none.
func (b *BuildTrigger) Rollback(ctx context.Context, prior, current *state.ResourceState) error {
	var spec TriggerSpec
	if err := decodeSpec(current.Inputs, &spec); err != nil {
		return err
	}
	if prior != nil && prior.Attributes["image_digest"] != "" {
		return b.publisher.Restore(ctx, spec.RepositoryName, spec.Tag, prior.Attributes["image_digest"])
	}
	return b.publisher.Untag(ctx, spec.RepositoryName, spec.Tag)
}
