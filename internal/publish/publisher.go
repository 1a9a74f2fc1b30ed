// Package publish builds the function image and pushes it to ECR.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/deployerr"
)

type Request struct {
	RepositoryName string
	RepositoryURL  string
	Tag            string
	ContextDir     string
	Dockerfile     string
}

// Image is a pushed image. URI pins the digest so consumers never race a retag.
type Image struct {
	Reference string
	URI       string
	Digest    string
	Tag       string
	PushedAt  time.Time
}

type Publisher interface {
	// Publish authenticates, builds, tags and pushes. Any failing step aborts.
	Publish(ctx context.Context, req Request) (*Image, error)
	// Restore points tag back at digest.
	Restore(ctx context.Context, repositoryName, tag, digest string) error
	// Untag removes tag from the repository.
	Untag(ctx context.Context, repositoryName, tag string) error
}

type publisher struct {
	ecrClient ecriface.ECRAPI
	builder   Builder
	pusher    Pusher
	logger    *zap.Logger
	now       func() time.Time
}

func NewPublisher(ecrClient ecriface.ECRAPI, builder Builder, pusher Pusher, logger *zap.Logger) Publisher {
	return &publisher{
		ecrClient: ecrClient,
		builder:   builder,
		pusher:    pusher,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *publisher) Publish(ctx context.Context, req Request) (*Image, error) {
	ref := fmt.Sprintf("%s:%s", req.RepositoryURL, req.Tag)
	logger := p.logger.With(zap.String("ref", ref))

	logger.Info("authenticating to registry")
	auth, err := registryAuthenticator(ctx, p.ecrClient)
	if err != nil {
		return nil, &deployerr.ExternalProcessError{Step: "registry login", Err: err}
	}

	tarball, cleanup, err := p.builder.Build(ctx, BuildSpec{
		Tag:        ref,
		ContextDir: req.ContextDir,
		Dockerfile: req.Dockerfile,
	})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	digest, err := p.pusher.Push(ctx, tarball, ref, auth)
	if err != nil {
		return nil, &deployerr.ExternalProcessError{Step: "image push", Err: err}
	}

	img := &Image{
		Reference: ref,
		URI:       req.RepositoryURL + "@" + digest,
		Digest:    digest,
		Tag:       req.Tag,
		PushedAt:  p.now().UTC(),
	}
	logger.Info("image published", zap.String("digest", digest))
	return img, nil
}

func (p *publisher) Restore(ctx context.Context, repositoryName, tag, digest string) error {
	out, err := p.ecrClient.BatchGetImageWithContext(ctx, &ecr.BatchGetImageInput{
		RepositoryName: aws.String(repositoryName),
		ImageIds:       []*ecr.ImageIdentifier{{ImageDigest: aws.String(digest)}},
	})
	if err != nil {
		return err
	}
	if len(out.Images) == 0 {
		return fmt.Errorf("image %s not found in %s", digest, repositoryName)
	}

	_, err = p.ecrClient.PutImageWithContext(ctx, &ecr.PutImageInput{
		RepositoryName:         aws.String(repositoryName),
		ImageManifest:          out.Images[0].ImageManifest,
		ImageManifestMediaType: out.Images[0].ImageManifestMediaType,
		ImageTag:               aws.String(tag),
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == ecr.ErrCodeImageAlreadyExistsException {
		err = nil
	}
	if err == nil {
		p.logger.Info("restored image tag",
			zap.String("repository", repositoryName),
			zap.String("tag", tag),
			zap.String("digest", digest))
	}
	return err
}

func (p *publisher) Untag(ctx context.Context, repositoryName, tag string) error {
	_, err := p.ecrClient.BatchDeleteImageWithContext(ctx, &ecr.BatchDeleteImageInput{
		RepositoryName: aws.String(repositoryName),
		ImageIds:       []*ecr.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err == nil {
		p.logger.Info("removed image tag", zap.String("repository", repositoryName), zap.String("tag", tag))
	}
	return err
}
