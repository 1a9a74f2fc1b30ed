package publish

import (
	"context"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"
)

// Pusher uploads an image tarball to a registry reference.
type Pusher interface {
	Push(ctx context.Context, tarball, ref string, auth authn.Authenticator) (digest string, err error)
}

type cranePusher struct {
	logger *zap.Logger
}

func NewCranePusher(logger *zap.Logger) Pusher {
	return &cranePusher{logger: logger}
}

// Push stops uploading layers as soon as ctx is done.
func (p *cranePusher) Push(ctx context.Context, tarball, ref string, auth authn.Authenticator) (digest string, err error) {
	dst, err := name.ParseReference(ref)
	if err != nil {
		return
	}

	img, err := crane.Load(tarball)
	if err != nil {
		return
	}

	imageHash, err := img.Digest()
	if err != nil {
		return
	}

	p.logger.Info("pushing image", zap.String("digest", imageHash.String()), zap.String("ref", ref))
	if err = remote.Write(dst, img, remote.WithAuth(auth), remote.WithContext(ctx)); err != nil {
		return
	}
	digest = imageHash.String()
	return
}
