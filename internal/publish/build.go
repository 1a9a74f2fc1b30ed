package publish

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/deployerr"
)

// Platform is the only architecture the function runs on.
const Platform = "linux/amd64"

type BuildSpec struct {
	Tag        string
	ContextDir string
	Dockerfile string
}

// Builder produces an image tarball from a build context.
type Builder interface {
	// Build returns the tarball path and a cleanup func that removes it.
	Build(ctx context.Context, spec BuildSpec) (tarball string, cleanup func(), err error)
}

type dockerBuilder struct {
	binary string
	logger *zap.Logger
}

func NewDockerBuilder(binary string, logger *zap.Logger) Builder {
	if binary == "" {
		binary = "docker"
	}
	return &dockerBuilder{binary: binary, logger: logger}
}

// buildxCommand exports a single-platform docker tarball without provenance
// attestations, which the Lambda image loader rejects.
func buildxCommand(spec BuildSpec, dest string) []string {
	dockerfile := spec.Dockerfile
	if dockerfile != "" && !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(spec.ContextDir, dockerfile)
	}
	cmd := []string{
		"buildx",
		"build",
		"--platform", Platform,
		"--provenance=false",
		"--output", "type=docker,dest=" + dest,
		"--tag", spec.Tag,
	}
	if dockerfile != "" {
		cmd = append(cmd, "--file", dockerfile)
	}
	return append(cmd, spec.ContextDir)
}

func (d *dockerBuilder) Build(ctx context.Context, spec BuildSpec) (string, func(), error) {
	dir, err := ioutil.TempDir("", "paguebem-image")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }
	dest := filepath.Join(dir, "image.tar")

	args := buildxCommand(spec, dest)
	d.logger.Info("building image",
		zap.String("tag", spec.Tag),
		zap.String("platform", Platform),
		zap.String("command", d.binary+" "+strings.Join(args, " ")))

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		cleanup()
		procErr := &deployerr.ExternalProcessError{Step: "docker build", Output: output.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			procErr.ExitCode = exitErr.ExitCode()
		}
		d.logger.Error("image build failed",
			zap.Int("exit_code", procErr.ExitCode),
			zap.String("output", tail(output.String(), 4096)))
		return "", nil, procErr
	}
	d.logger.Debug("image built", zap.String("tarball", dest))
	return dest, cleanup, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
