package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paguebem/infra/internal/deployerr"
)

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	cfg, err := loadConfig(&rootOptions{configDir: "../../config/deployer", env: "prod"})
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "paguebem-api-prod", cfg.FunctionName())
	assert.Equal(t, int64(1024), cfg.Function.MemorySize)
	assert.Equal(t, int64(30), cfg.Function.Timeout)
	assert.False(t, cfg.Registry.ForceDelete)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, "PagueBem-Usuarios-prod", cfg.Tables[0].Name)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_ForceBuild(t *testing.T) {
	cfg, err := loadConfig(&rootOptions{configDir: "../../config/deployer", env: "dev", forceBuild: true})
	require.NoError(t, err)
	assert.True(t, cfg.Build.Force)
	assert.True(t, cfg.Registry.ForceDelete)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestRootCommand_RequiresEnv(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"plan", "--config-dir", "../../config/deployer"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env")
}

func TestRootCommand_RejectsUnknownEnvironment(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"plan", "--config-dir", "../../config/deployer", "--env", "qa"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `environment "qa"`)
}

func TestCheckApplyFlags(t *testing.T) {
	assert.NoError(t, checkApplyFlags("", true, true), "the worker receives --force-build with the request")
	assert.NoError(t, checkApplyFlags("plan.json", false, false))

	err := checkApplyFlags("plan.json", false, true)
	var verr *deployerr.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "--force-build")

	assert.Error(t, checkApplyFlags("plan.json", true, false))
}

func TestApplyCommand_RejectsForceBuildWithSavedPlan(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"apply", "--config-dir", "../../config/deployer", "--env", "dev", "--plan", "plan.json", "--force-build"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, deployerr.ExitCode(err))
}

func TestBaseConfig_FingerprintsEveryApplicationPackage(t *testing.T) {
	cfg, err := loadConfig(&rootOptions{configDir: "../../config/deployer", env: "dev"})
	require.NoError(t, err)
	for _, pkg := range []string{"controller", "dtos", "repository", "services", "utils"} {
		assert.Contains(t, cfg.Build.ExtraInputs, pkg)
	}
}
