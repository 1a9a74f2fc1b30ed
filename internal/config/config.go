// Package config loads and validates the deployer's inputs.
//
// Files are YAML, read in order with later files overriding earlier ones,
// and ${VAR} references are expanded from the process environment. All keys
// live under the "deployer" section:
//
//	deployer:
//	  project: paguebem-api
//	  environment: dev
//	  region: us-east-1
//	  jwt_secret: ${JWT_SECRET:}
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/config"
)

const (
	defaultProject          = "paguebem-api"
	defaultRegion           = "us-east-1"
	defaultTimeout          = 30
	defaultMemorySize       = 512
	defaultLogRetentionDays = 14
	defaultSessionDuration  = 3600
	defaultTag              = "latest"
)

// Default returns a Config with every optional field set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Project == "" {
		c.Project = defaultProject
	}
	if c.Region == "" {
		c.Region = defaultRegion
	}
	if c.AWS.SessionDuration == 0 {
		c.AWS.SessionDuration = defaultSessionDuration
	}
	if c.Function.Timeout == 0 {
		c.Function.Timeout = defaultTimeout
	}
	if c.Function.MemorySize == 0 {
		c.Function.MemorySize = defaultMemorySize
	}
	if c.Function.LogRetentionDays == 0 {
		c.Function.LogRetentionDays = defaultLogRetentionDays
	}
	if c.Build.Dockerfile == "" {
		c.Build.Dockerfile = "Dockerfile"
	}
	if c.Build.Handler == "" {
		c.Build.Handler = "main.py"
	}
	if c.Build.Manifest == "" {
		c.Build.Manifest = "requirements.txt"
	}
	if c.Build.DockerBinary == "" {
		c.Build.DockerBinary = "docker"
	}
	if c.Build.Tag == "" {
		c.Build.Tag = defaultTag
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendS3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "paguebem"
	}
	if c.Temporal.TaskQueue == "" {
		c.Temporal.TaskQueue = "deployer"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
}

// NewProvider builds a YAML provider over the given files with environment expansion.
func NewProvider(filenames ...string) (config.Provider, error) {
	return config.NewYAMLProviderWithExpand(os.LookupEnv, filenames...)
}

// Load reads the given files and returns the populated Config.
// It does not validate; call Validate once any overrides are applied.
func Load(filenames ...string) (*Config, error) {
	if len(filenames) == 0 {
		return nil, fmt.Errorf("no config files given")
	}
	provider, err := NewProvider(filenames...)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := provider.Get(Section).Populate(cfg); err != nil {
		return nil, fmt.Errorf("unable to populate %s config: %w", Section, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// FilesInDir lists the config files for an environment: every base file in
// dir except other environments' override files, then "<environment>.yaml" last.
func FilesInDir(dir, environment string) ([]string, error) {
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	envFiles := map[string]bool{}
	for _, env := range AllowedEnvironments {
		envFiles[env+".yaml"] = true
		envFiles[env+".yml"] = true
	}

	var base, override []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		switch {
		case strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml") == environment:
			override = append(override, filepath.Join(dir, name))
		case envFiles[name]:
			continue
		default:
			base = append(base, filepath.Join(dir, name))
		}
	}
	sort.Strings(base)
	return append(base, override...), nil
}

func (c *Config) ResourceName() string {
	return c.Project + "-" + c.Environment
}

func (c *Config) FunctionName() string {
	return c.ResourceName()
}

func (c *Config) RepositoryName() string {
	return c.ResourceName()
}

func (c *Config) RoleName() string {
	return c.ResourceName() + "-lambda-role"
}

func (c *Config) GrantPolicyName() string {
	return c.ResourceName() + "-dynamodb"
}

func (c *Config) LogGroupName() string {
	return "/aws/lambda/" + c.FunctionName()
}

// StateKey is the path of this environment's state document.
func (c *Config) StateKey() string {
	if c.State.Key != "" {
		return c.State.Key
	}
	return fmt.Sprintf("%s/%s/state.json", c.Project, c.Environment)
}

// DeployTaskQueue is the Temporal task queue for this environment, so a
// worker only ever picks up runs for the environment it was configured with.
func (c *Config) DeployTaskQueue() string {
	return c.Temporal.TaskQueue + "-" + c.Environment
}

// GrantResources is the combined ARN list the data-store grant is scoped to:
// each table, each named secondary index, then any extra ARNs, deduplicated.
func (c *Config) GrantResources() []string {
	var out []string
	seen := map[string]bool{}
	add := func(arn string) {
		if arn == "" || seen[arn] {
			return
		}
		seen[arn] = true
		out = append(out, arn)
	}
	for _, t := range c.Tables {
		add(t.ARN)
		for _, idx := range t.Indexes {
			add(t.ARN + "/index/" + idx)
		}
	}
	for _, arn := range c.TableARNs {
		add(arn)
	}
	return out
}

// BaselineEnv is the fixed variable set every deployment gets.
func (c *Config) BaselineEnv() map[string]string {
	env := map[string]string{
		"ENVIRONMENT": c.Environment,
	}
	for _, t := range c.Tables {
		env[t.EnvVar] = t.Name
	}
	if c.JWTSecret != "" {
		env["JWT_SECRET"] = c.JWTSecret.Value()
	}
	return env
}

// FunctionEnv is the baseline merged with the caller's extension map.
func (c *Config) FunctionEnv() map[string]string {
	return MergeEnv(c.BaselineEnv(), c.Function.Environment)
}

// SensitiveEnvKeys lists variables whose values must not be shown.
func (c *Config) SensitiveEnvKeys() []string {
	if c.JWTSecret == "" {
		return nil
	}
	return []string{"JWT_SECRET"}
}
