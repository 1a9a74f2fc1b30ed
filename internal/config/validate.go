package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/paguebem/infra/internal/deployerr"
)

var (
	projectRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	envVarRegex  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// CloudWatch Logs only accepts these retention periods.
	allowedRetentionDays = []int64{1, 3, 5, 7, 14, 30, 60, 90, 120, 150, 180, 365, 400, 545, 731, 1827, 3653}
)

// Validate checks every input and returns a *deployerr.ValidationError listing all problems.
func (c *Config) Validate() error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !isAllowedEnvironment(c.Environment) {
		addf("environment %q must be one of %s", c.Environment, strings.Join(AllowedEnvironments, ", "))
	}
	if !projectRegex.MatchString(c.Project) {
		addf("project %q must be lowercase alphanumerics, '-' or '_'", c.Project)
	}
	if c.Region == "" {
		addf("region is required")
	}
	if c.Function.Timeout < 1 || c.Function.Timeout > 900 {
		addf("function.timeout must be between 1 and 900 seconds, got %d", c.Function.Timeout)
	}
	if c.Function.MemorySize < 128 || c.Function.MemorySize > 10240 {
		addf("function.memory_size must be between 128 and 10240 MB, got %d", c.Function.MemorySize)
	}
	if !isAllowedRetention(c.Function.LogRetentionDays) {
		addf("function.log_retention_days %d is not a CloudWatch retention period", c.Function.LogRetentionDays)
	}
	for key := range c.Function.Environment {
		if !envVarRegex.MatchString(key) {
			addf("function.environment key %q is not a valid variable name", key)
		}
	}
	for i, t := range c.Tables {
		if t.Name == "" || t.ARN == "" {
			addf("tables[%d] needs both name and arn", i)
		}
		if !envVarRegex.MatchString(t.EnvVar) {
			addf("tables[%d].env_var %q is not a valid variable name", i, t.EnvVar)
		}
	}
	if c.Build.Context == "" {
		addf("build.context is required")
	}

	switch c.State.Backend {
	case BackendS3:
		if c.State.Bucket == "" || c.State.LockTable == "" {
			addf("state backend s3 needs bucket and lock_table")
		}
	case BackendSQLite, BackendPostgres:
		if c.State.DSN == "" {
			addf("state backend %s needs dsn", c.State.Backend)
		}
	default:
		addf("state.backend %q must be one of s3, sqlite, postgres", c.State.Backend)
	}

	if len(problems) > 0 {
		return &deployerr.ValidationError{Problems: problems}
	}
	return nil
}

func isAllowedEnvironment(env string) bool {
	for _, allowed := range AllowedEnvironments {
		if env == allowed {
			return true
		}
	}
	return false
}

func isAllowedRetention(days int64) bool {
	for _, allowed := range allowedRetentionDays {
		if days == allowed {
			return true
		}
	}
	return false
}
