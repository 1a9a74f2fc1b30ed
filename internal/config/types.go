package config

const (
	Section = "deployer"

	BackendS3       = "s3"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// AllowedEnvironments is the closed set accepted for Config.Environment.
var AllowedEnvironments = []string{"dev", "staging", "prod"}

type Config struct {
	Project     string            `yaml:"project"`
	Environment string            `yaml:"environment"`
	Region      string            `yaml:"region"`
	AWS         AWSConfig         `yaml:"aws"`
	Function    FunctionConfig    `yaml:"function"`
	Tables      []Table           `yaml:"tables"`
	TableARNs   []string          `yaml:"table_arns"`
	JWTSecret   Secret            `yaml:"jwt_secret"`
	Build       BuildConfig       `yaml:"build"`
	Registry    RegistryConfig    `yaml:"registry"`
	State       StateConfig       `yaml:"state"`
	Log         LogConfig         `yaml:"log"`
	Temporal    TemporalConfig    `yaml:"temporal"`
	Server      ServerConfig      `yaml:"server"`
	Tags        map[string]string `yaml:"tags"`
}

type AWSConfig struct {
	AssumeRoleARN      string `yaml:"assume_role_arn"`
	SessionDuration    int64  `yaml:"session_duration"`
	AwsAccessKeyID     string `yaml:"aws_access_key_id"`
	AwsSecretAccessKey Secret `yaml:"aws_secret_access_key"`
}

type FunctionConfig struct {
	Timeout          int64             `yaml:"timeout"`
	MemorySize       int64             `yaml:"memory_size"`
	LogRetentionDays int64             `yaml:"log_retention_days"`
	Environment      map[string]string `yaml:"environment"`
}

// Table is a DynamoDB table the function reads and writes.
type Table struct {
	Name    string   `yaml:"name"`
	EnvVar  string   `yaml:"env_var"`
	ARN     string   `yaml:"arn"`
	Indexes []string `yaml:"indexes"`
}

type BuildConfig struct {
	Context      string   `yaml:"context"`
	Dockerfile   string   `yaml:"dockerfile"`
	Handler      string   `yaml:"handler"`
	Manifest     string   `yaml:"manifest"`
	ExtraInputs  []string `yaml:"extra_inputs"`
	Force        bool     `yaml:"force"`
	DockerBinary string   `yaml:"docker_binary"`
	Tag          string   `yaml:"tag"`
}

type RegistryConfig struct {
	ForceDelete bool `yaml:"force_delete"`
}

type StateConfig struct {
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Key       string `yaml:"key"`
	LockTable string `yaml:"lock_table"`
	DSN       Secret `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
}
