// Package app wires configuration, AWS clients, the state backend and the
// engine together for the command line tools.
package app

import (
	"context"
	"fmt"
	"io"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/paguebem/infra/internal/awsclient"
	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/engine"
	"github.com/paguebem/infra/internal/publish"
	"github.com/paguebem/infra/internal/resource"
	"github.com/paguebem/infra/internal/server"
	"github.com/paguebem/infra/internal/smoke"
	"github.com/paguebem/infra/internal/state"
	"github.com/paguebem/infra/internal/worker"
)

type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	AWS     *awsclient.Manager
	Backend state.Backend
	Engine  *engine.Engine
	Stack   *resource.Stack
}

// NewLogger builds a zap logger from the log section of the config.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

// NewBackend opens the state backend named in the config.
func NewBackend(ctx context.Context, cfg *config.Config, aws *awsclient.Manager) (state.Backend, error) {
	switch cfg.State.Backend {
	case config.BackendS3:
		s3Client, err := aws.S3(ctx)
		if err != nil {
			return nil, err
		}
		dynamo, err := aws.DynamoDB(ctx)
		if err != nil {
			return nil, err
		}
		return state.NewS3Backend(s3Client, dynamo, cfg.State.Bucket, cfg.StateKey(), cfg.State.LockTable), nil
	case config.BackendSQLite:
		return state.OpenSQL(ctx, state.DriverSQLite, cfg.State.DSN.Value(), cfg.StateKey())
	case config.BackendPostgres:
		return state.OpenSQL(ctx, state.DriverPostgres, cfg.State.DSN.Value(), cfg.StateKey())
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
}

// New validates cfg and builds everything a deployment needs.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("project", cfg.Project), zap.String("environment", cfg.Environment))

	aws, err := awsclient.NewManager(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, AWS: aws}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) (err error) {
	clients := resource.Clients{Region: a.AWS.Region()}
	if clients.ECR, err = a.AWS.ECR(ctx); err != nil {
		return err
	}
	if clients.IAM, err = a.AWS.IAM(ctx); err != nil {
		return err
	}
	if clients.Lambda, err = a.AWS.Lambda(ctx); err != nil {
		return err
	}
	if clients.Logs, err = a.AWS.Logs(ctx); err != nil {
		return err
	}
	if clients.AccountID, err = a.AWS.AccountID(ctx); err != nil {
		return err
	}

	publisher := publish.NewPublisher(
		clients.ECR,
		publish.NewDockerBuilder(a.Config.Build.DockerBinary, a.Logger),
		publish.NewCranePusher(a.Logger),
		a.Logger,
	)

	if a.Stack, err = resource.NewStack(a.Config, clients, publisher, a.Logger); err != nil {
		return err
	}
	if a.Backend, err = NewBackend(ctx, a.Config, a.AWS); err != nil {
		return err
	}
	a.Engine = engine.New(a.Stack, a.Backend, a.Logger)
	return nil
}

// Smoke invokes the deployed function's health route.
func (a *App) Smoke(ctx context.Context, path string) (*smoke.Result, error) {
	outputs, err := a.Engine.Outputs(ctx)
	if err != nil {
		return nil, err
	}
	functionName, ok := outputs["function_name"]
	if !ok {
		return nil, fmt.Errorf("no function recorded in %s; run apply first", a.Backend.Key())
	}
	lambdaClient, err := a.AWS.Lambda(ctx)
	if err != nil {
		return nil, err
	}
	return smoke.NewChecker(lambdaClient, a.Logger).Check(ctx, functionName, path)
}

func (a *App) Server() *server.Server {
	return server.New(a.Engine, a.Logger)
}

// Activities returns the Temporal activities backed by this app's engine.
// Plans are archived next to the state object when the backend is S3.
func (a *App) Activities(ctx context.Context) (*worker.DeployActivities, error) {
	activities := &worker.DeployActivities{Deployer: a.Engine, Logger: a.Logger}
	if a.Config.State.Backend == config.BackendS3 {
		s3Client, err := a.AWS.S3(ctx)
		if err != nil {
			return nil, err
		}
		activities.Archive = &worker.RunArchive{
			S3Client: s3Client,
			Bucket:   a.Config.State.Bucket,
			Prefix:   a.Config.StateKey() + ".runs",
		}
	}
	return activities, nil
}

// TemporalClient dials the configured Temporal frontend.
func (a *App) TemporalClient() (client.Client, error) {
	return client.NewClient(client.Options{
		HostPort:  a.Config.Temporal.HostPort,
		Namespace: a.Config.Temporal.Namespace,
	})
}

// Options are the engine options the config asks for.
func (a *App) Options() engine.Options {
	return engine.Options{ForceBuild: a.Config.Build.Force}
}

func (a *App) DeployRequest(op engine.Operation) worker.DeployRequest {
	return worker.DeployRequest{
		Operation:   op,
		Environment: a.Config.Environment,
		StateKey:    a.Config.StateKey(),
		ForceBuild:  a.Config.Build.Force && op == engine.OperationApply,
	}
}

func (a *App) Close() {
	if closer, ok := a.Backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.Logger.Warn("unable to close state backend", zap.Error(err))
		}
	}
	a.AWS.Close()
}
