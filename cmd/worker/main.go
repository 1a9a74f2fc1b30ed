package main

import (
	"context"
	"log"
	"os"

	temporalWorker "go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/app"
	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/worker"
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func loadConfig(configDir, environment string) *config.Config {
	files, err := config.FilesInDir(configDir, environment)
	if err != nil {
		log.Fatalln(err)
	}

	cfg, err := config.Load(files...)
	if err != nil {
		log.Fatalln(err)
	}
	cfg.Environment = environment
	return cfg
}

// One worker serves one environment.
func main() {
	environment := getEnv("DEPLOYER_ENV", "dev")
	cfg := loadConfig(getEnv("DEPLOYER_CONFIG_DIR", "./config/deployer"), environment)

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	deployer, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("unable to build deployer", zap.Error(err))
	}
	defer deployer.Close()

	activities, err := deployer.Activities(ctx)
	if err != nil {
		logger.Fatal("unable to build activities", zap.Error(err))
	}

	// The client and worker are heavyweight objects that should be created once per process.
	c, err := deployer.TemporalClient()
	if err != nil {
		logger.Fatal("unable to create client", zap.Error(err))
	}
	defer c.Close()

	w := temporalWorker.New(c, cfg.DeployTaskQueue(), temporalWorker.Options{
		BackgroundActivityContext: ctx,
	})

	w.RegisterWorkflow(worker.DeployWorkflow)
	w.RegisterActivity(activities)

	logger.Info("worker started", zap.String("task_queue", cfg.DeployTaskQueue()), zap.String("state", cfg.StateKey()))
	if err := w.Run(temporalWorker.InterruptCh()); err != nil {
		logger.Fatal("unable to start worker", zap.Error(err))
	}
}
