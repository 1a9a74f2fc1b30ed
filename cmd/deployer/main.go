package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/app"
	"github.com/paguebem/infra/internal/config"
	"github.com/paguebem/infra/internal/deployerr"
	"github.com/paguebem/infra/internal/engine"
	"github.com/paguebem/infra/internal/smoke"
	"github.com/paguebem/infra/internal/worker"
)

type rootOptions struct {
	configDir  string
	env        string
	forceBuild bool
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(deployerr.ExitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "deployer",
		Short:         "Provision the PagueBem API function and its supporting resources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "./config/deployer", "directory of YAML config files")
	root.PersistentFlags().StringVarP(&opts.env, "env", "e", "", "environment to deploy (dev, staging, prod)")
	_ = root.MarkPersistentFlagRequired("env")

	root.AddCommand(
		newPlanCommand(opts),
		newApplyCommand(opts),
		newDestroyCommand(opts),
		newOutputCommand(opts),
		newSmokeCommand(opts),
		newServeCommand(opts),
	)
	return root
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	files, err := config.FilesInDir(opts.configDir, opts.env)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	cfg.Environment = opts.env
	if opts.forceBuild {
		cfg.Build.Force = true
	}
	return cfg, nil
}

// withApp loads config, builds the app and runs fn, cancelling on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func writeJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what apply would change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				plan, err := a.Engine.PlanWith(ctx, a.Options())
				if err != nil {
					return err
				}
				if err := plan.Render(os.Stdout); err != nil {
					return err
				}
				if out == "" {
					return nil
				}
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				return ioutil.WriteFile(out, data, 0600)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the plan to this file for a later apply --plan")
	cmd.Flags().BoolVar(&opts.forceBuild, "force-build", false, "rebuild the image even if no build input changed")
	return cmd
}

func newApplyCommand(opts *rootOptions) *cobra.Command {
	var (
		planFile string
		remote   bool
		check    bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update every resource so it matches the config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkApplyFlags(planFile, remote, opts.forceBuild); err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if remote {
					return submit(ctx, a, engine.OperationApply)
				}

				if planFile == "" {
					plan, err := a.Engine.ApplyWith(ctx, a.Options())
					return finishApply(ctx, a, plan, err, check)
				}

				reviewed, err := readPlan(planFile)
				if err != nil {
					return err
				}
				plan, err := a.Engine.ApplyPlan(ctx, reviewed)
				return finishApply(ctx, a, plan, err, check)
			})
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "apply a plan saved by plan --out, refusing if state moved on")
	cmd.Flags().BoolVar(&remote, "remote", false, "run through the Temporal deploy worker")
	cmd.Flags().BoolVar(&check, "smoke", false, "invoke the health route after a successful apply")
	cmd.Flags().BoolVar(&opts.forceBuild, "force-build", false, "rebuild the image even if no build input changed")
	return cmd
}

func readPlan(path string) (*engine.Plan, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plan := &engine.Plan{}
	if err := json.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("unable to read plan %s: %w", path, err)
	}
	return plan, nil
}

// checkApplyFlags rejects flag combinations that would be silently ignored.
// A saved plan already records whether it forces a build.
func checkApplyFlags(planFile string, remote, forceBuild bool) error {
	if planFile != "" && remote {
		return &deployerr.ValidationError{Problems: []string{"--plan cannot be combined with --remote; the worker plans for itself"}}
	}
	if planFile != "" && forceBuild {
		return &deployerr.ValidationError{Problems: []string{"--force-build cannot be combined with --plan; pass it to plan --out instead"}}
	}
	return nil
}

func finishApply(ctx context.Context, a *app.App, plan *engine.Plan, err error, check bool) error {
	if plan != nil {
		if renderErr := plan.Render(os.Stdout); renderErr != nil {
			a.Logger.Warn("unable to render plan", zap.Error(renderErr))
		}
	}
	if err != nil {
		return err
	}
	if !check {
		return nil
	}
	result, err := a.Smoke(ctx, smoke.HealthPath)
	if err != nil {
		return err
	}
	fmt.Printf("GET %s -> %d %s\n", smoke.HealthPath, result.StatusCode, result.Body)
	return nil
}

func newDestroyCommand(opts *rootOptions) *cobra.Command {
	var (
		remote bool
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every resource in reverse dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if remote {
					return submit(ctx, a, engine.OperationDestroy)
				}
				if !yes {
					plan, err := a.Engine.PlanDestroy(ctx)
					if err != nil {
						return err
					}
					if err := plan.Render(os.Stdout); err != nil {
						return err
					}
					fmt.Println("Re-run with --yes to destroy.")
					return nil
				}
				plan, err := a.Engine.Destroy(ctx)
				if plan != nil {
					if renderErr := plan.Render(os.Stdout); renderErr != nil {
						a.Logger.Warn("unable to render plan", zap.Error(renderErr))
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "run through the Temporal deploy worker")
	cmd.Flags().BoolVar(&yes, "yes", false, "destroy without stopping at the plan")
	return cmd
}

func submit(ctx context.Context, a *app.App, op engine.Operation) error {
	c, err := a.TemporalClient()
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := worker.Submit(ctx, c, a.Config.DeployTaskQueue(), a.DeployRequest(op))
	if err != nil {
		return err
	}
	fmt.Println(result.Summary)
	if len(result.Outputs) > 0 {
		return writeJSON(result.Outputs)
	}
	return nil
}

func newOutputCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "output [name]",
		Short: "Print recorded outputs as JSON, or one output's raw value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				outputs, err := a.Engine.Outputs(ctx)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					return writeJSON(outputs)
				}
				value, ok := outputs[args[0]]
				if !ok {
					return fmt.Errorf("no output named %q", args[0])
				}
				fmt.Println(value)
				return nil
			})
		},
	}
}

func newSmokeCommand(opts *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Invoke the deployed function with an HTTP API event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				result, err := a.Smoke(ctx, path)
				if result != nil {
					if encErr := writeJSON(result); encErr != nil {
						return encErr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", smoke.HealthPath, "route to GET")
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve recorded outputs and state over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if address == "" {
					address = a.Config.Server.Address
				}
				srv := a.Server()
				go func() {
					<-ctx.Done()
					if err := srv.Shutdown(); err != nil {
						a.Logger.Warn("shutdown failed", zap.Error(err))
					}
				}()
				return srv.Listen(address)
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address, defaults to server.address")
	return cmd
}
