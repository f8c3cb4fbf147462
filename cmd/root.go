package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/server"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

// App is what commands need from the application.
type App interface {
	Logger() *zap.Logger
	Registry() *workflow.Registry
	Serve(ctx context.Context) error
	RunWorker(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests may replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

var timeNow = time.Now

type configKey struct{}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "catalog-crawler",
		Short: "Crawls book catalogs into a normalized store.",
		Long: `catalog-crawler seeds per-site workflows, admits each URL at most once per
task and lookback window, dispatches tasks to workers over a queue and keeps
catalog items, persons and metric history in sync.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newWorkflowsCmd(),
		newRunCmd(),
		newCrawlCmd(),
		newDebugCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func configFrom(ctx context.Context) config.Config {
	cfg, _ := ctx.Value(configKey{}).(config.Config)
	return cfg
}

// withApp builds the application, runs fn and closes it.
func withApp(cmd *cobra.Command, cfg config.Config, fn func(ctx context.Context, app App) error) error {
	ctx := cmd.Context()
	app, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			app.Logger().Warn("close failed", zap.Error(cerr))
		}
	}()
	return fn(ctx, app)
}

func lookupWorkflow(app App, name string) (*workflow.Workflow, error) {
	wf, ok := app.Registry().Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	return wf, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
