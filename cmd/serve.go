package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and an in-process worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd.Context())
			if noWorker {
				cfg.Worker.Enabled = false
			}
			return withApp(cmd, cfg, func(ctx context.Context, app App) error {
				return app.Serve(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without consuming tasks")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var labels string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume and execute crawl tasks",
		Long: `Consume crawl tasks from the configured queue. Labels restrict the worker to
workflows whose policy labels it satisfies, e.g. --labels region:eu,proxy:residential.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd.Context())
			if labels != "" {
				cfg.Worker.Labels = labels
			}
			return withApp(cmd, cfg, func(ctx context.Context, app App) error {
				return app.RunWorker(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&labels, "labels", "", "worker labels as key:value pairs, comma separated")
	return cmd
}
