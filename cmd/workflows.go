package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

func newWorkflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List registered workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, configFrom(cmd.Context()), func(_ context.Context, app App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tEVENT\tSITE\tLOOKBACK\tCONCURRENCY")
				for _, wf := range app.Registry().List() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
						wf.Name(), wf.Event(), wf.Site(), wf.Lookback(), wf.Policy().Concurrency)
				}
				return tw.Flush()
			})
		},
	}
}

func newRunCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Seed a workflow's start URLs under a new task id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configFrom(cmd.Context()), func(ctx context.Context, app App) error {
				wf, err := lookupWorkflow(app, args[0])
				if err != nil {
					return err
				}
				confirm := workflow.AutoConfirm
				if !yes {
					confirm = promptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
				}
				res, err := wf.Run(ctx, confirm)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newCrawlCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "crawl <workflow> <url>",
		Short: "Dispatch one URL to a workflow through admission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configFrom(cmd.Context()), func(ctx context.Context, app App) error {
				wf, err := lookupWorkflow(app, args[0])
				if err != nil {
					return err
				}
				id := taskID
				if id == "" {
					id = wf.NewTaskID(timeNow())
				}
				admitted, err := wf.Crawl(ctx, args[1], id, nil)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"admitted": admitted, "task_id": id})
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "logical task id (default: <site>-<unix time>)")
	return cmd
}

func newDebugCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debug <workflow> <url>",
		Short: "Run a workflow handler once, locally, without writes or dispatch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			cfg.Worker.Enabled = false
			return withApp(cmd, cfg, func(ctx context.Context, app App) error {
				wf, err := lookupWorkflow(app, args[0])
				if err != nil {
					return err
				}
				out, err := wf.Debug(ctx, args[1], nil)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

// promptConfirmer asks on out and reads a y/N answer from in.
func promptConfirmer(in io.Reader, out io.Writer) workflow.Confirmer {
	reader := bufio.NewReader(in)
	return workflow.ConfirmFunc(func(_ context.Context, prompt string) (bool, error) {
		fmt.Fprintf(out, "%s [y/N] ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("read answer: %w", err)
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
