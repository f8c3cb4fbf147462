package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate <up|down|version>",
		Short:     "Manage the Postgres schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if cfg.DB.DSN == "" {
				return errors.New("db.dsn is required")
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			runner, err := migrate.New(cfg.DB.DSN, logger)
			if err != nil {
				return err
			}
			defer func() { _ = runner.Close() }()

			switch args[0] {
			case "up":
				return runner.Up()
			case "down":
				return runner.Down()
			case "version":
				v, err := runner.Version()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			default:
				return fmt.Errorf("unknown migrate action %q", args[0])
			}
		},
	}
	return cmd
}
