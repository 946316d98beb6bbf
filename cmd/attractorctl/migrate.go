package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/attractor-run/control-plane/internal/platform/config"
	"github.com/attractor-run/control-plane/internal/store/postgres"
)

func newMigrateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply the reference schema to the configured postgres database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := postgres.Open(ctx, postgres.Config{DSN: cfg.Postgres.DSN})
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.ApplySchema(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "attractorctl.yaml", "path to the server config file")
	return cmd
}
