package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/PipelineForge/internal/adapter/postgres"
	"github.com/Strob0t/PipelineForge/internal/config"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	postgresDSN := func() (string, error) {
		cfg, err := ctx.ensureConfig()
		if err != nil {
			return "", err
		}
		if cfg.Checkpoint.Backend != config.BackendPostgres {
			return "", errors.New("migrate applies to the postgres backend only; sqlite migrates on open")
		}
		return cfg.Postgres.DSN, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			if err := postgres.RunMigrations(cmd.Context(), dsn); err != nil {
				return err
			}
			return printVersion(cmd, dsn)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			if err := postgres.RollbackMigrations(cmd.Context(), dsn, steps); err != nil {
				return err
			}
			return printVersion(cmd, dsn)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			return printVersion(cmd, dsn)
		},
	})
	return cmd
}

func printVersion(cmd *cobra.Command, dsn string) error {
	s, err := postgres.MigrationVersion(cmd.Context(), dsn)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("schema version %d (latest %d)", s.Current, s.Latest)
	if s.Pending() {
		line += ", migrations pending"
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
	return err
}
