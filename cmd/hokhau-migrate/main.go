package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"hokhau/common/config"
	"hokhau/common/database"
	"hokhau/internal/migrations"
)

func main() {
	root := &cobra.Command{
		Use:          "hokhau-migrate",
		Short:        "Manage the hokhau database schema",
		Long:         "hokhau-migrate applies the embedded schema migrations. Connection settings come from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSLMODE.",
		SilenceUsage: true,
	}

	var steps int
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrate(cmd.Context(), func(m *migrate.Migrate) error {
				if steps > 0 {
					return ignoreNoChange(m.Steps(steps))
				}
				return ignoreNoChange(m.Up())
			})
		},
	}
	upCmd.Flags().IntVar(&steps, "steps", 0, "Apply at most N migrations (0 = all)")

	var downSteps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrate(cmd.Context(), func(m *migrate.Migrate) error {
				if downSteps > 0 {
					return ignoreNoChange(m.Steps(-downSteps))
				}
				return ignoreNoChange(m.Down())
			})
		},
	}
	downCmd.Flags().IntVar(&downSteps, "steps", 1, "Roll back N migrations (0 = all)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrate(cmd.Context(), func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
				return nil
			})
		},
	}

	forceCmd := &cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations (clears the dirty flag)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withMigrate(cmd.Context(), func(m *migrate.Migrate) error {
				return m.Force(v)
			})
		},
	}

	root.AddCommand(upCmd, downCmd, versionCmd, forceCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func withMigrate(ctx context.Context, fn func(m *migrate.Migrate) error) error {
	cfg := config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "hokhau",
		SSLMode:  "disable",
	}
	cfg.LoadFromEnv("DB")

	db, err := database.NewPostgresDB(ctx, &cfg)
	if err != nil {
		return err
	}
	defer database.Close(db)

	m, err := migrations.New(ctx, db)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
