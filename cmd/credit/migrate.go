package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/pgstore"
)

const flagSteps = "steps"

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDatabaseConfig(cmd, cfg)
		},
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			postgres, err := cfg.usesPostgres()
			if err != nil {
				return err
			}
			if !postgres {
				db, _, err := gormstore.Open(cfg.DatabaseURL)
				if err != nil {
					return err
				}
				cmd.Println("sqlite schema up to date")
				return gormstore.Close(db)
			}
			changed, err := pgstore.MigrateUp(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if changed {
				cmd.Println("migrations applied")
			} else {
				cmd.Println("no pending migrations")
			}
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePostgres(cfg); err != nil {
				return err
			}
			steps, err := cmd.Flags().GetInt(flagSteps)
			if err != nil {
				return err
			}
			changed, err := pgstore.MigrateDown(cfg.DatabaseURL, steps)
			if err != nil {
				return err
			}
			if changed {
				cmd.Printf("rolled back %d migration(s)\n", steps)
			} else {
				cmd.Println("nothing to roll back")
			}
			return nil
		},
	}
	down.Flags().Int(flagSteps, 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePostgres(cfg); err != nil {
				return err
			}
			migrationStatus, err := pgstore.Status(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if !migrationStatus.Applied {
				cmd.Println("no migrations applied")
				return nil
			}
			cmd.Printf("version %d (dirty=%t)\n", migrationStatus.Version, migrationStatus.Dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func requirePostgres(cfg *runtimeConfig) error {
	postgres, err := cfg.usesPostgres()
	if err != nil {
		return err
	}
	if !postgres {
		return fmt.Errorf("versioned migrations need a PostgreSQL %s; SQLite schemas are managed by migrate up", flagDatabaseURL)
	}
	return nil
}
