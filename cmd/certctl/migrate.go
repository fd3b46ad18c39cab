package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"bleepy/internal/config"
	"bleepy/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Create or update the certificate tables using the DATABASE_* environment settings.`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, err := database.InitDatabase(cfg.Database, slog.Default())
	if err != nil {
		return err
	}
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Database migrated")
	return nil
}
