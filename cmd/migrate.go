package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/psds-microservice/whiteboard-hub/internal/config"
	"github.com/psds-microservice/whiteboard-hub/internal/database"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	RunE:  runMigrateUp,
}

func init() {
	rootCmd.AddCommand(migrateCreateCmd)
}

var migrateCreateCmd = &cobra.Command{
	Use:   "migrate-create [name]",
	Short: "Create a new pair of migration files",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrateCreate,
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return database.MigrateUp(cfg.DatabaseURL())
}

func runMigrateCreate(cmd *cobra.Command, args []string) error {
	return database.CreateMigration(args[0])
}
