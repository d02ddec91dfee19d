package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airhost/airhost-gateway/internal/routing"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database commands",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending route table migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is not configured")
		}
		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			source = cfg.Database.MigrationsPath
		}

		status, err := routing.Migrate(source, cfg.Database.URL)
		if err != nil {
			return err
		}

		p := printer(cmd)
		if !status.Applied {
			p.Info("Database already at version %d", status.Version)
			return nil
		}
		p.Success("Migrated to version %d", status.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)

	dbMigrateCmd.Flags().String("source", "", "migrations source URL (default: database.migrations_path)")
}
