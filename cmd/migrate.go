package cmd

import (
	"fmt"
	"github.com/pigpt/pigpt/pigpt"
	"github.com/spf13/cobra"
	"log"
	"log/slog"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the conversation tables in the SQL database",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		switch cfg.Store.Type {
		case pigpt.StoreTypeSQLite, pigpt.StoreTypePostgres:
		default:
			log.Fatalf(
				"PIGPT_STORE_TYPE is %q, migrations only apply to: %s, %s",
				cfg.Store.Type,
				pigpt.StoreTypeSQLite,
				pigpt.StoreTypePostgres,
			)
		}
		if cfg.Store.Database == "" {
			log.Fatal(
				"Environment variable PIGPT_STORE_DATABASE not set (must be a " +
					"valid database connection string or sqlite file path)",
			)
		}

		db, err := pigpt.CreateDB(
			ctx,
			cfg.Store.Type,
			cfg.Store.Database,
			slog.Default(),
			cfg.Store.SlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}

		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Migration complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
