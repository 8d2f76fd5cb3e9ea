package cmd

import (
	"fmt"
	"github.com/arcward/tallybot/tallybot"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable TB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable TB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := tallybot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer sqlDB.Close()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database initialized (%s)\n", cfg.DatabaseType)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
