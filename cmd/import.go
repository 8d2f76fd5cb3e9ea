package cmd

import (
	"fmt"
	"github.com/arcward/tallybot/tallybot"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"log"
	"os"
)

var importCmd = &cobra.Command{
	Use:   "import <tracker> <state.json>",
	Short: "Load a JSON state document into the database state store",
	Long: "Reads a tracker's state document (as written by the 'file' state " +
		"backend) and stores it in the database, replacing any existing state " +
		"for that tracker. Use it when switching state_backend to 'database'.",
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		name, path := args[0], args[1]

		document, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("Error reading %s: %v", path, err)
		}

		db, err := tallybot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer sqlDB.Close()
		}

		state, err := tallybot.ImportState(ctx, db, name, document)
		if err != nil {
			log.Fatalf("Error importing state: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(
			out,
			"Imported %s: %s records, %d achieved milestones\n",
			name,
			humanize.Comma(int64(len(state.HistoricalCounts))),
			len(state.AchievedMilestones),
		)
		if state.LastCount != nil {
			fmt.Fprintf(out, "Last count: %s\n", humanize.Comma(*state.LastCount))
		}
		if cfg.StateBackend != "database" {
			fmt.Fprintf(
				out,
				"Note: state_backend is %q, set it to 'database' to use the imported state\n",
				cfg.StateBackend,
			)
		}
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
