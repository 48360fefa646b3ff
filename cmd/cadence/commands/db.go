package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/sym"
)

// DbCmd groups the database commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the cadence database",
	Long: sym.DB + ` db - Manage the cadence database

Examples:
  cadence db migrate              # Apply pending migrations
  cadence db stats                # Show job, queue and schedule counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations and list the applied versions",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job, queue and schedule counts",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", sym.DB, databasePath(cfg))
	for _, v := range versions {
		fmt.Fprintf(out, "  ✓ %s\n", v)
	}
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.processor.Stats(cmd.Context())
	if err != nil {
		return err
	}
	items, err := s.processor.Scheduler().List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Database Statistics\n", sym.DB)
	fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(out, "Database Path:   %s\n", databasePath(s.cfg))
	fmt.Fprintf(out, "Schedule Items:  %d\n", len(items))
	fmt.Fprintf(out, "Pending Fires:   %d\n", stats.Pending)
	fmt.Fprintf(out, "Queued Jobs:     %d\n", stats.Queued)
	printStatusCounts(cmd, stats.Jobs)
	return nil
}
