package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/cmd/cadence/commands"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "cadence - persistent job scheduling and processing",
	Long: `cadence - persistent job scheduling and processing.

Jobs are submitted by name with a JSON input, queued durably in SQLite and
executed by a pool of workers. Scheduler items fire jobs on cron or delay
triggers. Everything survives restarts.

Available commands:
  am       - Show and validate configuration
  db       - Manage the database
  job      - Submit, inspect, cancel and remove jobs
  schedule - Manage cron and delay schedules
  pulse    - Run the job processor

Examples:
  cadence job submit echo '{"hello":"world"}'
  cadence schedule cron sleep '*/5 * * * *' '{"seconds":2}'
  cadence pulse start --workers 4
  cadence job ls --status running`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs || commands.JSONLogsConfigured(), verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	commands.BindGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		if hint := commands.Hint(err); hint != "" {
			pterm.Info.Println(hint)
		}
		os.Exit(1)
	}
}
