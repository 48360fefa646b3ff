package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/sym"
)

// ScheduleCmd groups the scheduler item commands
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.AT + " Manage cron and delay schedules",
	Long: sym.AT + ` schedule - Manage cron and delay schedules

A schedule item fires a registered job on a cron or delay trigger. Fires
are deduplicated by job name until a worker picks them up.

Examples:
  cadence schedule cron sleep '*/5 * * * *' '{"seconds":2}'
  cadence schedule delay echo 90s '{"ping":true}'
  cadence schedule ls
  cadence schedule import schedules.yaml`,
}

var scheduleCronCmd = &cobra.Command{
	Use:   "cron <job> <expr> [json]",
	Short: "Fire a job on a crontab expression (UTC)",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runScheduleCron,
}

var scheduleDelayCmd = &cobra.Command{
	Use:   "delay <job> <seconds|duration> [json]",
	Short: "Fire a job repeatedly with a fixed delay",
	Long: `Fire a job repeatedly with a fixed delay.

The first fire happens on the next poll. Each following fire happens at
least the delay after the poll that observed the previous one.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runScheduleDelay,
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedule items and pending fires",
	RunE:  runScheduleLs,
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Remove a schedule item and its pending fire",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRm,
}

var scheduleRescheduleCmd = &cobra.Command{
	Use:   "reschedule <key>",
	Short: "Set the next fire time of an item",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleReschedule,
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <key>",
	Short: "Stop an item from firing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], false)
	},
}

var scheduleResumeCmd = &cobra.Command{
	Use:   "resume <key>",
	Short: "Let a paused item fire again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], true)
	},
}

var scheduleImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add every item in a YAML or TOML schedule file",
	Long: `Add every item in a YAML or TOML schedule file.

  schedule:
    - job: sleep
      cron: "0 6 * * 1-5"
      input: {seconds: 3}
    - job: echo
      every: 10m

Items are validated before any is added.`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleImport,
}

var (
	scheduleLsJSON  bool
	rescheduleAt    string
	rescheduleAfter time.Duration
)

func init() {
	scheduleLsCmd.Flags().BoolVar(&scheduleLsJSON, "json", false, "Output as JSON")
	scheduleRescheduleCmd.Flags().StringVar(&rescheduleAt, "at", "", "Fire time in RFC 3339 (default: now)")
	scheduleRescheduleCmd.Flags().DurationVar(&rescheduleAfter, "in", 0, "Fire after this duration")

	ScheduleCmd.AddCommand(scheduleCronCmd)
	ScheduleCmd.AddCommand(scheduleDelayCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)
	ScheduleCmd.AddCommand(scheduleRescheduleCmd)
	ScheduleCmd.AddCommand(schedulePauseCmd)
	ScheduleCmd.AddCommand(scheduleResumeCmd)
	ScheduleCmd.AddCommand(scheduleImportCmd)
}

func runScheduleCron(cmd *cobra.Command, args []string) error {
	trigger, err := schedule.ParseCron(args[1])
	if err != nil {
		return err
	}
	return addItem(cmd, args[0], args[2:], trigger)
}

func runScheduleDelay(cmd *cobra.Command, args []string) error {
	delay, err := parseDelay(args[1])
	if err != nil {
		return err
	}
	return addItem(cmd, args[0], args[2:], schedule.NewDelayTrigger(delay))
}

// parseDelay accepts whole seconds or a Go duration such as 90s or 1h30m
func parseDelay(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.WithHint(
			errors.NewInvalidRequestError("invalid delay %q", s),
			"use whole seconds (90) or a duration (1m30s)")
	}
	return d, nil
}

func addItem(cmd *cobra.Command, jobName string, inputArgs []string, trigger schedule.Trigger) error {
	input, err := parseInput(inputArgs)
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	// the daemon drops fires for names it does not know
	if err := s.processor.Registry().Check(jobName); err != nil {
		return err
	}

	key, err := s.processor.Scheduler().Add(cmd.Context(), schedule.NewItem(jobName, input, trigger))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	items, err := s.processor.Scheduler().List(cmd.Context())
	if err != nil {
		return err
	}
	pending, err := s.processor.Scheduler().Pending(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if scheduleLsJSON {
		return printJSON(out, map[string]any{"items": items, "pending": pending})
	}
	if len(items) == 0 {
		fmt.Fprintf(out, "%s No schedule items\n", sym.AT)
		return nil
	}

	fired := make(map[int64]int64, len(pending))
	for _, p := range pending {
		fired[p.ItemKey] = p.CallTime
	}

	fmt.Fprintf(out, "%-6s %-16s %-22s %-7s %-20s %s\n", "KEY", "JOB", "TRIGGER", "ACTIVE", "NEXT", "PENDING")
	for _, it := range items {
		next := it.NextCallTimeAt()
		pendingAt := "-"
		if callTime, ok := fired[it.Key]; ok {
			t := time.Unix(callTime, 0)
			pendingAt = formatTime(&t)
		}
		fmt.Fprintf(out, "%-6d %-16s %-22s %-7t %-20s %s\n",
			it.Key,
			truncateText(it.JobName, 16),
			truncateText(it.Trigger.String(), 22),
			it.Active,
			formatTime(&next),
			pendingAt)
	}
	fmt.Fprintf(out, "\nTotal: %d item(s), %d pending\n", len(items), len(pending))
	return nil
}

// withItem opens a session and parses the item key argument
func withItem(arg string, fn func(s *session, key int64) error) error {
	key, err := parseID(arg)
	if err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s, key)
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	return withItem(args[0], func(s *session, key int64) error {
		if err := s.processor.Scheduler().Remove(cmd.Context(), key); err != nil {
			return err
		}
		pterm.Success.Printf("Removed schedule item %d\n", key)
		return nil
	})
}

func runScheduleReschedule(cmd *cobra.Command, args []string) error {
	at := time.Now().Add(rescheduleAfter)
	if rescheduleAt != "" {
		t, err := time.Parse(time.RFC3339, rescheduleAt)
		if err != nil {
			return errors.WithHint(
				errors.NewInvalidRequestError("invalid time %q", rescheduleAt),
				"use RFC 3339, e.g. 2026-03-02T10:00:00Z")
		}
		at = t
	}

	return withItem(args[0], func(s *session, key int64) error {
		if err := s.processor.Scheduler().ReScheduleItem(cmd.Context(), key, at); err != nil {
			return err
		}
		pterm.Success.Printf("Item %d fires next at %s\n", key, at.Local().Format(timeLayout))
		return nil
	})
}

func setActive(cmd *cobra.Command, arg string, active bool) error {
	return withItem(arg, func(s *session, key int64) error {
		if err := s.processor.Scheduler().SetActive(cmd.Context(), key, active); err != nil {
			return err
		}
		if active {
			pterm.Success.Printf("Item %d resumed\n", key)
		} else {
			pterm.Success.Printf("Item %d paused\n", key)
		}
		return nil
	})
}

func runScheduleImport(cmd *cobra.Command, args []string) error {
	items, err := schedule.LoadFile(args[0])
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	for _, it := range items {
		if err := s.processor.Registry().Check(it.JobName); err != nil {
			return errors.Wrapf(err, "%s", args[0])
		}
	}

	for _, it := range items {
		key, err := s.processor.Scheduler().Add(cmd.Context(), it)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s %s\n", sym.AT, key, it.JobName, it.Trigger)
	}
	pterm.Success.Printf("Imported %d item(s)\n", len(items))
	return nil
}
