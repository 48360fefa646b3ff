package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/sym"
)

// JobCmd groups the commands that act on individual jobs
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Pulse + " Submit, inspect, cancel and remove jobs",
	Long: sym.Pulse + ` job - Submit, inspect, cancel and remove jobs

Jobs are executed by 'cadence pulse start' or drained with 'cadence pulse run'.

Built-in jobs:
  echo    returns its input
  sleep   {"seconds": n}
  shell   {"command": "...", "dir": "...", "env": {"K": "V"}}
  http    {"url": "...", "method": "POST", "headers": {...}, "body": ...}

Examples:
  cadence job submit echo '{"hello":"world"}'
  cadence job status 42
  cadence job ls --status queued,running
  cadence job rm --status completed`,
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit <name> [json]",
	Short: "Queue a job and print its id",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runJobSubmit,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show every field of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Print the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobResultCmd = &cobra.Command{
	Use:   "result <id>",
	Short: "Print the JSON output of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobResult,
}

var jobErrorCmd = &cobra.Command{
	Use:   "error <id>",
	Short: "Print the error of a failed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobError,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running job",
	Long: `Cancel a queued or running job.

A queued job is removed from the queue. A running job is cancelled and its
worker notices within pulse.cancel_poll_interval_ms. Finished jobs are left
as they are.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobCancel,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobLs,
}

var jobRmCmd = &cobra.Command{
	Use:   "rm",
	Short: "Remove finished jobs",
	Long: `Remove finished jobs by status.

Only terminal statuses (completed, error, cancelled) are accepted.
Without --status all three are removed.`,
	RunE: runJobRm,
}

var (
	jobLsStatus []string
	jobLsLimit  int
	jobLsJSON   bool
	jobRmStatus []string
)

func init() {
	jobLsCmd.Flags().StringSliceVar(&jobLsStatus, "status", nil, "Only list jobs with these statuses")
	jobLsCmd.Flags().IntVar(&jobLsLimit, "limit", 50, "Maximum number of jobs to list (0 for all)")
	jobLsCmd.Flags().BoolVar(&jobLsJSON, "json", false, "Output as JSON")
	jobRmCmd.Flags().StringSliceVar(&jobRmStatus, "status", nil, "Statuses to remove (default: completed,error,cancelled)")

	JobCmd.AddCommand(jobSubmitCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobStatusCmd)
	JobCmd.AddCommand(jobResultCmd)
	JobCmd.AddCommand(jobErrorCmd)
	JobCmd.AddCommand(jobCancelCmd)
	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobRmCmd)
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	input, err := parseInput(args[1:])
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.processor.ProcessJob(cmd.Context(), args[0], input)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// withJob opens a session and parses the job id argument
func withJob(cmd *cobra.Command, args []string, fn func(s *session, id int64) error) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s, id)
}

func runJobShow(cmd *cobra.Command, args []string) error {
	return withJob(cmd, args, func(s *session, id int64) error {
		job, err := s.processor.GetJob(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	})
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	return withJob(cmd, args, func(s *session, id int64) error {
		status, err := s.processor.GetJobStatus(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), status)
		return nil
	})
}

func runJobResult(cmd *cobra.Command, args []string) error {
	return withJob(cmd, args, func(s *session, id int64) error {
		result, err := s.processor.GetJobResult(cmd.Context(), id)
		if err != nil {
			return err
		}
		if result == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "null")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(result))
		return nil
	})
}

func runJobError(cmd *cobra.Command, args []string) error {
	return withJob(cmd, args, func(s *session, id int64) error {
		msg, err := s.processor.GetJobError(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	})
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	return withJob(cmd, args, func(s *session, id int64) error {
		if err := s.processor.CancelJob(cmd.Context(), id); err != nil {
			return err
		}
		status, err := s.processor.GetJobStatus(cmd.Context(), id)
		if err != nil {
			return err
		}
		if status == async.JobStatusCancelled {
			pterm.Success.Printf("Job %d cancelled\n", id)
		} else {
			pterm.Info.Printf("Job %d already %s\n", id, status)
		}
		return nil
	})
}

func runJobLs(cmd *cobra.Command, args []string) error {
	statuses, err := async.ParseStatuses(jobLsStatus...)
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	jobs, err := s.processor.ListJobs(cmd.Context(), statuses, jobLsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jobLsJSON {
		return printJSON(out, jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintf(out, "%s No jobs found\n", sym.Pulse)
		return nil
	}

	fmt.Fprintf(out, "%-8s %-10s %-16s %-9s %-20s %s\n", "ID", "STATUS", "NAME", "SCHEDULE", "CREATED", "ERROR")
	for _, job := range jobs {
		schedule := "-"
		if job.Scheduled() {
			schedule = fmt.Sprintf("#%d", job.SchedulerKey)
		}
		fmt.Fprintf(out, "%-8d %-10s %-16s %-9s %-20s %s\n",
			job.ID,
			job.Status,
			truncateText(job.Name, 16),
			schedule,
			formatTime(&job.CreatedAt),
			truncateText(firstLine(job.Error), 40))
	}
	fmt.Fprintf(out, "\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobRm(cmd *cobra.Command, args []string) error {
	statuses, err := async.ParseStatuses(jobRmStatus...)
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	removed, err := s.processor.RemoveJobs(cmd.Context(), statuses...)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Removed %d job(s)\n", removed)
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func printStatusCounts(cmd *cobra.Command, counts map[async.JobStatus]int) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nJobs:")
	for _, status := range []async.JobStatus{
		async.JobStatusCreated,
		async.JobStatusQueued,
		async.JobStatusRunning,
		async.JobStatusCompleted,
		async.JobStatusError,
		async.JobStatusCancelled,
	} {
		fmt.Fprintf(out, "  %-10s %d\n", status, counts[status])
	}
}
