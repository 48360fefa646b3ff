package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse"
	"github.com/teranos/cadence/sym"
)

// PulseCmd groups the job processor commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the job processor",
	Long: sym.Pulse + ` pulse - Run the job processor

The processor pulls due scheduler fires first, then queued jobs, and runs
each on one of its workers. Jobs left running by a crashed process are
recovered on start.

Examples:
  cadence pulse start                       # Run workers until Ctrl+C
  cadence pulse start --workers 4 --watch   # Reload settings when am.toml changes
  cadence pulse run                         # Drain due work once and exit
  cadence pulse status                      # Show queue and worker counts`,
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the job processor in the foreground",
	Long: `Start the job processor in the foreground.

Runs until SIGINT or SIGTERM, then stops the workers. Jobs interrupted by
the shutdown are handed back and run again on the next start.`,
	RunE: runPulseStart,
}

var pulseRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process due scheduler fires and queued jobs, then exit",
	RunE:  runPulseRun,
}

var pulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts, queue length and memory usage",
	RunE:  runPulseStatus,
}

var (
	startWorkers     int
	startWatch       bool
	startMetricsAddr string
	startEvents      bool
	statusJSON       bool
)

func init() {
	pulseStartCmd.Flags().IntVar(&startWorkers, "workers", 0, "Number of concurrent workers (default: pulse.workers)")
	pulseStartCmd.Flags().BoolVar(&startWatch, "watch", false, "Reload pulse settings when the config file changes")
	pulseStartCmd.Flags().StringVar(&startMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default: pulse.metrics_addr)")
	pulseStartCmd.Flags().BoolVar(&startEvents, "events", false, "Print job lifecycle events")
	pulseStatusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")

	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseRunCmd)
	PulseCmd.AddCommand(pulseStatusCmd)
}

// applyStartFlags lets command line flags win over the loaded config
func applyStartFlags(cfg *am.Config) {
	if startWorkers > 0 {
		cfg.Pulse.Workers = startWorkers
	}
	if startMetricsAddr != "" {
		cfg.Pulse.MetricsAddr = startMetricsAddr
	}
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyStartFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := openSessionWith(cfg, pulse.WithMetrics(pulse.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Pulse.MetricsAddr != "" {
		srv := serveMetrics(cfg.Pulse.MetricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if startWatch {
		watcher, err := watchConfig(s.processor)
		if err != nil {
			return err
		}
		if watcher != nil {
			defer watcher.Stop()
		}
	}

	if startEvents {
		events := s.processor.Subscribe()
		defer s.processor.Unsubscribe(events)
		go printEvents(ctx, cmd.OutOrStdout(), events)
	}

	if err := s.processor.StartProcessing(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	settings := s.processor.Settings()
	fmt.Fprintf(out, "%s Pulse started\n", sym.Pulse)
	fmt.Fprintf(out, "  Database: %s\n", databasePath(cfg))
	fmt.Fprintf(out, "  Workers: %d\n", settings.Workers)
	fmt.Fprintf(out, "  Jobs: %v\n", s.processor.Registry().Names())
	if settings.MaxJobsPerSecond > 0 {
		fmt.Fprintf(out, "  Dispatch rate: %.2f/s per worker\n", settings.MaxJobsPerSecond)
	}
	if settings.MetricsAddr != "" {
		fmt.Fprintf(out, "  Metrics: http://%s/metrics\n", settings.MetricsAddr)
	}
	fmt.Fprintf(out, "\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	<-ctx.Done()

	fmt.Fprintf(out, "\n%s Stopping workers...\n", sym.PulseClose)
	if err := s.processor.StopProcessing(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s Pulse stopped\n", sym.PulseClose)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("Metrics server failed", "addr", addr, logger.FieldError, err)
		}
	}()
	return srv
}

// watchConfig reloads pulse settings when the config file changes.
// Returns nil when there is no file to watch.
func watchConfig(p *pulse.Processor) (*am.ConfigWatcher, error) {
	path := configPath
	if path == "" {
		path = am.FindProjectConfig()
	}
	if path == "" {
		pterm.Warning.Println("--watch given but no am.toml found, settings will not reload")
		return nil, nil
	}

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		return nil, err
	}
	watcher.OnReload(func(cfg *am.Config) error {
		applyStartFlags(cfg)
		return p.Reload(cfg)
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher, nil
}

func printEvents(ctx context.Context, out io.Writer, events chan pulse.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			line := fmt.Sprintf("%s %s job %d %-16s %s", sym.Pulse, ev.At.Local().Format("15:04:05"), ev.JobID, ev.Name, ev.Status)
			if ev.Error != "" {
				line += ": " + firstLine(ev.Error)
			}
			fmt.Fprintln(out, line)
		}
	}
}

func runPulseRun(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.cfg.Pulse.RecoverOrphans {
		if _, err := s.processor.RecoverOrphans(ctx); err != nil {
			return err
		}
	}

	started := time.Now()
	if err := s.processor.ProcessJobs(ctx, started); err != nil {
		return err
	}

	stats, err := s.processor.Stats(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	pterm.Success.Printf("Drained in %s, %d queued, %d pending\n",
		time.Since(started).Round(time.Millisecond), stats.Queued, stats.Pending)
	return nil
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.processor.Stats(cmd.Context())
	if err != nil {
		return err
	}
	metrics, err := s.processor.SystemMetrics(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		return printJSON(out, map[string]any{"stats": stats, "system": metrics})
	}

	fmt.Fprintf(out, "%s Pulse Status\n", sym.Pulse)
	fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(out, "Queued:          %d\n", stats.Queued)
	fmt.Fprintf(out, "Pending fires:   %d\n", stats.Pending)
	fmt.Fprintf(out, "Running:         %d\n", metrics.JobsRunning)
	fmt.Fprintf(out, "Workers:         %d configured\n", metrics.WorkersTotal)
	if metrics.MemoryTotalGB > 0 {
		fmt.Fprintf(out, "Memory:          %.1f/%.1fGB (%.0f%%)\n",
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}
	printStatusCounts(cmd, stats.Jobs)
	return nil
}
