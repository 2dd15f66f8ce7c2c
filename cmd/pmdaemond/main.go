// Command pmdaemond is the supervisor daemon entrypoint: a thin cobra
// wrapper around flag parsing (home directory, tick interval, log
// level/format) that wires pkg/config, pkg/registry, pkg/monitor and
// pkg/shutdown together and blocks until a termination signal arrives.
// The core is an in-process Go API; this binary is the only consumer
// that doesn't expose one itself. The CLI/HTTP surfaces operators
// actually script against are separate, external collaborators.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/config"
	"github.com/pmdaemon/pmdaemon/pkg/events"
	"github.com/pmdaemon/pmdaemon/pkg/log"
	"github.com/pmdaemon/pmdaemon/pkg/metrics"
	"github.com/pmdaemon/pmdaemon/pkg/monitor"
	"github.com/pmdaemon/pmdaemon/pkg/persistence"
	"github.com/pmdaemon/pmdaemon/pkg/registry"
	"github.com/pmdaemon/pmdaemon/pkg/shutdown"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pmdaemond",
	Short:   "pmdaemond is the process supervisor daemon",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pmdaemond version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("home", "", "Supervisor home directory (defaults to PMDAEMON_HOME or ~/.pmdaemon)")
	rootCmd.Flags().Duration("monitor-interval", config.DefaultMonitorInterval, "Resource monitor tick interval")
	rootCmd.Flags().Duration("shutdown-deadline", config.DefaultShutdownDeadline, "Maximum time to wait for graceful shutdown")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if home, _ := cmd.Flags().GetString("home"); home != "" {
		cfg.Home = home
	}
	cfg.MonitorInterval, _ = cmd.Flags().GetDuration("monitor-interval")
	cfg.ShutdownDeadline, _ = cmd.Flags().GetDuration("shutdown-deadline")
	cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	cfg.Log.JSONOutput, _ = cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})

	if err := cfg.EnsureLayout(); err != nil {
		return fmt.Errorf("prepare home directory: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("registry", true, "")
	reg := registry.New(cfg, broker)
	recoverDescriptors(reg, cfg)

	metrics.RegisterComponent("persistence", true, "")
	mon := monitor.New(reg, reg)
	mon.Start(cfg.MonitorInterval)
	defer mon.Stop()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go serveMetrics(metricsAddr, broker)

	logger := log.WithComponent("daemon")
	logger.Info().Str("home", cfg.Home).Str("metrics_addr", metricsAddr).Msg("pmdaemond started")

	coordinator := shutdown.New(reg, cfg.ShutdownDeadline)
	coordinator.Run(context.Background())

	logger.Info().Msg("pmdaemond exiting")
	return nil
}

// recoverDescriptors loads every persisted descriptor record and either
// adopts its still-running process or, when autorestart is set, schedules
// a fresh spawn.
func recoverDescriptors(reg *registry.Registry, cfg config.Config) {
	store := persistence.New(cfg.ProcessesDir())
	for _, rec := range store.LoadAll() {
		action, pid := persistence.Reconcile(rec)
		d := rec.Descriptor
		d.Instances = 1

		switch action {
		case persistence.RecoveryAdopt:
			if err := reg.Adopt(context.Background(), d, pid); err != nil {
				log.WithComponent("daemon").Error().Str("process", d.Name).Err(err).Msg("failed to adopt recovered descriptor")
			}
		case persistence.RecoverySchedule:
			if d.AutoRestart {
				if _, err := reg.Start(context.Background(), d, registry.StartOptions{}); err != nil {
					log.WithComponent("daemon").Error().Str("process", d.Name).Err(err).Msg("failed to recover descriptor")
				}
			}
		}
	}
}

func serveMetrics(addr string, broker *events.Broker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.HandleFunc("/events", eventsHandler(broker))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("daemon").Error().Err(err).Msg("metrics server error")
	}
}

// eventsHandler streams lifecycle events as newline-delimited JSON
// Server-Sent Events until the client disconnects.
func eventsHandler(broker *events.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		sub := broker.Subscribe()
		defer sub.Cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case event, ok := <-sub.Events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
