// Command blockgraph builds the block relationship graph.
//
// Usage:
//
//	blockgraph load --source dump.txt     Aggregate records into the shards
//	blockgraph ids                        Assign block identifiers
//	blockgraph build [--tui]              Write summary, related and hint-detail documents
//	blockgraph run --source dump.txt      All three stages
//	blockgraph import dump.txt --db s.db  Stage records in a SQLite table
//	blockgraph get summaries 42           Read one output document
//	blockgraph neighbors 42               Read a block's summary and ranked neighbors
//	blockgraph init-config                Write the default config file
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/abelbrown/blockgraph/internal/config"
	"github.com/abelbrown/blockgraph/internal/logging"
	"github.com/abelbrown/blockgraph/internal/otel"
)

var (
	cfgPath     string
	logLevel    string
	logFile     string
	eventsPath  string
	metricsAddr string

	// Set by the root pre-run.
	cfg        *config.Config
	events     *otel.Logger
	eventsFile *os.File
	ring       *otel.RingBuffer
	metrics    *http.Server
)

var rootCmd = &cobra.Command{
	Use:           "blockgraph",
	Short:         "Build a co-occurrence graph of password blocks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == initConfigCmd.Name() {
			return nil
		}
		return setup(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "config file (default ~/.blockgraph/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
	pf.StringVar(&eventsPath, "events", "", "append JSONL run events to this file")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// setup loads the config, applies the global flags and starts logging,
// the event log and the metrics endpoint.
func setup(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = logFile
	}
	if flags.Changed("events") {
		cfg.Log.Events = eventsPath
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = metricsAddr
	}

	if err := logging.Init(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File}); err != nil {
		return err
	}

	ring = otel.NewRingBuffer(otel.DefaultRingSize)
	if cfg.Log.Events != "" {
		f, err := os.OpenFile(cfg.Log.Events, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		eventsFile = f
		events = otel.NewLogger(f)
	} else {
		events = otel.NewNullLogger()
	}
	events.SetRingBuffer(ring)
	events.Info(otel.KindStartup, "main", cmd.CommandPath())

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		metrics = srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", "addr", srv.Addr, "err", err)
			}
		}()
		logging.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}
	return nil
}

// teardown is safe to call more than once.
func teardown() {
	if metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metrics.Shutdown(ctx)
		cancel()
		metrics = nil
	}
	if events != nil {
		events.Info(otel.KindShutdown, "main", "")
		events.Close()
		events = nil
	}
	if eventsFile != nil {
		eventsFile.Close()
		eventsFile = nil
	}
	logging.Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		teardown()
		fmt.Fprintf(os.Stderr, "blockgraph: %v\n", err)
		os.Exit(1)
	}
}
