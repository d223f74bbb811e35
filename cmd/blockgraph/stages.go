package main

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abelbrown/blockgraph/internal/coord"
	"github.com/abelbrown/blockgraph/internal/logging"
	"github.com/abelbrown/blockgraph/internal/records"
	"github.com/abelbrown/blockgraph/internal/ui/progress"
)

var (
	source         string
	format         string
	batchSize      int
	pruneEachBatch bool
	appendShards   bool
	resetIDs       bool
	debugLimit     int
	workers        int
	tui            bool
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Reset the shards and aggregate records into per-block counts and facts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyStageFlags(cmd)
		return withCoordinator(cmd, func(ctx context.Context, c *coord.Coordinator) error {
			src, err := records.Open(cfg.Load.Source, cfg.Load.Format)
			if err != nil {
				return err
			}
			defer src.Close()
			rep, err := c.Load(ctx, src)
			logLoad(rep)
			return err
		})
	},
}

var idsCmd = &cobra.Command{
	Use:   "ids",
	Short: "Assign identifiers to every block meeting minimum support",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyStageFlags(cmd)
		return withCoordinator(cmd, func(ctx context.Context, c *coord.Coordinator) error {
			res, err := c.Ids(ctx)
			if err != nil {
				return err
			}
			logging.Info("ids assigned", "blocks", res.Blocks, "eligible", res.Eligible, "added", res.Added, "total", res.Total)
			return nil
		})
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Recreate the output collections and write every block's documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyStageFlags(cmd)
		return withCoordinator(cmd, func(ctx context.Context, c *coord.Coordinator) error {
			rep, err := c.Build(ctx)
			logBuild(rep)
			return err
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load, assign identifiers and build",
	Long: `Run all three stages. Without --source and with no source in the config,
the load stage is skipped and the shards are used as they are.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyStageFlags(cmd)
		return withCoordinator(cmd, func(ctx context.Context, c *coord.Coordinator) error {
			var src records.Source
			if cfg.Load.Source != "" {
				s, err := records.Open(cfg.Load.Source, cfg.Load.Format)
				if err != nil {
					return err
				}
				defer s.Close()
				src = s
			}
			rep, err := c.Run(ctx, src)
			if src != nil {
				logLoad(rep.Load)
			}
			logBuild(rep.Build)
			return err
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{loadCmd, runCmd} {
		f := cmd.Flags()
		f.StringVar(&source, "source", "", "record source path")
		f.StringVar(&format, "format", "", "source format: cred, csv, sqlite")
		f.IntVar(&batchSize, "batch-size", 0, "records aggregated per flush")
		f.BoolVar(&pruneEachBatch, "prune-each-batch", false, "prune each batch on its own counts (undercounts)")
		f.BoolVar(&appendShards, "append", false, "add to the shards instead of resetting them")
	}
	for _, cmd := range []*cobra.Command{idsCmd, buildCmd, runCmd} {
		cmd.Flags().BoolVar(&resetIDs, "reset-ids", false, "discard persisted block identifiers")
	}
	for _, cmd := range []*cobra.Command{buildCmd, runCmd} {
		f := cmd.Flags()
		f.IntVar(&debugLimit, "debug-limit", 0, "stop after this many blocks")
		f.IntVar(&workers, "workers", 0, "concurrent build tasks")
	}
	for _, cmd := range []*cobra.Command{loadCmd, buildCmd, runCmd} {
		cmd.Flags().BoolVar(&tui, "tui", false, "show a live progress view")
	}
	rootCmd.AddCommand(loadCmd, idsCmd, buildCmd, runCmd)
}

// applyStageFlags copies the stage flags that were set onto cfg.
func applyStageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("source") {
		cfg.Load.Source = source
	}
	if f.Changed("format") {
		cfg.Load.Format = records.Format(format)
	}
	if f.Changed("batch-size") {
		cfg.Load.BatchSize = batchSize
	}
	if f.Changed("prune-each-batch") {
		cfg.Load.PruneEachBatch = pruneEachBatch
	}
	if f.Changed("append") {
		cfg.Load.Append = appendShards
	}
	if f.Changed("debug-limit") {
		cfg.Build.DebugLimit = debugLimit
	}
	if f.Changed("workers") {
		cfg.Build.Workers = workers
	}
}

// withCoordinator opens the backends, builds a coordinator and runs stage,
// under the progress view when --tui is set.
func withCoordinator(cmd *cobra.Command, stage func(context.Context, *coord.Coordinator) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	opts, err := coord.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.ResetIDs = resetIDs
	opts.Events = events
	c, err := coord.New(b.shards, b.dests, b.ids, opts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if !tui {
		return stage(ctx, c)
	}
	return runWithView(ctx, c, stage)
}

// runWithView runs stage in the background under the progress view.
// Quitting the view cancels the stage.
func runWithView(ctx context.Context, c *coord.Coordinator, stage func(context.Context, *coord.Coordinator) error) error {
	if cfg.Log.File == "" {
		level, err := log.ParseLevel(cfg.Log.Level)
		if err != nil {
			level = log.InfoLevel
		}
		logging.SetOutput(io.Discard, level)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(progress.New(c, ring), tea.WithAltScreen(), tea.WithContext(ctx))
	done := make(chan error, 1)
	go func() {
		err := stage(ctx, c)
		done <- err
		p.Send(progress.DoneMsg{Err: err})
	}()

	final, viewErr := p.Run()
	if viewErr != nil && ctx.Err() == nil {
		viewErr = fmt.Errorf("progress view: %w", viewErr)
	} else {
		viewErr = nil
	}
	cancel()
	err := <-done
	if m, ok := final.(progress.Model); ok && m.Err() != nil {
		fmt.Println(m.View())
	}
	if err != nil {
		return err
	}
	return viewErr
}

func logLoad(rep coord.LoadReport) {
	logging.Info("load finished",
		"batches", rep.Batches,
		"records", rep.Records,
		"used", rep.Used,
		"skipped", rep.Source.Skipped,
		"truncated", rep.Source.Truncated)
}

func logBuild(rep coord.BuildReport) {
	logging.Info("build finished",
		"blocks", rep.Blocks,
		"partial", rep.Partial,
		"dropped", rep.Dropped,
		"tasks", rep.Tasks,
		"failed", rep.Failed,
		"written", rep.Writes.Written,
		"rejected", rep.Writes.Rejected,
		"abandoned", rep.Writes.Abandoned)
}
