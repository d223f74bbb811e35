// Package coord runs the pipeline stages against configured shards and
// destinations: load records into shards, assign block identifiers, then
// build and write the output documents.
//
// A Coordinator owns the run state (the identifier map and the merged block
// totals). It is created once per run; nothing carries over between runs.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/blockgraph/internal/aggregate"
	"github.com/abelbrown/blockgraph/internal/bulk"
	"github.com/abelbrown/blockgraph/internal/config"
	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/fetch"
	"github.com/abelbrown/blockgraph/internal/ident"
	"github.com/abelbrown/blockgraph/internal/logging"
	"github.com/abelbrown/blockgraph/internal/metrics"
	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/otel"
	"github.com/abelbrown/blockgraph/internal/records"
	"github.com/abelbrown/blockgraph/internal/retry"
	"github.com/abelbrown/blockgraph/internal/sampling"
	"github.com/abelbrown/blockgraph/internal/split"
	"github.com/abelbrown/blockgraph/internal/work"
)

const (
	DefaultBatchSize      = 1000000
	DefaultWorkers        = 100
	DefaultBlocksPerTask  = 1000
	DefaultReportInterval = 10 * time.Second
)

// ErrNoDestinations is returned by New without destination replicas.
var ErrNoDestinations = errors.New("coord: no destinations configured")

// Options tunes a Coordinator. Zero values take the package defaults.
type Options struct {
	BatchSize      int
	MinSupport     int
	PruneEachBatch bool
	AppendShards   bool // keep what earlier loads stored instead of resetting the shards

	PageSize         int
	FetchConcurrency int
	Policy           retry.Policy

	Workers       int
	BlocksPerTask int
	HintCap       int
	DebugLimit    int // stop after this many blocks; 0 builds all

	ChunkSize   int
	Selector    sampling.Selector
	Collections docstore.Collections

	ResetIDs       bool
	ReportInterval time.Duration
	Events         *otel.Logger
}

// OptionsFromConfig maps a validated config onto Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	sel, err := sampling.New(cfg.Bulk.Selection, cfg.Bulk.Seed)
	if err != nil {
		return Options{}, err
	}
	return Options{
		BatchSize:        cfg.Load.BatchSize,
		MinSupport:       cfg.Load.MinSupport,
		PruneEachBatch:   cfg.Load.PruneEachBatch,
		AppendShards:     cfg.Load.Append,
		PageSize:         cfg.Fetch.PageSize,
		FetchConcurrency: cfg.Fetch.Concurrency,
		Policy:           retry.Policy{Attempts: cfg.Retry.Attempts, Delay: cfg.Retry.Delay},
		Workers:          cfg.Build.Workers,
		BlocksPerTask:    cfg.Build.BlocksPerTask,
		HintCap:          cfg.Build.HintCap,
		DebugLimit:       cfg.Build.DebugLimit,
		ChunkSize:        cfg.Bulk.ChunkSize,
		Selector:         sel,
		Collections:      cfg.Collections,
	}, nil
}

// ensurer is implemented by shards that must be created before loading.
type ensurer interface {
	Ensure(ctx context.Context) error
}

// Coordinator runs the stages. Stage methods must not be called concurrently.
type Coordinator struct {
	shards  []docstore.Shard       // IMMUTABLE after New
	dests   []docstore.Destination // IMMUTABLE after New
	ids     docstore.IDStore       // optional
	fetcher *fetch.Fetcher
	writer  *bulk.Writer
	opts    Options

	assigner *ident.Assigner
	counts   map[model.Block]int // eligible blocks and their merged totals

	progress tracker
	pool     atomic.Pointer[work.Pool] // build pool while Build runs
}

// New returns a Coordinator. ids may be nil, in which case identifiers are
// neither restored nor persisted.
func New(shards []docstore.Shard, dests []docstore.Destination, ids docstore.IDStore, opts Options) (*Coordinator, error) {
	if len(dests) == 0 {
		return nil, ErrNoDestinations
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MinSupport <= 0 {
		opts.MinSupport = aggregate.DefaultMinSupport
	}
	if opts.Policy.Attempts <= 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BlocksPerTask <= 0 {
		opts.BlocksPerTask = DefaultBlocksPerTask
	}
	if opts.HintCap <= 0 {
		opts.HintCap = split.DefaultHintCap
	}
	if opts.Collections == (docstore.Collections{}) {
		opts.Collections = docstore.DefaultCollections()
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultReportInterval
	}

	readers := make([]docstore.ShardReader, len(shards))
	for i, s := range shards {
		readers[i] = s
	}
	f, err := fetch.New(readers, fetch.Options{
		PageSize:    opts.PageSize,
		Policy:      opts.Policy,
		Concurrency: opts.FetchConcurrency,
		Events:      opts.Events,
	})
	if err != nil {
		return nil, err
	}

	sinks := make([]docstore.Sink, len(dests))
	for i, d := range dests {
		sinks[i] = d
	}
	w, err := bulk.New(sinks, bulk.Options{
		ChunkSize:   opts.ChunkSize,
		Policy:      opts.Policy,
		Selector:    opts.Selector,
		Collections: opts.Collections,
		Events:      opts.Events,
	})
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		shards:  append([]docstore.Shard(nil), shards...),
		dests:   append([]docstore.Destination(nil), dests...),
		ids:     ids,
		fetcher: f,
		writer:  w,
		opts:    opts,
	}, nil
}

// Progress returns the running stage's counters. Safe to call from any
// goroutine.
func (c *Coordinator) Progress() Progress {
	return c.progress.snapshot()
}

// Work returns the build pool's queue state. ok is false outside Build.
func (c *Coordinator) Work() (snap work.Snapshot, ok bool) {
	p := c.pool.Load()
	if p == nil {
		return work.Snapshot{}, false
	}
	return p.Snapshot(), true
}

// Assigner returns the identifier map built by Ids, or nil before it ran.
func (c *Coordinator) Assigner() *ident.Assigner {
	return c.assigner
}

// ShardFor maps an account id onto one of n shards.
func ShardFor(accountID string, n int) int {
	return int(murmur3.Sum32([]byte(accountID)) % uint32(n))
}

// LoadReport summarizes a load.
type LoadReport struct {
	Batches int
	Records int // records offered to the aggregators
	Used    int // records that produced blocks
	Source  records.Stats
}

// Load resets the shards, streams src into per-shard aggregators,
// partitioned by account id, and writes each batch's counts and facts to the
// shards. With AppendShards the shards keep their contents and src adds to
// them. Counts are pruned per batch only when PruneEachBatch is set;
// otherwise pruning waits for the merged totals in Ids.
func (c *Coordinator) Load(ctx context.Context, src records.Source) (LoadReport, error) {
	c.progress.begin(StageLoad, 0)
	defer c.progress.finish()
	stop := c.progress.report(ctx, c.opts.ReportInterval)
	defer stop()

	if err := c.prepareShards(ctx); err != nil {
		return LoadReport{}, err
	}
	run := uuid.NewString()

	aggs := make([]*aggregate.Aggregator, len(c.shards))
	for i := range aggs {
		aggs[i] = aggregate.New()
	}
	prune := 0
	if c.opts.PruneEachBatch {
		prune = c.opts.MinSupport
	}

	var rep LoadReport
	err := src.Each(ctx, c.opts.BatchSize, func(batch []model.Record) error {
		start := time.Now()
		used := 0
		for _, r := range batch {
			if aggs[ShardFor(r.AccountID, len(aggs))].Add(r) {
				used++
			}
		}
		if err := c.flush(ctx, aggs, prune, fmt.Sprintf("%s.%d", run, rep.Batches+1)); err != nil {
			return err
		}

		rep.Batches++
		rep.Records += len(batch)
		rep.Used += used
		c.progress.done.Add(int64(len(batch)))
		metrics.RecordsLoaded.WithLabelValues("used").Add(float64(used))
		metrics.RecordsLoaded.WithLabelValues("skipped").Add(float64(len(batch) - used))
		c.opts.Events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindIngestBatch, Comp: "coord",
			Count: len(batch), Dur: time.Since(start), Extra: map[string]any{"used": used}})
		logging.Debug("batch loaded", "batch", rep.Batches, "records", len(batch), "used", used)
		return nil
	})
	rep.Source = src.Stats()
	if err != nil {
		return rep, fmt.Errorf("coord: load: %w", err)
	}

	c.opts.Events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindIngestDone, Comp: "coord",
		Count: rep.Records, Extra: map[string]any{"used": rep.Used, "skipped_rows": rep.Source.Skipped}})
	logging.Info("load complete", "batches", rep.Batches, "records", rep.Records, "used", rep.Used,
		"skipped_rows", rep.Source.Skipped, "truncated_rows", rep.Source.Truncated)
	return rep, nil
}

func (c *Coordinator) prepareShards(ctx context.Context) error {
	for _, s := range c.shards {
		prepare := s.Reset
		if c.opts.AppendShards {
			e, ok := s.(ensurer)
			if !ok {
				continue
			}
			prepare = e.Ensure
		}
		if err := retry.Do(ctx, c.opts.Policy, prepare, nil); err != nil {
			return fmt.Errorf("coord: prepare shard %s: %w", s.Name(), err)
		}
		if !c.opts.AppendShards {
			logging.Debug("shard reset", "shard", s.Name())
		}
	}
	return nil
}

// flush writes every aggregator's batch to its shard under the batch key and
// resets the aggregators. The shards retry their own writes.
func (c *Coordinator) flush(ctx context.Context, aggs []*aggregate.Aggregator, prune int, key string) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, agg := range aggs {
		batch := agg.Batch(prune)
		agg.Reset()
		if len(batch.Counts) == 0 && len(batch.Facts) == 0 {
			continue
		}
		shard := c.shards[i]
		g.Go(func() error {
			err := shard.PutCounts(ctx, key, batch.Counts)
			if err == nil {
				err = shard.PutFacts(ctx, key, batch.Facts)
			}
			if err != nil {
				return fmt.Errorf("shard %s: %w", shard.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Ids merges the block totals of every shard, prunes them to MinSupport and
// assigns identifiers in ascending block order. Persisted assignments are
// restored first, so existing blocks keep their ids and new blocks continue
// after the largest one; ResetIDs drops them instead. Any shard failure
// aborts the stage.
func (c *Coordinator) Ids(ctx context.Context) (ident.Result, error) {
	c.progress.begin(StageIDs, 0)
	defer c.progress.finish()

	a := ident.New()
	if c.ids != nil {
		if c.opts.ResetIDs {
			if admin, ok := c.ids.(docstore.Admin); ok {
				err := admin.Drop(ctx, c.opts.Collections.BlockIDs)
				if err != nil && !errors.Is(err, docstore.ErrNotFound) {
					return ident.Result{}, fmt.Errorf("coord: reset ids: %w", err)
				}
			}
		} else {
			persisted, err := retry.DoValue(ctx, c.opts.Policy, c.ids.LoadIDs, nil)
			if err != nil {
				return ident.Result{}, fmt.Errorf("coord: load ids: %w", err)
			}
			if err := a.Restore(persisted); err != nil {
				return ident.Result{}, err
			}
			logging.Info("identifiers restored", "count", len(persisted))
		}
	}

	res, counts, err := ident.AssignFromCounts(ctx, a, c.fetcher, c.ids, c.opts.MinSupport)
	if err != nil {
		return res, fmt.Errorf("coord: %w", err)
	}
	c.assigner = a
	c.counts = counts
	c.progress.done.Store(int64(res.Total))

	metrics.BlocksAssigned.Set(float64(res.Total))
	c.opts.Events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindIDsAssigned, Comp: "coord",
		Count: res.Added, Extra: map[string]any{"blocks": res.Blocks, "eligible": res.Eligible, "total": res.Total}})
	logging.Info("identifiers assigned", "blocks", res.Blocks, "eligible", res.Eligible,
		"added", res.Added, "total", res.Total)
	return res, nil
}

// BuildReport summarizes a build.
type BuildReport struct {
	Blocks  int // blocks built
	Partial int // blocks built with at least one shard missing
	Dropped int // facts dropped for neighbors without an identifier
	Tasks   int
	Failed  int // tasks whose writes lost chunks or that were canceled
	Writes  bulk.Stats
}

// Build recreates the output collections on every destination, then fans
// the eligible blocks out to a worker pool in tasks of BlocksPerTask. Each
// task fetches facts, splits them into documents and writes them in bulk.
// Failing to recreate any destination aborts before work begins. Ids runs
// first when it has not already.
func (c *Coordinator) Build(ctx context.Context) (BuildReport, error) {
	if c.assigner == nil {
		if _, err := c.Ids(ctx); err != nil {
			return BuildReport{}, err
		}
	}

	outputs := c.opts.Collections.Outputs()
	for _, d := range c.dests {
		err := retry.Do(ctx, c.opts.Policy, func(ctx context.Context) error {
			return docstore.Recreate(ctx, d, outputs...)
		}, nil)
		if err != nil {
			c.opts.Events.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreRepair, Comp: "coord",
				Replica: d.Name(), Err: err.Error()})
			return BuildReport{}, fmt.Errorf("coord: recreate outputs on %s: %w", d.Name(), err)
		}
		c.opts.Events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStoreRepair, Comp: "coord",
			Replica: d.Name(), Count: len(outputs)})
	}

	blocks := c.schedule()
	c.progress.begin(StageBuild, int64(len(blocks)))
	defer c.progress.finish()
	stop := c.progress.report(ctx, c.opts.ReportInterval)
	defer stop()

	pool := work.NewPool(c.opts.Workers, 0)
	pool.Start(ctx)
	c.pool.Store(pool)
	defer c.pool.Store(nil)

	var rep BuildReport
	results := make(chan taskResult, c.opts.Workers)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range results {
			rep.Blocks += r.blocks
			rep.Partial += r.partial
			rep.Dropped += r.dropped
		}
	}()

	var submitErr error
	for start := 0; start < len(blocks); start += c.opts.BlocksPerTask {
		end := min(start+c.opts.BlocksPerTask, len(blocks))
		desc := fmt.Sprintf("blocks %d-%d", start, end-1)
		if _, err := pool.Submit(ctx, work.TypeBuild, desc, c.buildTask(blocks[start:end], results)); err != nil {
			submitErr = err
			break
		}
		rep.Tasks++
	}
	pool.Wait()
	close(results)
	<-collected

	stats := pool.Stats()
	rep.Failed = int(stats.TotalFailed)
	rep.Writes = c.writer.Stats()

	c.opts.Events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindBuildDone, Comp: "coord",
		Count: rep.Blocks, Dur: c.progress.snapshot().Elapsed(),
		Extra: map[string]any{"partial": rep.Partial, "failed_tasks": rep.Failed, "written": rep.Writes.Written}})
	logging.Info("build complete", "blocks", rep.Blocks, "partial", rep.Partial, "dropped", rep.Dropped,
		"tasks", rep.Tasks, "failed", rep.Failed, "written", rep.Writes.Written,
		"rejected", rep.Writes.Rejected, "abandoned", rep.Writes.Abandoned)

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if submitErr != nil {
		return rep, fmt.Errorf("coord: schedule: %w", submitErr)
	}
	return rep, nil
}

// schedule returns the eligible blocks in identifier order, cut to the debug
// limit.
func (c *Coordinator) schedule() []model.Block {
	type entry struct {
		b  model.Block
		id model.BlockID
	}
	entries := make([]entry, 0, len(c.counts))
	for b := range c.counts {
		id, ok := c.assigner.Lookup(b)
		if !ok {
			continue
		}
		entries = append(entries, entry{b, id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	if c.opts.DebugLimit > 0 && len(entries) > c.opts.DebugLimit {
		logging.Warn("debug limit reached, truncating run", "limit", c.opts.DebugLimit, "eligible", len(entries))
		entries = entries[:c.opts.DebugLimit]
	}
	blocks := make([]model.Block, len(entries))
	for i, e := range entries {
		blocks[i] = e.b
	}
	return blocks
}

type taskResult struct {
	blocks  int
	partial int
	dropped int
}

// buildTask returns the work for one slice of blocks. Documents accumulate
// locally and are written once at the end of the task.
func (c *Coordinator) buildTask(blocks []model.Block, results chan<- taskResult) work.Func {
	return func(ctx context.Context) (string, error) {
		var res taskResult
		defer func() { results <- res }()

		var docs []model.Document
		for _, b := range blocks {
			facts, err := c.fetcher.Facts(ctx, b)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			outcome := "complete"
			if err != nil {
				outcome = "partial"
				res.partial++
				c.progress.partial.Add(1)
				logging.Warn("block built without every shard", "block", b, "err", err)
			}
			id, _ := c.assigner.Lookup(b)
			out := split.Split(split.Input{ID: id, Count: c.counts[b], Facts: facts}, c.assigner, c.opts.HintCap)
			docs = append(docs, out.Documents()...)
			res.blocks++
			res.dropped += out.Dropped
			c.progress.done.Add(1)
			metrics.BlocksBuilt.WithLabelValues(outcome).Inc()
		}

		wrote, err := c.writer.WriteDocuments(ctx, docs)
		c.progress.documents.Add(int64(wrote.Written))
		c.opts.Events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindBuildBlock, Comp: "coord",
			Count: res.blocks, Extra: map[string]any{"docs": len(docs), "written": wrote.Written}})
		if err != nil {
			c.progress.failed.Add(1)
			return "", err
		}
		return fmt.Sprintf("%d blocks, %d docs", res.blocks, wrote.Written), nil
	}
}

// RunReport combines the stage reports.
type RunReport struct {
	Load  LoadReport
	IDs   ident.Result
	Build BuildReport
}

// Run loads src (skipped when nil), assigns identifiers and builds.
func (c *Coordinator) Run(ctx context.Context, src records.Source) (RunReport, error) {
	var rep RunReport
	var err error
	if src != nil {
		if rep.Load, err = c.Load(ctx, src); err != nil {
			return rep, err
		}
	}
	if rep.IDs, err = c.Ids(ctx); err != nil {
		return rep, err
	}
	rep.Build, err = c.Build(ctx)
	return rep, err
}
