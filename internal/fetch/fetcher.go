// Package fetch reads counts and adjacency facts from every shard.
//
// Each shard is read as a strict page sequence: page N+1 is requested only
// after page N's cursor is known, and a page shorter than the limit ends the
// range. Shards are read concurrently and every page read is retried a bounded
// number of times on transient failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/logging"
	"github.com/abelbrown/blockgraph/internal/metrics"
	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/otel"
	"github.com/abelbrown/blockgraph/internal/retry"
)

// DefaultPageSize is the number of rows requested per page.
const DefaultPageSize = 10000

// ErrNoShards is returned by New when no shard is configured.
var ErrNoShards = errors.New("fetch: no shards configured")

// ShardError is one shard's failed contribution.
type ShardError struct {
	Shard string
	Err   error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %s: %v", e.Shard, e.Err)
}

func (e *ShardError) Unwrap() error {
	return e.Err
}

// Options tunes a Fetcher.
type Options struct {
	PageSize    int
	Policy      retry.Policy
	Concurrency int          // max shards read at once; 0 reads all at once
	Events      *otel.Logger // optional
}

// Fetcher reads from a fixed set of shards.
type Fetcher struct {
	shards []docstore.ShardReader // IMMUTABLE after New
	opts   Options
}

// New returns a Fetcher over shards.
func New(shards []docstore.ShardReader, opts Options) (*Fetcher, error) {
	if len(shards) == 0 {
		return nil, ErrNoShards
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Policy.Attempts <= 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	cp := make([]docstore.ShardReader, len(shards))
	copy(cp, shards)
	return &Fetcher{shards: cp, opts: opts}, nil
}

// Shards returns the shard names in configuration order.
func (f *Fetcher) Shards() []string {
	names := make([]string, len(f.shards))
	for i, s := range f.shards {
		names[i] = s.Name()
	}
	return names
}

// Facts returns every fact recorded for b across all shards. Facts from
// shards that failed are missing; the returned error is a *multierror.Error
// of *ShardError values. Facts from healthy shards are returned either way.
func (f *Fetcher) Facts(ctx context.Context, b model.Block) ([]model.AdjacencyFact, error) {
	start := time.Now()
	defer func() { metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	perShard := make([][]model.AdjacencyFact, len(f.shards))
	errs := f.each(ctx, func(ctx context.Context, i int, s docstore.ShardReader) error {
		var facts []model.AdjacencyFact
		err := paginate(ctx, f, s, "facts",
			func(ctx context.Context, cur docstore.Cursor) ([]model.AdjacencyFact, docstore.Cursor, error) {
				return s.FactPage(ctx, b, cur, f.opts.PageSize)
			},
			func(page []model.AdjacencyFact) { facts = append(facts, page...) })
		perShard[i] = facts
		return err
	})

	var out []model.AdjacencyFact
	for _, facts := range perShard {
		out = append(out, facts...)
	}
	for _, err := range errs.WrappedErrors() {
		var se *ShardError
		if errors.As(err, &se) {
			f.opts.Events.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindFetchError, Comp: "fetch",
				Shard: se.Shard, Block: string(b), Err: se.Err.Error()})
		}
	}
	return out, errs.ErrorOrNil()
}

// Counts returns the block totals summed across all shards. Any failed shard
// fails the call, since a missing shard would skew every total.
func (f *Fetcher) Counts(ctx context.Context) (map[model.Block]int, error) {
	perShard := make([]map[model.Block]int, len(f.shards))
	errs := f.each(ctx, func(ctx context.Context, i int, s docstore.ShardReader) error {
		counts := make(map[model.Block]int)
		err := paginate(ctx, f, s, "counts",
			func(ctx context.Context, cur docstore.Cursor) ([]model.BlockCount, docstore.Cursor, error) {
				return s.CountPage(ctx, cur, f.opts.PageSize)
			},
			func(page []model.BlockCount) {
				for _, r := range page {
					counts[r.Block] += r.Count
				}
			})
		perShard[i] = counts
		if err == nil {
			f.opts.Events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindIDsShard, Comp: "fetch",
				Shard: s.Name(), Count: len(counts)})
			logging.Info("shard counts read", "shard", s.Name(), "blocks", len(counts))
		}
		return err
	})
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	total := make(map[model.Block]int)
	for _, counts := range perShard {
		for b, c := range counts {
			total[b] += c
		}
	}
	return total, nil
}

// each runs fn for every shard concurrently. fn never fails the group; its
// errors are collected per shard.
func (f *Fetcher) each(ctx context.Context, fn func(ctx context.Context, i int, s docstore.ShardReader) error) *multierror.Error {
	var g errgroup.Group
	if f.opts.Concurrency > 0 {
		g.SetLimit(f.opts.Concurrency)
	}

	errs := make([]error, len(f.shards))
	for i, s := range f.shards {
		i, s := i, s
		g.Go(func() error {
			if ctx.Err() != nil {
				errs[i] = &ShardError{Shard: s.Name(), Err: ctx.Err()}
				return nil
			}
			if err := fn(ctx, i, s); err != nil {
				metrics.ShardFailures.WithLabelValues(s.Name()).Inc()
				errs[i] = &ShardError{Shard: s.Name(), Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

type page[T any] struct {
	rows []T
	next docstore.Cursor
}

// paginate reads one shard's range page by page, retrying each page.
func paginate[T any](
	ctx context.Context,
	f *Fetcher,
	s docstore.ShardReader,
	kind string,
	read func(ctx context.Context, cur docstore.Cursor) ([]T, docstore.Cursor, error),
	emit func([]T),
) error {
	notify := func(attempt int, err error) {
		metrics.ShardRetries.WithLabelValues(s.Name()).Inc()
		f.opts.Events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindFetchRetry, Comp: "fetch",
			Shard: s.Name(), Attempt: attempt, Err: err.Error()})
		logging.Debug("retrying shard read", "shard", s.Name(), "kind", kind, "attempt", attempt, "err", err)
	}

	cur := docstore.Cursor{}
	for {
		p, err := retry.DoValue(ctx, f.opts.Policy, func(ctx context.Context) (page[T], error) {
			rows, next, err := read(ctx, cur)
			return page[T]{rows: rows, next: next}, err
		}, notify)
		if err != nil {
			return err
		}
		metrics.ShardPages.WithLabelValues(s.Name(), kind).Inc()
		emit(p.rows)
		if len(p.rows) < f.opts.PageSize {
			return nil
		}
		cur = p.next
	}
}
