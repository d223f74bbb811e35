// Package bulk pushes output documents to destination replicas in bounded
// chunks.
//
// Every chunk goes to exactly one replica, picked per chunk by a
// sampling.Selector. A chunk that fails on a transient error is retried as a
// whole against the same replica. A chunk the store rejects outright is
// logged with the store's payload and abandoned; documents the store
// rejected individually are counted and reported.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/logging"
	"github.com/abelbrown/blockgraph/internal/metrics"
	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/otel"
	"github.com/abelbrown/blockgraph/internal/retry"
	"github.com/abelbrown/blockgraph/internal/sampling"
)

// DefaultChunkSize is the number of documents per bulk request.
const DefaultChunkSize = 1000

// ErrNoReplicas is returned by New without destinations.
var ErrNoReplicas = errors.New("bulk: no destination replicas")

// ChunkError describes an abandoned chunk.
type ChunkError struct {
	Replica    string
	Collection string
	Docs       int
	Err        error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk of %d docs to %s/%s abandoned: %v", e.Docs, e.Replica, e.Collection, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Options tunes a Writer.
type Options struct {
	ChunkSize   int
	Policy      retry.Policy
	Selector    sampling.Selector // nil is round-robin
	Collections docstore.Collections
	Events      *otel.Logger // optional
}

// Report sums the outcome of one or more writes.
type Report struct {
	Chunks    int
	Written   int
	Rejected  int // rejected per document by the store
	Abandoned int // documents lost with abandoned chunks
}

func (r *Report) add(o Report) {
	r.Chunks += o.Chunks
	r.Written += o.Written
	r.Rejected += o.Rejected
	r.Abandoned += o.Abandoned
}

// Stats are the running totals of a Writer across all goroutines.
type Stats struct {
	Chunks    int64
	Written   int64
	Rejected  int64
	Abandoned int64
	Retries   int64
}

// Writer is safe for concurrent use.
type Writer struct {
	replicas []docstore.Sink
	opts     Options

	chunks    atomic.Int64
	written   atomic.Int64
	rejected  atomic.Int64
	abandoned atomic.Int64
	retries   atomic.Int64
}

// New returns a Writer over replicas.
func New(replicas []docstore.Sink, opts Options) (*Writer, error) {
	if len(replicas) == 0 {
		return nil, ErrNoReplicas
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Policy.Attempts <= 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Selector == nil {
		opts.Selector = sampling.NewRoundRobinSelector()
	}
	if opts.Collections == (docstore.Collections{}) {
		opts.Collections = docstore.DefaultCollections()
	}
	cp := make([]docstore.Sink, len(replicas))
	copy(cp, replicas)
	return &Writer{replicas: cp, opts: opts}, nil
}

// Stats returns the running totals.
func (w *Writer) Stats() Stats {
	return Stats{
		Chunks:    w.chunks.Load(),
		Written:   w.written.Load(),
		Rejected:  w.rejected.Load(),
		Abandoned: w.abandoned.Load(),
		Retries:   w.retries.Load(),
	}
}

// WriteDocuments routes docs to their collections by kind and writes each
// group. Groups are written in summary, related, hint-detail order.
func (w *Writer) WriteDocuments(ctx context.Context, docs []model.Document) (Report, error) {
	groups := make(map[model.Kind][]model.Document, 3)
	for _, d := range docs {
		if _, err := w.opts.Collections.For(d.Kind); err != nil {
			return Report{}, fmt.Errorf("bulk: document %q: %w", d.ID(), err)
		}
		groups[d.Kind] = append(groups[d.Kind], d)
	}

	var total Report
	var errs *multierror.Error
	for _, kind := range []model.Kind{model.KindSummary, model.KindRelated, model.KindHintDetail} {
		group := groups[kind]
		if len(group) == 0 {
			continue
		}
		collection, err := w.opts.Collections.For(kind)
		if err != nil {
			return total, err
		}
		rep, err := w.Write(ctx, collection, group)
		total.add(rep)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return total, errs.ErrorOrNil()
}

// Write splits docs into chunks and writes each to one replica. Abandoned
// chunks do not stop the remaining ones; they come back as *ChunkError values
// inside a *multierror.Error.
func (w *Writer) Write(ctx context.Context, collection string, docs []model.Document) (Report, error) {
	var rep Report
	var errs *multierror.Error
	for start := 0; start < len(docs); start += w.opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		end := start + w.opts.ChunkSize
		if end > len(docs) {
			end = len(docs)
		}
		replica := w.replicas[w.opts.Selector.Next(len(w.replicas))]
		chunkRep, err := w.writeChunk(ctx, replica, collection, docs[start:end])
		rep.add(chunkRep)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return rep, errs.ErrorOrNil()
}

func (w *Writer) writeChunk(ctx context.Context, replica docstore.Sink, collection string, chunk []model.Document) (Report, error) {
	rep := Report{Chunks: 1}
	w.chunks.Add(1)
	start := time.Now()

	notify := func(attempt int, err error) {
		w.retries.Add(1)
		metrics.ChunkRetries.WithLabelValues(replica.Name()).Inc()
		w.opts.Events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindBulkRetry, Comp: "bulk",
			Replica: replica.Name(), Collection: collection, Attempt: attempt, Err: err.Error()})
		logging.Debug("retrying chunk", "replica", replica.Name(), "collection", collection, "attempt", attempt, "err", err)
	}
	res, err := retry.DoValue(ctx, w.opts.Policy, func(ctx context.Context) (docstore.BulkResult, error) {
		return replica.Bulk(ctx, collection, chunk)
	}, notify)
	metrics.ChunkDuration.WithLabelValues(replica.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		rep.Abandoned = len(chunk)
		w.abandoned.Add(int64(len(chunk)))
		metrics.DocumentsRejected.WithLabelValues(replica.Name(), collection).Add(float64(len(chunk)))
		w.opts.Events.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindBulkError, Comp: "bulk",
			Replica: replica.Name(), Collection: collection, Count: len(chunk), Err: err.Error()})
		logging.Error("chunk abandoned", "replica", replica.Name(), "collection", collection, "docs", len(chunk), "err", err)
		return rep, &ChunkError{Replica: replica.Name(), Collection: collection, Docs: len(chunk), Err: err}
	}

	rep.Written = res.Written
	rep.Rejected = len(res.Errors)
	w.written.Add(int64(res.Written))
	metrics.DocumentsWritten.WithLabelValues(replica.Name(), collection).Add(float64(res.Written))
	w.opts.Events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindBulkChunk, Comp: "bulk",
		Replica: replica.Name(), Collection: collection, Count: res.Written, Dur: time.Since(start)})

	if len(res.Errors) > 0 {
		w.rejected.Add(int64(len(res.Errors)))
		metrics.DocumentsRejected.WithLabelValues(replica.Name(), collection).Add(float64(len(res.Errors)))
		first := res.Errors[0]
		w.opts.Events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindBulkReject, Comp: "bulk",
			Replica: replica.Name(), Collection: collection, Count: len(res.Errors), Err: first.Error()})
		logging.Warn("documents rejected", "replica", replica.Name(), "collection", collection,
			"count", len(res.Errors), "first", first.Error())
	}
	return rep, nil
}
