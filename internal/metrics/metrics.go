// Package metrics holds the Prometheus collectors for every pipeline stage.
// Collectors register on the default registry at init; cmd/blockgraph serves
// them with promhttp when a listen address is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockgraph_records_total",
		Help: "Records read from the record source by outcome (used, skipped)",
	}, []string{"outcome"})

	BlocksAssigned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blockgraph_block_ids",
		Help: "Blocks holding an identifier",
	})

	ShardPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockgraph_shard_pages_total",
		Help: "Pages read from shards by shard and kind (counts, facts)",
	}, []string{"shard", "kind"})

	ShardRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockgraph_shard_retries_total",
		Help: "Retried shard page reads",
	}, []string{"shard"})

	ShardFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockgraph_shard_failures_total",
		Help: "Shard reads that failed after retries",
	}, []string{"shard"})

	BlocksBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockgraph_blocks_built_total",
		Help: "Blocks turned into documents by outcome (complete, partial)",
	}, []string{"outcome"})

	DocumentsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockgraph_documents_written_total",
		Help: "Documents accepted by destination replicas",
	}, []string{"replica", "collection"})

	DocumentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockgraph_documents_rejected_total",
		Help: "Documents rejected by a store or lost with an abandoned chunk",
	}, []string{"replica", "collection"})

	ChunkRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockgraph_chunk_retries_total",
		Help: "Retried bulk chunks",
	}, []string{"replica"})

	ChunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blockgraph_chunk_duration_seconds",
		Help:    "Bulk chunk write latency including retries",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"replica"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blockgraph_fetch_duration_seconds",
		Help:    "Cross-shard fact fetch latency per block",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)
