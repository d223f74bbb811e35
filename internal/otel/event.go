// Package otel records structured run events for blockgraph.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously via a buffered channel and background drain goroutine.
// An optional RingBuffer keeps the latest events for the progress view.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an event.
// Dot-delimited: "<stage>.<action>".
type EventKind string

const (
	// Load stage
	KindIngestBatch EventKind = "ingest.batch"
	KindIngestDone  EventKind = "ingest.done"

	// Identifier stage
	KindIDsShard    EventKind = "ids.shard"
	KindIDsAssigned EventKind = "ids.assigned"

	// Build stage
	KindFetchRetry  EventKind = "fetch.retry"
	KindFetchError  EventKind = "fetch.error"
	KindBuildBlock  EventKind = "build.block"
	KindBuildDone   EventKind = "build.done"
	KindBulkChunk   EventKind = "bulk.chunk"
	KindBulkRetry   EventKind = "bulk.retry"
	KindBulkReject  EventKind = "bulk.reject"
	KindBulkError   EventKind = "bulk.error"
	KindStoreRepair EventKind = "store.recreate"

	// System events
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is the universal run record. Every field except Kind and Time is
// optional. Serialized as a single JSONL line.
type Event struct {
	Time       time.Time      `json:"t"`
	Level      Level          `json:"level,omitempty"`
	Kind       EventKind      `json:"kind"`
	Comp       string         `json:"comp,omitempty"`   // component: "coord", "fetch", "bulk", "main"
	RunID      string         `json:"run_id,omitempty"` // same for the entire run
	Dur        time.Duration  `json:"-"`
	DurMs      float64        `json:"dur_ms,omitempty"` // computed from Dur at marshal time
	Count      int            `json:"count,omitempty"`
	Shard      string         `json:"shard,omitempty"`
	Replica    string         `json:"replica,omitempty"`
	Block      string         `json:"block,omitempty"`
	Collection string         `json:"collection,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Err        string         `json:"err,omitempty"`
	Msg        string         `json:"msg,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	a := alias(e)
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
