// Package docstore defines the store-facing interfaces the pipeline runs
// against. Two backends implement all of them: kvstore (embedded bbolt files)
// and couch (a CouchDB-compatible HTTP server).
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/abelbrown/blockgraph/internal/model"
)

var (
	// ErrNotFound is returned when a document or collection does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned per document when its id is already taken.
	ErrConflict = errors.New("document conflict")
)

// Cursor marks the last row a page returned. The zero Cursor starts at the
// beginning of the range. The next page starts strictly after the cursor.
type Cursor struct {
	Key   string
	DocID string
}

// IsZero reports whether c starts a fresh range.
func (c Cursor) IsZero() bool {
	return c.Key == "" && c.DocID == ""
}

// ShardReader is the read side of one shard: paginated range reads over the
// block counts and the adjacency facts. A page shorter than limit is the last.
type ShardReader interface {
	Name() string
	CountPage(ctx context.Context, after Cursor, limit int) ([]model.BlockCount, Cursor, error)
	FactPage(ctx context.Context, b model.Block, after Cursor, limit int) ([]model.AdjacencyFact, Cursor, error)
}

// FactWriter is the write side of one shard. batch names one flush of a
// load: writing a batch that is already stored adds nothing, so a failed write
// may be repeated whole. Counts written for the same block in different
// batches are summed. Implementations retry transient failures themselves.
type FactWriter interface {
	// Reset discards every stored count and fact.
	Reset(ctx context.Context) error
	PutCounts(ctx context.Context, batch string, counts map[model.Block]int) error
	PutFacts(ctx context.Context, batch string, facts []model.AdjacencyFact) error
}

// Shard is a shard store that can be both loaded and read.
type Shard interface {
	ShardReader
	FactWriter
}

// DocError is a per-document failure inside an accepted bulk request.
type DocError struct {
	ID     string
	Reason string
}

func (e DocError) Error() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Reason)
}

// BulkResult describes one bulk request that the store accepted.
type BulkResult struct {
	Written int
	Errors  []DocError
}

// Sink accepts bulk inserts of output documents into a collection.
// A returned error means the whole request failed; per-document rejections
// come back in BulkResult.Errors.
type Sink interface {
	Name() string
	Bulk(ctx context.Context, collection string, docs []model.Document) (BulkResult, error)
}

// Admin drops and creates output collections.
type Admin interface {
	Drop(ctx context.Context, collection string) error
	Create(ctx context.Context, collection string) error
}

// DocReader reads output documents back. Range returns documents with
// start <= id <= end in id order; an empty end is unbounded.
type DocReader interface {
	Get(ctx context.Context, collection, id string) (model.Document, error)
	Range(ctx context.Context, collection, start, end string, limit int) ([]model.Document, error)
}

// IDStore persists block identifier assignments.
type IDStore interface {
	LoadIDs(ctx context.Context) (map[model.Block]model.BlockID, error)
	SaveIDs(ctx context.Context, ids map[model.Block]model.BlockID) error
}

// Destination is a replica that can receive and serve output documents.
type Destination interface {
	Sink
	Admin
	DocReader
}

// Collections names the output and id collections.
type Collections struct {
	Summaries   string `yaml:"summaries"`
	Related     string `yaml:"related"`
	HintDetails string `yaml:"hint_details"`
	BlockIDs    string `yaml:"block_ids"`
}

// DefaultCollections returns the standard collection names.
func DefaultCollections() Collections {
	return Collections{
		Summaries:   "summaries",
		Related:     "related",
		HintDetails: "hint_details",
		BlockIDs:    "block_ids",
	}
}

// Outputs lists the collections rebuilt on every run.
func (c Collections) Outputs() []string {
	return []string{c.Summaries, c.Related, c.HintDetails}
}

// For returns the collection a document of kind k is written to.
func (c Collections) For(k model.Kind) (string, error) {
	switch k {
	case model.KindSummary:
		return c.Summaries, nil
	case model.KindRelated:
		return c.Related, nil
	case model.KindHintDetail:
		return c.HintDetails, nil
	}
	return "", fmt.Errorf("docstore: no collection for kind %q", k)
}

// Recreate drops then creates every named collection, stopping at the first
// failure.
func Recreate(ctx context.Context, a Admin, collections ...string) error {
	for _, c := range collections {
		if err := a.Drop(ctx, c); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("drop %s: %w", c, err)
		}
		if err := a.Create(ctx, c); err != nil {
			return fmt.Errorf("create %s: %w", c, err)
		}
	}
	return nil
}
