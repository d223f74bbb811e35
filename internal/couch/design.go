package couch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/abelbrown/blockgraph/internal/docstore"
)

// View is one map/reduce view of a design document.
type View struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// DesignDoc is a CouchDB design document.
type DesignDoc struct {
	ID       string          `json:"_id"`
	Language string          `json:"language"`
	Views    map[string]View `json:"views"`
}

const (
	countsDesign = "blocks_to_counts"
	factsDesign  = "blocks_to_facts"
	// PopularDesign serves blocks by descending count from the summaries.
	PopularDesign = "counts_to_blocks"

	docTypeCount = "block_count"
	docTypeFact  = "block_fact"
)

func design(name string, v View) DesignDoc {
	return DesignDoc{
		ID:       "_design/" + name,
		Language: "javascript",
		Views:    map[string]View{name: v},
	}
}

// ShardDesigns are the views every shard database needs.
func ShardDesigns() []DesignDoc {
	return []DesignDoc{
		design(countsDesign, View{
			Map: `function(doc) {
  if (doc.type === '` + docTypeCount + `') {
    emit(doc.block, doc.count);
  }
}`,
			Reduce: "_sum",
		}),
		design(factsDesign, View{
			Map: `function(doc) {
  if (doc.type === '` + docTypeFact + `') {
    emit([doc.block, doc.neighbor, doc.reversed], doc.hints);
  }
}`,
		}),
	}
}

// SummaryDesigns are installed into the summaries collection.
func SummaryDesigns() []DesignDoc {
	return []DesignDoc{
		design(PopularDesign, View{
			Map: `function(doc) {
  if (doc.type === 'summary') {
    emit(doc.count, null);
  }
}`,
		}),
	}
}

// putDesigns installs docs into db. Existing design documents are kept.
func (c *Client) putDesigns(ctx context.Context, db string, docs []DesignDoc) error {
	for _, d := range docs {
		_, err := c.do(ctx, http.MethodPut, docPath(db, d.ID), nil, d)
		if err != nil && !errors.Is(err, docstore.ErrConflict) {
			return fmt.Errorf("install %s in %s: %w", d.ID, db, err)
		}
	}
	return nil
}
