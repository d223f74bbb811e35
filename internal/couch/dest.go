package couch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/retry"
)

// idPrefix keeps block ids clear of CouchDB's reserved leading underscore.
const idPrefix = "block:"

// Drop deletes a collection database.
func (c *Client) Drop(ctx context.Context, collection string) error {
	_, err := c.do(ctx, http.MethodDelete, dbPath(collection), nil, nil)
	return err
}

// Create creates a collection database and installs its registered design
// documents.
func (c *Client) Create(ctx context.Context, collection string) error {
	if err := c.createDB(ctx, collection); err != nil {
		return err
	}
	return c.putDesigns(ctx, collection, c.designs[collection])
}

// Bulk posts docs to collection's _bulk_docs.
func (c *Client) Bulk(ctx context.Context, collection string, docs []model.Document) (docstore.BulkResult, error) {
	body, err := c.do(ctx, http.MethodPost, dbPath(collection, "_bulk_docs"), nil, map[string]any{"docs": docs})
	if err != nil {
		return docstore.BulkResult{}, err
	}
	return bulkResult(body)
}

// Get reads one document.
func (c *Client) Get(ctx context.Context, collection, id string) (model.Document, error) {
	body, err := c.do(ctx, http.MethodGet, docPath(collection, id), nil, nil)
	if err != nil {
		return model.Document{}, err
	}
	var d model.Document
	if err := json.Unmarshal(body, &d); err != nil {
		return model.Document{}, fmt.Errorf("couch: decode %s/%s: %w", collection, id, err)
	}
	return d, nil
}

// Range reads documents with start <= id <= end from _all_docs, skipping
// design documents.
func (c *Client) Range(ctx context.Context, collection, start, end string, limit int) ([]model.Document, error) {
	q := url.Values{}
	q.Set("include_docs", "true")
	if start != "" {
		q.Set("startkey", jsonKey(start))
	}
	if end != "" {
		q.Set("endkey", jsonKey(end))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, http.MethodGet, dbPath(collection, "_all_docs"), q, nil)
	if err != nil {
		return nil, err
	}

	var docs []model.Document
	var perr error
	_, err = jsonparser.ArrayEach(body, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
		if perr != nil {
			return
		}
		id, _ := jsonparser.GetString(v, "id")
		if strings.HasPrefix(id, "_design/") {
			return
		}
		raw, _, _, err := jsonparser.Get(v, "doc")
		if err != nil {
			perr = fmt.Errorf("row %s: %w", id, err)
			return
		}
		var d model.Document
		if err := json.Unmarshal(raw, &d); err != nil {
			perr = fmt.Errorf("row %s: %w", id, err)
			return
		}
		docs = append(docs, d)
	}, "rows")
	if err == nil {
		err = perr
	}
	if err != nil {
		return nil, fmt.Errorf("couch: parse %s range: %w", collection, err)
	}
	return docs, nil
}

type idDoc struct {
	ID    string        `json:"_id"`
	Block model.Block   `json:"block"`
	IntID model.BlockID `json:"intId"`
}

// LoadIDs reads every persisted assignment. A missing id database is an
// empty table.
func (c *Client) LoadIDs(ctx context.Context) (map[model.Block]model.BlockID, error) {
	out := make(map[model.Block]model.BlockID)
	after := ""
	for {
		q := url.Values{}
		q.Set("include_docs", "true")
		q.Set("limit", strconv.Itoa(bulkSize))
		if after != "" {
			q.Set("startkey", jsonKey(after))
			q.Set("skip", "1")
		}
		body, err := c.do(ctx, http.MethodGet, dbPath(c.ids, "_all_docs"), q, nil)
		if errors.Is(err, docstore.ErrNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		rows := 0
		var perr error
		_, err = jsonparser.ArrayEach(body, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
			if perr != nil {
				return
			}
			rows++
			id, _ := jsonparser.GetString(v, "id")
			after = id
			if !strings.HasPrefix(id, idPrefix) {
				return
			}
			blk, err := jsonparser.GetString(v, "doc", "block")
			if err != nil {
				perr = fmt.Errorf("id row %s: %w", id, err)
				return
			}
			n, err := jsonparser.GetInt(v, "doc", "intId")
			if err != nil {
				perr = fmt.Errorf("id row %s: %w", id, err)
				return
			}
			out[model.Block(blk)] = model.BlockID(n)
		}, "rows")
		if err == nil {
			err = perr
		}
		if err != nil {
			return nil, retry.AsFatal(fmt.Errorf("couch: parse %s: %w", c.ids, err))
		}
		if rows < bulkSize {
			return out, nil
		}
	}
}

// SaveIDs writes assignments to the id database, creating it if needed.
func (c *Client) SaveIDs(ctx context.Context, ids map[model.Block]model.BlockID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.createDB(ctx, c.ids); err != nil {
		return err
	}
	blocks := make([]model.Block, 0, len(ids))
	for b := range ids {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return ids[blocks[i]] < ids[blocks[j]] })

	for start := 0; start < len(blocks); start += bulkSize {
		end := min(start+bulkSize, len(blocks))
		docs := make([]idDoc, 0, end-start)
		for _, b := range blocks[start:end] {
			docs = append(docs, idDoc{ID: idPrefix + string(b), Block: b, IntID: ids[b]})
		}
		body, err := c.do(ctx, http.MethodPost, dbPath(c.ids, "_bulk_docs"), nil, map[string]any{"docs": docs})
		if err != nil {
			return err
		}
		res, err := bulkResult(body)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("couch: %d identifier docs rejected, first %v", len(res.Errors), res.Errors[0])
		}
	}
	return nil
}
