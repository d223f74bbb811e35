package couch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/buger/jsonparser"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/logging"
	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/retry"
)

// Shard is one shard database holding block_count and block_fact documents.
type Shard struct {
	c  *Client
	db string
}

// Shard returns the shard database db on c.
func (c *Client) Shard(db string) *Shard {
	return &Shard{c: c, db: db}
}

// OpenShard connects to the shard named by endpoint ("http://host/db").
func OpenShard(endpoint string, opts Options) (*Shard, error) {
	server, db, err := SplitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c, err := New(server, opts)
	if err != nil {
		return nil, err
	}
	return c.Shard(db), nil
}

// Name identifies the shard as host/db.
func (s *Shard) Name() string {
	return s.c.name + "/" + s.db
}

// Ensure creates the database and installs the shard views. An existing
// database keeps its documents.
func (s *Shard) Ensure(ctx context.Context) error {
	if err := s.c.createDB(ctx, s.db); err != nil {
		return fmt.Errorf("create shard %s: %w", s.Name(), err)
	}
	return s.c.putDesigns(ctx, s.db, ShardDesigns())
}

// Reset deletes the database and creates it again with the shard views.
func (s *Shard) Reset(ctx context.Context) error {
	if err := s.c.Drop(ctx, s.db); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("drop shard %s: %w", s.Name(), err)
	}
	return s.Ensure(ctx)
}

type countDoc struct {
	ID    string      `json:"_id"`
	Type  string      `json:"type"`
	Block model.Block `json:"block"`
	Count int         `json:"count"`
}

type factDoc struct {
	ID       string      `json:"_id"`
	Type     string      `json:"type"`
	Block    model.Block `json:"block"`
	Neighbor model.Block `json:"neighbor"`
	Reversed bool        `json:"reversed"`
	Hints    []string    `json:"hints"`
}

// PutCounts stores one count document per block; the counts view sums them.
// Document ids are derived from batch and block, so posting a batch again
// conflicts on every stored document instead of counting it twice.
func (s *Shard) PutCounts(ctx context.Context, batch string, counts map[model.Block]int) error {
	blocks := make([]model.Block, 0, len(counts))
	for b := range counts {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	docs := make([]any, len(blocks))
	for i, b := range blocks {
		docs[i] = countDoc{ID: "count:" + batch + ":" + string(b), Type: docTypeCount, Block: b, Count: counts[b]}
	}
	return s.insert(ctx, docs)
}

// PutFacts stores one fact document per fact, with ids derived from batch
// and the fact's position.
func (s *Shard) PutFacts(ctx context.Context, batch string, facts []model.AdjacencyFact) error {
	docs := make([]any, len(facts))
	for i, f := range facts {
		docs[i] = factDoc{ID: "fact:" + batch + ":" + strconv.Itoa(i), Type: docTypeFact, Block: f.Block, Neighbor: f.Neighbor, Reversed: f.Reversed, Hints: f.Hints}
	}
	return s.insert(ctx, docs)
}

// insert posts docs in chunks, retrying each chunk on its own. A conflict
// means an earlier attempt already stored that document.
func (s *Shard) insert(ctx context.Context, docs []any) error {
	for start := 0; start < len(docs); start += bulkSize {
		chunk := docs[start:min(start+bulkSize, len(docs))]
		notify := func(attempt int, err error) {
			logging.Debug("retrying shard chunk", "shard", s.Name(), "offset", start, "attempt", attempt, "err", err)
		}
		err := retry.Do(ctx, s.c.policy, func(ctx context.Context) error {
			return s.post(ctx, chunk)
		}, notify)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Shard) post(ctx context.Context, chunk []any) error {
	body, err := s.c.do(ctx, http.MethodPost, dbPath(s.db, "_bulk_docs"), nil, map[string]any{"docs": chunk})
	if err != nil {
		return err
	}
	res, err := bulkResult(body)
	if err != nil {
		return err
	}
	var rejected []docstore.DocError
	for _, e := range res.Errors {
		if !isConflict(e) {
			rejected = append(rejected, e)
		}
	}
	if len(rejected) > 0 {
		return retry.AsFatal(fmt.Errorf("couch: %s rejected %d docs, first %v", s.Name(), len(rejected), rejected[0]))
	}
	return nil
}

func viewPath(db, name string) string {
	return dbPath(db, "_design", name, "_view", name)
}

// CountPage reads the grouped counts view in key order.
func (s *Shard) CountPage(ctx context.Context, after docstore.Cursor, limit int) ([]model.BlockCount, docstore.Cursor, error) {
	q := url.Values{}
	q.Set("group", "true")
	q.Set("limit", strconv.Itoa(limit))
	if !after.IsZero() {
		q.Set("startkey", after.Key)
		q.Set("skip", "1")
	}
	body, err := s.c.do(ctx, http.MethodGet, viewPath(s.db, countsDesign), q, nil)
	if err != nil {
		return nil, after, err
	}

	var rows []model.BlockCount
	next := after
	var perr error
	_, err = jsonparser.ArrayEach(body, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
		if perr != nil {
			return
		}
		blk, err := jsonparser.GetString(v, "key")
		if err != nil {
			perr = fmt.Errorf("count row key: %w", err)
			return
		}
		n, err := jsonparser.GetInt(v, "value")
		if err != nil {
			perr = fmt.Errorf("count row value: %w", err)
			return
		}
		rows = append(rows, model.BlockCount{Block: model.Block(blk), Count: int(n)})
		next = docstore.Cursor{Key: jsonKey(blk)}
	}, "rows")
	if err == nil {
		err = perr
	}
	if err != nil {
		return nil, after, retry.AsFatal(fmt.Errorf("couch: parse %s counts: %w", s.Name(), err))
	}
	return rows, next, nil
}

// FactPage reads the facts view for one block, keyed [block, neighbor,
// reversed]. The cursor carries the last key and document id so equal keys
// page correctly.
func (s *Shard) FactPage(ctx context.Context, b model.Block, after docstore.Cursor, limit int) ([]model.AdjacencyFact, docstore.Cursor, error) {
	q := url.Values{}
	q.Set("endkey", jsonKey([]any{b, struct{}{}}))
	q.Set("limit", strconv.Itoa(limit))
	if after.IsZero() {
		q.Set("startkey", jsonKey([]any{b}))
	} else {
		q.Set("startkey", after.Key)
		q.Set("startkey_docid", after.DocID)
		q.Set("skip", "1")
	}
	body, err := s.c.do(ctx, http.MethodGet, viewPath(s.db, factsDesign), q, nil)
	if err != nil {
		return nil, after, err
	}

	var rows []model.AdjacencyFact
	next := after
	var perr error
	_, err = jsonparser.ArrayEach(body, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
		if perr != nil {
			return
		}
		f, cur, err := parseFactRow(v)
		if err != nil {
			perr = err
			return
		}
		rows = append(rows, f)
		next = cur
	}, "rows")
	if err == nil {
		err = perr
	}
	if err != nil {
		return nil, after, retry.AsFatal(fmt.Errorf("couch: parse %s facts: %w", s.Name(), err))
	}
	return rows, next, nil
}

func parseFactRow(v []byte) (model.AdjacencyFact, docstore.Cursor, error) {
	var f model.AdjacencyFact
	id, err := jsonparser.GetString(v, "id")
	if err != nil {
		return f, docstore.Cursor{}, fmt.Errorf("fact row id: %w", err)
	}
	key, _, _, err := jsonparser.Get(v, "key")
	if err != nil {
		return f, docstore.Cursor{}, fmt.Errorf("fact row key: %w", err)
	}
	blk, err := jsonparser.GetString(key, "[0]")
	if err != nil {
		return f, docstore.Cursor{}, fmt.Errorf("fact row block: %w", err)
	}
	f.Block = model.Block(blk)
	if n, err := jsonparser.GetString(key, "[1]"); err == nil {
		f.Neighbor = model.Block(n)
	}
	f.Reversed, _ = jsonparser.GetBoolean(key, "[2]")

	var herr error
	_, err = jsonparser.ArrayEach(v, func(h []byte, t jsonparser.ValueType, _ int, _ error) {
		if herr != nil {
			return
		}
		if t != jsonparser.String {
			herr = fmt.Errorf("hint of type %s", t)
			return
		}
		s, err := jsonparser.ParseString(h)
		if err != nil {
			herr = err
			return
		}
		f.Hints = append(f.Hints, s)
	}, "value")
	if err == nil {
		err = herr
	}
	if err != nil {
		return f, docstore.Cursor{}, fmt.Errorf("fact row hints: %w", err)
	}
	return f, docstore.Cursor{Key: string(key), DocID: id}, nil
}
