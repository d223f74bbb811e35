// Package kvstore is an embedded document store on bbolt. One file holds one
// shard (counts and facts buckets), one destination replica (a bucket per
// output collection), or both. Values are msgpack encoded.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/model"
)

var (
	countsBucket  = []byte("counts")
	factsBucket   = []byte("facts")
	batchesBucket = []byte("batches") // keys of applied writes
)

var shardBuckets = [][]byte{countsBucket, factsBucket, batchesBucket}

// Store is a bbolt file implementing every docstore interface.
type Store struct {
	name string
	path string
	db   *bolt.DB
	ids  string
}

var (
	_ docstore.Shard       = (*Store)(nil)
	_ docstore.Destination = (*Store)(nil)
	_ docstore.IDStore     = (*Store)(nil)
)

// Open opens or creates the store file at path. The shard buckets are created
// up front; output collections are created through Create.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("kvstore: create dir %q: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range shardBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: init %q: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Store{name: name, path: path, db: db, ids: docstore.DefaultCollections().BlockIDs}, nil
}

// Name returns the file's base name without extension.
func (s *Store) Name() string {
	return s.name
}

// SetIDCollection changes the bucket used by LoadIDs/SaveIDs.
func (s *Store) SetIDCollection(name string) {
	s.ids = name
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset empties the shard buckets and forgets every applied batch key.
func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range shardBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("kvstore: reset %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("kvstore: reset %s: %w", name, err)
			}
		}
		return nil
	})
}

// claim records the write key in tx and reports false when it was already
// applied.
func claim(tx *bolt.Tx, key string) (bool, error) {
	b := tx.Bucket(batchesBucket)
	if b.Get([]byte(key)) != nil {
		return false, nil
	}
	return true, b.Put([]byte(key), []byte{1})
}

// PutCounts adds counts to the stored totals once per batch.
func (s *Store) PutCounts(ctx context.Context, batch string, counts map[model.Block]int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if fresh, err := claim(tx, "counts/"+batch); err != nil || !fresh {
			return err
		}
		b := tx.Bucket(countsBucket)
		for blk, c := range counts {
			key := []byte(blk)
			total := c
			if v := b.Get(key); v != nil {
				var prev int
				if err := msgpack.Unmarshal(v, &prev); err != nil {
					return fmt.Errorf("kvstore: decode count %q: %w", blk, err)
				}
				total += prev
			}
			enc, err := msgpack.Marshal(total)
			if err != nil {
				return err
			}
			if err := b.Put(key, enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountPage returns up to limit block totals in block order, starting after
// the cursor's key.
func (s *Store) CountPage(ctx context.Context, after docstore.Cursor, limit int) ([]model.BlockCount, docstore.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, after, err
	}
	var rows []model.BlockCount
	next := after
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(countsBucket).Cursor()
		k, v := c.First()
		if !after.IsZero() {
			k, v = c.Seek([]byte(after.Key))
			if k != nil && string(k) == after.Key {
				k, v = c.Next()
			}
		}
		for ; k != nil && len(rows) < limit; k, v = c.Next() {
			var n int
			if err := msgpack.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("kvstore: decode count %q: %w", k, err)
			}
			rows = append(rows, model.BlockCount{Block: model.Block(k), Count: n})
			next = docstore.Cursor{Key: string(k)}
		}
		return nil
	})
	return rows, next, err
}

// PutFacts appends facts once per batch. Facts with the same pair key are
// merged by readers.
func (s *Store) PutFacts(ctx context.Context, batch string, facts []model.AdjacencyFact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if fresh, err := claim(tx, "facts/"+batch); err != nil || !fresh {
			return err
		}
		b := tx.Bucket(factsBucket)
		for _, f := range facts {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			enc, err := msgpack.Marshal(f.Hints)
			if err != nil {
				return err
			}
			if err := b.Put(factKey(f.Key(), seq), enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// FactPage returns up to limit facts of block b in key order, starting after
// the cursor.
func (s *Store) FactPage(ctx context.Context, blk model.Block, after docstore.Cursor, limit int) ([]model.AdjacencyFact, docstore.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, after, err
	}
	prefix := appendString(nil, string(blk))
	var facts []model.AdjacencyFact
	next := after
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(factsBucket).Cursor()
		var k, v []byte
		if after.IsZero() {
			k, v = c.Seek(prefix)
		} else {
			k, v = c.Seek([]byte(after.Key))
			if k != nil && string(k) == after.Key {
				k, v = c.Next()
			}
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(facts) < limit; k, v = c.Next() {
			pk, err := decodeFactKey(k)
			if err != nil {
				return err
			}
			var hints []string
			if err := msgpack.Unmarshal(v, &hints); err != nil {
				return fmt.Errorf("kvstore: decode hints: %w", err)
			}
			facts = append(facts, model.AdjacencyFact{
				Block:    pk.Block,
				Neighbor: pk.Neighbor,
				Reversed: pk.Reversed,
				Hints:    hints,
			})
			next = docstore.Cursor{Key: string(k)}
		}
		return nil
	})
	return facts, next, err
}

// Drop deletes a collection bucket.
func (s *Store) Drop(_ context.Context, collection string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(collection))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return docstore.ErrNotFound
		}
		return err
	})
}

// Create makes an empty collection bucket. Creating an existing collection is
// a no-op.
func (s *Store) Create(_ context.Context, collection string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(collection))
		return err
	})
}

// Bulk inserts docs into collection in one transaction. Documents that fail
// validation or whose id already exists are reported per document and
// skipped; the rest are written.
func (s *Store) Bulk(ctx context.Context, collection string, docs []model.Document) (docstore.BulkResult, error) {
	var res docstore.BulkResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("kvstore: collection %q: %w", collection, docstore.ErrNotFound)
		}
		for _, d := range docs {
			if err := d.Validate(); err != nil {
				res.Errors = append(res.Errors, docstore.DocError{ID: d.ID(), Reason: err.Error()})
				continue
			}
			key := []byte(d.ID())
			if b.Get(key) != nil {
				res.Errors = append(res.Errors, docstore.DocError{ID: d.ID(), Reason: docstore.ErrConflict.Error()})
				continue
			}
			enc, err := msgpack.Marshal(d)
			if err != nil {
				return fmt.Errorf("kvstore: encode %s: %w", d.ID(), err)
			}
			if err := b.Put(key, enc); err != nil {
				return err
			}
			res.Written++
		}
		return nil
	})
	if err != nil {
		return docstore.BulkResult{}, err
	}
	return res, nil
}

// Get reads one document.
func (s *Store) Get(_ context.Context, collection, id string) (model.Document, error) {
	var doc model.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("kvstore: collection %q: %w", collection, docstore.ErrNotFound)
		}
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("kvstore: %s/%s: %w", collection, id, docstore.ErrNotFound)
		}
		return msgpack.Unmarshal(v, &doc)
	})
	return doc, err
}

// Range reads documents with start <= id <= end in id order.
func (s *Store) Range(_ context.Context, collection, start, end string, limit int) ([]model.Document, error) {
	var docs []model.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("kvstore: collection %q: %w", collection, docstore.ErrNotFound)
		}
		c := b.Cursor()
		for k, v := c.Seek([]byte(start)); k != nil; k, v = c.Next() {
			if end != "" && string(k) > end {
				break
			}
			if limit > 0 && len(docs) >= limit {
				break
			}
			var d model.Document
			if err := msgpack.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("kvstore: decode %s: %w", k, err)
			}
			docs = append(docs, d)
		}
		return nil
	})
	return docs, err
}

// LoadIDs reads the persisted identifier table. A missing table is empty.
func (s *Store) LoadIDs(_ context.Context) (map[model.Block]model.BlockID, error) {
	ids := make(map[model.Block]model.BlockID)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.ids))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("kvstore: bad id for %q", k)
			}
			ids[model.Block(k)] = model.BlockID(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	return ids, err
}

// SaveIDs writes identifier assignments, overwriting existing entries.
func (s *Store) SaveIDs(_ context.Context, ids map[model.Block]model.BlockID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(s.ids))
		if err != nil {
			return err
		}
		for blk, id := range ids {
			v := binary.BigEndian.AppendUint64(nil, uint64(id))
			if err := b.Put([]byte(blk), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// factKey lays out block, neighbor, reversed flag and a sequence number so
// that all facts of one block share a prefix and sort by neighbor.
func factKey(k model.PairKey, seq uint64) []byte {
	key := appendString(make([]byte, 0, 32), string(k.Block))
	key = appendString(key, string(k.Neighbor))
	if k.Reversed {
		key = append(key, 1)
	} else {
		key = append(key, 0)
	}
	return binary.BigEndian.AppendUint64(key, seq)
}

func decodeFactKey(key []byte) (model.PairKey, error) {
	var pk model.PairKey
	blk, rest, err := readString(key)
	if err != nil {
		return pk, err
	}
	nb, rest, err := readString(rest)
	if err != nil {
		return pk, err
	}
	if len(rest) != 9 {
		return pk, fmt.Errorf("kvstore: malformed fact key %x", key)
	}
	pk.Block = model.Block(blk)
	pk.Neighbor = model.Block(nb)
	pk.Reversed = rest[0] == 1
	return pk, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(b []byte) (string, []byte, error) {
	n, w := binary.Uvarint(b)
	if w <= 0 || uint64(len(b)-w) < n {
		return "", nil, fmt.Errorf("kvstore: malformed key segment")
	}
	end := w + int(n)
	return string(b[w:end]), b[end:], nil
}
