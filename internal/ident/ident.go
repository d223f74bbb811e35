// Package ident assigns dense integer identifiers to blocks.
//
// The Assigner is the only state shared by concurrent workers besides the
// progress counters. Every mutation takes its lock; once a block holds an id
// the id never changes for the life of the Assigner.
package ident

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/abelbrown/blockgraph/internal/aggregate"
	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/model"
)

// First is the identifier given to the first block.
const First model.BlockID = 1

// Assigner maps blocks to identifiers. Safe for concurrent use.
type Assigner struct {
	mu    sync.RWMutex
	ids   map[model.Block]model.BlockID
	fresh map[model.Block]model.BlockID // assigned since the last Restore/Fresh
	next  model.BlockID
}

// New returns an empty Assigner.
func New() *Assigner {
	return &Assigner{
		ids:   make(map[model.Block]model.BlockID),
		fresh: make(map[model.Block]model.BlockID),
		next:  First,
	}
}

// Assign returns b's identifier, giving it the next unused one if it has
// none. added reports whether the call assigned it.
func (a *Assigner) Assign(b model.Block) (id model.BlockID, added bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.ids[b]; ok {
		return id, false
	}
	id = a.next
	a.next++
	a.ids[b] = id
	a.fresh[b] = id
	return id, true
}

// AssignSorted assigns identifiers to blocks in ascending block order and
// returns how many were new. Sorting first makes a from-scratch run
// reproducible regardless of how the shards were read.
func (a *Assigner) AssignSorted(blocks []model.Block) int {
	sorted := make([]model.Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	added := 0
	for _, b := range sorted {
		if _, ok := a.Assign(b); ok {
			added++
		}
	}
	return added
}

// Lookup returns b's identifier.
func (a *Assigner) Lookup(b model.Block) (model.BlockID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.ids[b]
	return id, ok
}

// Len returns the number of blocks holding an identifier.
func (a *Assigner) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}

// Snapshot returns a copy of every assignment.
func (a *Assigner) Snapshot() map[model.Block]model.BlockID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyIDs(a.ids)
}

// Fresh returns the assignments made since the last Restore or Fresh call
// and clears them.
func (a *Assigner) Fresh() map[model.Block]model.BlockID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.fresh
	a.fresh = make(map[model.Block]model.BlockID)
	return out
}

// Restore loads persisted assignments into an empty Assigner. Identifiers
// must be positive and unique; new blocks continue after the largest one.
func (a *Assigner) Restore(ids map[model.Block]model.BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.ids) > 0 {
		return fmt.Errorf("ident: restore into non-empty assigner (%d ids)", len(a.ids))
	}
	owner := make(map[model.BlockID]model.Block, len(ids))
	next := First
	for b, id := range ids {
		if id < First {
			return fmt.Errorf("ident: block %q has invalid id %d", b, id)
		}
		if other, dup := owner[id]; dup {
			return fmt.Errorf("ident: id %d held by both %q and %q", id, other, b)
		}
		owner[id] = b
		if id >= next {
			next = id + 1
		}
	}
	a.ids = copyIDs(ids)
	a.fresh = make(map[model.Block]model.BlockID)
	a.next = next
	return nil
}

// CountSource yields the block totals merged across shards.
type CountSource interface {
	Counts(ctx context.Context) (map[model.Block]int, error)
}

// Result summarizes one assignment pass.
type Result struct {
	Blocks   int // blocks seen across shards
	Eligible int // blocks meeting minimum support
	Added    int // newly assigned
	Total    int // blocks holding an id afterwards
}

// AssignFromCounts reads the merged shard totals, prunes blocks below
// minSupport, assigns identifiers and persists the new ones to store (when
// non-nil). The merged totals are returned for the build stage.
func AssignFromCounts(ctx context.Context, a *Assigner, src CountSource, store docstore.IDStore, minSupport int) (Result, map[model.Block]int, error) {
	counts, err := src.Counts(ctx)
	if err != nil {
		return Result{}, nil, fmt.Errorf("ident: read counts: %w", err)
	}
	res := Result{Blocks: len(counts)}
	if minSupport > 0 {
		counts = aggregate.Prune(counts, minSupport)
	}
	res.Eligible = len(counts)

	blocks := make([]model.Block, 0, len(counts))
	for b := range counts {
		blocks = append(blocks, b)
	}
	res.Added = a.AssignSorted(blocks)
	res.Total = a.Len()

	if store != nil {
		if fresh := a.Fresh(); len(fresh) > 0 {
			if err := store.SaveIDs(ctx, fresh); err != nil {
				return res, counts, fmt.Errorf("ident: save ids: %w", err)
			}
		}
	}
	return res, counts, nil
}

func copyIDs(in map[model.Block]model.BlockID) map[model.Block]model.BlockID {
	out := make(map[model.Block]model.BlockID, len(in))
	for b, id := range in {
		out[b] = id
	}
	return out
}
