package ident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/blockgraph/internal/model"
)

type staticCounts struct {
	counts map[model.Block]int
	err    error
}

func (s staticCounts) Counts(context.Context) (map[model.Block]int, error) {
	out := make(map[model.Block]int, len(s.counts))
	for b, c := range s.counts {
		out[b] = c
	}
	return out, s.err
}

type memIDs struct {
	saved map[model.Block]model.BlockID
	err   error
}

func (m *memIDs) LoadIDs(context.Context) (map[model.Block]model.BlockID, error) {
	return copyIDs(m.saved), nil
}

func (m *memIDs) SaveIDs(_ context.Context, ids map[model.Block]model.BlockID) error {
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = map[model.Block]model.BlockID{}
	}
	for b, id := range ids {
		m.saved[b] = id
	}
	return nil
}

func TestAssignIsDenseAndStable(t *testing.T) {
	a := New()
	id, added := a.Assign("b")
	assert.Equal(t, First, id)
	assert.True(t, added)

	id, added = a.Assign("a")
	assert.Equal(t, model.BlockID(2), id)
	assert.True(t, added)

	id, added = a.Assign("b")
	assert.Equal(t, First, id)
	assert.False(t, added)
	assert.Equal(t, 2, a.Len())
}

func TestAssignSortedOrder(t *testing.T) {
	a := New()
	n := a.AssignSorted([]model.Block{"ccc", "aaa", "bbb", "aaa"})
	assert.Equal(t, 3, n)
	assert.Equal(t, map[model.Block]model.BlockID{"aaa": 1, "bbb": 2, "ccc": 3}, a.Snapshot())
}

func TestConcurrentAssignUnique(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				a.Assign(model.Block(fmt.Sprintf("blk%04d", (i*7+w)%500)))
			}
		}(w)
	}
	wg.Wait()

	snap := a.Snapshot()
	seen := map[model.BlockID]bool{}
	for _, id := range snap {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	for id := First; id < First+model.BlockID(len(snap)); id++ {
		assert.True(t, seen[id], "gap at %d", id)
	}
}

func TestRestoreContinuesAfterMax(t *testing.T) {
	a := New()
	require.NoError(t, a.Restore(map[model.Block]model.BlockID{"x": 1, "y": 2}))
	id, ok := a.Lookup("y")
	require.True(t, ok)
	assert.Equal(t, model.BlockID(2), id)

	id, added := a.Assign("z")
	assert.True(t, added)
	assert.Equal(t, model.BlockID(3), id)
	assert.Equal(t, map[model.Block]model.BlockID{"z": 3}, a.Fresh())
	assert.Empty(t, a.Fresh())
}

func TestRestoreRejectsBadTables(t *testing.T) {
	assert.Error(t, New().Restore(map[model.Block]model.BlockID{"x": 0}))
	assert.Error(t, New().Restore(map[model.Block]model.BlockID{"x": 1, "y": 1}))

	a := New()
	a.Assign("x")
	assert.Error(t, a.Restore(map[model.Block]model.BlockID{"y": 1}))
}

func TestAssignFromCountsPrunesAndPersists(t *testing.T) {
	src := staticCounts{counts: map[model.Block]int{"aaa": 5, "bbb": 1, "ccc": 2}}
	store := &memIDs{}
	a := New()

	res, counts, err := AssignFromCounts(context.Background(), a, src, store, 2)
	require.NoError(t, err)
	assert.Equal(t, Result{Blocks: 3, Eligible: 2, Added: 2, Total: 2}, res)
	assert.Equal(t, map[model.Block]int{"aaa": 5, "ccc": 2}, counts)
	assert.Equal(t, map[model.Block]model.BlockID{"aaa": 1, "ccc": 2}, store.saved)

	_, ok := a.Lookup("bbb")
	assert.False(t, ok)
}

func TestRerunIsStable(t *testing.T) {
	src := staticCounts{counts: map[model.Block]int{"q": 3, "r": 3, "p": 9}}
	first, second := New(), New()
	_, _, err := AssignFromCounts(context.Background(), first, src, nil, 2)
	require.NoError(t, err)
	_, _, err = AssignFromCounts(context.Background(), second, src, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot(), second.Snapshot())
}

func TestReconcileNeverReassigns(t *testing.T) {
	ctx := context.Background()
	store := &memIDs{}
	a := New()
	_, _, err := AssignFromCounts(ctx, a, staticCounts{counts: map[model.Block]int{"m": 2, "n": 2}}, store, 2)
	require.NoError(t, err)
	before := a.Snapshot()

	// "a" sorts before every existing block but must not take their ids.
	loaded, err := store.LoadIDs(ctx)
	require.NoError(t, err)
	b := New()
	require.NoError(t, b.Restore(loaded))
	res, _, err := AssignFromCounts(ctx, b, staticCounts{counts: map[model.Block]int{"a": 2, "m": 4, "n": 2}}, store, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	after := b.Snapshot()
	for blk, id := range before {
		assert.Equal(t, id, after[blk])
	}
	assert.Equal(t, model.BlockID(3), after["a"])
	assert.Equal(t, after, store.saved)
}

func TestAssignFromCountsErrors(t *testing.T) {
	_, _, err := AssignFromCounts(context.Background(), New(), staticCounts{err: errors.New("shard down")}, nil, 2)
	assert.ErrorContains(t, err, "shard down")

	store := &memIDs{err: errors.New("disk full")}
	_, _, err = AssignFromCounts(context.Background(), New(), staticCounts{counts: map[model.Block]int{"a": 2}}, store, 2)
	assert.ErrorContains(t, err, "disk full")
}
