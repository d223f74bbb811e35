package fetch

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeShard serves facts and counts from memory with index cursors. failFirst
// makes the first n reads fail with a transient error; fatal makes every read
// fail with a fatal one.
type fakeShard struct {
	name   string
	facts  map[model.Block][]model.AdjacencyFact
	counts []model.BlockCount

	mu        sync.Mutex
	failFirst int
	fatal     bool
	reads     int
	cursors   []docstore.Cursor
}

func (s *fakeShard) Name() string { return s.name }

func (s *fakeShard) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.fatal {
		return retry.AsFatal(errors.New("bad request"))
	}
	if s.failFirst > 0 {
		s.failFirst--
		return syscall.ECONNRESET
	}
	return nil
}

func window[T any](rows []T, after docstore.Cursor, limit int) ([]T, docstore.Cursor) {
	start := 0
	if !after.IsZero() {
		start, _ = strconv.Atoi(after.Key)
	}
	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}
	if start > end {
		start = end
	}
	return rows[start:end], docstore.Cursor{Key: strconv.Itoa(end)}
}

func (s *fakeShard) CountPage(_ context.Context, after docstore.Cursor, limit int) ([]model.BlockCount, docstore.Cursor, error) {
	if err := s.fail(); err != nil {
		return nil, after, err
	}
	rows, next := window(s.counts, after, limit)
	return rows, next, nil
}

func (s *fakeShard) FactPage(_ context.Context, b model.Block, after docstore.Cursor, limit int) ([]model.AdjacencyFact, docstore.Cursor, error) {
	if err := s.fail(); err != nil {
		return nil, after, err
	}
	s.mu.Lock()
	s.cursors = append(s.cursors, after)
	s.mu.Unlock()
	rows, next := window(s.facts[b], after, limit)
	return rows, next, nil
}

func factsFor(b model.Block, n int, tag string) []model.AdjacencyFact {
	out := make([]model.AdjacencyFact, n)
	for i := range out {
		out[i] = model.AdjacencyFact{Block: b, Neighbor: model.Block(tag + strconv.Itoa(i)), Hints: []string{tag}}
	}
	return out
}

func TestNewRequiresShards(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoShards)
}

func TestFactsPaginatesUntilShortPage(t *testing.T) {
	const b = model.Block("aaaaaaaaaaa")
	s := &fakeShard{name: "s0", facts: map[model.Block][]model.AdjacencyFact{b: factsFor(b, 7, "x")}}
	f, err := New([]docstore.ShardReader{s}, Options{PageSize: 3})
	require.NoError(t, err)

	got, err := f.Facts(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, s.facts[b], got)
	// 3 + 3 + 1
	assert.Equal(t, []docstore.Cursor{{}, {Key: "3"}, {Key: "6"}}, s.cursors)
}

func TestFactsExactMultipleReadsEmptyTail(t *testing.T) {
	const b = model.Block("aaaaaaaaaaa")
	s := &fakeShard{name: "s0", facts: map[model.Block][]model.AdjacencyFact{b: factsFor(b, 6, "x")}}
	f, err := New([]docstore.ShardReader{s}, Options{PageSize: 3})
	require.NoError(t, err)

	got, err := f.Facts(context.Background(), b)
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Len(t, s.cursors, 3)
}

func TestFactsMergesShards(t *testing.T) {
	const b = model.Block("aaaaaaaaaaa")
	s0 := &fakeShard{name: "s0", facts: map[model.Block][]model.AdjacencyFact{b: factsFor(b, 4, "p")}}
	s1 := &fakeShard{name: "s1", facts: map[model.Block][]model.AdjacencyFact{b: factsFor(b, 5, "q")}}
	s2 := &fakeShard{name: "s2"}
	f, err := New([]docstore.ShardReader{s0, s1, s2}, Options{PageSize: 2, Concurrency: 2})
	require.NoError(t, err)

	got, err := f.Facts(context.Background(), b)
	require.NoError(t, err)
	want := append(append([]model.AdjacencyFact{}, s0.facts[b]...), s1.facts[b]...)
	assert.ElementsMatch(t, want, got)
	assert.Equal(t, []string{"s0", "s1", "s2"}, f.Shards())
}

func TestFactsRetriesTransientFailures(t *testing.T) {
	const b = model.Block("aaaaaaaaaaa")
	s := &fakeShard{name: "s0", failFirst: 9, facts: map[model.Block][]model.AdjacencyFact{b: factsFor(b, 2, "x")}}
	f, err := New([]docstore.ShardReader{s}, Options{PageSize: 10})
	require.NoError(t, err)

	got, err := f.Facts(context.Background(), b)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 10, s.reads)
}

func TestFactsExhaustedShardIsPartial(t *testing.T) {
	const b = model.Block("aaaaaaaaaaa")
	bad := &fakeShard{name: "bad", failFirst: 100}
	good := &fakeShard{name: "good", facts: map[model.Block][]model.AdjacencyFact{b: factsFor(b, 2, "x")}}
	f, err := New([]docstore.ShardReader{bad, good}, Options{PageSize: 10})
	require.NoError(t, err)

	got, err := f.Facts(context.Background(), b)
	require.Error(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, retry.DefaultAttempts, bad.reads)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 1)
	var se *ShardError
	require.ErrorAs(t, merr.Errors[0], &se)
	assert.Equal(t, "bad", se.Shard)
	assert.ErrorIs(t, err, retry.ErrExhausted)
}

func TestFactsFatalShardNotRetried(t *testing.T) {
	bad := &fakeShard{name: "bad", fatal: true}
	f, err := New([]docstore.ShardReader{bad}, Options{})
	require.NoError(t, err)

	_, err = f.Facts(context.Background(), "aaaaaaaaaaa")
	require.Error(t, err)
	assert.Equal(t, 1, bad.reads)
}

func TestCountsSumsAcrossShards(t *testing.T) {
	s0 := &fakeShard{name: "s0", counts: []model.BlockCount{{Block: "a", Count: 1}, {Block: "b", Count: 2}, {Block: "c", Count: 1}}}
	s1 := &fakeShard{name: "s1", counts: []model.BlockCount{{Block: "b", Count: 3}, {Block: "d", Count: 4}}}
	f, err := New([]docstore.ShardReader{s0, s1}, Options{PageSize: 2})
	require.NoError(t, err)

	got, err := f.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[model.Block]int{"a": 1, "b": 5, "c": 1, "d": 4}, got)
}

func TestCountsFailsOnAnyShard(t *testing.T) {
	s0 := &fakeShard{name: "s0", counts: []model.BlockCount{{Block: "a", Count: 1}}}
	s1 := &fakeShard{name: "s1", fatal: true}
	f, err := New([]docstore.ShardReader{s0, s1}, Options{})
	require.NoError(t, err)

	got, err := f.Counts(context.Background())
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "shard s1")
}

func TestCanceledContext(t *testing.T) {
	s := &fakeShard{name: "s0"}
	f, err := New([]docstore.ShardReader{s}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Facts(ctx, "aaaaaaaaaaa")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.reads)
}

func TestPaginationNeverSkipsOrRepeats(t *testing.T) {
	const b = model.Block("aaaaaaaaaaa")
	for _, size := range []int{1, 2, 3, 5, 8, 13, 100} {
		s := &fakeShard{name: "s0", facts: map[model.Block][]model.AdjacencyFact{b: factsFor(b, 37, "n")}}
		f, err := New([]docstore.ShardReader{s}, Options{PageSize: size})
		require.NoError(t, err)
		got, err := f.Facts(context.Background(), b)
		require.NoError(t, err)

		names := make([]string, len(got))
		for i, fact := range got {
			names[i] = string(fact.Neighbor)
		}
		seen := map[string]bool{}
		for _, n := range names {
			require.False(t, seen[n], "page size %d repeated %s", size, n)
			seen[n] = true
		}
		assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
			ni, _ := strconv.Atoi(string(got[i].Neighbor[1:]))
			nj, _ := strconv.Atoi(string(got[j].Neighbor[1:]))
			return ni < nj
		}), "page size %d", size)
		assert.Len(t, got, 37, "page size %d", size)
	}
}
