// Package aggregate folds credential records into block counts and adjacency
// facts.
//
// An Aggregator is single-owner state: one goroutine feeds it records. Batches
// produced by several aggregators (one per shard or per worker) are combined
// with Merge on the orchestrating goroutine. Both sums and hint-list
// concatenation are commutative, so merge order does not change counts.
package aggregate

import (
	"github.com/abelbrown/blockgraph/internal/block"
	"github.com/abelbrown/blockgraph/internal/model"
)

// DefaultMinSupport is the minimum occurrence count a block needs to survive
// pruning.
const DefaultMinSupport = 2

// Batch is the output of one aggregation pass.
type Batch struct {
	Counts map[model.Block]int
	Facts  []model.AdjacencyFact
}

// Stats describes what an Aggregator has seen.
type Stats struct {
	Records int // records offered
	Used    int // records that produced at least one block
	Blocks  int // distinct blocks
	Facts   int // distinct pair keys
}

// Aggregator accumulates block counts and per-pair hint lists.
// Not safe for concurrent use.
type Aggregator struct {
	counts  map[model.Block]int
	hints   map[model.PairKey][]string
	order   []model.PairKey // first-seen order of pair keys
	records int
	used    int
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		counts: make(map[model.Block]int),
		hints:  make(map[model.PairKey][]string),
	}
}

// Add folds one record in. It returns false when the record was skipped:
// empty or bogus hint, empty password, or a password length that yields no
// blocks.
func (a *Aggregator) Add(r model.Record) bool {
	a.records++
	if !block.Usable(r) {
		return false
	}
	blocks := block.Derive(r.Password)
	switch len(blocks) {
	case 1:
		a.counts[blocks[0]]++
		a.appendHint(model.PairKey{Block: blocks[0]}, r.Hint)
	case 2:
		a.counts[blocks[0]]++
		a.counts[blocks[1]]++
		a.appendHint(model.PairKey{Block: blocks[0], Neighbor: blocks[1]}, r.Hint)
		a.appendHint(model.PairKey{Block: blocks[1], Neighbor: blocks[0], Reversed: true}, r.Hint)
	default:
		return false
	}
	a.used++
	return true
}

// AddAll folds every record in and returns how many contributed.
func (a *Aggregator) AddAll(records []model.Record) int {
	n := 0
	for _, r := range records {
		if a.Add(r) {
			n++
		}
	}
	return n
}

func (a *Aggregator) appendHint(k model.PairKey, hint string) {
	if _, ok := a.hints[k]; !ok {
		a.order = append(a.order, k)
	}
	a.hints[k] = append(a.hints[k], hint)
}

// Merge folds other into a. other is not modified.
func (a *Aggregator) Merge(other *Aggregator) {
	for b, c := range other.counts {
		a.counts[b] += c
	}
	for _, k := range other.order {
		if _, ok := a.hints[k]; !ok {
			a.order = append(a.order, k)
		}
		a.hints[k] = append(a.hints[k], other.hints[k]...)
	}
	a.records += other.records
	a.used += other.used
}

// Counts returns a copy of the block counts.
func (a *Aggregator) Counts() map[model.Block]int {
	out := make(map[model.Block]int, len(a.counts))
	for b, c := range a.counts {
		out[b] = c
	}
	return out
}

// Facts returns the accumulated facts in first-seen key order.
func (a *Aggregator) Facts() []model.AdjacencyFact {
	out := make([]model.AdjacencyFact, 0, len(a.order))
	for _, k := range a.order {
		hints := make([]string, len(a.hints[k]))
		copy(hints, a.hints[k])
		out = append(out, model.AdjacencyFact{
			Block:    k.Block,
			Neighbor: k.Neighbor,
			Reversed: k.Reversed,
			Hints:    hints,
		})
	}
	return out
}

// Stats returns counters for progress reporting.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Records: a.records,
		Used:    a.used,
		Blocks:  len(a.counts),
		Facts:   len(a.order),
	}
}

// Batch returns the aggregated output. When minSupport > 0 the counts are
// pruned first; facts are never pruned here, since blocks without an
// identifier are dropped when documents are built.
func (a *Aggregator) Batch(minSupport int) Batch {
	counts := a.Counts()
	if minSupport > 0 {
		counts = Prune(counts, minSupport)
	}
	return Batch{Counts: counts, Facts: a.Facts()}
}

// Reset clears all state so the Aggregator can take the next batch.
func (a *Aggregator) Reset() {
	a.counts = make(map[model.Block]int)
	a.hints = make(map[model.PairKey][]string)
	a.order = nil
	a.records = 0
	a.used = 0
}

// Prune returns the entries of counts with count >= min.
func Prune(counts map[model.Block]int, min int) map[model.Block]int {
	out := make(map[model.Block]int, len(counts))
	for b, c := range counts {
		if c >= min {
			out[b] = c
		}
	}
	return out
}

// MergeCounts sums src into dst.
func MergeCounts(dst, src map[model.Block]int) {
	for b, c := range src {
		dst[b] += c
	}
}
