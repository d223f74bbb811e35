// Package split turns one block's merged adjacency facts into its output
// documents: a Summary, one RelatedBlock per neighbor ranked by strength, and
// a HintDetail for every hint map that had to be truncated.
//
// Split does no I/O and is deterministic: identical input yields identical
// documents, so re-runs rewrite the same bytes.
package split

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/abelbrown/blockgraph/internal/model"
)

// DefaultHintCap is the most distinct hints embedded in a document.
const DefaultHintCap = 30

// Lookup resolves a neighbor block to its identifier. ident.Assigner
// satisfies it.
type Lookup interface {
	Lookup(b model.Block) (model.BlockID, bool)
}

// Input is one block's merged view.
type Input struct {
	ID    model.BlockID
	Count int // total occurrences; 0 derives it from the facts
	Facts []model.AdjacencyFact
}

// Result holds the documents for one block.
type Result struct {
	Summary model.Summary
	Related []model.RelatedBlock
	Details []model.HintDetail
	Dropped int // facts whose neighbor has no identifier
}

// Documents flattens r: the summary, the related blocks in rank order, then
// the hint details.
func (r Result) Documents() []model.Document {
	docs := make([]model.Document, 0, 1+len(r.Related)+len(r.Details))
	docs = append(docs, model.SummaryDoc(r.Summary))
	for _, rb := range r.Related {
		docs = append(docs, model.RelatedDoc(rb))
	}
	for _, d := range r.Details {
		docs = append(docs, model.DetailDoc(d))
	}
	return docs
}

type neighborKey struct {
	id        model.BlockID
	preceding bool
}

type neighbor struct {
	key   neighborKey
	hints []string
}

// Split builds the documents for in. hintCap <= 0 uses DefaultHintCap.
func Split(in Input, ids Lookup, hintCap int) Result {
	if hintCap <= 0 {
		hintCap = DefaultHintCap
	}
	var res Result
	var solo []string
	var neighbors []*neighbor
	index := make(map[neighborKey]*neighbor)
	total := 0

	for _, f := range in.Facts {
		total += len(f.Hints)
		if f.Neighbor == "" {
			solo = append(solo, f.Hints...)
			continue
		}
		nid, ok := ids.Lookup(f.Neighbor)
		if !ok {
			res.Dropped++
			continue
		}
		k := neighborKey{id: nid, preceding: f.Reversed}
		n, ok := index[k]
		if !ok {
			n = &neighbor{key: k}
			index[k] = n
			neighbors = append(neighbors, n)
		}
		n.hints = append(n.hints, f.Hints...)
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return len(neighbors[i].hints) > len(neighbors[j].hints)
	})

	sid := in.ID.String()
	s := model.Summary{ID: sid, Count: in.Count, SoloHintCount: len(solo)}
	if s.Count == 0 {
		s.Count = total
	}
	full := Reduce(solo)
	s.HintMap, s.HintsRedacted, s.HintsRedactedUnique = Truncate(full, hintCap)
	if len(full) > hintCap {
		res.Details = append(res.Details, model.HintDetail{ID: sid, HintMap: full})
	}

	width := len(strconv.Itoa(len(neighbors)))
	for rank, n := range neighbors {
		if n.key.preceding {
			s.PrecedingBlockCount++
			s.PrecedingHintCount += len(n.hints)
		} else {
			s.FollowingBlockCount++
			s.FollowingHintCount += len(n.hints)
		}
		rb := model.RelatedBlock{
			ID:        RankID(sid, rank, width),
			Preceding: n.key.preceding,
			Block:     n.key.id,
			Count:     len(n.hints),
		}
		nfull := Reduce(n.hints)
		rb.HintMap, rb.HintsRedacted, rb.HintsRedactedUnique = Truncate(nfull, hintCap)
		if len(nfull) > hintCap {
			res.Details = append(res.Details, model.HintDetail{ID: rb.ID, HintMap: nfull})
		}
		res.Related = append(res.Related, rb)
	}
	res.Summary = s
	return res
}

// RankID composes a related-block id. Ranks are zero-padded to width so ids
// of one block sort by rank.
func RankID(summaryID string, rank, width int) string {
	return fmt.Sprintf("%s~%0*d", summaryID, width, rank)
}

// Reduce counts each distinct hint. The result is never nil.
func Reduce(hints []string) model.HintMap {
	m := make(model.HintMap, len(hints))
	for _, h := range hints {
		m[h]++
	}
	return m
}

// Ranked returns the hints of m ordered by count descending, then hint text
// ascending. Count buckets are sorted ascending and walked in reverse.
func Ranked(m model.HintMap) []string {
	buckets := make(map[int][]string)
	for h, c := range m {
		buckets[c] = append(buckets[c], h)
	}
	counts := make([]int, 0, len(buckets))
	for c := range buckets {
		counts = append(counts, c)
	}
	sort.Ints(counts)

	out := make([]string, 0, len(m))
	for i := len(counts) - 1; i >= 0; i-- {
		hints := buckets[counts[i]]
		sort.Strings(hints)
		out = append(out, hints...)
	}
	return out
}

// Truncate keeps the top hintCap hints of m and reports the omitted
// occurrences and omitted distinct hints. When m fits, a copy of m is
// returned with zero counters.
func Truncate(m model.HintMap, hintCap int) (kept model.HintMap, redacted, redactedUnique int) {
	if len(m) <= hintCap {
		return m.Clone(), 0, 0
	}
	kept = make(model.HintMap, hintCap)
	for i, h := range Ranked(m) {
		if i < hintCap {
			kept[h] = m[h]
			continue
		}
		redacted += m[h]
		redactedUnique++
	}
	return kept, redacted, redactedUnique
}
