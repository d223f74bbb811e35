// Package model defines the data types shared by every blockgraph stage.
//
// Records and blocks are transient: they are derived fresh on every run and
// never mutated in place. Output documents are the only persisted shape and
// are described in documents.go.
package model

import "strconv"

// Record is one leaked credential entry.
type Record struct {
	AccountID string
	Username  string
	Email     string
	Password  string
	Hint      string
}

// Block is a fixed-length substring of a password. The string itself is the
// natural key until an identifier is assigned.
type Block string

// BlockID is the dense integer identifier assigned to a surviving block.
type BlockID int64

// String returns the decimal form used as a document id.
func (id BlockID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// HintMap maps hint text to occurrence count.
type HintMap map[string]int

// Total returns the summed count of all hints.
func (m HintMap) Total() int {
	total := 0
	for _, c := range m {
		total += c
	}
	return total
}

// Clone returns a copy of m. A nil map clones to an empty map.
func (m HintMap) Clone() HintMap {
	out := make(HintMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PairKey identifies an adjacency fact. Neighbor is empty for a singleton
// (one-block password); Reversed marks the mirrored copy of a forward pair.
type PairKey struct {
	Block    Block
	Neighbor Block
	Reversed bool
}

// Singleton reports whether the key has no partner block.
func (k PairKey) Singleton() bool {
	return k.Neighbor == ""
}

// AdjacencyFact records that Neighbor immediately follows Block in some
// password (or precedes it, when Reversed), carrying the owners' hints.
type AdjacencyFact struct {
	Block    Block    `json:"block" msgpack:"block"`
	Neighbor Block    `json:"neighbor" msgpack:"neighbor"`
	Reversed bool     `json:"reversed" msgpack:"reversed"`
	Hints    []string `json:"hints" msgpack:"hints"`
}

// Key returns the fact's pair key.
func (f AdjacencyFact) Key() PairKey {
	return PairKey{Block: f.Block, Neighbor: f.Neighbor, Reversed: f.Reversed}
}

// BlockCount is a block with its occurrence count.
type BlockCount struct {
	Block Block `json:"block" msgpack:"block"`
	Count int   `json:"count" msgpack:"count"`
}
