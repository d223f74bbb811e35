// Package sampling picks which destination replica receives each bulk chunk.
// Correctness never depends on the choice; the selectors only spread load.
package sampling

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Strategy names a selector.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
)

// Selector returns the index of the replica for the next chunk, in [0, n).
// Implementations are safe for concurrent use.
type Selector interface {
	Next(n int) int
}

// New returns the selector for strategy. An empty strategy is round-robin.
func New(strategy Strategy, seed int64) (Selector, error) {
	switch strategy {
	case RoundRobin, "":
		return NewRoundRobinSelector(), nil
	case Random:
		return NewRandomSelector(seed), nil
	}
	return nil, fmt.Errorf("sampling: unknown strategy %q", strategy)
}

// RoundRobinSelector hands out replicas in rotation so every replica receives
// an equal share of chunks regardless of chunk timing.
type RoundRobinSelector struct {
	next atomic.Uint64
}

// NewRoundRobinSelector creates a new round-robin selector
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

// Next returns the next replica in rotation.
func (s *RoundRobinSelector) Next(n int) int {
	if n <= 1 {
		return 0
	}
	return int((s.next.Add(1) - 1) % uint64(n))
}

// RandomSelector picks replicas uniformly at random.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector creates a random selector. A fixed seed gives a
// repeatable sequence.
func NewRandomSelector(seed int64) *RandomSelector {
	return &RandomSelector{rng: rand.New(rand.NewSource(seed))}
}

// Next returns a random replica.
func (s *RandomSelector) Next(n int) int {
	if n <= 1 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
