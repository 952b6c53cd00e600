// Package keylock provides striped per-key mutexes.
package keylock

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// DefaultStripes is the stripe count used when New receives a non-positive value.
const DefaultStripes = 64

// Striped serializes work per key using a fixed pool of mutexes.
//
// Keys hash onto stripes with xxh3, so two keys may share a stripe. Holders
// must not take a second stripe while holding one.
type Striped struct {
	stripes []sync.Mutex
}

// New creates a Striped lock with n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}

	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe owning key and returns its unlock function.
//
// Example:
//
//	unlock := locks.Lock(operatorID)
//	defer unlock()
func (s *Striped) Lock(key string) func() {
	mu := &s.stripes[s.index(key)]
	mu.Lock()

	return mu.Unlock
}

func (s *Striped) index(key string) uint64 {
	return xxh3.HashString(key) % uint64(len(s.stripes))
}
