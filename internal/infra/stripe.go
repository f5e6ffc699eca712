package infra

import (
	"hash/fnv"
	"sync"
)

// StripedMutex is a fixed set of mutexes indexed by key hash. It gives
// session-keyed critical sections without a global lock and without
// per-session lock lifecycle management.
type StripedMutex struct {
	stripes []sync.Mutex
}

// NewStripedMutex creates a striped mutex with n stripes (rounded up to a
// power of two, minimum 16).
func NewStripedMutex(n int) *StripedMutex {
	size := 16
	for size < n {
		size <<= 1
	}
	return &StripedMutex{stripes: make([]sync.Mutex, size)}
}

// Lock acquires the stripe owning key.
func (s *StripedMutex) Lock(key string) {
	s.stripes[s.Index(key)].Lock()
}

// Unlock releases the stripe owning key.
func (s *StripedMutex) Unlock(key string) {
	s.stripes[s.Index(key)].Unlock()
}

// Count returns the number of stripes.
func (s *StripedMutex) Count() int { return len(s.stripes) }

// Index returns the stripe index owning key, letting callers shard their own
// state alongside the locks.
func (s *StripedMutex) Index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) & (len(s.stripes) - 1)
}

// LockIndex acquires stripe i. Callers taking several stripes must acquire
// them in ascending index order.
func (s *StripedMutex) LockIndex(i int) { s.stripes[i].Lock() }

// UnlockIndex releases stripe i.
func (s *StripedMutex) UnlockIndex(i int) { s.stripes[i].Unlock() }
