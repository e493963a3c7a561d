// Package keymutex provides a striped mutex keyed by string. The store uses
// it to serialize memory sync operations per (conversation, client) pair so
// concurrent syncs cannot mint duplicate epochs.
package keymutex

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 256

// KeyMutex is a fixed set of mutex stripes; keys hash to a stripe. Two
// different keys may share a stripe, which only costs extra contention.
type KeyMutex struct {
	stripes []sync.Mutex
}

// New returns a KeyMutex with the given stripe count (minimum 1).
func New(stripes int) *KeyMutex {
	if stripes < 1 {
		stripes = defaultStripes
	}
	return &KeyMutex{stripes: make([]sync.Mutex, stripes)}
}

// Lock locks the stripe for key and returns its unlock function.
func (m *KeyMutex) Lock(key string) func() {
	mu := &m.stripes[m.stripe(key)]
	mu.Lock()
	return mu.Unlock
}

func (m *KeyMutex) stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.stripes))
}
