package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryRetention keeps recently used cells strongly reachable in an LRU
// bounded by entry count and, if maxBytes > 0, by payload bytes.
type memoryRetention struct {
	mu       sync.Mutex
	maxBytes int64
	bytes    atomic.Int64
	items    *lru.Cache[Key, *Cell]
	onEvict  func(key Key, bytes int64)
}

func newMemoryRetention(maxEntries int, maxBytes int64, onEvict func(Key, int64)) (*memoryRetention, error) {
	r := &memoryRetention{
		maxBytes: maxBytes,
		onEvict:  onEvict,
	}

	items, err := lru.NewWithEvict[Key, *Cell](maxEntries, r.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create retention lru: %w", err)
	}
	r.items = items

	return r, nil
}

func (r *memoryRetention) evicted(key Key, cell *Cell) {
	size := cell.Size()
	r.bytes.Add(-size)
	if r.onEvict != nil {
		r.onEvict(key, size)
	}
}

func (r *memoryRetention) Retain(key Key, cell *Cell) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.items.Get(key); ok {
		if cur == cell {
			return
		}
		// A reload replaces whatever was retained for the key.
		r.items.Remove(key)
	}

	size := cell.Size()
	// Cells larger than the whole budget are only weakly indexed.
	if r.maxBytes > 0 && size > r.maxBytes {
		return
	}

	r.bytes.Add(size)
	r.items.Add(key, cell)

	for r.maxBytes > 0 && r.bytes.Load() > r.maxBytes {
		if _, _, ok := r.items.RemoveOldest(); !ok {
			break
		}
	}
}

// Touch marks key as recently used, re-admitting cell if it had been
// evicted while a consumer kept it alive.
func (r *memoryRetention) Touch(key Key, cell *Cell) {
	if _, ok := r.items.Get(key); ok {
		return
	}
	r.Retain(key, cell)
}

func (r *memoryRetention) Remove(key Key) {
	r.items.Remove(key)
}

func (r *memoryRetention) Purge() {
	r.items.Purge()
}

func (r *memoryRetention) Len() int {
	return r.items.Len()
}

func (r *memoryRetention) Bytes() int64 {
	return r.bytes.Load()
}
