package cache

import (
	"context"

	"voxcache/internal/session"
)

// Accessor binds a (timepoint, setup, level) triple so that consumers can
// address cells by their local index alone.
type Accessor struct {
	cache     *Cache
	timepoint int
	setup     int
	level     int
}

func (c *Cache) Accessor(timepoint, setup, level int) *Accessor {
	return &Accessor{
		cache:     c,
		timepoint: timepoint,
		setup:     setup,
		level:     level,
	}
}

func (a *Accessor) key(index int) Key {
	return a.cache.keys.Key(a.timepoint, a.setup, a.level, index)
}

// Get returns the cell at index if it is cached. No I/O.
func (a *Accessor) Get(index int) (*Cell, bool) {
	return a.cache.GetIfCached(a.key(index))
}

// Load returns the cell at index, loading it on behalf of the session
// carried by ctx. The result is never nil when err is nil, but may be a
// placeholder.
func (a *Accessor) Load(ctx context.Context, index int, dims []int, min []int64) (*Cell, error) {
	cell, _, err := a.Fetch(ctx, index, dims, min)
	return cell, err
}

// Fetch is Load that also reports where the cell came from.
func (a *Accessor) Fetch(ctx context.Context, index int, dims []int, min []int64) (*Cell, Outcome, error) {
	return a.cache.LoadOrFetch(ctx, a.key(index), dims, min, session.FromContext(ctx))
}
