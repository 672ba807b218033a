package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"voxcache/internal/loader"
	"voxcache/internal/session"
)

var (
	ErrKeyOutOfRange = errors.New("cache key out of range")
	ErrClosed        = errors.New("cache closed")
)

// Outcome tells the caller of LoadOrFetch where the returned cell came from.
// Failed is returned together with every non-nil error.
type Outcome int

const (
	Failed Outcome = iota
	Hit
	Fetched
	DeadlineFallback
)

func (o Outcome) String() string {
	switch o {
	case Failed:
		return "failed"
	case Hit:
		return "hit"
	case Fetched:
		return "fetched"
	case DeadlineFallback:
		return "placeholder"
	default:
		return "unknown"
	}
}

// Options tune the cache. Zero values select the defaults.
type Options struct {
	// Mode is one of ModeMemory (default), ModeWeak or ModeDisabled.
	Mode string
	// RetainedBytes bounds the payload bytes kept strongly reachable.
	// 0 means bounded by RetainedEntries only.
	RetainedBytes int64
	// RetainedEntries bounds the number of cells kept strongly reachable.
	RetainedEntries int
	// MaxConcurrentLoads caps concurrent loader calls. 0 means unlimited.
	MaxConcurrentLoads int64
	// SweepInterval is how often dead index entries are reaped.
	SweepInterval time.Duration
	// PromoteBuffer is the size of the lossy hit-promotion queue.
	PromoteBuffer int
	Recorder      Recorder
	Logger        *zap.Logger
}

const (
	defaultRetainedEntries = 1 << 16
	defaultSweepInterval   = 10 * time.Second
	defaultPromoteBuffer   = 1024
)

type promotion struct {
	key  Key
	cell *Cell
}

// Cache is the process-wide cell cache shared by all render sessions.
//
// GetIfCached never blocks. LoadOrFetch blocks only on the load of its own
// key: concurrent requests for one key share a single loader call, requests
// for different keys load in parallel.
type Cache struct {
	keys     KeySpace
	loader   loader.ArrayLoader
	logger   *zap.Logger
	recorder Recorder
	disabled bool

	index    sync.Map // Key -> *entry
	retained retention
	flights  singleflight.Group
	loads    *semaphore.Weighted

	promotions chan promotion
	done       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
	wg         sync.WaitGroup

	backgroundOnce sync.Once
	background     *session.Stats

	hits         atomic.Int64
	misses       atomic.Int64
	fetched      atomic.Int64
	placeholders atomic.Int64
	loadErrors   atomic.Int64
}

// New creates a cache over l for keys within ks and starts its background
// worker. Call Close to stop it.
func New(l loader.ArrayLoader, ks KeySpace, opts Options) (*Cache, error) {
	if l == nil {
		return nil, errors.New("cache requires an array loader")
	}
	if ks.NumTimepoints <= 0 || ks.NumSetups <= 0 || ks.MaxLevels <= 0 {
		return nil, fmt.Errorf("invalid key space: %+v", ks)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.RetainedEntries <= 0 {
		opts.RetainedEntries = defaultRetainedEntries
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.PromoteBuffer <= 0 {
		opts.PromoteBuffer = defaultPromoteBuffer
	}

	c := &Cache{
		keys:       ks,
		loader:     l,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		disabled:   opts.Mode == ModeDisabled,
		promotions: make(chan promotion, opts.PromoteBuffer),
		done:       make(chan struct{}),
	}

	retained, err := newRetention(opts, c.onEvict, opts.Logger)
	if err != nil {
		return nil, err
	}
	c.retained = retained

	if opts.MaxConcurrentLoads > 0 {
		c.loads = semaphore.NewWeighted(opts.MaxConcurrentLoads)
	}

	c.wg.Add(1)
	go c.run(opts.SweepInterval)

	return c, nil
}

func (c *Cache) KeySpace() KeySpace {
	return c.keys
}

// Key is shorthand for c.KeySpace().Key.
func (c *Cache) Key(timepoint, setup, level, index int) Key {
	return c.keys.Key(timepoint, setup, level, index)
}

// GetIfCached returns the cell for key if it is loaded and still alive.
// It performs no I/O and takes no locks.
func (c *Cache) GetIfCached(key Key) (*Cell, bool) {
	v, ok := c.index.Load(key)
	if !ok {
		return nil, false
	}

	e := v.(*entry)
	cell := e.cell()
	if cell == nil {
		c.index.CompareAndDelete(key, e)
		return nil, false
	}

	c.promote(key, cell)
	return cell, true
}

// LoadOrFetch returns the cell for key, loading it if needed.
//
// If stats is nil the cache's background session is used. When the
// session's I/O deadline has already been exceeded, a placeholder cell of
// the same shape is returned without contacting the loader and without
// caching it; the session's deadline callback fires the first time this
// happens. Loader errors are returned wrapped and nothing is cached.
func (c *Cache) LoadOrFetch(ctx context.Context, key Key, dims []int, min []int64, stats *session.Stats) (*Cell, Outcome, error) {
	if !c.keys.Contains(key) {
		return nil, Failed, fmt.Errorf("%w: %s", ErrKeyOutOfRange, key)
	}
	if c.closed.Load() {
		return nil, Failed, ErrClosed
	}
	if stats == nil {
		stats = c.backgroundSession()
	}

	if cell, ok := c.GetIfCached(key); ok {
		c.recordHit(stats)
		return cell, Hit, nil
	}

	c.misses.Add(1)
	c.recorder.OnMiss()

	if stats.DeadlineExceeded() {
		stats.FireDeadlineCallbackOnce()
		stats.RecordPlaceholder()
		c.placeholders.Add(1)
		c.recorder.OnPlaceholder()
		c.logger.Debug("I/O deadline exceeded, serving placeholder",
			zap.String("session", stats.ID()),
			zap.Stringer("key", key),
			zap.Duration("io_time", stats.IoTime()),
		)
		return newCell(dims, min, c.loader.EmptyArray(dims), true), DeadlineFallback, nil
	}

	for {
		cell, fetched, err := c.join(ctx, key, dims, min, stats)
		if err != nil {
			// A flight started by another caller may have been cut short by
			// that caller's context. Ours is still live, so try again.
			if !fetched && ctx.Err() == nil && isContextError(err) {
				continue
			}
			return nil, Failed, err
		}
		if !fetched {
			c.recordHit(stats)
			return cell, Hit, nil
		}
		return cell, Fetched, nil
	}
}

// join waits for the flight loading key, starting one if needed. fetched
// reports whether this call's flight ran the loader.
//
// The flight ignores ctx cancellation. Each caller stops waiting on its own
// ctx and the load runs to completion.
func (c *Cache) join(ctx context.Context, key Key, dims []int, min []int64, stats *session.Stats) (*Cell, bool, error) {
	var fetched atomic.Bool
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(strconv.FormatUint(key.Composite(), 10), func() (any, error) {
		// Another flight may have completed between our lookup and this one.
		if cell, ok := c.GetIfCached(key); ok {
			return cell, nil
		}
		fetched.Store(true)
		return c.fetch(flightCtx, key, dims, min, stats)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fetched.Load(), res.Err
		}
		return res.Val.(*Cell), fetched.Load(), nil
	case <-ctx.Done():
		return nil, false, fmt.Errorf("waiting for cell %s: %w", key, ctx.Err())
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) fetch(ctx context.Context, key Key, dims []int, min []int64, stats *session.Stats) (*Cell, error) {
	if c.loads != nil {
		if err := c.loads.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire load slot for %s: %w", key, err)
		}
		defer c.loads.Release(1)
	}

	start := time.Now()
	data, err := c.loader.LoadArray(ctx, key.Timepoint(), key.Setup(), key.Level(), dims, min)
	elapsed := time.Since(start)
	stats.Accumulate(elapsed)

	if err != nil {
		c.loadErrors.Add(1)
		c.recorder.OnFetch(elapsed, 0, err)
		c.logger.Warn("Failed to load cell",
			zap.String("session", stats.ID()),
			zap.Stringer("key", key),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to load cell %s: %w", key, err)
	}

	cell := newCell(dims, min, data, false)
	c.store(key, cell)

	bytes := loader.PayloadSize(c.loader, dims)
	stats.AddBytes(bytes)
	stats.RecordFetched()
	c.fetched.Add(1)
	c.recorder.OnFetch(elapsed, bytes, nil)

	c.logger.Debug("Loaded cell",
		zap.String("session", stats.ID()),
		zap.Stringer("key", key),
		zap.Int64("bytes", bytes),
		zap.Duration("elapsed", elapsed),
	)

	return cell, nil
}

func (c *Cache) store(key Key, cell *Cell) {
	if c.disabled {
		return
	}
	c.index.Store(key, newEntry(cell))
	c.retained.Retain(key, cell)
	c.recorder.OnRetained(c.retained.Bytes(), c.retained.Len())
}

func (c *Cache) recordHit(stats *session.Stats) {
	stats.RecordHit()
	c.hits.Add(1)
	c.recorder.OnHit()
}

// promote queues a recency update for the background worker. Promotions
// are dropped when the queue is full.
func (c *Cache) promote(key Key, cell *Cell) {
	select {
	case c.promotions <- promotion{key: key, cell: cell}:
	default:
	}
}

func (c *Cache) onEvict(key Key, bytes int64) {
	c.recorder.OnEvict(bytes)
}

func (c *Cache) backgroundSession() *session.Stats {
	c.backgroundOnce.Do(func() {
		c.background = session.New()
	})
	return c.background
}

// BackgroundSession returns the session charged for loads made without one.
func (c *Cache) BackgroundSession() *session.Stats {
	return c.backgroundSession()
}

func (c *Cache) run(sweepInterval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case p := <-c.promotions:
			c.touch(p)
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("Swept reclaimed cells", zap.Int("removed", removed))
			}
		}
	}
}

// touch applies a queued recency update unless the key was invalidated or
// reloaded since the hit.
func (c *Cache) touch(p promotion) {
	v, ok := c.index.Load(p.key)
	if !ok || v.(*entry).cell() != p.cell {
		return
	}
	c.retained.Touch(p.key, p.cell)
}

// Sweep removes index entries whose cells have been reclaimed and returns
// how many were removed.
func (c *Cache) Sweep() int {
	removed := 0
	c.index.Range(func(k, v any) bool {
		if v.(*entry).cell() == nil && c.index.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	c.recorder.OnSweep(removed)
	return removed
}

// Invalidate drops every cell whose key matches pred. Cells already handed
// out stay valid for their holders.
func (c *Cache) Invalidate(pred func(Key) bool) int {
	n := 0
	c.index.Range(func(k, v any) bool {
		key := k.(Key)
		if pred(key) {
			c.index.Delete(key)
			c.retained.Remove(key)
			n++
		}
		return true
	})
	return n
}

// Purge drops all cells.
func (c *Cache) Purge() {
	c.index.Clear()
	c.retained.Purge()
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Fetched         int64 `json:"fetched"`
	Placeholders    int64 `json:"placeholders"`
	LoadErrors      int64 `json:"load_errors"`
	IndexedEntries  int   `json:"indexed_entries"`
	RetainedEntries int   `json:"retained_entries"`
	RetainedBytes   int64 `json:"retained_bytes"`
}

func (c *Cache) Stats() Stats {
	indexed := 0
	c.index.Range(func(_, _ any) bool {
		indexed++
		return true
	})

	return Stats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Fetched:         c.fetched.Load(),
		Placeholders:    c.placeholders.Load(),
		LoadErrors:      c.loadErrors.Load(),
		IndexedEntries:  indexed,
		RetainedEntries: c.retained.Len(),
		RetainedBytes:   c.retained.Bytes(),
	}
}

// Close stops the background worker. Lookups keep working; loads fail with
// ErrClosed.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.wg.Wait()
	})
	return nil
}
