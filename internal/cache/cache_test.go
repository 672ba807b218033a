package cache

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxcache/internal/loader"
	"voxcache/internal/session"
)

type fakeLoader struct {
	bytesPerElement int
	delay           time.Duration
	err             error
	calls           atomic.Int64
}

func (l *fakeLoader) LoadArray(ctx context.Context, timepoint, setup, level int, dims []int, min []int64) ([]byte, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return nil, l.err
	}
	data := make([]byte, loader.PayloadSize(l, dims))
	for i := range data {
		data[i] = byte(setup + level + 1)
	}
	return data, nil
}

func (l *fakeLoader) EmptyArray(dims []int) []byte {
	return make([]byte, loader.PayloadSize(l, dims))
}

func (l *fakeLoader) BytesPerElement() int {
	return l.bytesPerElement
}

func newTestCache(t *testing.T, l loader.ArrayLoader, ks KeySpace, opts Options) *Cache {
	t.Helper()
	c, err := New(l, ks, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

var testKeys = KeySpace{NumTimepoints: 2, NumSetups: 3, MaxLevels: 4}

func TestIdempotentHit(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 2}
	c := newTestCache(t, l, testKeys, Options{})
	ctx := context.Background()
	stats := session.New()

	key := c.Key(1, 2, 3, 7)
	dims := []int{4, 4, 2}
	min := []int64{8, 4, 0}

	first, outcome, err := c.LoadOrFetch(ctx, key, dims, min, stats)
	require.NoError(t, err)
	assert.Equal(t, Fetched, outcome)

	second, outcome, err := c.LoadOrFetch(ctx, key, dims, min, stats)
	require.NoError(t, err)
	assert.Equal(t, Hit, outcome)

	assert.Same(t, first, second)
	assert.Equal(t, dims, second.Dims)
	assert.Equal(t, min, second.Min)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int64(1), l.calls.Load())
}

func TestMissThenHit(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 1}
	c := newTestCache(t, l, testKeys, Options{})
	key := c.Key(0, 1, 0, 3)

	_, ok := c.GetIfCached(key)
	assert.False(t, ok)

	loaded, err := c.Accessor(0, 1, 0).Load(context.Background(), 3, []int{2, 2}, []int64{0, 0})
	require.NoError(t, err)

	got, ok := c.GetIfCached(key)
	require.True(t, ok)
	assert.Same(t, loaded, got)
}

func TestDeadlineFallback(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 4}
	c := newTestCache(t, l, testKeys, Options{})
	ctx := context.Background()

	stats := session.New()
	stats.Accumulate(10 * time.Millisecond)
	fired := 0
	stats.SetDeadline(time.Millisecond, func() { fired++ })

	dims := []int{3, 2}
	for i := 0; i < 3; i++ {
		cell, outcome, err := c.LoadOrFetch(ctx, c.Key(0, 0, 0, i), dims, []int64{0, 0}, stats)
		require.NoError(t, err)
		assert.Equal(t, DeadlineFallback, outcome)
		assert.True(t, cell.Placeholder)
		assert.Equal(t, l.EmptyArray(dims), cell.Data)
		assert.Equal(t, dims, cell.Dims)
	}

	assert.Equal(t, int64(0), l.calls.Load(), "loader must not be contacted")
	assert.Equal(t, 1, fired)
	assert.Equal(t, int64(0), stats.IoBytes())
	assert.Equal(t, int64(3), stats.Counters().Placeholders)

	_, ok := c.GetIfCached(c.Key(0, 0, 0, 0))
	assert.False(t, ok, "placeholders are not cached")
}

func TestDeadlineDoesNotBlockHits(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 1}
	c := newTestCache(t, l, testKeys, Options{})
	ctx := context.Background()
	key := c.Key(0, 0, 0, 0)

	_, _, err := c.LoadOrFetch(ctx, key, []int{2}, []int64{0}, nil)
	require.NoError(t, err)

	stats := session.New()
	stats.Accumulate(time.Second)
	stats.SetDeadline(0, nil)

	cell, outcome, err := c.LoadOrFetch(ctx, key, []int{2}, []int64{0}, stats)
	require.NoError(t, err)
	assert.Equal(t, Hit, outcome)
	assert.False(t, cell.Placeholder)
}

func TestByteAccounting(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 3}
	c := newTestCache(t, l, testKeys, Options{})
	ctx := context.Background()
	stats := session.New()
	dims := []int{4, 5, 2}

	const n = 5
	for i := 0; i < n; i++ {
		_, _, err := c.LoadOrFetch(ctx, c.Key(1, 0, 2, i), dims, []int64{0, 0, 0}, stats)
		require.NoError(t, err)
	}
	// Hits contribute nothing.
	for i := 0; i < n; i++ {
		_, _, err := c.LoadOrFetch(ctx, c.Key(1, 0, 2, i), dims, []int64{0, 0, 0}, stats)
		require.NoError(t, err)
	}
	// Neither do placeholders.
	stats.SetDeadline(-1, nil)
	_, outcome, err := c.LoadOrFetch(ctx, c.Key(1, 0, 2, n), dims, []int64{0, 0, 0}, stats)
	require.NoError(t, err)
	require.Equal(t, DeadlineFallback, outcome)

	assert.Equal(t, int64(n*3*4*5*2), stats.IoBytes())
	assert.Equal(t, session.Counters{Fetched: n, Hits: n, Placeholders: 1}, stats.Counters())
}

func TestEndToEndSingleCell(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 4}
	c := newTestCache(t, l, KeySpace{NumTimepoints: 1, NumSetups: 1, MaxLevels: 1}, Options{})
	stats := session.New()
	ctx := session.WithStats(context.Background(), stats)
	acc := c.Accessor(0, 0, 0)

	cell, err := acc.Load(ctx, 0, []int{2, 2, 2}, []int64{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, cell.Dims)
	assert.Equal(t, int64(32), stats.IoBytes())

	again, err := acc.Load(ctx, 0, []int{2, 2, 2}, []int64{0, 0, 0})
	require.NoError(t, err)
	assert.Same(t, cell, again)
	assert.Equal(t, int64(32), stats.IoBytes())
}

func TestConcurrentLoadsCollapse(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 1, delay: 20 * time.Millisecond}
	c := newTestCache(t, l, testKeys, Options{})
	key := c.Key(0, 0, 0, 1)

	const workers = 16
	cells := make([]*Cell, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cell, _, err := c.LoadOrFetch(context.Background(), key, []int{8}, []int64{0}, nil)
			assert.NoError(t, err)
			cells[i] = cell
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), l.calls.Load())
	for _, cell := range cells {
		assert.Same(t, cells[0], cell)
	}
	assert.Equal(t, int64(8), c.BackgroundSession().IoBytes())
}

func TestUnrelatedKeysLoadConcurrently(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 1, delay: 50 * time.Millisecond}
	c := newTestCache(t, l, testKeys, Options{})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := c.LoadOrFetch(context.Background(), c.Key(0, 0, 0, i), []int{1}, []int64{0}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(8), l.calls.Load())
	assert.Less(t, time.Since(start), 8*50*time.Millisecond)
}

func TestLoaderFailureIsNotCached(t *testing.T) {
	boom := errors.New("disk on fire")
	l := &fakeLoader{bytesPerElement: 1, err: boom}
	c := newTestCache(t, l, testKeys, Options{})
	key := c.Key(0, 0, 0, 0)
	stats := session.New()

	_, _, err := c.LoadOrFetch(context.Background(), key, []int{2}, []int64{0}, stats)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	_, ok := c.GetIfCached(key)
	assert.False(t, ok)
	assert.Equal(t, int64(0), stats.IoBytes())

	l.err = nil
	_, outcome, err := c.LoadOrFetch(context.Background(), key, []int{2}, []int64{0}, stats)
	require.NoError(t, err)
	assert.Equal(t, Fetched, outcome)
	assert.Equal(t, int64(2), l.calls.Load())
	assert.Equal(t, int64(1), c.Stats().LoadErrors)
}

func TestKeyOutOfRange(t *testing.T) {
	c := newTestCache(t, &fakeLoader{bytesPerElement: 1}, testKeys, Options{})

	_, _, err := c.LoadOrFetch(context.Background(), c.Key(0, 3, 0, 0), []int{1}, []int64{0}, nil)
	assert.ErrorIs(t, err, ErrKeyOutOfRange)

	_, _, err = c.LoadOrFetch(context.Background(), c.Key(0, 0, 4, 0), []int{1}, []int64{0}, nil)
	assert.ErrorIs(t, err, ErrKeyOutOfRange)
}

func TestRetentionByteBudget(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 1}
	c := newTestCache(t, l, testKeys, Options{RetainedBytes: 20})
	ctx := context.Background()

	held, _, err := c.LoadOrFetch(ctx, c.Key(0, 0, 0, 0), []int{10}, []int64{0}, nil)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, _, err := c.LoadOrFetch(ctx, c.Key(0, 0, 0, i), []int{10}, []int64{0}, nil)
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, int64(20), stats.RetainedBytes)
	assert.Equal(t, 2, stats.RetainedEntries)
	assert.Equal(t, int64(4), stats.Fetched)

	// Evicted from the strong tier, but still indexed while we hold it.
	got, ok := c.GetIfCached(c.Key(0, 0, 0, 0))
	require.True(t, ok)
	assert.Same(t, held, got)
	runtime.KeepAlive(held)
}

func loadAndDrop(t *testing.T, c *Cache, key Key) {
	t.Helper()
	_, _, err := c.LoadOrFetch(context.Background(), key, []int{64}, []int64{0}, nil)
	require.NoError(t, err)
}

func TestWeakModeReclaimsUnheldCells(t *testing.T) {
	c := newTestCache(t, &fakeLoader{bytesPerElement: 1}, testKeys, Options{Mode: ModeWeak})
	key := c.Key(0, 0, 0, 0)

	loadAndDrop(t, c, key)
	runtime.GC()
	runtime.GC()

	assert.Equal(t, 1, c.Sweep())
	_, ok := c.GetIfCached(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().IndexedEntries)
}

func TestDisabledModeAlwaysFetches(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 1}
	c := newTestCache(t, l, testKeys, Options{Mode: ModeDisabled})
	key := c.Key(0, 0, 0, 0)

	for i := 0; i < 3; i++ {
		_, outcome, err := c.LoadOrFetch(context.Background(), key, []int{1}, []int64{0}, nil)
		require.NoError(t, err)
		assert.Equal(t, Fetched, outcome)
	}
	assert.Equal(t, int64(3), l.calls.Load())
}

func TestUnknownMode(t *testing.T) {
	_, err := New(&fakeLoader{bytesPerElement: 1}, testKeys, Options{Mode: "file"})
	assert.Error(t, err)
}

func TestInvalidateAndPurge(t *testing.T) {
	c := newTestCache(t, &fakeLoader{bytesPerElement: 1}, testKeys, Options{})
	ctx := context.Background()
	for s := 0; s < 3; s++ {
		_, _, err := c.LoadOrFetch(ctx, c.Key(0, s, 0, 0), []int{1}, []int64{0}, nil)
		require.NoError(t, err)
	}

	n := c.Invalidate(func(k Key) bool { return k.Setup() == 1 })
	assert.Equal(t, 1, n)
	_, ok := c.GetIfCached(c.Key(0, 1, 0, 0))
	assert.False(t, ok)
	_, ok = c.GetIfCached(c.Key(0, 2, 0, 0))
	assert.True(t, ok)

	c.Purge()
	assert.Equal(t, 0, c.Stats().IndexedEntries)
	assert.Equal(t, 0, c.Stats().RetainedEntries)
}

func TestClosedCacheRejectsLoads(t *testing.T) {
	c := newTestCache(t, &fakeLoader{bytesPerElement: 1}, testKeys, Options{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err := c.LoadOrFetch(context.Background(), c.Key(0, 0, 0, 0), []int{1}, []int64{0}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// blockingLoader waits for release or ctx before answering. The first call
// returns firstErr when set.
type blockingLoader struct {
	release  chan struct{}
	firstErr error
	calls    atomic.Int64
}

func (l *blockingLoader) LoadArray(ctx context.Context, _, _, _ int, dims []int, _ []int64) ([]byte, error) {
	n := l.calls.Add(1)
	select {
	case <-l.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if n == 1 && l.firstErr != nil {
		return nil, l.firstErr
	}
	return make([]byte, loader.PayloadSize(l, dims)), nil
}

func (l *blockingLoader) EmptyArray(dims []int) []byte {
	return make([]byte, loader.PayloadSize(l, dims))
}

func (l *blockingLoader) BytesPerElement() int { return 1 }

func waitForCalls(t *testing.T, l *blockingLoader, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return l.calls.Load() >= n }, time.Second, time.Millisecond)
}

func TestCancelledCallerDoesNotFailOthers(t *testing.T) {
	l := &blockingLoader{release: make(chan struct{})}
	c := newTestCache(t, l, testKeys, Options{})
	key := c.Key(0, 0, 0, 0)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.LoadOrFetch(firstCtx, key, []int{4}, []int64{0}, session.New())
		firstErr <- err
	}()
	waitForCalls(t, l, 1)

	type result struct {
		cell    *Cell
		outcome Outcome
		err     error
	}
	second := make(chan result, 1)
	go func() {
		cell, outcome, err := c.LoadOrFetch(context.Background(), key, []int{4}, []int64{0}, session.New())
		second <- result{cell, outcome, err}
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	err := <-firstErr
	assert.ErrorIs(t, err, context.Canceled)

	close(l.release)
	res := <-second
	require.NoError(t, res.err)
	assert.NotNil(t, res.cell)
	assert.Equal(t, Hit, res.outcome)
	assert.Equal(t, int64(1), l.calls.Load())

	// The abandoned load still completed and was cached.
	_, ok := c.GetIfCached(key)
	assert.True(t, ok)
}

func TestWaiterRetriesAfterSharedContextError(t *testing.T) {
	l := &blockingLoader{release: make(chan struct{}), firstErr: context.Canceled}
	c := newTestCache(t, l, testKeys, Options{})
	key := c.Key(0, 0, 0, 0)

	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.LoadOrFetch(context.Background(), key, []int{4}, []int64{0}, session.New())
		firstErr <- err
	}()
	waitForCalls(t, l, 1)

	second := make(chan error, 1)
	var outcome Outcome
	go func() {
		var err error
		_, outcome, err = c.LoadOrFetch(context.Background(), key, []int{4}, []int64{0}, session.New())
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)

	close(l.release)
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-second)
	assert.Equal(t, Fetched, outcome)
	assert.Equal(t, int64(2), l.calls.Load())
}

func TestErrorsReportFailedOutcome(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 1, err: errors.New("unreadable")}
	c := newTestCache(t, l, testKeys, Options{})

	_, outcome, err := c.LoadOrFetch(context.Background(), c.Key(0, 0, 0, 0), []int{1}, []int64{0}, nil)
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)

	_, outcome, err = c.LoadOrFetch(context.Background(), c.Key(5, 0, 0, 0), []int{1}, []int64{0}, nil)
	require.ErrorIs(t, err, ErrKeyOutOfRange)
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, "failed", outcome.String())
}

func TestStaleRecencyUpdateIsIgnored(t *testing.T) {
	l := &fakeLoader{bytesPerElement: 1}
	c := newTestCache(t, l, testKeys, Options{})
	key := c.Key(0, 1, 0, 0)
	ctx := context.Background()

	stale, _, err := c.LoadOrFetch(ctx, key, []int{4}, []int64{0}, nil)
	require.NoError(t, err)

	c.Invalidate(func(Key) bool { return true })
	c.touch(promotion{key: key, cell: stale})
	assert.Equal(t, 0, c.Stats().RetainedEntries)

	// Even if a stale cell got back into the retention tier, a reload
	// replaces it.
	c.retained.Touch(key, stale)
	fresh, outcome, err := c.LoadOrFetch(ctx, key, []int{4}, []int64{0}, nil)
	require.NoError(t, err)
	assert.Equal(t, Fetched, outcome)
	assert.NotSame(t, stale, fresh)

	held, ok := c.retained.(*memoryRetention).items.Peek(key)
	require.True(t, ok)
	assert.Same(t, fresh, held)
	assert.Equal(t, fresh.Size(), c.Stats().RetainedBytes)
}
