package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stats holds the I/O accounting of one logical unit of concurrent work,
// typically one render pass or one HTTP request.
//
// Accumulated time and bytes only ever grow. A deadline, once set, makes
// DeadlineExceeded report true as soon as the accumulated I/O time passes
// it; the cache then stops starting new fetches for this session.
type Stats struct {
	id string

	ioNanos atomic.Int64
	ioBytes atomic.Int64

	fetched      atomic.Int64
	placeholders atomic.Int64
	hits         atomic.Int64

	mu          sync.Mutex
	deadlineSet bool
	deadline    time.Duration
	callback    func()
}

func New() *Stats {
	return &Stats{id: uuid.New().String()}
}

func (s *Stats) ID() string {
	return s.id
}

// Accumulate adds d to the session's I/O time. Negative durations are ignored.
func (s *Stats) Accumulate(d time.Duration) {
	if d <= 0 {
		return
	}
	s.ioNanos.Add(int64(d))
}

func (s *Stats) AddBytes(n int64) {
	if n <= 0 {
		return
	}
	s.ioBytes.Add(n)
}

func (s *Stats) IoTime() time.Duration {
	return time.Duration(s.ioNanos.Load())
}

func (s *Stats) IoBytes() int64 {
	return s.ioBytes.Load()
}

// SetDeadline replaces any prior deadline and callback. The callback fires
// at most once, the first time a load finds the deadline exceeded.
func (s *Stats) SetDeadline(d time.Duration, callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadlineSet = true
	s.deadline = d
	s.callback = callback
}

// ClearDeadline disables the deadline check without invoking the callback.
func (s *Stats) ClearDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadlineSet = false
}

func (s *Stats) DeadlineExceeded() bool {
	s.mu.Lock()
	set, deadline := s.deadlineSet, s.deadline
	s.mu.Unlock()

	return set && s.IoTime() > deadline
}

// FireDeadlineCallbackOnce runs the pending callback, if any, and clears it.
// Concurrent callers race for the callback; exactly one of them runs it.
func (s *Stats) FireDeadlineCallbackOnce() {
	s.mu.Lock()
	cb := s.callback
	s.callback = nil
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Counters is a snapshot of the per-outcome load counts of a session.
type Counters struct {
	Fetched      int64
	Placeholders int64
	Hits         int64
}

func (s *Stats) RecordFetched()     { s.fetched.Add(1) }
func (s *Stats) RecordPlaceholder() { s.placeholders.Add(1) }
func (s *Stats) RecordHit()         { s.hits.Add(1) }

func (s *Stats) Counters() Counters {
	return Counters{
		Fetched:      s.fetched.Load(),
		Placeholders: s.placeholders.Load(),
		Hits:         s.hits.Load(),
	}
}

type ctxKey struct{}

// WithStats returns a copy of ctx carrying s.
func WithStats(ctx context.Context, s *Stats) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session carried by ctx, or nil.
func FromContext(ctx context.Context) *Stats {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ctxKey{}).(*Stats)
	return s
}
