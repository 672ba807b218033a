package loader

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled wraps an ArrayLoader and limits the number of payload bytes it
// may read per second. Placeholders are never throttled.
type Throttled struct {
	inner   ArrayLoader
	limiter *rate.Limiter
}

// NewThrottled returns inner unchanged if bytesPerSec <= 0.
func NewThrottled(inner ArrayLoader, bytesPerSec int64) ArrayLoader {
	if bytesPerSec <= 0 {
		return inner
	}
	return &Throttled{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)),
	}
}

func (t *Throttled) LoadArray(ctx context.Context, timepoint, setup, level int, dims []int, min []int64) ([]byte, error) {
	n := int(PayloadSize(t.inner, dims))
	// WaitN rejects requests larger than the burst, so large cells wait in chunks.
	for n > 0 {
		chunk := n
		if burst := t.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return nil, fmt.Errorf("throttle wait: %w", err)
		}
		n -= chunk
	}
	return t.inner.LoadArray(ctx, timepoint, setup, level, dims, min)
}

func (t *Throttled) EmptyArray(dims []int) []byte {
	return t.inner.EmptyArray(dims)
}

func (t *Throttled) BytesPerElement() int {
	return t.inner.BytesPerElement()
}
