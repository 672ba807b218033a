package cache

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	ModeMemory   = "memory"
	ModeWeak     = "weak"
	ModeDisabled = "disabled"
)

// retention decides which indexed cells stay strongly reachable.
type retention interface {
	Retain(key Key, cell *Cell)
	Touch(key Key, cell *Cell)
	Remove(key Key)
	Purge()
	Len() int
	Bytes() int64
}

// newRetention creates the retention tier for the given cache mode.
func newRetention(opts Options, onEvict func(Key, int64), log *zap.Logger) (retention, error) {
	switch opts.Mode {
	case "", ModeMemory:
		log.Info("Using memory retention",
			zap.Int("max_entries", opts.RetainedEntries),
			zap.Int64("max_bytes", opts.RetainedBytes),
		)
		return newMemoryRetention(opts.RetainedEntries, opts.RetainedBytes, onEvict)
	case ModeWeak:
		log.Info("Using weak-only retention")
		return weakRetention{}, nil
	case ModeDisabled:
		log.Info("Cell cache disabled")
		return weakRetention{}, nil
	default:
		return nil, fmt.Errorf("unknown cache mode: %s (supported: memory, weak, disabled)", opts.Mode)
	}
}
