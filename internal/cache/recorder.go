package cache

import "time"

// Recorder receives cache events, e.g. to export them as metrics.
type Recorder interface {
	OnHit()
	OnMiss()
	OnFetch(d time.Duration, bytes int64, err error)
	OnPlaceholder()
	OnEvict(bytes int64)
	OnSweep(removed int)
	OnRetained(bytes int64, entries int)
}

type noopRecorder struct{}

func (noopRecorder) OnHit()                              {}
func (noopRecorder) OnMiss()                             {}
func (noopRecorder) OnFetch(time.Duration, int64, error) {}
func (noopRecorder) OnPlaceholder()                      {}
func (noopRecorder) OnEvict(int64)                       {}
func (noopRecorder) OnSweep(int)                         {}
func (noopRecorder) OnRetained(int64, int)               {}
