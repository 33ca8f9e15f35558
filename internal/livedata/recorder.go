package livedata

// Recorder receives operational counters from views and the engagement
// counter. internal/metrics provides the Prometheus implementation.
type Recorder interface {
	CacheLoad(view string, hit bool)
	CacheWriteFailed(key string)
	SnapshotApplied(view string, items int)
	Render(view string, skipped bool)
	SubscriptionError(view string)
	Adjustment(collection string, delta int, err error)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) CacheLoad(string, bool)        {}
func (NoopRecorder) CacheWriteFailed(string)       {}
func (NoopRecorder) SnapshotApplied(string, int)   {}
func (NoopRecorder) Render(string, bool)           {}
func (NoopRecorder) SubscriptionError(string)      {}
func (NoopRecorder) Adjustment(string, int, error) {}
