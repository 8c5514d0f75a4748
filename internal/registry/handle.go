package registry

import (
	"context"
	"sync"
	"time"
)

// #region source

// Source is anything that can serve a committed registry snapshot.
// A local Registry satisfies it directly; a remote registry client
// would satisfy it over the wire.
type Source interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// Fetch lets a local Registry act as a Source.
func (r *Registry) Fetch(ctx context.Context) (*Snapshot, error) {
	return r.Current(), nil
}

// #endregion source

// #region handle

// HandleConfig tunes snapshot caching for one consumer.
type HandleConfig struct {
	TTL          time.Duration // how long a fetched snapshot stays fresh
	FetchTimeout time.Duration // bound on a single Fetch before degrading
}

// DefaultHandleConfig returns the standard cache tuning.
func DefaultHandleConfig() HandleConfig {
	return HandleConfig{
		TTL:          30 * time.Second,
		FetchTimeout: 2 * time.Second,
	}
}

// Handle is a consumer-side view of the registry with bounded-TTL
// caching. When the source is unreachable it serves the last cached
// snapshot and reports degraded instead of blocking the caller.
type Handle struct {
	source Source
	config HandleConfig

	mu        sync.Mutex
	cached    *Snapshot
	fetchedAt time.Time
}

// NewHandle wraps a source with the given cache tuning.
func NewHandle(source Source, config HandleConfig) *Handle {
	return &Handle{source: source, config: config}
}

// Snapshot returns the freshest snapshot available within the fetch
// timeout. degraded is true when the source could not be reached and
// the returned snapshot is stale (or nil, if none was ever fetched).
func (h *Handle) Snapshot(ctx context.Context) (snap *Snapshot, degraded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cached != nil && time.Since(h.fetchedAt) < h.config.TTL {
		return h.cached, false
	}

	fetchCtx, cancel := context.WithTimeout(ctx, h.config.FetchTimeout)
	defer cancel()

	fresh, err := h.source.Fetch(fetchCtx)
	if err != nil || fresh == nil {
		return h.cached, true
	}
	h.cached = fresh
	h.fetchedAt = time.Now()
	return h.cached, false
}

// Invalidate drops the cached snapshot so the next call re-fetches.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	h.cached = nil
	h.mu.Unlock()
}

// #endregion handle
