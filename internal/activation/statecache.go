package activation

import (
	"context"
	"log/slog"
	"sync"

	"lmsbridge/internal/infrastructure"
	"lmsbridge/internal/store"
)

// StateCache is the process-wide cached activation snapshot. The flag is
// computed lazily from the deployment record and must be explicitly
// invalidated by every state-changing operation; a stale read here is the
// primary correctness risk of the whole bridge.
type StateCache struct {
	repo *store.DeploymentRepo

	mu        sync.RWMutex
	loaded    bool
	activated bool
	epoch     int64
}

// NewStateCache creates a StateCache backed by the deployment repo.
func NewStateCache(repo *store.DeploymentRepo) *StateCache {
	return &StateCache{repo: repo}
}

// Snapshot returns the cached activation flag and activation epoch,
// loading them from the store on first use. On a load failure the bridge
// reports not-activated, which only suppresses event capture until the
// next successful read.
func (c *StateCache) Snapshot(ctx context.Context) (bool, int64) {
	c.mu.RLock()
	if c.loaded {
		activated, epoch := c.activated, c.epoch
		c.mu.RUnlock()
		return activated, epoch
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.activated, c.epoch
	}

	d, err := c.repo.Get(ctx)
	if err != nil {
		infrastructure.LoggerWithContext(ctx).Error("failed to load activation state",
			slog.String("action", "state_cache_load"),
			slog.String("error", err.Error()),
		)
		return false, 0
	}

	c.loaded = true
	c.activated = d.Activated
	c.epoch = d.ActivationEpoch
	return c.activated, c.epoch
}

// Invalidate drops the cached snapshot. Must be called after every
// activate, deactivate, or status-check transition.
func (c *StateCache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}
