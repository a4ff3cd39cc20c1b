package store

import (
	"context"
	"errors"
	"log/slog"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// Tiered serves reads from the cache and falls back to durable history.
type Tiered struct {
	cache   *MemoryStore
	durable dragonpilot.ResultStore
	logger  *slog.Logger
}

var _ dragonpilot.ResultStore = (*Tiered)(nil)

// NewTiered combines a cache with an optional durable store.
func NewTiered(cache *MemoryStore, durable dragonpilot.ResultStore, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{cache: cache, durable: durable, logger: logger.With("component", "store")}
}

// Save writes to both tiers. A durable failure is returned after the cache is updated.
func (t *Tiered) Save(ctx context.Context, result *dragonpilot.ExecutionResult) error {
	if err := t.cache.Save(ctx, result); err != nil {
		return err
	}
	if t.durable == nil {
		return nil
	}
	if err := t.durable.Save(ctx, result); err != nil {
		t.logger.Error("failed to persist execution result", "plan_id", result.PlanID, "error", err)
		return err
	}
	return nil
}

// Get tries the cache first and refills it from history on a miss.
func (t *Tiered) Get(ctx context.Context, planID string) (*dragonpilot.ExecutionResult, error) {
	res, err := t.cache.Get(ctx, planID)
	if err == nil || t.durable == nil || !errors.Is(err, dragonpilot.ErrNotFound) {
		return res, err
	}
	res, err = t.durable.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := t.cache.Save(ctx, res); err != nil {
		t.logger.Warn("failed to refill cache", "plan_id", planID, "error", err)
	}
	return res, nil
}

// List reads history when available, otherwise the cache.
func (t *Tiered) List(ctx context.Context, limit int) ([]*dragonpilot.ExecutionResult, error) {
	if t.durable != nil {
		return t.durable.List(ctx, limit)
	}
	return t.cache.List(ctx, limit)
}

// Close releases both tiers.
func (t *Tiered) Close() error {
	err := t.cache.Close()
	if c, ok := t.durable.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
