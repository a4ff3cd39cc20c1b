// Package store keeps terminal execution results: a TTL cache for recent runs
// and a SQLite history.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// MemoryStore is a thread-safe in-memory result cache with a TTL.
type MemoryStore struct {
	store  map[string]cacheItem
	mutex  sync.RWMutex
	ttl    time.Duration
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

type cacheItem struct {
	result     *dragonpilot.ExecutionResult
	expiration int64
}

// NewMemoryStore creates a cache whose entries live for ttl.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	c := &MemoryStore{
		store:  make(map[string]cacheItem),
		ttl:    ttl,
		logger: logger.With("component", "store.memory"),
		done:   make(chan struct{}),
	}
	go c.cleanupLoop(cleanupInterval(ttl))
	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < 10*time.Minute {
		return ttl
	}
	return 10 * time.Minute
}

func notFound(planID, why string) error {
	return dragonpilot.NewError(dragonpilot.ErrCodeNotFound, dragonpilot.StageExecution,
		fmt.Sprintf("execution result '%s' not found", planID),
		errbuilder.NotFoundErr(errbuilder.GenericErr(why, nil)))
}

// Get returns a copy of the result stored for planID.
func (c *MemoryStore) Get(ctx context.Context, planID string) (*dragonpilot.ExecutionResult, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[planID]
	if !found {
		return nil, notFound(planID, "cache item not found")
	}
	if time.Now().UnixNano() > item.expiration {
		c.logger.Debug("cache item expired", "plan_id", planID)
		return nil, notFound(planID, "cache item expired")
	}
	return item.result.Clone(), nil
}

// Save stores a copy of result.
func (c *MemoryStore) Save(ctx context.Context, result *dragonpilot.ExecutionResult) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	if result == nil || result.PlanID == "" {
		return dragonpilot.NewInternalError(dragonpilot.StageExecution, "cannot store a result without a plan id", nil)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[result.PlanID] = cacheItem{
		result:     result.Clone(),
		expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	c.logger.Debug("cache item set", "plan_id", result.PlanID, "status", result.Status)
	return nil
}

// List returns unexpired results, most recently finished first.
func (c *MemoryStore) List(ctx context.Context, limit int) ([]*dragonpilot.ExecutionResult, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	now := time.Now().UnixNano()
	out := make([]*dragonpilot.ExecutionResult, 0, len(c.store))
	for _, item := range c.store {
		if now <= item.expiration {
			out = append(out, item.result.Clone())
		}
	}
	c.mutex.RUnlock()

	sortRecentFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a result.
func (c *MemoryStore) Delete(planID string) {
	c.mutex.Lock()
	delete(c.store, planID)
	c.mutex.Unlock()
}

// Len returns the number of cached entries, expired or not.
func (c *MemoryStore) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Close stops the cleanup goroutine.
func (c *MemoryStore) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// cleanupLoop periodically removes expired items.
func (c *MemoryStore) cleanupLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.mutex.Lock()
		now := time.Now().UnixNano()
		for key, item := range c.store {
			if now > item.expiration {
				delete(c.store, key)
			}
		}
		c.mutex.Unlock()
	}
}

func sortRecentFirst(results []*dragonpilot.ExecutionResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinishedAt.After(results[j].FinishedAt)
	})
}
