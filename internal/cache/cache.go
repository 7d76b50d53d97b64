// Package cache holds the process-scoped image-analysis cache. The
// analysis itself (a vision-model call) lives behind ComputeFunc; the
// cache only guarantees one computation per image id at a time and an
// explicit lifetime: entries live until the process restarts or
// Invalidate is called.
package cache

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// ComputeFunc produces the analysis for one image. Called at most once
// per image id while the result stays cached.
type ComputeFunc func(ctx context.Context, imageID int64) (string, error)

type entry struct {
	ready chan struct{}
	value string
	err   error
}

// AnalysisCache maps image id to a computed analysis. Concurrent callers
// for the same id share one in-flight computation.
type AnalysisCache struct {
	entries *xsync.Map[int64, *entry]
}

// NewAnalysisCache creates an empty cache.
func NewAnalysisCache() *AnalysisCache {
	return &AnalysisCache{entries: xsync.NewMap[int64, *entry]()}
}

// GetOrCompute returns the cached analysis for the image, computing it
// with fn on a miss. A failed computation is not cached; the next caller
// retries.
func (c *AnalysisCache) GetOrCompute(ctx context.Context, imageID int64, fn ComputeFunc) (string, error) {
	e := &entry{ready: make(chan struct{})}
	actual, loaded := c.entries.LoadOrStore(imageID, e)
	if loaded {
		select {
		case <-actual.ready:
			return actual.value, actual.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	e.value, e.err = fn(ctx, imageID)
	if e.err != nil {
		c.entries.Delete(imageID)
	}
	close(e.ready)
	return e.value, e.err
}

// Invalidate drops the cached analysis for one image.
func (c *AnalysisCache) Invalidate(imageID int64) {
	c.entries.Delete(imageID)
}

// Len reports how many analyses are cached or in flight.
func (c *AnalysisCache) Len() int {
	return c.entries.Size()
}
