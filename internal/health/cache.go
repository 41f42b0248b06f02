package health

import (
	"sync"
	"time"
)

// cacheTTL bounds how long a size sample or table-existence check is
// served without hitting Postgres again. Callers that need a guaranteed
// fresh number pass refresh=true and bypass it.
const cacheTTL = 5 * time.Minute

type sizeSample struct {
	sizeMB float64
	rows   int64
	at     time.Time
}

type existsSample struct {
	exists bool
	at     time.Time
}

// sampleCache holds two kinds of short-lived samples: per-partition
// size/row samples, and partition-existence probes.
type sampleCache struct {
	mu          sync.RWMutex
	sizes       map[string]sizeSample
	tableExists map[string]existsSample
	now         func() time.Time
}

func newSampleCache(now func() time.Time) *sampleCache {
	return &sampleCache{
		sizes:       make(map[string]sizeSample),
		tableExists: make(map[string]existsSample),
		now:         now,
	}
}

func (c *sampleCache) size(name string) (sizeSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sizes[name]
	if !ok || c.now().Sub(s.at) > cacheTTL {
		return sizeSample{}, false
	}
	return s, true
}

func (c *sampleCache) setSize(name string, s sizeSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes[name] = s
}

func (c *sampleCache) exists(name string) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tableExists[name]
	if !ok || c.now().Sub(e.at) > cacheTTL {
		return false, false
	}
	return e.exists, true
}

func (c *sampleCache) setExists(name string, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableExists[name] = existsSample{exists: exists, at: c.now()}
}

// snapshot returns every cached size sample, keyed by partition name.
func (c *sampleCache) snapshot() map[string]sizeSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]sizeSample, len(c.sizes))
	for k, v := range c.sizes {
		out[k] = v
	}
	return out
}
