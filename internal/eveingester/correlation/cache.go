package correlation

import (
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/eveingester/internal/common/ingest/metrics"
)

// Cache maps a flow id to the pcap filename seen on the flow's non-flow records, so that it can be
// stored on the flow row when the flow record itself arrives.
//
// Writers never block for long: Set gives up, and drops the entry, if it cannot get exclusive access
// within the configured lock timeout. A dropped entry only means the flow row may be stored without a
// filename. Readers take a shared lock and never remove entries.
type Cache struct {
	mu          sync.RWMutex
	filenames   map[int64]string
	lru         *simplelru.LRU
	lockTimeout time.Duration
	metrics     *metrics.Metrics
}

// NewCache returns an empty cache. If maxEntries is zero the cache grows for as long as it lives,
// otherwise the least recently written entries are evicted once it holds maxEntries flows.
func NewCache(maxEntries int, lockTimeout time.Duration, m *metrics.Metrics) (*Cache, error) {
	if maxEntries < 0 {
		return nil, errors.Errorf("maxEntries must not be negative, got %d", maxEntries)
	}
	c := &Cache{
		lockTimeout: lockTimeout,
		metrics:     m,
	}
	if maxEntries == 0 {
		c.filenames = make(map[int64]string)
		return c, nil
	}
	lru, err := simplelru.NewLRU(maxEntries, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.lru = lru
	return c, nil
}

// Set records filename against flowId, replacing any earlier value.
// Returns false if the cache stayed locked for longer than the lock timeout and the entry was dropped.
func (c *Cache) Set(flowId int64, filename string) bool {
	if !c.tryLock() {
		log.WithField("flowId", flowId).Warn("Correlation cache is contended; dropping pcap filename")
		if c.metrics != nil {
			c.metrics.RecordCorrelationDropped()
		}
		return false
	}
	defer c.mu.Unlock()
	if c.lru != nil {
		c.lru.Add(flowId, filename)
	} else {
		c.filenames[flowId] = filename
	}
	return true
}

// Get returns the filename recorded for flowId, if any.
func (c *Cache) Get(flowId int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lru != nil {
		// Peek doesn't touch the recency list, which would be a write
		v, ok := c.lru.Peek(flowId)
		if !ok {
			return "", false
		}
		return v.(string), true
	}
	filename, ok := c.filenames[flowId]
	return filename, ok
}

// Len returns the number of flows in the cache.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lru != nil {
		return c.lru.Len()
	}
	return len(c.filenames)
}

// tryLock spins on TryLock until the lock timeout has passed. A zero timeout means a single attempt.
func (c *Cache) tryLock() bool {
	if c.mu.TryLock() {
		return true
	}
	deadline := time.Now().Add(c.lockTimeout)
	for time.Now().Before(deadline) {
		runtime.Gosched()
		if c.mu.TryLock() {
			return true
		}
	}
	return false
}
