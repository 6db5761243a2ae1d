package segments

import (
	"container/list"
	"sync"

	"github.com/yeti47/chunkvault/ccc/logging"
)

// PayloadCache keeps decoded payloads of recently read segments, bounded by total bytes.
type PayloadCache interface {
	Get(segmentID string) ([]byte, bool)
	Set(segmentID string, payload []byte)
	Delete(segmentID string)
	Stats() CacheStats
}

type CacheStats struct {
	SizeBytes    int64 `json:"size_bytes"`
	MaxSizeBytes int64 `json:"max_size_bytes"`
	Entries      int   `json:"entries"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
}

type cacheEntry struct {
	segmentID string
	payload   []byte
	element   *list.Element
}

// lruPayloadCache drops the least recently read payload first.
type lruPayloadCache struct {
	mu      sync.Mutex
	maxSize int64
	size    int64
	entries map[string]*cacheEntry
	order   *list.List // front is most recent
	logger  logging.Logger

	hits, misses, evictions int64
}

func NewPayloadCache(maxSizeBytes int64, logger logging.Logger) PayloadCache {
	return &lruPayloadCache{
		maxSize: maxSizeBytes,
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		logger:  logging.OrNop(logger),
	}
}

// Get returns a copy, so callers may modify it.
func (c *lruPayloadCache) Get(segmentID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[segmentID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(entry.element)
	c.hits++

	out := make([]byte, len(entry.payload))
	copy(out, entry.payload)
	return out, true
}

func (c *lruPayloadCache) Set(segmentID string, payload []byte) {
	if len(payload) == 0 || int64(len(payload)) > c.maxSize {
		return
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[segmentID]; ok {
		c.size += int64(len(stored)) - int64(len(existing.payload))
		existing.payload = stored
		c.order.MoveToFront(existing.element)
	} else {
		entry := &cacheEntry{segmentID: segmentID, payload: stored}
		entry.element = c.order.PushFront(entry)
		c.entries[segmentID] = entry
		c.size += int64(len(stored))
	}

	for c.size > c.maxSize && c.order.Len() > 0 {
		oldest := c.order.Back().Value.(*cacheEntry)
		c.remove(oldest)
		c.evictions++
		c.logger.Debug("Dropped cached payload", "segment_id", oldest.segmentID, "size_bytes", len(oldest.payload))
	}
}

func (c *lruPayloadCache) Delete(segmentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[segmentID]; ok {
		c.remove(entry)
	}
}

func (c *lruPayloadCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		SizeBytes:    c.size,
		MaxSizeBytes: c.maxSize,
		Entries:      len(c.entries),
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
	}
}

func (c *lruPayloadCache) remove(entry *cacheEntry) {
	delete(c.entries, entry.segmentID)
	c.order.Remove(entry.element)
	c.size -= int64(len(entry.payload))
}
