package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"streamadapt/internal/core/domain"
)

const DefaultMaxCacheSize int64 = 256 * 1024 * 1024

type PutOutcome int

const (
	CacheStored PutOutcome = iota
	CacheBypassed
)

func (o PutOutcome) String() string {
	if o == CacheBypassed {
		return "bypassed"
	}
	return "stored"
}

type PutResult struct {
	Outcome PutOutcome
	Evicted int
}

type cacheItem struct {
	key      domain.SegmentKey
	payload  []byte
	size     int64
	duration float64
	owner    domain.SessionID
	storedAt time.Time

	accessCount atomic.Int64
	lastAccess  atomic.Int64 // unix nanos
}

// SegmentCache is a size-bounded LRU of media segments shared by every
// session watching the same stream. Writers are serialized; readers share
// the read lock and only touch atomic counters.
type SegmentCache struct {
	streamID domain.StreamID
	maxSize  int64
	now      func() time.Time

	mu        sync.RWMutex
	items     map[domain.SegmentKey]*cacheItem
	totalSize int64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	bypasses  atomic.Int64
}

// NewSegmentCache creates a new cache for one stream. A non-positive
// maxSize uses DefaultMaxCacheSize.
func NewSegmentCache(streamID domain.StreamID, maxSize int64, now func() time.Time) *SegmentCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	if now == nil {
		now = time.Now
	}
	return &SegmentCache{
		streamID: streamID,
		maxSize:  maxSize,
		now:      now,
		items:    make(map[domain.SegmentKey]*cacheItem),
	}
}

// Get returns the payload on a hit and records the access.
func (c *SegmentCache) Get(key domain.SegmentKey) ([]byte, bool) {
	res, ok := c.GetSegment(key)
	if !ok {
		return nil, false
	}
	return res.Payload, true
}

// GetSegment is Get returning the stored segment with its media duration.
// The payload is shared between readers and must not be modified.
func (c *SegmentCache) GetSegment(key domain.SegmentKey) (*domain.SegmentFetchResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	item.accessCount.Add(1)
	item.lastAccess.Store(c.now().UnixNano())
	c.hits.Add(1)
	return &domain.SegmentFetchResult{
		Key:      item.key,
		Payload:  item.payload,
		Size:     item.size,
		Duration: item.duration,
	}, true
}

// Put stores a copy of a fetched segment, evicting least recently used
// entries until it fits. A payload larger than the whole cache is bypassed.
// A cancelled ctx means the owning session stopped and nothing is written.
func (c *SegmentCache) Put(ctx context.Context, owner domain.SessionID, res *domain.SegmentFetchResult) (PutResult, error) {
	if res == nil {
		return PutResult{}, errors.New("nil segment")
	}
	if int64(len(res.Payload)) != res.Size {
		return PutResult{}, domain.ErrPayloadCorrupt
	}
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	if res.Size > c.maxSize {
		c.bypasses.Add(1)
		return PutResult{Outcome: CacheBypassed}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}

	if old, exists := c.items[res.Key]; exists {
		c.totalSize -= old.size
		delete(c.items, res.Key)
	}

	evicted := 0
	for c.totalSize+res.Size > c.maxSize && len(c.items) > 0 {
		c.evictOne()
		evicted++
	}

	now := c.now()
	item := &cacheItem{
		key:      res.Key,
		payload:  append([]byte(nil), res.Payload...),
		size:     res.Size,
		duration: res.Duration,
		owner:    owner,
		storedAt: now,
	}
	item.lastAccess.Store(now.UnixNano())
	c.items[res.Key] = item
	c.totalSize += res.Size

	return PutResult{Outcome: CacheStored, Evicted: evicted}, nil
}

// evictOne drops the least recently used entry; ties go to the entry with
// the fewest accesses. Caller holds the write lock.
func (c *SegmentCache) evictOne() {
	var victim *cacheItem
	for _, item := range c.items {
		if victim == nil || lessRecentlyUsed(item, victim) {
			victim = item
		}
	}
	if victim == nil {
		return
	}
	delete(c.items, victim.key)
	c.totalSize -= victim.size
	c.evictions.Add(1)
}

func lessRecentlyUsed(a, b *cacheItem) bool {
	la, lb := a.lastAccess.Load(), b.lastAccess.Load()
	if la != lb {
		return la < lb
	}
	return a.accessCount.Load() < b.accessCount.Load()
}

// Remove drops one entry and reports whether it was present.
func (c *SegmentCache) Remove(key domain.SegmentKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return false
	}
	delete(c.items, key)
	c.totalSize -= item.size
	return true
}

// Clear drops every entry but keeps the counters.
func (c *SegmentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[domain.SegmentKey]*cacheItem)
	c.totalSize = 0
}

func (c *SegmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Size returns the total payload bytes held.
func (c *SegmentCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSize
}

func (c *SegmentCache) MaxSize() int64 {
	return c.maxSize
}

// Entries returns entry metadata ordered from most to least recently used.
func (c *SegmentCache) Entries() []domain.CacheEntry {
	c.mu.RLock()
	entries := make([]domain.CacheEntry, 0, len(c.items))
	for _, item := range c.items {
		entries = append(entries, domain.CacheEntry{
			Key:         item.key,
			Size:        item.size,
			AccessCount: item.accessCount.Load(),
			LastAccess:  time.Unix(0, item.lastAccess.Load()),
			StoredAt:    item.storedAt,
			Owner:       item.owner,
		})
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.After(entries[j].LastAccess)
	})
	return entries
}

// Stats returns a point-in-time copy of the counters.
func (c *SegmentCache) Stats() domain.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.CacheStats{
		StreamID:  c.streamID,
		Entries:   len(c.items),
		Size:      c.totalSize,
		MaxSize:   c.maxSize,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Bypasses:  c.bypasses.Load(),
	}
}

// SegmentCacheStore hands out one cache per stream id.
type SegmentCacheStore struct {
	mu      sync.RWMutex
	caches  map[domain.StreamID]*SegmentCache
	maxSize int64
	now     func() time.Time
}

// NewSegmentCacheStore creates a new store whose caches each hold at most
// maxSize bytes.
func NewSegmentCacheStore(maxSize int64, now func() time.Time) *SegmentCacheStore {
	return &SegmentCacheStore{
		caches:  make(map[domain.StreamID]*SegmentCache),
		maxSize: maxSize,
		now:     now,
	}
}

// ForStream returns the stream's cache, creating it on first use.
func (s *SegmentCacheStore) ForStream(streamID domain.StreamID) *SegmentCache {
	s.mu.RLock()
	cache, ok := s.caches[streamID]
	s.mu.RUnlock()
	if ok {
		return cache
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cache, ok = s.caches[streamID]; ok {
		return cache
	}
	cache = NewSegmentCache(streamID, s.maxSize, s.now)
	s.caches[streamID] = cache
	return cache
}

// Release drops the stream's cache and its segments. A later ForStream
// starts a fresh one.
func (s *SegmentCacheStore) Release(streamID domain.StreamID) bool {
	s.mu.Lock()
	cache, ok := s.caches[streamID]
	delete(s.caches, streamID)
	s.mu.Unlock()
	if ok {
		cache.Clear()
	}
	return ok
}

// Len returns the number of streams holding a cache.
func (s *SegmentCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.caches)
}

// Lookup returns the stream's cache without creating one.
func (s *SegmentCacheStore) Lookup(streamID domain.StreamID) (*SegmentCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cache, ok := s.caches[streamID]
	return cache, ok
}

// Stats returns per-stream stats ordered by stream id.
func (s *SegmentCacheStore) Stats() []domain.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CacheStats, 0, len(s.caches))
	for _, cache := range s.caches {
		out = append(out, cache.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

func (s *SegmentCacheStore) ClearAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cache := range s.caches {
		cache.Clear()
	}
}
