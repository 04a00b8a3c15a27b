package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Default bounds for the audio cache.
const (
	DefaultMaxAudioBytes   = 10 << 20 // 10 MiB
	DefaultMaxAudioEntries = 20
)

// AudioKey returns the stable cache key for a (text, voice) pair. Distinct
// pairs never collide: the two fields are length-prefix separated before
// hashing.
func AudioKey(text, voiceID string) string {
	h := sha256.New()
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(voiceID)))
	h.Write(prefix[:])
	h.Write([]byte(voiceID))
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

type audioEntry struct {
	key        string
	blob       []byte
	sizeBytes  int
	lastAccess time.Time
	release    func()
}

// AudioLRUCache is a bounded least-recently-used cache of synthesized audio
// blobs. It enforces both a total byte bound and an entry-count bound; Set
// evicts LRU entries until both hold, releasing each evicted resource.
type AudioLRUCache struct {
	mu         sync.Mutex
	maxBytes   int
	maxEntries int
	totalBytes int
	order      *list.List // front = most recently used
	entries    map[string]*list.Element
}

// NewAudioLRUCache creates an audio cache with the given bounds. Non-positive
// bounds fall back to the defaults.
func NewAudioLRUCache(maxBytes, maxEntries int) *AudioLRUCache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAudioBytes
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxAudioEntries
	}
	return &AudioLRUCache{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Get returns the cached blob for key and refreshes its recency.
func (c *AudioLRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*audioEntry)
	entry.lastAccess = time.Now()
	c.order.MoveToFront(elem)
	return entry.blob, true
}

// Has reports whether key is cached without refreshing recency.
func (c *AudioLRUCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Set stores a blob under key, evicting least-recently-used entries until the
// byte and entry bounds both hold. release, if non-nil, is invoked when the
// entry is evicted or cleared. A blob larger than the byte bound is released
// immediately and never cached.
func (c *AudioLRUCache) Set(key string, blob []byte, sizeBytes int, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sizeBytes <= 0 {
		sizeBytes = len(blob)
	}
	if sizeBytes > c.maxBytes {
		slog.Warn("AudioLRUCache.Set: blob exceeds cache byte bound, not caching", "size_bytes", sizeBytes, "max_bytes", c.maxBytes)
		if release != nil {
			release()
		}
		return
	}

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	entry := &audioEntry{key: key, blob: blob, sizeBytes: sizeBytes, lastAccess: time.Now(), release: release}
	c.entries[key] = c.order.PushFront(entry)
	c.totalBytes += sizeBytes

	for c.totalBytes > c.maxBytes || c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			// Bounds still violated with nothing left to evict: internal
			// accounting is broken, so defensively clear the cache.
			slog.Error("AudioLRUCache.Set: eviction invariant violated, clearing cache", "total_bytes", c.totalBytes, "entries", len(c.entries))
			c.clearLocked()
			return
		}
		evicted := oldest.Value.(*audioEntry)
		c.removeLocked(oldest)
		slog.Debug("AudioLRUCache.Set: evicted least-recently-used entry", "key", evicted.key, "size_bytes", evicted.sizeBytes)
	}
}

// Clear releases and removes every entry.
func (c *AudioLRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// Len reports the number of cached entries.
func (c *AudioLRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// SizeBytes reports the total cached payload size.
func (c *AudioLRUCache) SizeBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

func (c *AudioLRUCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*audioEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.totalBytes -= entry.sizeBytes
	if entry.release != nil {
		entry.release()
	}
}

func (c *AudioLRUCache) clearLocked() {
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*audioEntry)
		if entry.release != nil {
			entry.release()
		}
	}
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.totalBytes = 0
}
