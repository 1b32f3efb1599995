package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// AudioCache keeps synthesized audio in memory keyed by content hash. The
// oldest entries are evicted once the cache holds more than max entries.
type AudioCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	order   []string
	max     int
}

// NewAudioCache creates a cache holding at most max entries (default 256).
func NewAudioCache(max int) *AudioCache {
	if max <= 0 {
		max = 256
	}
	return &AudioCache{entries: make(map[string][]byte), max: max}
}

// Put stores data and returns its key.
func (c *AudioCache) Put(data []byte) string {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return key
	}
	c.entries[key] = data
	c.order = append(c.order, key)
	for len(c.order) > c.max {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	return key
}

// Get returns the audio for key. Keys may carry the audio:// prefix.
func (c *AudioCache) Get(key string) ([]byte, bool) {
	key = strings.TrimPrefix(key, AudioScheme)
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	return data, ok
}

// Len returns the number of cached entries.
func (c *AudioCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
