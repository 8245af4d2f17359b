package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ChecksumCache is an LRU of file checksums keyed by path, size and mtime,
// so a file that changes on disk is hashed again.
type ChecksumCache struct {
	cache   map[string]string
	order   []string
	maxSize int
	mu      sync.Mutex

	hits, misses int64
}

// NewChecksumCache creates a cache holding at most maxSize checksums.
func NewChecksumCache(maxSize int) *ChecksumCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &ChecksumCache{
		cache:   make(map[string]string),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

func checksumKey(path string, size int64, mtime time.Time) string {
	return fmt.Sprintf("%s|%d|%d", path, size, mtime.UnixNano())
}

// Checksum returns the md5 of the file at path, from cache when the file is unchanged.
func (c *ChecksumCache) Checksum(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := checksumKey(path, info.Size(), info.ModTime())

	c.mu.Lock()
	if sum, ok := c.cache[key]; ok {
		c.hits++
		c.moveToEnd(key)
		c.mu.Unlock()
		return sum, nil
	}
	c.misses++
	c.mu.Unlock()

	sum, err := fileMD5(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[key]; !ok {
		c.cache[key] = sum
		c.order = append(c.order, key)
		if len(c.cache) > c.maxSize {
			c.evictOldest()
		}
	}
	return sum, nil
}

// Size returns current cache size
func (c *ChecksumCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Stats returns hit and miss counts.
func (c *ChecksumCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// evictOldest removes the oldest entry from cache
func (c *ChecksumCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}

	oldestKey := c.order[0]
	delete(c.cache, oldestKey)
	c.order = c.order[1:]
}

// moveToEnd moves a key to the end of the order slice
func (c *ChecksumCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
