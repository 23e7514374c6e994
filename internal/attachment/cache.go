package attachment

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/softwell/mailproxy/internal/pkg/logger"
)

// Cache is a read-through store of attachment bytes keyed by MD5 hex.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	CleanupExpired()
}

type memEntry struct {
	key     string
	value   []byte
	addedAt time.Time
}

// MemoryCache is the L1 tier: LRU under a byte budget with TTL.
type MemoryCache struct {
	budget int64
	ttl    time.Duration

	mu      sync.Mutex
	used    int64
	order   *list.List // front = most recent
	entries map[string]*list.Element
	now     func() time.Time
}

// NewMemoryCache builds an L1 cache with the given byte budget and entry
// TTL.
func NewMemoryCache(budget int64, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		budget:  budget,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the cached bytes. An expired entry is removed and reported
// as a miss.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memEntry)
	if c.now().Sub(e.addedAt) > c.ttl {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores the bytes, evicting least-recently-used entries to stay under
// budget. Values larger than the whole budget are ignored.
func (c *MemoryCache) Set(key string, value []byte) {
	size := int64(len(value))
	if size > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	for c.used+size > c.budget {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	el := c.order.PushFront(&memEntry{key: key, value: value, addedAt: c.now()})
	c.entries[key] = el
	c.used += size
}

// CleanupExpired drops entries past their TTL.
func (c *MemoryCache) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*memEntry); now.Sub(e.addedAt) > c.ttl {
			c.removeLocked(el)
		}
		el = prev
	}
}

// Used reports current byte usage.
func (c *MemoryCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	e := el.Value.(*memEntry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	c.used -= int64(len(e.value))
}

// DiskCache is the L2 tier: files named by hash, sharded by the first two
// hex characters, TTL derived from mtime.
type DiskCache struct {
	dir    string
	budget int64
	ttl    time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// NewDiskCache builds an L2 cache rooted at dir.
func NewDiskCache(dir string, budget int64, ttl time.Duration) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DiskCache{dir: dir, budget: budget, ttl: ttl, now: time.Now}, nil
}

func (c *DiskCache) path(key string) string {
	if len(key) < 2 {
		return filepath.Join(c.dir, "00", key)
	}
	return filepath.Join(c.dir, key[:2], key)
}

// Get reads the cached file, treating entries older than the TTL as
// misses.
func (c *DiskCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.path(key)
	info, err := os.Stat(p)
	if err != nil {
		return nil, false
	}
	if c.now().Sub(info.ModTime()) > c.ttl {
		os.Remove(p)
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set writes the bytes, evicting oldest files first when over budget.
func (c *DiskCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		logger.Warn("disk cache shard create failed", "error", err)
		return
	}
	if err := os.WriteFile(p, value, 0o644); err != nil {
		logger.Warn("disk cache write failed", "key", key, "error", err)
		return
	}
	c.evictOverBudgetLocked()
}

// CleanupExpired removes files older than the TTL.
func (c *DiskCache) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	for _, f := range c.listLocked() {
		if f.mtime.Before(cutoff) {
			os.Remove(f.path)
		}
	}
}

type diskFile struct {
	path  string
	size  int64
	mtime time.Time
}

func (c *DiskCache) listLocked() []diskFile {
	var files []diskFile
	filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, diskFile{path: path, size: info.Size(), mtime: info.ModTime()})
		return nil
	})
	return files
}

func (c *DiskCache) evictOverBudgetLocked() {
	files := c.listLocked()
	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= c.budget {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	for _, f := range files {
		if total <= c.budget {
			break
		}
		if err := os.Remove(f.path); err == nil {
			total -= f.size
		}
	}
}

// TieredCache layers memory over disk: reads promote disk hits that fit
// the memory tier, writes land in both.
type TieredCache struct {
	l1 *MemoryCache
	l2 *DiskCache
}

// NewTieredCache combines the two tiers; l2 may be nil for memory-only
// operation.
func NewTieredCache(l1 *MemoryCache, l2 *DiskCache) *TieredCache {
	return &TieredCache{l1: l1, l2: l2}
}

func (c *TieredCache) Get(key string) ([]byte, bool) {
	if data, ok := c.l1.Get(key); ok {
		return data, true
	}
	if c.l2 == nil {
		return nil, false
	}
	data, ok := c.l2.Get(key)
	if !ok {
		return nil, false
	}
	c.l1.Set(key, data)
	return data, true
}

func (c *TieredCache) Set(key string, value []byte) {
	c.l1.Set(key, value)
	if c.l2 != nil {
		c.l2.Set(key, value)
	}
}

func (c *TieredCache) CleanupExpired() {
	c.l1.CleanupExpired()
	if c.l2 != nil {
		c.l2.CleanupExpired()
	}
}
