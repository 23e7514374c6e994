package attachment

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = time.Hour

func TestMemoryCacheBasicRoundTrip(t *testing.T) {
	c := NewMemoryCache(1024, testTTL)
	c.Set("key1", []byte("value"))

	got, ok := c.Get("key1")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemoryCache(1024, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("key1", []byte("value"))
	now = now.Add(2 * time.Minute)

	_, ok := c.Get("key1")
	assert.False(t, ok, "expired entry misses")
	assert.Zero(t, c.Used(), "expired entry removed on read")
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	c := NewMemoryCache(10, testTTL)
	c.Set("a", []byte("12345"))
	c.Set("b", []byte("12345"))

	// Touch "a" so "b" is the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", []byte("12345"))
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestMemoryCacheIgnoresOversizedValue(t *testing.T) {
	c := NewMemoryCache(4, testTTL)
	c.Set("big", []byte("too large"))
	_, ok := c.Get("big")
	assert.False(t, ok)
	assert.Zero(t, c.Used())
}

func TestMemoryCacheCleanupExpired(t *testing.T) {
	c := NewMemoryCache(1024, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("old", []byte("x"))
	now = now.Add(30 * time.Second)
	c.Set("fresh", []byte("y"))
	now = now.Add(45 * time.Second)

	c.CleanupExpired()
	_, ok := c.Get("old")
	assert.False(t, ok)
	_, ok = c.Get("fresh")
	assert.True(t, ok)
}

func TestDiskCacheShardsByPrefix(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCache(dir, 1<<20, testTTL)
	require.NoError(t, err)

	key := "abcdef0123456789abcdef0123456789"
	c.Set(key, []byte("payload"))

	_, err = os.Stat(filepath.Join(dir, "ab", key))
	require.NoError(t, err, "file sharded under first-two-hex dir")

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestDiskCacheTTLFromMtime(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCache(dir, 1<<20, time.Minute)
	require.NoError(t, err)

	key := "abcdef0123456789abcdef0123456789"
	c.Set(key, []byte("payload"))

	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(c.path(key), old, old))

	_, ok := c.Get(key)
	assert.False(t, ok)
	_, err = os.Stat(c.path(key))
	assert.True(t, os.IsNotExist(err), "stale file removed on miss")
}

func TestDiskCacheEvictsOldestOverBudget(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCache(dir, 10, testTTL)
	require.NoError(t, err)

	oldKey := "aa000000000000000000000000000000"
	c.Set(oldKey, []byte("12345678"))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(c.path(oldKey), past, past))

	newKey := "bb000000000000000000000000000000"
	c.Set(newKey, []byte("12345678"))

	_, ok := c.Get(oldKey)
	assert.False(t, ok, "oldest entry evicted")
	_, ok = c.Get(newKey)
	assert.True(t, ok)
}

func TestTieredCachePromotesDiskHit(t *testing.T) {
	dir := t.TempDir()
	l2, err := NewDiskCache(dir, 1<<20, testTTL)
	require.NoError(t, err)
	l1 := NewMemoryCache(1<<20, testTTL)
	c := NewTieredCache(l1, l2)

	key := "cc000000000000000000000000000000"
	l2.Set(key, []byte("disk only"))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("disk only"), got)

	// Now present in L1 as well.
	got, ok = l1.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("disk only"), got)
}

func TestTieredCacheWritesBothTiers(t *testing.T) {
	dir := t.TempDir()
	l2, err := NewDiskCache(dir, 1<<20, testTTL)
	require.NoError(t, err)
	l1 := NewMemoryCache(1<<20, testTTL)
	c := NewTieredCache(l1, l2)

	key := "dd000000000000000000000000000000"
	c.Set(key, []byte("both"))

	_, ok := l1.Get(key)
	assert.True(t, ok)
	_, ok = l2.Get(key)
	assert.True(t, ok)
}
