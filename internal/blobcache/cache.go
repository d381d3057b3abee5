// Package blobcache provides a two-tier (memory + disk) cache for opaque
// blobs such as avatar images.
//
// Blobs are keyed by the md5 hex digest of their source string. The disk tier
// is the durable copy; the memory tier is a subset of it and may be dropped at
// any time with Evict. Every operation runs on one lane goroutine, so a reader
// never observes a half-evicted memory tier.
package blobcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	blobExt   = ".blob"
	indexFile = "index.bolt"
)

var (
	// ErrNoBlob means neither tier holds the blob. It is an expected outcome.
	ErrNoBlob = errors.New("no blob")

	// ErrClosed is returned for operations after Close.
	ErrClosed = errors.New("blob cache is closed")
)

// Key returns the cache key for a source identifier.
func Key(source string) string {
	sum := md5.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Config holds configuration for the blob cache.
type Config struct {
	// Dir holds one file per blob plus the bbolt index.
	Dir string

	// MemoryLimit evicts the memory tier once it grows past this many bytes
	// (0 = unbounded).
	MemoryLimit int64

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns a config rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:         dir,
		MemoryLimit: 32 << 20,
		Logger:      log.New(os.Stderr, "[blobcache] ", log.LstdFlags),
	}
}

// Stats is a snapshot of both tiers.
type Stats struct {
	MemoryEntries int   `json:"memory_entries"`
	MemoryBytes   int64 `json:"memory_bytes"`
	DiskEntries   int   `json:"disk_entries"`
	DiskBytes     int64 `json:"disk_bytes"`
	Hits          int64 `json:"hits"`
	DiskHits      int64 `json:"disk_hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
}

// Cache is the two-tier blob cache.
type Cache struct {
	config *Config
	index  *index

	// Owned by the lane goroutine.
	memory   map[string][]byte
	memBytes int64
	hits     int64
	diskHits int64
	misses   int64
	evicted  int64

	mu     sync.RWMutex
	closed bool
	ops    chan func()
	wg     sync.WaitGroup
}

// Open creates the cache directory and index and starts the lane.
// The caller MUST call Close() when done.
func Open(config *Config) (*Cache, error) {
	if config == nil || config.Dir == "" {
		return nil, fmt.Errorf("blob cache directory is required")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[blobcache] ", log.LstdFlags)
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	ix, err := openIndex(filepath.Join(config.Dir, indexFile))
	if err != nil {
		return nil, err
	}

	c := &Cache{
		config: config,
		index:  ix,
		memory: make(map[string][]byte),
		ops:    make(chan func(), 16),
	}

	c.wg.Add(1)
	go c.lane()

	return c, nil
}

// Dir returns the blob directory.
func (c *Cache) Dir() string {
	return c.config.Dir
}

// Close drains queued operations and closes the index.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.ops)
	c.mu.Unlock()

	c.wg.Wait()

	if err := c.index.close(); err != nil {
		return fmt.Errorf("failed to close blob index: %w", err)
	}
	return nil
}

func (c *Cache) lane() {
	defer c.wg.Done()
	for op := range c.ops {
		op()
	}
}

// do runs fn on the lane and waits for it. Once queued, fn always runs.
func (c *Cache) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	select {
	case c.ops <- op:
	case <-ctx.Done():
		c.mu.RUnlock()
		return ctx.Err()
	}
	c.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the blob for source. A memory miss falls back to disk and
// repopulates memory. Returns ErrNoBlob when neither tier has it.
// Callers must not modify the returned slice.
func (c *Cache) Get(ctx context.Context, source string) ([]byte, error) {
	key := Key(source)

	var data []byte
	var getErr error
	if err := c.do(ctx, func() { data, getErr = c.get(key) }); err != nil {
		return nil, err
	}
	return data, getErr
}

func (c *Cache) get(key string) ([]byte, error) {
	if data, ok := c.memory[key]; ok {
		c.hits++
		return data, nil
	}

	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		c.misses++
		return nil, ErrNoBlob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}

	c.diskHits++
	c.remember(key, data)
	if err := c.index.touch(key, time.Now().UTC()); err != nil {
		c.config.Logger.Printf("Warning: failed to update access time for %s: %v", key, err)
	}
	return data, nil
}

// Put stores data for source. The disk write happens first; memory is only
// updated once it has succeeded.
func (c *Cache) Put(ctx context.Context, source string, data []byte) error {
	key := Key(source)
	blob := append([]byte(nil), data...)

	var putErr error
	if err := c.do(ctx, func() { putErr = c.put(key, source, blob) }); err != nil {
		return err
	}
	return putErr
}

func (c *Cache) put(key, source string, data []byte) error {
	if err := writeFileAtomic(c.path(key), data); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}

	now := time.Now().UTC()
	if err := c.index.put(Entry{Key: key, Source: source, Size: int64(len(data)), StoredAt: now, LastAccess: now}); err != nil {
		c.config.Logger.Printf("Warning: failed to index blob %s: %v", key, err)
	}

	c.remember(key, data)
	return nil
}

// remember stores data in memory, dropping the whole tier if the limit is hit.
func (c *Cache) remember(key string, data []byte) {
	if old, ok := c.memory[key]; ok {
		c.memBytes -= int64(len(old))
	}
	c.memory[key] = data
	c.memBytes += int64(len(data))

	if c.config.MemoryLimit > 0 && c.memBytes > c.config.MemoryLimit {
		c.config.Logger.Printf("Memory tier at %d bytes exceeds limit %d, evicting", c.memBytes, c.config.MemoryLimit)
		c.evict()
	}
}

// Evict drops the memory tier. The disk tier is untouched.
// Returns the number of entries dropped.
func (c *Cache) Evict(ctx context.Context) (int, error) {
	var n int
	if err := c.do(ctx, func() { n = c.evict() }); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Cache) evict() int {
	n := len(c.memory)
	c.memory = make(map[string][]byte)
	c.memBytes = 0
	c.evicted += int64(n)
	return n
}

// Remove deletes the blob for source from both tiers.
func (c *Cache) Remove(ctx context.Context, source string) error {
	key := Key(source)

	var rmErr error
	if err := c.do(ctx, func() {
		if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			rmErr = fmt.Errorf("failed to remove blob %s: %w", key, err)
			return
		}
		c.forget(key)
	}); err != nil {
		return err
	}
	return rmErr
}

// Forget drops bookkeeping for a key whose file is already gone.
func (c *Cache) Forget(ctx context.Context, key string) error {
	return c.do(ctx, func() { c.forget(key) })
}

func (c *Cache) forget(key string) {
	if old, ok := c.memory[key]; ok {
		c.memBytes -= int64(len(old))
		delete(c.memory, key)
	}
	if err := c.index.delete(key); err != nil {
		c.config.Logger.Printf("Warning: failed to drop index entry %s: %v", key, err)
	}
}

// Stats returns a snapshot of both tiers.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var statErr error
	if err := c.do(ctx, func() {
		st = Stats{
			MemoryEntries: len(c.memory),
			MemoryBytes:   c.memBytes,
			Hits:          c.hits,
			DiskHits:      c.diskHits,
			Misses:        c.misses,
			Evictions:     c.evicted,
		}
		st.DiskEntries, st.DiskBytes, statErr = c.index.totals()
	}); err != nil {
		return Stats{}, err
	}
	if statErr != nil {
		return Stats{}, fmt.Errorf("failed to read blob index: %w", statErr)
	}
	return st, nil
}

// Entries lists the indexed disk blobs.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	var listErr error
	if err := c.do(ctx, func() { out, listErr = c.index.entries() }); err != nil {
		return nil, err
	}
	return out, listErr
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.config.Dir, key+blobExt)
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over path, so readers never see a partial blob.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
