package blobcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Logger = log.New(io.Discard, "", 0)

	c, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Key(""))
	assert.Equal(t, Key("https://a/1"), Key("https://a/1"))
	assert.NotEqual(t, Key("https://a/1"), Key("https://a/2"))
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	data := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}

	require.NoError(t, c.Put(ctx, "https://avatars.example/u/1", data))

	got, err := c.Get(ctx, "https://avatars.example/u/1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(filepath.Join(c.Dir(), Key("https://avatars.example/u/1")+blobExt))
	assert.NoError(t, err, "disk tier should hold the blob")
}

func TestCache_GetAfterEvict(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("avatar"), 100)

	require.NoError(t, c.Put(ctx, "src", data))

	n, err := c.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.MemoryEntries)
	assert.Equal(t, 1, st.DiskEntries)

	got, err := c.Get(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	st, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.MemoryEntries, "disk hit should repopulate memory")
	assert.Equal(t, int64(1), st.DiskHits)
}

func TestCache_Miss(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Get(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrNoBlob)
}

func TestCache_Overwrite(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "src", []byte("old")))
	require.NoError(t, c.Put(ctx, "src", []byte("new")))

	got, err := c.Get(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.MemoryBytes)
	assert.Equal(t, 1, st.DiskEntries)
}

func TestCache_PutCopiesInput(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, c.Put(ctx, "src", buf))
	buf[0] = 'X'

	got, err := c.Get(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestCache_MemoryLimit(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.MemoryLimit = 10

	c, err := Open(cfg)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("123456")))
	require.NoError(t, c.Put(ctx, "b", []byte("123456")))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.MemoryEntries)
	assert.Equal(t, 2, st.DiskEntries)

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "123456", string(got))
}

func TestCache_Remove(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "src", []byte("x")))
	require.NoError(t, c.Remove(ctx, "src"))
	require.NoError(t, c.Remove(ctx, "src"), "removing twice is fine")

	_, err := c.Get(ctx, "src")
	assert.ErrorIs(t, err, ErrNoBlob)

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCache_Concurrent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := fmt.Sprintf("src-%d", i%5)
			want := []byte(src)
			assert.NoError(t, c.Put(ctx, src, want))
			if i%3 == 0 {
				_, _ = c.Evict(ctx)
			}
			got, err := c.Get(ctx, src)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}(i)
	}
	wg.Wait()

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, st.DiskEntries)
}

func TestCache_Closed(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), "src")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCache_WatchForgetsDeletedFiles(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan error, 1)
	go func() { watchDone <- c.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, c.Put(ctx, "src", []byte("x")))
	require.NoError(t, os.Remove(filepath.Join(c.Dir(), Key("src")+blobExt)))

	require.Eventually(t, func() bool {
		st, err := c.Stats(ctx)
		return err == nil && st.DiskEntries == 0 && st.MemoryEntries == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-watchDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
