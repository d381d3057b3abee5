package repository

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/ghsync/internal/blobcache"
	"github.com/steveyegge/ghsync/internal/fetch"
)

// BlobOutcome is delivered to Avatars callbacks.
type BlobOutcome struct {
	URL  string
	Data []byte
	// FromCache is set when no network fetch was needed.
	FromCache bool
	// Err is blobcache.ErrNoBlob on a cache miss in onCached.
	Err error
}

// Avatars serves avatar images from the blob cache, fetching once on a miss.
// Concurrent misses for the same URL share one network fetch.
type Avatars struct {
	deps   Deps
	config *Config
	group  singleflight.Group
}

// NewAvatars creates an avatar repository.
func NewAvatars(deps Deps, config *Config) (*Avatars, error) {
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Blobs == nil {
		return nil, fmt.Errorf("blob cache is required")
	}
	return &Avatars{deps: deps, config: normalize(config)}, nil
}

// Fetch looks url up in the cache and fetches it on a miss.
func (a *Avatars) Fetch(ctx context.Context, url string, onCached, onFinal func(BlobOutcome)) *Task {
	task, taskCtx := newTask(ctx)

	go func() {
		defer task.finish()

		cached := BlobOutcome{URL: url, FromCache: true}
		cached.Data, cached.Err = a.deps.Blobs.Get(taskCtx, url)
		if onCached != nil {
			onCached(cached)
		}

		final := cached
		if cached.Err != nil {
			final = a.fill(taskCtx, url)
		}
		if onFinal != nil {
			onFinal(final)
		}
	}()

	return task
}

// Get is the synchronous form of Fetch.
func (a *Avatars) Get(ctx context.Context, url string) ([]byte, error) {
	data, err := a.deps.Blobs.Get(ctx, url)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, blobcache.ErrNoBlob) {
		return nil, err
	}
	out := a.fill(ctx, url)
	return out.Data, out.Err
}

// fill runs the single fetch-on-miss. The shared fetch is detached from any
// one caller so cancelling one waiter does not fail the others.
func (a *Avatars) fill(ctx context.Context, url string) BlobOutcome {
	out := BlobOutcome{URL: url}

	ch := a.group.DoChan(url, func() (interface{}, error) {
		fctx := detached(ctx)
		data, err := a.deps.Executor.Execute(fctx, fetch.Blob(url), fetch.SingleAttempt()).Wait(fctx)
		if err != nil {
			return nil, err
		}
		if err := a.deps.Blobs.Put(fctx, url, data); err != nil {
			a.config.Logger.Printf("Warning: failed to cache avatar %s: %v", url, err)
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			out.Err = res.Err
			return out
		}
		out.Data = res.Val.([]byte)
		return out
	case <-ctx.Done():
		out.Err = fetch.ErrCancelled
		return out
	}
}
