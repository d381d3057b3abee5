// Package repository provides the cache-then-refresh orchestration between
// the network lane, the record store and the blob cache.
//
// Every Fetch follows the same chain:
//  1. submit the network request (it queues on the lane right away)
//  2. read the store and deliver the result to onCached
//  3. wait for the network outcome
//  4. on success write it to the store, re-read the same query and deliver
//     the result to onFinal; on failure deliver the classified error
//
// onCached and onFinal are called from one goroutine per task, in that
// order, and onFinal is called exactly once.
package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/steveyegge/ghsync/internal/blobcache"
	"github.com/steveyegge/ghsync/internal/fetch"
	"github.com/steveyegge/ghsync/internal/store"
)

// Executor is the network lane as seen by repositories.
type Executor interface {
	Execute(ctx context.Context, req fetch.Request, opts ...fetch.Option) *fetch.Task
}

// Deps are the shared components every repository is built on.
type Deps struct {
	Executor Executor
	Store    *store.Store
	Blobs    *blobcache.Cache // only needed by Avatars
}

// Config holds configuration for repositories.
type Config struct {
	// PageSize is the per_page value sent upstream.
	PageSize int

	// Logger for repository activity
	Logger *log.Logger
}

// DefaultConfig returns the default repository config.
func DefaultConfig() *Config {
	return &Config{
		PageSize: store.DefaultFetchLimit,
		Logger:   log.New(os.Stderr, "[repo] ", log.LstdFlags),
	}
}

func (d Deps) validate(needBlobs bool) error {
	if d.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if d.Store == nil {
		return fmt.Errorf("store is required")
	}
	if needBlobs && d.Blobs == nil {
		return fmt.Errorf("blob cache is required")
	}
	return nil
}

func normalize(config *Config) *Config {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PageSize <= 0 {
		config.PageSize = store.DefaultFetchLimit
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[repo] ", log.LstdFlags)
	}
	return config
}

// Task is the handle for one repository fetch.
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newTask(ctx context.Context) (*Task, context.Context) {
	taskCtx, cancel := context.WithCancel(ctx)
	return &Task{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}, taskCtx
}

// ID returns the task identifier used in logs.
func (t *Task) ID() string {
	return t.id
}

// Cancel cancels the outstanding network request. A result already delivered
// to onCached stands, and committed writes are not undone.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed after onFinal has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is done or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish() {
	t.once.Do(func() {
		close(t.done)
		t.cancel()
	})
}

// detached keeps ctx values but not its cancellation, for writes that must
// commit once the network result is in hand.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
