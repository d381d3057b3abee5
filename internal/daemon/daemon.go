// Package daemon provides the background sync daemon.
//
// The daemon:
//  1. Walks the users list from the top, a bounded number of pages per pass
//  2. Refreshes the details of recently viewed users
//  3. Drops the blob memory tier when the heap grows past a limit
//  4. Keeps the blob cache in step with its directory on disk
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/steveyegge/ghsync/internal/repository"
	"github.com/steveyegge/ghsync/internal/schema"
	"github.com/steveyegge/ghsync/internal/store"
)

// Notifier receives daemon events. The dashboard handler implements it.
type Notifier interface {
	OnPageSynced(since int64, count int)
	OnUserRefreshed(user schema.Record)
	OnSyncComplete(pages, users int, duration time.Duration)
	OnBlobsEvicted(count int)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to walk the list and refresh viewed users
	SyncInterval time.Duration

	// MaxPages bounds one list walk
	MaxPages int

	// RefreshLimit bounds how many viewed users are refreshed per pass
	RefreshLimit int

	// MemoryCheckInterval is how often heap usage is sampled
	MemoryCheckInterval time.Duration

	// MemoryLimitBytes is the heap size above which the blob memory tier is dropped.
	// Zero disables the check.
	MemoryLimitBytes uint64

	// PageSize is the per_page value used for the walk
	PageSize int

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:        5 * time.Minute,
		MaxPages:            10,
		RefreshLimit:        20,
		MemoryCheckInterval: 30 * time.Second,
		MemoryLimitBytes:    64 << 20,
		PageSize:            30,
		Logger:              log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// SyncResult summarizes one list walk.
type SyncResult struct {
	Pages    int
	Users    int
	Duration time.Duration
}

// Daemon runs periodic sync work against the repositories.
type Daemon struct {
	deps    repository.Deps
	list    *repository.UsersList
	details *repository.UserDetails
	config  *Config

	notifier   Notifier
	notifierMu sync.RWMutex

	// heapInUse is swapped in tests.
	heapInUse func() uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over the shared repository dependencies.
// Use Start() to begin the periodic work.
func New(config *Config, deps repository.Deps) (*Daemon, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.MaxPages <= 0 {
		return nil, fmt.Errorf("max pages must be positive, got %d", config.MaxPages)
	}
	if config.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %v", config.SyncInterval)
	}
	if config.PageSize <= 0 {
		config.PageSize = store.DefaultFetchLimit
	}

	repoConfig := &repository.Config{PageSize: config.PageSize, Logger: config.Logger}
	list, err := repository.NewUsersList(deps, repoConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create list repository: %w", err)
	}
	details, err := repository.NewUserDetails(deps, repoConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create detail repository: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		deps:      deps,
		list:      list,
		details:   details,
		config:    config,
		heapInUse: readHeapInUse,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetNotifier registers n to receive daemon events. Passing nil removes it.
func (d *Daemon) SetNotifier(n Notifier) {
	d.notifierMu.Lock()
	defer d.notifierMu.Unlock()
	d.notifier = n
}

func (d *Daemon) notify(fn func(Notifier)) {
	d.notifierMu.RLock()
	n := d.notifier
	d.notifierMu.RUnlock()
	if n != nil {
		fn(n)
	}
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Walk the list once right away (a failure is logged, not fatal)
// 2. Repeat the walk and the viewed refresh every SyncInterval
// 3. Sample heap usage every MemoryCheckInterval
// 4. Watch the blob directory
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.wg.Add(1)
	go d.syncLoop()

	if d.config.MemoryLimitBytes > 0 && d.config.MemoryCheckInterval > 0 {
		d.wg.Add(1)
		go d.memoryLoop()
	}

	if d.deps.Blobs != nil {
		d.wg.Add(1)
		go d.watchBlobs()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// SyncPages walks the users list from the top, stopping at MaxPages, at a
// short page, or at the first failed page.
func (d *Daemon) SyncPages(ctx context.Context) (SyncResult, error) {
	start := time.Now()
	var res SyncResult

	d.list.Reset()
	since := int64(0)

	for res.Pages < d.config.MaxPages {
		out, err := d.fetchPage(ctx, since)
		if err != nil {
			return res, err
		}
		if out.Err != nil {
			return res, fmt.Errorf("failed to sync page since=%d: %w", since, out.Err)
		}

		res.Pages++
		d.notify(func(n Notifier) { n.OnPageSynced(since, len(out.Page)) })

		if len(out.Page) == 0 {
			break
		}
		next := d.list.NextCursor()
		if next <= since || len(out.Page) < d.config.PageSize {
			break
		}
		since = next
	}

	res.Users = len(d.list.View())
	res.Duration = time.Since(start)
	d.config.Logger.Printf("Sync complete: %d pages, %d users in %v", res.Pages, res.Users, res.Duration)
	d.notify(func(n Notifier) { n.OnSyncComplete(res.Pages, res.Users, res.Duration) })
	return res, nil
}

func (d *Daemon) fetchPage(ctx context.Context, since int64) (repository.ListOutcome, error) {
	var out repository.ListOutcome
	task := d.list.Fetch(ctx, since, nil, func(o repository.ListOutcome) { out = o })
	if err := task.Wait(ctx); err != nil {
		task.Cancel()
		return repository.ListOutcome{}, err
	}
	return out, nil
}

// RefreshViewed refetches the details of the most recently viewed users.
// Individual failures are logged and skipped. Returns the number refreshed.
func (d *Daemon) RefreshViewed(ctx context.Context) (int, error) {
	logins, err := d.deps.Store.ViewedLogins(ctx, d.config.RefreshLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list viewed users: %w", err)
	}

	refreshed := 0
	for _, login := range logins {
		var out repository.DetailOutcome
		task := d.details.Fetch(ctx, login, nil, func(o repository.DetailOutcome) { out = o })
		if err := task.Wait(ctx); err != nil {
			task.Cancel()
			return refreshed, err
		}
		if out.Err != nil {
			d.config.Logger.Printf("Warning: failed to refresh %s: %v", login, out.Err)
			continue
		}

		refreshed++
		user := *out.User
		d.notify(func(n Notifier) { n.OnUserRefreshed(user) })
	}

	if len(logins) > 0 {
		d.config.Logger.Printf("Refreshed %d/%d viewed users", refreshed, len(logins))
	}
	return refreshed, nil
}

// CheckMemory drops the blob memory tier when heap usage exceeds
// MemoryLimitBytes. Returns the number of blobs dropped.
func (d *Daemon) CheckMemory(ctx context.Context) (int, error) {
	if d.deps.Blobs == nil || d.config.MemoryLimitBytes == 0 {
		return 0, nil
	}

	inUse := d.heapInUse()
	if inUse <= d.config.MemoryLimitBytes {
		return 0, nil
	}

	n, err := d.deps.Blobs.Evict(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to evict blobs: %w", err)
	}
	d.config.Logger.Printf("Heap at %d bytes over limit %d, dropped %d cached blobs", inUse, d.config.MemoryLimitBytes, n)
	d.notify(func(nt Notifier) { nt.OnBlobsEvicted(n) })
	return n, nil
}

// syncLoop periodically walks the list and refreshes viewed users.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	if _, err := d.SyncPages(d.ctx); err != nil && d.ctx.Err() == nil {
		d.config.Logger.Printf("Warning: initial sync failed: %v", err)
	}

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if _, err := d.SyncPages(d.ctx); err != nil && d.ctx.Err() == nil {
				d.config.Logger.Printf("Error syncing pages: %v", err)
			}
			if _, err := d.RefreshViewed(d.ctx); err != nil && d.ctx.Err() == nil {
				d.config.Logger.Printf("Error refreshing viewed users: %v", err)
			}
		}
	}
}

// memoryLoop periodically samples heap usage.
func (d *Daemon) memoryLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.MemoryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if _, err := d.CheckMemory(d.ctx); err != nil && d.ctx.Err() == nil {
				d.config.Logger.Printf("Error checking memory: %v", err)
			}
		}
	}
}

func (d *Daemon) watchBlobs() {
	defer d.wg.Done()

	if err := d.deps.Blobs.Watch(d.ctx); err != nil {
		d.config.Logger.Printf("Blob watcher stopped: %v", err)
	}
}

func readHeapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}
