package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/steveyegge/ghsync/internal/blobcache"
	"github.com/steveyegge/ghsync/internal/config"
	"github.com/steveyegge/ghsync/internal/fetch"
	"github.com/steveyegge/ghsync/internal/repository"
	"github.com/steveyegge/ghsync/internal/store"
	"github.com/steveyegge/ghsync/internal/tracing"
	"github.com/steveyegge/ghsync/internal/ui"
)

// needs selects which components openApp builds.
type needs int

const (
	needNetwork needs = 1 << iota
	needBlobs
)

// app holds the shared components of one command invocation.
type app struct {
	cfg      *config.Config
	logOut   io.Writer
	executor *fetch.Executor
	store    *store.Store
	blobs    *blobcache.Cache
	out      *ui.Printer

	shutdownTracing func(context.Context) error
}

// openApp opens the store and, as requested, the network lane and blob cache.
// The caller MUST call close() when done.
func openApp(ctx context.Context, n needs) (*app, error) {
	a := &app{
		cfg:    cfg,
		logOut: cfg.LogWriter(),
		out:    ui.NewPrinter(os.Stdout),
	}

	storeConfig := store.DefaultConfig(cfg.DBPath)
	storeConfig.FetchLimit = cfg.PageSize
	storeConfig.Logger = a.logger("store")
	st, err := store.Open(storeConfig)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	a.store = st

	if n&needBlobs != 0 {
		blobConfig := blobcache.DefaultConfig(cfg.BlobDir)
		blobConfig.MemoryLimit = cfg.BlobMemoryLimit
		blobConfig.Logger = a.logger("blobcache")
		blobs, err := blobcache.Open(blobConfig)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open blob cache: %w", err)
		}
		a.blobs = blobs
	}

	if n&needNetwork != 0 {
		shutdown, err := tracing.Setup(ctx, "ghsync", cfg.Trace.Endpoint)
		if err != nil {
			a.close()
			return nil, err
		}
		a.shutdownTracing = shutdown

		fetcher, err := fetch.NewGitHubFetcher(ctx, fetch.GitHubConfig{
			BaseURL:   cfg.BaseURL,
			Token:     cfg.Token,
			UserAgent: "ghsync/" + version,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		executor, err := fetch.New(fetcher, &fetch.Config{
			MaxRetryCount: cfg.MaxRetryCount,
			Backoff: fetch.Backoff{
				Base:   cfg.BackoffBase,
				Jitter: cfg.BackoffJitter,
				Cap:    cfg.BackoffCap,
			},
			Verbose: cfg.Log.Verbose,
			Logger:  a.logger("fetch"),
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to start network lane: %w", err)
		}
		a.executor = executor
	}

	return a, nil
}

// mustOpenApp is openApp for Run funcs that exit with a code. It exits
// before anything is left open.
func mustOpenApp(ctx context.Context, n needs) *app {
	a, err := openApp(ctx, n)
	if err != nil {
		exitf("%v", err)
	}
	return a
}

func (a *app) logger(component string) *log.Logger {
	return config.NewLogger(a.logOut, component)
}

func (a *app) deps() repository.Deps {
	deps := repository.Deps{Store: a.store, Blobs: a.blobs}
	if a.executor != nil {
		deps.Executor = a.executor
	}
	return deps
}

func (a *app) repoConfig() *repository.Config {
	return &repository.Config{
		PageSize: a.cfg.PageSize,
		Logger:   a.logger("repo"),
	}
}

// close shuts components down in reverse order of opening.
func (a *app) close() {
	if a.executor != nil {
		if err := a.executor.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to stop network lane: %v\n", err)
		}
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownTracing(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to flush traces: %v\n", err)
		}
		cancel()
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close blob cache: %v\n", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close cache database: %v\n", err)
		}
	}
	if c, ok := a.logOut.(io.Closer); ok && a.logOut != os.Stderr {
		_ = c.Close()
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func exitf(format string, args ...interface{}) {
	os.Exit(fail(format, args...))
}

// fail prints an error and returns exit code 1, so deferred closes still run.
func fail(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return 1
}

// describe turns a repository error into a user-facing message.
func describe(err error) string {
	switch {
	case fetch.IsConnectivity(err):
		return "no internet connection"
	case fetch.IsCancelled(err):
		return "cancelled"
	case repository.IsNoCachedData(err):
		return "nothing cached yet"
	}
	if code := fetch.StatusCode(err); code != 0 {
		return fmt.Sprintf("GitHub returned HTTP %d", code)
	}
	return err.Error()
}
