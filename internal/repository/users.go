package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/ghsync/internal/fetch"
	"github.com/steveyegge/ghsync/internal/schema"
	"github.com/steveyegge/ghsync/internal/store"
)

// ListOutcome is delivered to UsersList callbacks.
type ListOutcome struct {
	// Since is the cursor that was fetched.
	Since int64
	// Page holds the store's records for Since.
	Page []schema.Record
	// Users is the reconciled view across every known page.
	Users []schema.Record
	// Cached is set on a failed refresh when a page for Since is already
	// known, so the caller can keep showing it as cached data.
	Cached bool
	// Err is nil on success. store.ErrNoCachedData on an empty cache read.
	Err error
}

// UsersList is the paginated list repository. It owns one Reconciler.
type UsersList struct {
	deps   Deps
	config *Config
	pages  *Reconciler
}

// NewUsersList creates a list repository.
func NewUsersList(deps Deps, config *Config) (*UsersList, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	return &UsersList{
		deps:   deps,
		config: normalize(config),
		pages:  NewReconciler(),
	}, nil
}

// Fetch loads the page of users with id > since.
func (l *UsersList) Fetch(ctx context.Context, since int64, onCached, onFinal func(ListOutcome)) *Task {
	task, taskCtx := newTask(ctx)
	netTask := l.deps.Executor.Execute(taskCtx, fetch.UsersList(since, l.config.PageSize))

	go func() {
		defer task.finish()

		cached := l.readCached(taskCtx, since)
		if onCached != nil {
			onCached(cached)
		}

		final := l.refresh(taskCtx, since, netTask)
		if final.Err != nil {
			l.config.Logger.Printf("List refresh since=%d failed: %v", since, final.Err)
		}
		if onFinal != nil {
			onFinal(final)
		}
	}()

	return task
}

// LoadNext fetches the page after the last element of the reconciled view.
func (l *UsersList) LoadNext(ctx context.Context, onCached, onFinal func(ListOutcome)) *Task {
	return l.Fetch(ctx, l.pages.NextCursor(), onCached, onFinal)
}

// View returns the reconciled view.
func (l *UsersList) View() []schema.Record {
	return l.pages.View()
}

// NextCursor returns the cursor LoadNext would use.
func (l *UsersList) NextCursor() int64 {
	return l.pages.NextCursor()
}

// Reset forgets every page, for a pull-to-refresh from the top.
func (l *UsersList) Reset() {
	l.pages.Reset()
}

func (l *UsersList) readCached(ctx context.Context, since int64) ListOutcome {
	out := ListOutcome{Since: since}

	page, err := l.deps.Store.ReadListLimit(detached(ctx), since, l.config.PageSize)
	if err != nil {
		out.Err = err
		out.Users = l.pages.View()
		return out
	}
	if len(page) == 0 {
		out.Err = store.ErrNoCachedData
		out.Users = l.pages.View()
		return out
	}

	l.pages.Apply(since, page)
	out.Page = page
	out.Users = l.pages.View()
	return out
}

func (l *UsersList) refresh(ctx context.Context, since int64, netTask *fetch.Task) ListOutcome {
	out := ListOutcome{Since: since}
	fail := func(err error) ListOutcome {
		out.Err = err
		out.Cached = l.pages.Has(since)
		out.Users = l.pages.View()
		return out
	}

	body, err := netTask.Wait(detached(ctx))
	if err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		return fail(fetch.ErrCancelled)
	}

	records, err := schema.DecodeList(body)
	if err != nil {
		return fail(err)
	}
	if err := l.deps.Store.WriteList(detached(ctx), records); err != nil {
		return fail(fmt.Errorf("failed to store users page: %w", err))
	}

	page, err := l.deps.Store.ReadListLimit(detached(ctx), since, l.config.PageSize)
	if err != nil {
		return fail(err)
	}

	l.pages.Apply(since, page)
	out.Page = page
	out.Users = l.pages.View()
	return out
}

// IsNoCachedData reports whether err is an empty cache read.
func IsNoCachedData(err error) bool {
	return errors.Is(err, store.ErrNoCachedData)
}
