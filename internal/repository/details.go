package repository

import (
	"context"
	"fmt"

	"github.com/steveyegge/ghsync/internal/fetch"
	"github.com/steveyegge/ghsync/internal/schema"
)

// DetailOutcome is delivered to UserDetails callbacks.
type DetailOutcome struct {
	Login string
	User  *schema.Record
	Err   error
}

// UserDetails is the single-record repository.
type UserDetails struct {
	deps   Deps
	config *Config
}

// NewUserDetails creates a detail repository.
func NewUserDetails(deps Deps, config *Config) (*UserDetails, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	return &UserDetails{deps: deps, config: normalize(config)}, nil
}

// Fetch loads login's details: cached copy first, then a refresh that marks
// the record viewed.
func (d *UserDetails) Fetch(ctx context.Context, login string, onCached, onFinal func(DetailOutcome)) *Task {
	task, taskCtx := newTask(ctx)
	netTask := d.deps.Executor.Execute(taskCtx, fetch.UserDetails(login))

	go func() {
		defer task.finish()

		cached := DetailOutcome{Login: login}
		cached.User, cached.Err = d.deps.Store.ReadOne(detached(taskCtx), login)
		if onCached != nil {
			onCached(cached)
		}

		final := d.refresh(taskCtx, login, netTask)
		if final.Err != nil {
			d.config.Logger.Printf("Detail refresh for %s failed: %v", login, final.Err)
		}
		if onFinal != nil {
			onFinal(final)
		}
	}()

	return task
}

func (d *UserDetails) refresh(ctx context.Context, login string, netTask *fetch.Task) DetailOutcome {
	out := DetailOutcome{Login: login}

	body, err := netTask.Wait(detached(ctx))
	if err != nil {
		out.Err = err
		return out
	}
	if ctx.Err() != nil {
		out.Err = fetch.ErrCancelled
		return out
	}

	rec, err := schema.DecodeDetail(body)
	if err != nil {
		out.Err = err
		return out
	}
	if err := d.deps.Store.WriteDetail(detached(ctx), login, rec); err != nil {
		out.Err = fmt.Errorf("failed to store details for %s: %w", login, err)
		return out
	}

	// The upstream login is canonical; the caller may have used other casing.
	readLogin := rec.Login
	if readLogin == "" {
		readLogin = login
	}
	out.User, out.Err = d.deps.Store.ReadOne(detached(ctx), readLogin)
	return out
}

// SaveNote stores a note for login through the write lane. Empty or
// whitespace-only notes fail with store.ErrInvalidNote before any write.
func (d *UserDetails) SaveNote(ctx context.Context, login, note string) error {
	if err := d.deps.Store.WriteNote(ctx, login, note); err != nil {
		return err
	}
	d.config.Logger.Printf("Saved note for %s", login)
	return nil
}
