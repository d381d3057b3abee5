package repository

import (
	"context"
	"fmt"

	"github.com/steveyegge/ghsync/internal/schema"
)

// SearchOutcome is delivered to LocalSearch callbacks.
type SearchOutcome struct {
	Query string
	Users []schema.Record
	Err   error
}

// LocalSearch is the store-only search repository. It has no network leg,
// so its single result is the final one.
type LocalSearch struct {
	deps   Deps
	config *Config
}

// NewLocalSearch creates a search repository.
func NewLocalSearch(deps Deps, config *Config) (*LocalSearch, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &LocalSearch{deps: deps, config: normalize(config)}, nil
}

// Fetch runs query against the store and delivers the matches.
func (s *LocalSearch) Fetch(ctx context.Context, query string, onResult func(SearchOutcome)) *Task {
	task, taskCtx := newTask(ctx)

	go func() {
		defer task.finish()

		out := SearchOutcome{Query: query}
		out.Users, out.Err = s.Search(taskCtx, query)
		if onResult != nil {
			onResult(out)
		}
	}()

	return task
}

// Search runs query synchronously.
func (s *LocalSearch) Search(ctx context.Context, query string) ([]schema.Record, error) {
	return s.deps.Store.SearchLocal(ctx, query)
}
