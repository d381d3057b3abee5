package repository

import (
	"sort"
	"sync"

	"github.com/steveyegge/ghsync/internal/schema"
)

// Reconciler assembles cursor-keyed pages into one ascending, deduplicated
// sequence. A page applied again for the same cursor replaces the earlier one.
type Reconciler struct {
	mu    sync.Mutex
	pages map[int64][]schema.Record
	order []int64 // cursors, least recently applied first
}

// NewReconciler returns an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{pages: make(map[int64][]schema.Record)}
}

// Apply replaces the page for since with members.
func (r *Reconciler) Apply(since int64, members []schema.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pages[since]; ok {
		for i, c := range r.order {
			if c == since {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.pages[since] = append([]schema.Record(nil), members...)
	r.order = append(r.order, since)
}

// Has reports whether a page for since has been applied.
func (r *Reconciler) Has(since int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pages[since]
	return ok
}

// Pages returns the number of known cursors.
func (r *Reconciler) Pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// View returns all known members sorted by id with duplicates removed.
// For an id present in several pages, the most recently applied copy wins.
func (r *Reconciler) View() []schema.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

func (r *Reconciler) viewLocked() []schema.Record {
	byID := make(map[int64]schema.Record)
	for _, cursor := range r.order {
		for _, rec := range r.pages[cursor] {
			byID[rec.ID] = rec
		}
	}

	view := make([]schema.Record, 0, len(byID))
	for _, rec := range byID {
		view = append(view, rec)
	}
	sort.Slice(view, func(i, j int) bool { return view[i].ID < view[j].ID })
	return view
}

// NextCursor returns the id of the last element of the view, or 0.
func (r *Reconciler) NextCursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var last int64
	for _, page := range r.pages {
		for _, rec := range page {
			if rec.ID > last {
				last = rec.ID
			}
		}
	}
	return last
}

// Reset forgets every page.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = make(map[int64][]schema.Record)
	r.order = nil
}
