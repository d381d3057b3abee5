// Package loadtest stresses the record store with concurrent readers and
// writers.
//
// Readers run list, single-record and search queries on the reader handle
// while writers push list refreshes, detail writes and notes through the
// writer lane. Every record a reader sees must be a whole write: a viewed
// record carries its detail fields and an unviewed record carries none.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/ghsync/internal/schema"
	"github.com/steveyegge/ghsync/internal/store"
)

// ErrInconsistent is returned when a reader observed a partially applied write.
var ErrInconsistent = errors.New("reader observed a partial write")

// Options configures a run.
type Options struct {
	// Path of the sqlite file to populate. Required.
	Path string

	// Users is how many records are created before the run
	Users int

	// Readers and Writers are the goroutine counts
	Readers int
	Writers int

	// Duration of the concurrent phase
	Duration time.Duration

	// Seed makes the operation mix reproducible
	Seed uint64

	// Logger for run progress
	Logger *log.Logger
}

// DefaultOptions returns a moderate run against path.
func DefaultOptions(path string) Options {
	return Options{
		Path:     path,
		Users:    1000,
		Readers:  50,
		Writers:  4,
		Duration: 5 * time.Second,
		Seed:     1,
		Logger:   log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
	}
}

// LatencyStats captures performance metrics from a run.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// Result is the outcome of a run.
type Result struct {
	Users      int
	Reads      *LatencyStats
	Writes     *LatencyStats
	Violations int
	// FirstViolation describes the first inconsistent record seen.
	FirstViolation string
}

// Run populates a store and runs the concurrent phase. It returns
// ErrInconsistent along with the result when any reader saw a partial write.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if opts.Users <= 0 || opts.Readers <= 0 || opts.Writers <= 0 {
		return nil, fmt.Errorf("users, readers and writers must be positive")
	}
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	config := store.DefaultConfig(opts.Path)
	config.Logger = opts.Logger
	st, err := store.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := populate(ctx, st, opts.Users); err != nil {
		return nil, err
	}
	opts.Logger.Printf("Populated %d users", opts.Users)

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		reads      []time.Duration
		writes     []time.Duration
		readErrs   atomic.Int64
		writeErrs  atomic.Int64
		violations atomic.Int64
		first      string
	)
	violate := func(msg string) {
		if violations.Add(1) == 1 {
			mu.Lock()
			first = msg
			mu.Unlock()
		}
	}

	for i := 0; i < opts.Readers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(id)))
			var local []time.Duration

			for runCtx.Err() == nil {
				start := time.Now()
				records, err := readOnce(runCtx, st, rng, opts.Users)
				elapsed := time.Since(start)
				if err != nil {
					if runCtx.Err() == nil {
						readErrs.Add(1)
					}
					continue
				}
				local = append(local, elapsed)

				for _, r := range records {
					if msg := checkRecord(r); msg != "" {
						violate(fmt.Sprintf("reader %d: %s", id, msg))
					}
				}
			}

			mu.Lock()
			reads = append(reads, local...)
			mu.Unlock()
		}(i)
	}

	for i := 0; i < opts.Writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(1000+id)))
			var local []time.Duration

			for runCtx.Err() == nil {
				start := time.Now()
				// The store commits a queued write even if runCtx ends.
				err := writeOnce(runCtx, st, rng, opts.Users)
				elapsed := time.Since(start)
				if err != nil {
					if runCtx.Err() == nil {
						writeErrs.Add(1)
					}
					continue
				}
				local = append(local, elapsed)
			}

			mu.Lock()
			writes = append(writes, local...)
			mu.Unlock()
		}(i)
	}

	wg.Wait()

	count, err := st.Count()
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	res := &Result{
		Users:          count,
		Reads:          computeLatencyStats(reads),
		Writes:         computeLatencyStats(writes),
		Violations:     int(violations.Load()),
		FirstViolation: first,
	}
	res.Reads.Errors = int(readErrs.Load())
	res.Writes.Errors = int(writeErrs.Load())

	opts.Logger.Printf("Run complete: %d reads, %d writes, %d violations",
		res.Reads.TotalQueries, res.Writes.TotalQueries, res.Violations)

	if count != opts.Users {
		return res, fmt.Errorf("expected %d users after run, found %d", opts.Users, count)
	}
	if res.Violations > 0 {
		return res, fmt.Errorf("%w: %s", ErrInconsistent, res.FirstViolation)
	}
	return res, nil
}

// populate restores ids 1..n in pages. The first half is stored viewed with
// details, and notes are only ever written to those ids.
func populate(ctx context.Context, st *store.Store, n int) error {
	const batch = 100
	for start := 1; start <= n; start += batch {
		end := min(start+batch-1, n)
		page := make([]schema.Record, 0, end-start+1)
		for id := start; id <= end; id++ {
			if id <= detailed(n) {
				r := detailRecord(int64(id), 0)
				r.Viewed = true
				page = append(page, r)
				continue
			}
			page = append(page, listRecord(int64(id)))
		}
		if err := st.Restore(ctx, page); err != nil {
			return fmt.Errorf("failed to populate users %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func detailed(users int) int {
	return (users + 1) / 2
}

func listRecord(id int64) schema.Record {
	kind := schema.KindIndividual
	if id%10 == 0 {
		kind = schema.KindOrganization
	}
	return schema.Record{
		ID:        id,
		Login:     fmt.Sprintf("user%05d", id),
		AvatarURL: fmt.Sprintf("https://avatars.example.com/u/%d", id),
		Kind:      kind,
	}
}

// detailRecord always carries a name and a positive repo count, so a viewed
// record without them was read mid-write.
func detailRecord(id int64, rev int) schema.Record {
	r := listRecord(id)
	r.Name = fmt.Sprintf("User %d rev %d", id, rev)
	r.Company = "example"
	r.PublicRepos = int(id%50) + 1
	r.Following = rev
	return r
}

func checkRecord(r schema.Record) string {
	if r.Viewed && (r.Name == "" || r.PublicRepos == 0) {
		return fmt.Sprintf("user %d is viewed without details", r.ID)
	}
	if !r.Viewed && r.Name != "" {
		return fmt.Sprintf("user %d has details but is not viewed", r.ID)
	}
	return ""
}

func readOnce(ctx context.Context, st *store.Store, rng *rand.Rand, users int) ([]schema.Record, error) {
	switch rng.IntN(3) {
	case 0:
		return st.ReadList(ctx, rng.Int64N(int64(users)))
	case 1:
		r, err := st.ReadByID(ctx, rng.Int64N(int64(users))+1)
		if err != nil {
			return nil, err
		}
		return []schema.Record{*r}, nil
	default:
		return st.SearchLocal(ctx, fmt.Sprintf("user%03d", rng.IntN(users/100+1)))
	}
}

func writeOnce(ctx context.Context, st *store.Store, rng *rand.Rand, users int) error {
	id := rng.Int64N(int64(users)) + 1
	switch rng.IntN(3) {
	case 0:
		return st.WriteDetail(ctx, listRecord(id).Login, detailRecord(id, rng.IntN(1000)))
	case 1:
		page := make([]schema.Record, 0, 30)
		for i := id; i < id+30 && i <= int64(users); i++ {
			page = append(page, listRecord(i))
		}
		return st.WriteList(ctx, page)
	default:
		// Notes mark a record viewed, so they only target detailed ids.
		id = rng.Int64N(int64(detailed(users))) + 1
		return st.WriteNote(ctx, listRecord(id).Login, fmt.Sprintf("note %d", rng.IntN(1000)))
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(sorted)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(sorted),
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Total:         %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
