package fetch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/steveyegge/ghsync/internal/fetch"

// Config holds configuration for the executor.
type Config struct {
	// MaxRetryCount is the retry ceiling. Attempts are numbered from 0 and
	// continue while the attempt number is <= MaxRetryCount.
	MaxRetryCount int

	// Backoff computes the wait between attempts.
	Backoff Backoff

	// Verbose logs every attempt, not only failures.
	Verbose bool

	// TracerProvider for attempt spans (nil uses the global provider)
	TracerProvider trace.TracerProvider

	// Logger for executor activity
	Logger *log.Logger
}

// DefaultConfig returns the default retry policy: 5 retries, 1s base,
// 1s jitter, 60s cap.
func DefaultConfig() *Config {
	return &Config{
		MaxRetryCount: 5,
		Backoff:       DefaultBackoff(),
		Logger:        log.New(os.Stderr, "[fetch] ", log.LstdFlags),
	}
}

// Stats is a snapshot of executor counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Attempts  int64 `json:"attempts"`
	Pending   int   `json:"pending"`
}

// Executor is the network lane. At most one request is in flight at any
// time; later submissions wait, in submission order, until the earlier task
// has finished, including any backoff sleeps between its attempts. A queued
// task that is cancelled leaves the queue and completes immediately.
type Executor struct {
	fetcher RemoteFetcher
	config  *Config
	tracer  trace.Tracer

	mu      sync.Mutex
	pending []*Task
	current *Task
	wake    chan struct{}
	closed  bool

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	attempts  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an executor and starts its lane.
// The caller MUST call Close() when done.
func New(fetcher RemoteFetcher, config *Config) (*Executor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRetryCount < 0 {
		return nil, fmt.Errorf("max retry count must not be negative (got %d)", config.MaxRetryCount)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[fetch] ", log.LstdFlags)
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		fetcher: fetcher,
		config:  config,
		tracer:  tp.Tracer(tracerName),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.wg.Add(1)
	go e.lane()

	return e, nil
}

// Option adjusts a single submission.
type Option func(*Task)

// SingleAttempt disables retries for the submission.
func SingleAttempt() Option {
	return func(t *Task) { t.maxRetries = 0 }
}

// WithMaxRetries overrides the retry ceiling for the submission.
func WithMaxRetries(n int) Option {
	return func(t *Task) {
		if n >= 0 {
			t.maxRetries = n
		}
	}
}

// Execute queues req on the lane and returns its task handle immediately.
// Cancelling ctx is equivalent to calling Cancel on the returned task.
func (e *Executor) Execute(ctx context.Context, req Request, opts ...Option) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:         uuid.NewString(),
		req:        req,
		maxRetries: e.config.MaxRetryCount,
		ctx:        taskCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		submitted:  time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}

	e.submitted.Add(1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.finish(t, nil, ErrCancelled)
		return t
	}
	e.pending = append(e.pending, t)
	e.mu.Unlock()

	go e.watchQueued(t)

	select {
	case e.wake <- struct{}{}:
	default:
	}

	return t
}

// watchQueued completes t as soon as it is cancelled, if the lane has not
// picked it up yet.
func (e *Executor) watchQueued(t *Task) {
	select {
	case <-t.done:
		return
	case <-t.ctx.Done():
	}

	e.mu.Lock()
	removed := false
	for i, q := range e.pending {
		if q == t {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			removed = true
			break
		}
	}
	e.mu.Unlock()

	if removed {
		e.finish(t, nil, ErrCancelled)
	}
}

// Do executes req and waits for its outcome.
func (e *Executor) Do(ctx context.Context, req Request, opts ...Option) ([]byte, error) {
	return e.Execute(ctx, req, opts...).Wait(ctx)
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()

	return Stats{
		Submitted: e.submitted.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Cancelled: e.cancelled.Load(),
		Attempts:  e.attempts.Load(),
		Pending:   pending,
	}
}

// Close stops the lane. Queued tasks complete with ErrCancelled and the
// in-flight task is asked to abort.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	queued := e.pending
	e.pending = nil
	current := e.current
	e.mu.Unlock()

	e.cancel()
	if current != nil {
		current.cancel()
	}
	for _, t := range queued {
		t.cancel()
		e.finish(t, nil, ErrCancelled)
	}

	e.wg.Wait()
	return nil
}

// lane runs tasks one at a time in submission order.
func (e *Executor) lane() {
	defer e.wg.Done()

	for {
		t := e.next()
		if t == nil {
			return
		}
		e.run(t)
	}
}

// next blocks until a task is queued or the executor is closed.
func (e *Executor) next() *Task {
	for {
		e.mu.Lock()
		if len(e.pending) > 0 {
			t := e.pending[0]
			e.pending[0] = nil
			e.pending = e.pending[1:]
			e.current = t
			e.mu.Unlock()
			return t
		}
		e.current = nil
		e.mu.Unlock()

		select {
		case <-e.ctx.Done():
			return nil
		case <-e.wake:
		}
	}
}

// run drives a single task through its attempts.
func (e *Executor) run(t *Task) {
	for n := 0; ; n++ {
		if e.aborted(t) {
			e.finish(t, nil, ErrCancelled)
			return
		}

		body, err := e.attempt(t, n)
		if e.aborted(t) {
			// The transport could not abort; discard whatever it returned.
			e.finish(t, nil, ErrCancelled)
			return
		}
		if err == nil {
			e.finish(t, body, nil)
			return
		}

		fe := Classify(err)
		if !fe.Retryable() {
			e.finish(t, nil, fe)
			return
		}
		if n >= t.maxRetries {
			e.config.Logger.Printf("Giving up on %s after %d attempts: %v", t.req, n+1, fe)
			e.finish(t, nil, &exhaustedError{attempts: n + 1, last: fe})
			return
		}

		delay := e.config.Backoff.Delay(n)
		e.config.Logger.Printf("Attempt %d for %s failed (%s), retrying in %v", n, t.req, fe.Kind, delay.Round(time.Millisecond))

		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
		case <-e.ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// attempt performs one transport call inside a trace span.
func (e *Executor) attempt(t *Task, n int) ([]byte, error) {
	ctx, span := e.tracer.Start(t.ctx, "fetch.attempt", trace.WithAttributes(
		attribute.String("task.id", t.id),
		attribute.Int("attempt", n),
		attribute.String("request", t.req.String()),
	))
	defer span.End()

	e.attempts.Add(1)
	t.attempts.Add(1)
	if e.config.Verbose {
		e.config.Logger.Printf("Attempt %d: %s", n, t.req)
	}

	body, err := e.fetcher.Send(ctx, t.req)
	if err != nil {
		fe := Classify(err)
		span.RecordError(fe)
		span.SetStatus(codes.Error, fe.Kind.String())
		span.SetAttributes(attribute.String("error.kind", fe.Kind.String()))
		if fe.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.status_code", fe.StatusCode))
		}
		return nil, fe
	}

	span.SetAttributes(attribute.Int("response.bytes", len(body)))
	return body, nil
}

func (e *Executor) aborted(t *Task) bool {
	return t.ctx.Err() != nil || e.ctx.Err() != nil
}

func (e *Executor) finish(t *Task, body []byte, err error) {
	if !t.complete(body, err) {
		return
	}
	switch {
	case err == nil:
		e.succeeded.Add(1)
	case IsCancelled(err):
		e.cancelled.Add(1)
	default:
		e.failed.Add(1)
	}
}

// Task is the handle for one logical request on the lane.
type Task struct {
	id         string
	req        Request
	maxRetries int
	submitted  time.Time
	attempts   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	body []byte
	err  error
}

// ID returns the task identifier used in logs and spans.
func (t *Task) ID() string {
	return t.id
}

// Request returns the request the task was created for.
func (t *Task) Request() Request {
	return t.req
}

// Attempts returns how many transport calls the task has made so far.
func (t *Task) Attempts() int {
	return int(t.attempts.Load())
}

// Cancel stops further retries and asks the in-flight attempt to abort.
// It is safe to call more than once and after completion.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the task has a final outcome.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Task) Result() ([]byte, error) {
	select {
	case <-t.done:
		return t.body, t.err
	default:
		return nil, fmt.Errorf("task %s still running", t.id)
	}
}

// Wait blocks until the task completes or ctx is done. A ctx expiring here
// does not cancel the task.
func (t *Task) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.body, t.err
	case <-ctx.Done():
		return nil, &Error{Kind: KindCancelled, Err: ctx.Err()}
	}
}

func (t *Task) complete(body []byte, err error) bool {
	first := false
	t.once.Do(func() {
		first = true
		t.body = body
		t.err = err
		close(t.done)
		t.cancel()
	})
	return first
}
