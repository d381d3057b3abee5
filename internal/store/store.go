// Package store provides the durable record cache for ghsync.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) opened in WAL
// mode behind two handles:
//   - a reader pool: concurrent reads, each statement sees the latest
//     committed snapshot and never a partially applied write
//   - a single writer: every write goes through one lane goroutine, one
//     transaction at a time, in submission order
//
// Writes never race, so the merge rules in WriteList and WriteDetail are the
// only precedence logic: list writes never assign fields they did not fetch,
// viewed only moves from false to true, and note is only changed by WriteNote.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultFetchLimit is the page size used by ReadList.
const DefaultFetchLimit = 30

// Config holds configuration for the store.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string

	// FetchLimit caps ReadList results.
	FetchLimit int

	// WriteQueue is the number of writes that may wait on the lane before
	// submitters block.
	WriteQueue int

	// Logger for store activity
	Logger *log.Logger
}

// DefaultConfig returns a config for the database at path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:       path,
		FetchLimit: DefaultFetchLimit,
		WriteQueue: 64,
		Logger:     log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Store is the durable record cache.
type Store struct {
	reader *sql.DB
	writer *sql.DB
	config *Config

	mu     sync.RWMutex
	closed bool
	writes chan *writeOp
	wg     sync.WaitGroup
}

// writeOp is one unit of work on the write lane.
type writeOp struct {
	name  string
	apply func(ctx context.Context, tx *sql.Tx) error
	done  chan error
}

// Open opens (creating if needed) the database and starts the write lane.
//
// The caller MUST call Close() when done to flush queued writes.
//
// Example:
//
//	s, err := store.Open(store.DefaultConfig("~/.ghsync/cache.db"))
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
func Open(config *Config) (*Store, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.FetchLimit <= 0 {
		config.FetchLimit = DefaultFetchLimit
	}
	if config.WriteQueue <= 0 {
		config.WriteQueue = 64
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	writer, err := openConn(config.Path, "&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// One connection: the lane is the only writer.
	writer.SetMaxOpenConns(1)

	if err := initSchema(context.Background(), writer); err != nil {
		_ = writer.Close()
		return nil, err
	}

	reader, err := openConn(config.Path, "&_pragma=query_only(1)")
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	reader.SetMaxOpenConns(8)
	reader.SetMaxIdleConns(4)

	s := &Store{
		reader: reader,
		writer: writer,
		config: config,
		writes: make(chan *writeOp, config.WriteQueue),
	}

	s.wg.Add(1)
	go s.lane()

	return s, nil
}

func openConn(path, extra string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)%s", path, extra)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.config.Path
}

// FetchLimit returns the ReadList cap.
func (s *Store) FetchLimit() int {
	return s.config.FetchLimit
}

// Close drains the write lane, checkpoints the WAL and closes both handles.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()

	s.wg.Wait()

	if _, err := s.writer.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.config.Logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	var firstErr error
	if err := s.reader.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close reader: %w", err)
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close writer: %w", err)
	}
	return firstErr
}

// lane applies queued writes one at a time, each in its own transaction.
// Queued writes still run after Close; the channel is drained before exit.
func (s *Store) lane() {
	defer s.wg.Done()

	for op := range s.writes {
		op.done <- s.apply(op)
	}
}

func (s *Store) apply(op *writeOp) error {
	ctx := context.Background()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: OpWrite, Name: op.name, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}

	if err := op.apply(ctx, tx); err != nil {
		_ = tx.Rollback()
		if isDomainError(err) {
			return err
		}
		return &Error{Op: OpWrite, Name: op.name, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &Error{Op: OpWrite, Name: op.name, Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}
	return nil
}

// write submits fn to the lane and waits for it to commit.
//
// If ctx ends before the write is queued, nothing is applied. Once queued the
// write always runs; a ctx ending while waiting only stops the wait.
func (s *Store) write(ctx context.Context, name string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	op := &writeOp{name: name, apply: fn, done: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.writes <- op:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initSchema creates the users table if it doesn't exist. Idempotent.
func initSchema(ctx context.Context, conn *sql.DB) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		login TEXT,
		avatar_url TEXT,
		kind TEXT,

		-- detail fields, NULL until the first detail fetch
		name TEXT,
		company TEXT,
		blog TEXT,
		public_repos INTEGER,
		following INTEGER,

		-- local state
		note TEXT,
		viewed INTEGER NOT NULL DEFAULT 0,
		viewed_at TEXT,

		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_login ON users(login);
	CREATE INDEX IF NOT EXISTS idx_users_viewed ON users(viewed, viewed_at);
	`

	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
