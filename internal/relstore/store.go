// Package relstore is the embedded relational store backing the pipeline:
// files, POIs, relationship evidence, validated relationships, directory
// summaries and the transactional outbox.
//
// SQLite runs in WAL mode so readers never block on the writer. All writes
// funnel through a single writer goroutine that coalesces independent write
// sets into shared transactions (see batcher.go); readers use the *sql.DB
// pool directly.
package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Store wraps the SQLite database and its single-writer batching executor.
type Store struct {
	db     *sql.DB
	writer *writer

	txTimeout time.Duration
}

// Options tunes store behavior. The zero value is usable.
type Options struct {
	// TxTimeout bounds each write transaction. Default 5s.
	TxTimeout time.Duration
	// MaxBatch is the most write sets coalesced into one transaction. Default 200.
	MaxBatch int
	// MaxDelay is how long the writer waits to grow a batch. Default 100ms.
	MaxDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.TxTimeout <= 0 {
		o.TxTimeout = 5 * time.Second
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 200
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 100 * time.Millisecond
	}
}

// Open opens (creating if needed) the store at path and migrates the schema.
func Open(path string, opts Options) (*Store, error) {
	opts.applyDefaults()

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_fk=1&_sync=NORMAL", url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open relstore: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping relstore: %w", err)
	}

	s := &Store{db: db, txTimeout: opts.TxTimeout}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.writer = newWriter(db, opts.MaxBatch, opts.MaxDelay, opts.TxTimeout)
	return s, nil
}

// Close drains the writer and closes the database.
func (s *Store) Close() error {
	if s.writer != nil {
		s.writer.stop()
	}
	return s.db.Close()
}

// DB exposes the underlying pool for read-only queries.
func (s *Store) DB() *sql.DB { return s.db }

// Write submits one atomic write set to the single-writer executor. fn runs
// inside a transaction that may be shared with other write sets; a failing
// set is rolled back to its savepoint without aborting its batch peers.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.writer.submit(ctx, fn)
}
