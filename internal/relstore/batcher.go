package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// writeSet is one atomic unit of work submitted by a caller.
type writeSet struct {
	fn   func(tx *sql.Tx) error
	done chan error
}

// writer serializes all writes through one goroutine, coalescing independent
// write sets into a shared transaction. Each set runs inside a savepoint so a
// failing set rolls back alone while its batch peers commit.
type writer struct {
	db       *sql.DB
	ch       chan writeSet
	maxBatch int
	maxDelay time.Duration
	timeout  time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
	drained  chan struct{}
}

func newWriter(db *sql.DB, maxBatch int, maxDelay, timeout time.Duration) *writer {
	w := &writer{
		db:       db,
		ch:       make(chan writeSet, maxBatch*2),
		maxBatch: maxBatch,
		maxDelay: maxDelay,
		timeout:  timeout,
		stopped:  make(chan struct{}),
		drained:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) submit(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ws := writeSet{fn: fn, done: make(chan error, 1)}
	select {
	case <-w.stopped:
		return fmt.Errorf("relstore writer is stopped")
	case <-ctx.Done():
		return ctx.Err()
	case w.ch <- ws:
	}
	select {
	case err := <-ws.done:
		return err
	case <-ctx.Done():
		// The set may still be applied by the writer; the caller gave up
		// waiting, not the write itself.
		return ctx.Err()
	}
}

func (w *writer) stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
	<-w.drained
}

func (w *writer) loop() {
	defer close(w.drained)
	for {
		var first writeSet
		select {
		case first = <-w.ch:
		case <-w.stopped:
			w.drainRemaining()
			return
		}

		batch := []writeSet{first}
		timer := time.NewTimer(w.maxDelay)
	gather:
		for len(batch) < w.maxBatch {
			select {
			case ws := <-w.ch:
				batch = append(batch, ws)
			case <-timer.C:
				break gather
			case <-w.stopped:
				break gather
			}
		}
		timer.Stop()
		w.flush(batch)
	}
}

// drainRemaining applies any sets submitted before stop was observed.
func (w *writer) drainRemaining() {
	for {
		select {
		case ws := <-w.ch:
			w.flush([]writeSet{ws})
		default:
			return
		}
	}
}

func (w *writer) flush(batch []writeSet) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		for _, ws := range batch {
			ws.done <- fmt.Errorf("begin write batch: %w", err)
		}
		return
	}

	errs := make([]error, len(batch))
	for i, ws := range batch {
		sp := fmt.Sprintf("ws_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			errs[i] = fmt.Errorf("savepoint: %w", err)
			continue
		}
		if err := ws.fn(tx); err != nil {
			errs[i] = err
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+sp); rbErr != nil {
				// The shared transaction is wedged; fail the whole batch.
				tx.Rollback()
				for j, ws2 := range batch {
					if errs[j] == nil {
						errs[j] = fmt.Errorf("write batch aborted: %w", rbErr)
					}
					ws2.done <- errs[j]
				}
				return
			}
		}
		tx.ExecContext(ctx, "RELEASE "+sp)
	}

	if err := tx.Commit(); err != nil {
		for i, ws := range batch {
			if errs[i] == nil {
				errs[i] = fmt.Errorf("commit write batch: %w", err)
			}
			ws.done <- errs[i]
		}
		return
	}
	for i, ws := range batch {
		ws.done <- errs[i]
	}
}
