package relstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danshapiro/poirot/internal/model"
)

// InsertOutbox appends one pending outbox event. It must be called inside the
// same write set as the data write it announces; that shared transaction is
// what makes delivery at-least-once.
func InsertOutbox(tx *sql.Tx, runID, eventType string, payload []byte) error {
	_, err := tx.Exec(`
		INSERT INTO outbox (run_id, event_type, payload_json, status)
		VALUES (?, ?, ?, ?)`,
		runID, eventType, string(payload), string(model.OutboxPending))
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", eventType, err)
	}
	return nil
}

// FetchPendingOutbox returns up to limit pending rows in id order. The
// single run-scoped publisher is the only caller, which stands in for
// row-level skip-locked claiming.
func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, event_type, payload_json, status, attempts, created_at, published_at
		FROM outbox WHERE status = ? ORDER BY id LIMIT ?`,
		string(model.OutboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox: %w", err)
	}
	defer rows.Close()
	var out []model.OutboxEvent
	for rows.Next() {
		var e model.OutboxEvent
		var status, payload string
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &payload, &status,
			&e.Attempts, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, err
		}
		e.Status = model.OutboxStatus(status)
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxPublished flips rows to published. Only the publisher calls this,
// and only after the corresponding enqueues succeeded.
func (s *Store) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			UPDATE outbox SET status = ?, published_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`)
		if err != nil {
			return fmt.Errorf("prepare outbox publish: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(string(model.OutboxPublished), id, string(model.OutboxPending)); err != nil {
				return fmt.Errorf("mark outbox %d published: %w", id, err)
			}
		}
		return nil
	})
}

// MarkOutboxFailed records a permanent publish failure for one row.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, cause error) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE outbox SET status = ?, attempts = attempts + 1
			WHERE id = ?`, string(model.OutboxFailed), id)
		if err != nil {
			return fmt.Errorf("mark outbox %d failed (%v): %w", id, cause, err)
		}
		return nil
	})
}

// BumpOutboxAttempts increments the attempt counter for rows left pending
// after a failed publish round.
func (s *Store) BumpOutboxAttempts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(id); err != nil {
				return err
			}
		}
		return nil
	})
}
