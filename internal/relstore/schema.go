package relstore

import (
	"context"
	"fmt"
)

// Migrations are forward-only and additive. Index into this slice + 1 is the
// schema version recorded in schema_meta.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS files (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	path          TEXT NOT NULL UNIQUE,
	checksum      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	special_type  TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pois (
	id          TEXT PRIMARY KEY,
	file_id     INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	file_path   TEXT NOT NULL,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	start_line  INTEGER NOT NULL,
	end_line    INTEGER NOT NULL,
	snippet     TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS pois_file_id ON pois(file_id);
CREATE INDEX IF NOT EXISTS pois_run ON pois(run_id);

CREATE TABLE IF NOT EXISTS relationship_evidence (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	relationship_hash  TEXT NOT NULL,
	run_id             TEXT NOT NULL,
	source_poi_id      TEXT NOT NULL,
	target_poi_id      TEXT NOT NULL,
	type               TEXT NOT NULL,
	raw_confidence     REAL NOT NULL,
	pass               TEXT NOT NULL,
	payload_blob       BLOB,
	created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS evidence_run_hash ON relationship_evidence(run_id, relationship_hash);
CREATE INDEX IF NOT EXISTS evidence_run_pair ON relationship_evidence(run_id, source_poi_id, target_poi_id);

CREATE TABLE IF NOT EXISTS relationships (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	relationship_hash  TEXT NOT NULL,
	run_id             TEXT NOT NULL,
	source_poi_id      TEXT NOT NULL,
	target_poi_id      TEXT NOT NULL,
	type               TEXT NOT NULL,
	confidence         REAL NOT NULL,
	status             TEXT NOT NULL,
	evidence_count     INTEGER NOT NULL DEFAULT 0,
	UNIQUE(run_id, relationship_hash)
);

CREATE TABLE IF NOT EXISTS directory_summaries (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	directory_path  TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	summary_text    TEXT NOT NULL,
	UNIQUE(run_id, directory_path)
);

CREATE TABLE IF NOT EXISTS outbox (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	published_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS outbox_pending ON outbox(status, id);
`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var version int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_meta`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_meta(version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion reports the current schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_meta`).Scan(&v)
	return v, err
}
