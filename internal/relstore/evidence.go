package relstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danshapiro/poirot/internal/model"
)

// AppendEvidence writes a batch of evidence rows. Evidence is append-only
// within a run; rows are never updated or deleted until their file goes away.
func AppendEvidence(tx *sql.Tx, batch []model.Evidence) error {
	if len(batch) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO relationship_evidence
			(relationship_hash, run_id, source_poi_id, target_poi_id, type, raw_confidence, pass, payload_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare evidence insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range batch {
		if _, err := stmt.Exec(
			e.RelationshipHash, e.RunID, e.SourcePOIID, e.TargetPOIID,
			e.Type, e.RawConfidence, string(e.Pass), e.Payload,
		); err != nil {
			return fmt.Errorf("append evidence %s: %w", e.RelationshipHash, err)
		}
	}
	return nil
}

// ListEvidenceByHash returns all evidence for one relationship hash within a
// run, in arrival order.
func (s *Store) ListEvidenceByHash(ctx context.Context, runID, hash string) ([]model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relationship_hash, run_id, source_poi_id, target_poi_id,
		       type, raw_confidence, pass, payload_blob, created_at
		FROM relationship_evidence
		WHERE run_id = ? AND relationship_hash = ?
		ORDER BY id`, runID, hash)
	if err != nil {
		return nil, fmt.Errorf("list evidence %s: %w", hash, err)
	}
	defer rows.Close()
	var out []model.Evidence
	for rows.Next() {
		var e model.Evidence
		var pass string
		if err := rows.Scan(&e.ID, &e.RelationshipHash, &e.RunID, &e.SourcePOIID,
			&e.TargetPOIID, &e.Type, &e.RawConfidence, &pass, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Pass = model.Pass(pass)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ContradictingPasses returns the distinct passes that observed a different
// relationship type between the same two POIs.
func (s *Store) ContradictingPasses(ctx context.Context, runID, sourceID, targetID, relType string) ([]model.Pass, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT pass FROM relationship_evidence
		WHERE run_id = ? AND source_poi_id = ? AND target_poi_id = ? AND type <> ?`,
		runID, sourceID, targetID, relType)
	if err != nil {
		return nil, fmt.Errorf("contradicting passes: %w", err)
	}
	defer rows.Close()
	var out []model.Pass
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, model.Pass(p))
	}
	return out, rows.Err()
}

// CountEvidence reports how many evidence rows exist for a hash within a run.
func (s *Store) CountEvidence(ctx context.Context, runID, hash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationship_evidence
		WHERE run_id = ? AND relationship_hash = ?`, runID, hash).Scan(&n)
	return n, err
}
