package relstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danshapiro/poirot/internal/model"
)

// UpsertValidatedRelationship writes the reconciled outcome for one
// relationship hash. Exactly one row exists per (run_id, relationship_hash);
// re-reconciliation overwrites it.
func UpsertValidatedRelationship(tx *sql.Tx, r model.Relationship) error {
	_, err := tx.Exec(`
		INSERT INTO relationships
			(relationship_hash, run_id, source_poi_id, target_poi_id, type, confidence, status, evidence_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, relationship_hash) DO UPDATE SET
			confidence = excluded.confidence,
			status = excluded.status,
			evidence_count = excluded.evidence_count`,
		r.RelationshipHash, r.RunID, r.SourcePOIID, r.TargetPOIID,
		r.Type, r.Confidence, string(r.Status), r.EvidenceCount)
	if err != nil {
		return fmt.Errorf("upsert relationship %s: %w", r.RelationshipHash, err)
	}
	return nil
}

// GetRelationship reads the reconciled row for one hash.
func (s *Store) GetRelationship(ctx context.Context, runID, hash string) (model.Relationship, error) {
	var r model.Relationship
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, relationship_hash, run_id, source_poi_id, target_poi_id,
		       type, confidence, status, evidence_count
		FROM relationships WHERE run_id = ? AND relationship_hash = ?`, runID, hash).
		Scan(&r.ID, &r.RelationshipHash, &r.RunID, &r.SourcePOIID, &r.TargetPOIID,
			&r.Type, &r.Confidence, &status, &r.EvidenceCount)
	if err != nil {
		return r, err
	}
	r.Status = model.RelationshipStatus(status)
	return r, nil
}

// StreamValidatedRelationships invokes fn with successive batches of the
// run's validated (accepted) relationships.
func (s *Store) StreamValidatedRelationships(ctx context.Context, runID string, batchSize int, fn func([]model.Relationship) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var last int64
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, relationship_hash, run_id, source_poi_id, target_poi_id,
			       type, confidence, status, evidence_count
			FROM relationships
			WHERE run_id = ? AND status = ? AND id > ?
			ORDER BY id LIMIT ?`,
			runID, string(model.RelationshipValidated), last, batchSize)
		if err != nil {
			return fmt.Errorf("stream relationships: %w", err)
		}
		var batch []model.Relationship
		for rows.Next() {
			var r model.Relationship
			var status string
			if err := rows.Scan(&r.ID, &r.RelationshipHash, &r.RunID, &r.SourcePOIID,
				&r.TargetPOIID, &r.Type, &r.Confidence, &status, &r.EvidenceCount); err != nil {
				rows.Close()
				return err
			}
			r.Status = model.RelationshipStatus(status)
			batch = append(batch, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		last = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			return nil
		}
	}
}

// InsertDirectorySummary records the summary for one directory; re-running a
// directory job replaces it.
func InsertDirectorySummary(tx *sql.Tx, d model.DirectorySummary) error {
	_, err := tx.Exec(`
		INSERT INTO directory_summaries (directory_path, run_id, summary_text)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, directory_path) DO UPDATE SET summary_text = excluded.summary_text`,
		d.DirectoryPath, d.RunID, d.SummaryText)
	if err != nil {
		return fmt.Errorf("insert directory summary %s: %w", d.DirectoryPath, err)
	}
	return nil
}

// GetDirectorySummary reads one directory summary.
func (s *Store) GetDirectorySummary(ctx context.Context, runID, dir string) (model.DirectorySummary, error) {
	var d model.DirectorySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT id, directory_path, run_id, summary_text
		FROM directory_summaries WHERE run_id = ? AND directory_path = ?`, runID, dir).
		Scan(&d.ID, &d.DirectoryPath, &d.RunID, &d.SummaryText)
	return d, err
}
