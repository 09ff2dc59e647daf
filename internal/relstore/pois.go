package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/danshapiro/poirot/internal/model"
)

// InsertPOIs writes a batch of POIs. Ids are deterministic, so insert-or-
// replace makes re-analysis of an unchanged file a no-op.
func InsertPOIs(tx *sql.Tx, pois []model.POI) error {
	if len(pois) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO pois
			(id, file_id, file_path, name, type, start_line, end_line, snippet, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare poi insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range pois {
		if _, err := stmt.Exec(
			p.ID, p.FileID, p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine, p.Snippet, p.RunID,
		); err != nil {
			return fmt.Errorf("insert poi %s: %w", p.ID, err)
		}
	}
	return nil
}

// TopPOIsForFile returns up to k POIs for one file ordered by type priority
// (containers first), then by start line.
func (s *Store) TopPOIsForFile(ctx context.Context, fileID int64, k int) ([]model.POI, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, file_path, name, type, start_line, end_line, snippet, run_id
		FROM pois WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query pois for file %d: %w", fileID, err)
	}
	pois, err := scanPOIs(rows)
	if err != nil {
		return nil, err
	}
	sortPOIsByPriority(pois)
	if k > 0 && len(pois) > k {
		pois = pois[:k]
	}
	return pois, nil
}

// StreamPOIs invokes fn with successive batches of the run's POIs, ordered by
// id for stable batching.
func (s *Store) StreamPOIs(ctx context.Context, runID string, batchSize int, fn func([]model.POI) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	last := ""
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, file_id, file_path, name, type, start_line, end_line, snippet, run_id
			FROM pois WHERE run_id = ? AND id > ? ORDER BY id LIMIT ?`,
			runID, last, batchSize)
		if err != nil {
			return fmt.Errorf("stream pois: %w", err)
		}
		batch, err := scanPOIs(rows)
		if err != nil {
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

func scanPOIs(rows *sql.Rows) ([]model.POI, error) {
	defer rows.Close()
	var out []model.POI
	for rows.Next() {
		var p model.POI
		if err := rows.Scan(&p.ID, &p.FileID, &p.FilePath, &p.Name, &p.Type,
			&p.StartLine, &p.EndLine, &p.Snippet, &p.RunID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func sortPOIsByPriority(pois []model.POI) {
	sort.SliceStable(pois, func(i, j int) bool {
		pi, pj := model.POITypePriority(pois[i].Type), model.POITypePriority(pois[j].Type)
		if pi != pj {
			return pi < pj
		}
		return pois[i].StartLine < pois[j].StartLine
	})
}
