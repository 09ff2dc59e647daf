package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/danshapiro/poirot/internal/model"
)

// UpsertFile inserts or updates a file row by path, returning its id.
// Callable within a write set.
func UpsertFile(tx *sql.Tx, f model.File) (int64, error) {
	var id int64
	err := tx.QueryRow(`
		INSERT INTO files (path, checksum, status, special_type, run_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			checksum = excluded.checksum,
			status = excluded.status,
			special_type = excluded.special_type,
			run_id = excluded.run_id
		RETURNING id`,
		f.Path, f.Checksum, string(f.Status), f.SpecialType, f.RunID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert file %s: %w", f.Path, err)
	}
	return id, nil
}

// UpdateFileStatus sets the status of one file row.
func UpdateFileStatus(tx *sql.Tx, fileID int64, status model.FileStatus) error {
	if _, err := tx.Exec(`UPDATE files SET status = ? WHERE id = ?`, string(status), fileID); err != nil {
		return fmt.Errorf("update file %d status: %w", fileID, err)
	}
	return nil
}

// GetFileByPath reads one file row.
func (s *Store) GetFileByPath(ctx context.Context, path string) (model.File, error) {
	var f model.File
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, checksum, status, special_type, run_id
		FROM files WHERE path = ?`, path).
		Scan(&f.ID, &f.Path, &f.Checksum, &status, &f.SpecialType, &f.RunID)
	if err != nil {
		return f, err
	}
	f.Status = model.FileStatus(status)
	return f, nil
}

// ListFilesWithStatus returns all files in the given status, optionally
// filtered by run.
func (s *Store) ListFilesWithStatus(ctx context.Context, status model.FileStatus, runID string) ([]model.File, error) {
	q := `SELECT id, path, checksum, status, special_type, run_id FROM files WHERE status = ?`
	args := []any{string(status)}
	if runID != "" {
		q += ` AND run_id = ?`
		args = append(args, runID)
	}
	q += ` ORDER BY path`
	return s.queryFiles(ctx, q, args...)
}

// ListFilesUnderDirectory returns all files whose path sits directly or
// transitively under dir.
func (s *Store) ListFilesUnderDirectory(ctx context.Context, runID, dir string) ([]model.File, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	return s.queryFiles(ctx, `
		SELECT id, path, checksum, status, special_type, run_id
		FROM files WHERE run_id = ? AND path LIKE ? ESCAPE '\' ORDER BY path`,
		runID, likeEscape(prefix)+"%")
}

// ListFilePaths returns every tracked file path for the run ("" = all runs).
func (s *Store) ListFilePaths(ctx context.Context, runID string) ([]string, error) {
	q := `SELECT path FROM files`
	var args []any
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list file paths: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkFilesPendingDeletion flips the given paths to pending_deletion in one
// statement. Paths not present are ignored.
func (s *Store) MarkFilesPendingDeletion(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.Write(ctx, func(tx *sql.Tx) error {
		q, args := inClause(`UPDATE files SET status = ? WHERE path IN `, paths)
		_, err := tx.Exec(q, append([]any{string(model.FileStatusPendingDeletion)}, args...)...)
		if err != nil {
			return fmt.Errorf("mark pending deletion: %w", err)
		}
		return nil
	})
}

// DeleteFilesByPath removes file rows and, via cascade and explicit deletes,
// their POIs, evidence and relationships.
func (s *Store) DeleteFilesByPath(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.Write(ctx, func(tx *sql.Tx) error {
		poiQ, poiArgs := inClause(`SELECT id FROM pois WHERE file_path IN `, paths)
		rows, err := tx.Query(poiQ, poiArgs...)
		if err != nil {
			return fmt.Errorf("collect pois for deletion: %w", err)
		}
		var poiIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			poiIDs = append(poiIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(poiIDs) > 0 {
			evQ, evArgs := inClause2(
				`DELETE FROM relationship_evidence WHERE source_poi_id IN `, ` OR target_poi_id IN `, poiIDs)
			if _, err := tx.Exec(evQ, evArgs...); err != nil {
				return fmt.Errorf("delete evidence: %w", err)
			}
			relQ, relArgs := inClause2(
				`DELETE FROM relationships WHERE source_poi_id IN `, ` OR target_poi_id IN `, poiIDs)
			if _, err := tx.Exec(relQ, relArgs...); err != nil {
				return fmt.Errorf("delete relationships: %w", err)
			}
		}

		fileQ, fileArgs := inClause(`DELETE FROM files WHERE path IN `, paths)
		if _, err := tx.Exec(fileQ, fileArgs...); err != nil {
			return fmt.Errorf("delete files: %w", err)
		}
		return nil
	})
}

func (s *Store) queryFiles(ctx context.Context, q string, args ...any) ([]model.File, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()
	var out []model.File
	for rows.Next() {
		var f model.File
		var status string
		if err := rows.Scan(&f.ID, &f.Path, &f.Checksum, &status, &f.SpecialType, &f.RunID); err != nil {
			return nil, err
		}
		f.Status = model.FileStatus(status)
		out = append(out, f)
	}
	return out, rows.Err()
}

// inClause renders "prefix (?, ?, ...)" with its argument slice.
func inClause(prefix string, vals []string) (string, []any) {
	ph := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = "?"
		args[i] = v
	}
	return prefix + "(" + strings.Join(ph, ", ") + ")", args
}

// inClause2 renders "p1 (?...) p2 (?...)" binding vals twice.
func inClause2(p1, p2 string, vals []string) (string, []any) {
	q1, a1 := inClause(p1, vals)
	q2, a2 := inClause(p2, vals)
	return q1 + q2, append(a1, a2...)
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
