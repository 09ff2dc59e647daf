// Package cleaner reconciles the stores with the filesystem: files the store
// tracks that no longer exist on disk are marked pending_deletion, then swept
// out of the graph and the relational store in that order. Graph first makes
// the sweep retry-safe: a crash between the two phases leaves rows that the
// next sweep picks up again, never orphaned graph nodes.
package cleaner

import (
	"context"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/graphstore"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/relstore"
)

// sweepBatch bounds how many paths one graph delete statement carries.
const sweepBatch = 500

// Cleaner removes stale file state.
type Cleaner struct {
	Store *relstore.Store
	Graph graphstore.GraphStore
}

// Reconcile diffs tracked paths against the tree at root and marks the
// missing ones pending_deletion. It returns the marked paths. All tracked
// files are checked, not just the current run's: a deleted file keeps the
// run id of the last scan that saw it.
func (c *Cleaner) Reconcile(ctx context.Context, runID, root string) ([]string, error) {
	tracked, err := c.Store.ListFilePaths(ctx, "")
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, rel := range tracked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); os.IsNotExist(err) {
			missing = append(missing, rel)
		}
	}
	if err := c.Store.MarkFilesPendingDeletion(ctx, missing); err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		log.WithFields(log.Fields{"run": runID, "files": len(missing)}).Info("marked files pending deletion")
	}
	return missing, nil
}

// Sweep deletes everything marked pending_deletion: graph nodes and their
// edges first, then the relational rows. It returns how many files it swept.
func (c *Cleaner) Sweep(ctx context.Context, runID string) (int, error) {
	files, err := c.Store.ListFilesWithStatus(ctx, model.FileStatusPendingDeletion, "")
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	swept := 0
	for start := 0; start < len(paths); start += sweepBatch {
		end := start + sweepBatch
		if end > len(paths) {
			end = len(paths)
		}
		batch := paths[start:end]
		if c.Graph != nil {
			if err := c.Graph.ExecuteBatch(ctx, graphstore.DeleteByFilePathsCypher,
				map[string]any{"paths": batch}); err != nil {
				return swept, err
			}
		}
		if err := c.Store.DeleteFilesByPath(ctx, batch); err != nil {
			return swept, err
		}
		swept += len(batch)
	}
	log.WithFields(log.Fields{"run": runID, "files": swept}).Info("sweep complete")
	return swept, nil
}
