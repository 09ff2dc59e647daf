// Package graphbuild materializes the run's reconciled knowledge into the
// graph store: every POI becomes a node, every validated relationship an
// edge. Both statements MERGE, so rebuilding after a partial failure
// converges instead of duplicating.
package graphbuild

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/graphstore"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/relstore"
)

// defaultBatchSize rows per graph transaction.
const defaultBatchSize = 1000

// Builder streams store rows into the graph.
type Builder struct {
	Store *relstore.Store
	Graph graphstore.GraphStore
	// BatchSize overrides the per-transaction row count. Default 1000.
	BatchSize int
}

// Stats reports what one build pass wrote.
type Stats struct {
	Nodes int
	Edges int
}

// Build merges all of the run's POIs, then its validated relationships.
// Nodes go first so every edge's endpoints exist.
func (b *Builder) Build(ctx context.Context, runID string) (Stats, error) {
	batch := b.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	var stats Stats

	err := b.Store.StreamPOIs(ctx, runID, batch, func(pois []model.POI) error {
		rows := make([]map[string]any, len(pois))
		for i, p := range pois {
			rows[i] = map[string]any{
				"id":         p.ID,
				"name":       p.Name,
				"type":       p.Type,
				"file_path":  p.FilePath,
				"start_line": p.StartLine,
				"end_line":   p.EndLine,
			}
		}
		if err := b.Graph.ExecuteBatch(ctx, graphstore.MergePOINodesCypher, map[string]any{"rows": rows}); err != nil {
			return err
		}
		stats.Nodes += len(rows)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("merge poi nodes: %w", err)
	}

	err = b.Store.StreamValidatedRelationships(ctx, runID, batch, func(rels []model.Relationship) error {
		rows := make([]map[string]any, len(rels))
		for i, r := range rels {
			rows[i] = map[string]any{
				"source":     r.SourcePOIID,
				"target":     r.TargetPOIID,
				"type":       r.Type,
				"confidence": r.Confidence,
			}
		}
		if err := b.Graph.ExecuteBatch(ctx, graphstore.MergeRelationshipsCypher, map[string]any{"rows": rows}); err != nil {
			return err
		}
		stats.Edges += len(rows)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("merge relationships: %w", err)
	}

	log.WithFields(log.Fields{"run": runID, "nodes": stats.Nodes, "edges": stats.Edges}).Info("graph build complete")
	return stats, nil
}
