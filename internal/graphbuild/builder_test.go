package graphbuild

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danshapiro/poirot/internal/graphstore"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/relstore"
)

func seedStore(t *testing.T, store *relstore.Store, pois int, rels []model.Relationship) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, func(tx *sql.Tx) error {
		fileID, err := relstore.UpsertFile(tx, model.File{
			Path: "x.js", Checksum: "c", Status: model.FileStatusCompleted, RunID: "run-1",
		})
		if err != nil {
			return err
		}
		batch := make([]model.POI, pois)
		for i := range batch {
			batch[i] = model.POI{
				ID:       fmt.Sprintf("poi-%03d", i),
				FileID:   fileID,
				FilePath: "x.js",
				Name:     fmt.Sprintf("f%d", i),
				Type:     "function",
				RunID:    "run-1",
			}
		}
		if err := relstore.InsertPOIs(tx, batch); err != nil {
			return err
		}
		for _, r := range rels {
			if err := relstore.UpsertValidatedRelationship(tx, r); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestBuild_MergesNodesThenValidatedEdges(t *testing.T) {
	store, err := relstore.Open(filepath.Join(t.TempDir(), "rel.db"), relstore.Options{})
	require.NoError(t, err)
	defer store.Close()

	seedStore(t, store, 5, []model.Relationship{
		{
			RelationshipHash: "h1", RunID: "run-1",
			SourcePOIID: "poi-000", TargetPOIID: "poi-001",
			Type: "CALLS", Confidence: 0.9, Status: model.RelationshipValidated, EvidenceCount: 2,
		},
		{
			RelationshipHash: "h2", RunID: "run-1",
			SourcePOIID: "poi-000", TargetPOIID: "poi-002",
			Type: "USES", Confidence: 0.3, Status: model.RelationshipRejected, EvidenceCount: 1,
		},
	})

	g := graphstore.NewMemory()
	b := &Builder{Store: store, Graph: g, BatchSize: 2}
	stats, err := b.Build(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 5, stats.Nodes)
	require.Equal(t, 1, stats.Edges) // rejected relationship stays out

	require.Equal(t, 5, g.NodeCount())
	require.Equal(t, 1, g.EdgeCount())
	edges := g.Edges()
	require.Equal(t, "CALLS", edges[0].Type)
	require.Equal(t, 0.9, edges[0].Confidence)

	props, ok := g.Node("poi-000")
	require.True(t, ok)
	require.Equal(t, "x.js", props["file_path"])
}

func TestBuild_IsIdempotent(t *testing.T) {
	store, err := relstore.Open(filepath.Join(t.TempDir(), "rel.db"), relstore.Options{})
	require.NoError(t, err)
	defer store.Close()

	seedStore(t, store, 3, []model.Relationship{{
		RelationshipHash: "h1", RunID: "run-1",
		SourcePOIID: "poi-000", TargetPOIID: "poi-001",
		Type: "CALLS", Confidence: 0.8, Status: model.RelationshipValidated, EvidenceCount: 1,
	}})

	g := graphstore.NewMemory()
	b := &Builder{Store: store, Graph: g}
	_, err = b.Build(context.Background(), "run-1")
	require.NoError(t, err)
	_, err = b.Build(context.Background(), "run-1")
	require.NoError(t, err)

	require.Equal(t, 3, g.NodeCount())
	require.Equal(t, 1, g.EdgeCount())
}
