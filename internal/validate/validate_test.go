package validate

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/poirot/internal/metrics"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

func ev(pass model.Pass, conf float64) model.Evidence {
	return model.Evidence{
		RelationshipHash: "h1", RunID: "run-1",
		SourcePOIID: "poi-a", TargetPOIID: "poi-b",
		Type: "CALLS", RawConfidence: conf, Pass: pass,
	}
}

func TestComputeConfidence_SinglePassIsMean(t *testing.T) {
	got := ComputeConfidence([]model.Evidence{
		ev(model.PassIntraFile, 0.6),
		ev(model.PassIntraFile, 0.8),
	}, nil)
	require.InDelta(t, 0.7, got, 1e-9)
}

func TestComputeConfidence_ConfirmingPassBoosts(t *testing.T) {
	// Mean 0.68, one additional confirming pass closes 20% of the gap:
	// 0.68 + 0.32*0.2 = 0.744.
	got := ComputeConfidence([]model.Evidence{
		ev(model.PassIntraFile, 0.6),
		ev(model.PassIntraDirectory, 0.76),
	}, nil)
	require.InDelta(t, 0.744, got, 1e-9)
}

func TestComputeConfidence_ContradictionHalves(t *testing.T) {
	got := ComputeConfidence([]model.Evidence{
		ev(model.PassIntraFile, 0.8),
	}, []model.Pass{model.PassIntraDirectory})
	require.InDelta(t, 0.4, got, 1e-9)
}

func TestComputeConfidence_DeterministicForcesOne(t *testing.T) {
	got := ComputeConfidence([]model.Evidence{
		ev(model.PassIntraFile, 0.1),
		ev(model.PassDeterministic, 1.0),
	}, []model.Pass{model.PassGlobal})
	require.Equal(t, 1.0, got)
}

func TestComputeConfidence_ClampedAndEmpty(t *testing.T) {
	require.Equal(t, 0.0, ComputeConfidence(nil, nil))

	// Many confirming passes keep the score under 1.
	got := ComputeConfidence([]model.Evidence{
		ev(model.PassIntraFile, 0.99),
		ev(model.PassIntraDirectory, 0.99),
		ev(model.PassGlobal, 0.99),
	}, nil)
	require.True(t, got <= 1 && got > 0.99)
	require.False(t, math.IsNaN(got))
}

func newFixture(t *testing.T) (*relstore.Store, *queue.RedisQueue) {
	t.Helper()
	store, err := relstore.Open(filepath.Join(t.TempDir(), "rel.db"), relstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.NewRedis(rdb, queue.RedisOptions{Namespace: "test", PollInterval: 5 * time.Millisecond})
	return store, q
}

func validationJob(t *testing.T, f model.RelationshipFinding) queue.Job {
	t.Helper()
	payload, err := json.Marshal(model.ValidationJob{RunID: f.RunID, Finding: f})
	require.NoError(t, err)
	return queue.Job{Payload: payload}
}

func TestValidator_AppendsEvidenceAndSchedulesReconciliation(t *testing.T) {
	store, q := newFixture(t)
	ctx := context.Background()
	v := &Validator{Store: store, Queue: q, Metrics: metrics.NewNop(), QuietWindow: time.Hour}

	finding := model.RelationshipFinding{
		RunID: "run-1", RelationshipHash: "h1",
		SourcePOIID: "poi-a", TargetPOIID: "poi-b",
		Type: "CALLS", RawConfidence: 0.8, Pass: model.PassIntraFile,
		EvidenceText: "a calls b", FilePath: "x.js",
	}
	res := v.Handle(ctx, validationJob(t, finding))
	require.Equal(t, queue.KindAck, res.Kind)

	evidence, err := store.ListEvidenceByHash(ctx, "run-1", "h1")
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	payload, err := model.DecodeEvidencePayload(evidence[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "a calls b", payload.EvidenceText)

	// The reconciliation job exists but is delayed past the quiet window.
	depth, err := q.Depth(ctx, queue.ReconciliationQueue)
	require.NoError(t, err)
	require.EqualValues(t, 0, depth)

	// A second finding for the same hash appends evidence without growing the
	// reconciliation queue.
	finding.Pass = model.PassIntraDirectory
	res = v.Handle(ctx, validationJob(t, finding))
	require.Equal(t, queue.KindAck, res.Kind)
	evidence, err = store.ListEvidenceByHash(ctx, "run-1", "h1")
	require.NoError(t, err)
	require.Len(t, evidence, 2)
}

func TestReconciler_AcceptsAboveThreshold(t *testing.T) {
	store, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *sql.Tx) error {
		return relstore.AppendEvidence(tx, []model.Evidence{
			ev(model.PassIntraFile, 0.6),
			ev(model.PassIntraDirectory, 0.76),
		})
	}))

	r := &Reconciler{Store: store, Metrics: metrics.NewNop(), AcceptThreshold: 0.5}
	payload, _ := json.Marshal(model.ReconciliationJob{RunID: "run-1", RelationshipHash: "h1"})
	res := r.Handle(ctx, queue.Job{Payload: payload})
	require.Equal(t, queue.KindAck, res.Kind)

	rel, err := store.GetRelationship(ctx, "run-1", "h1")
	require.NoError(t, err)
	require.Equal(t, model.RelationshipValidated, rel.Status)
	require.InDelta(t, 0.744, rel.Confidence, 1e-9)
	require.Equal(t, 2, rel.EvidenceCount)
	require.Equal(t, "CALLS", rel.Type)
}

func TestReconciler_RejectsBelowThreshold(t *testing.T) {
	store, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *sql.Tx) error {
		return relstore.AppendEvidence(tx, []model.Evidence{ev(model.PassIntraFile, 0.3)})
	}))

	r := &Reconciler{Store: store, AcceptThreshold: 0.5}
	payload, _ := json.Marshal(model.ReconciliationJob{RunID: "run-1", RelationshipHash: "h1"})
	res := r.Handle(ctx, queue.Job{Payload: payload})
	require.Equal(t, queue.KindAck, res.Kind)

	rel, err := store.GetRelationship(ctx, "run-1", "h1")
	require.NoError(t, err)
	require.Equal(t, model.RelationshipRejected, rel.Status)
}

func TestReconciler_ContradictionAcrossPasses(t *testing.T) {
	store, _ := newFixture(t)
	ctx := context.Background()

	contradiction := ev(model.PassIntraDirectory, 0.9)
	contradiction.Type = "IMPORTS"
	contradiction.RelationshipHash = "h2"
	require.NoError(t, store.Write(ctx, func(tx *sql.Tx) error {
		return relstore.AppendEvidence(tx, []model.Evidence{
			ev(model.PassIntraFile, 0.8),
			contradiction,
		})
	}))

	r := &Reconciler{Store: store, AcceptThreshold: 0.5}
	payload, _ := json.Marshal(model.ReconciliationJob{RunID: "run-1", RelationshipHash: "h1"})
	res := r.Handle(ctx, queue.Job{Payload: payload})
	require.Equal(t, queue.KindAck, res.Kind)

	rel, err := store.GetRelationship(ctx, "run-1", "h1")
	require.NoError(t, err)
	require.InDelta(t, 0.4, rel.Confidence, 1e-9)
	require.Equal(t, model.RelationshipRejected, rel.Status)
}

func TestReconciler_RerunOverwritesRow(t *testing.T) {
	store, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, func(tx *sql.Tx) error {
		return relstore.AppendEvidence(tx, []model.Evidence{ev(model.PassIntraFile, 0.8)})
	}))
	r := &Reconciler{Store: store, AcceptThreshold: 0.5}
	payload, _ := json.Marshal(model.ReconciliationJob{RunID: "run-1", RelationshipHash: "h1"})
	require.Equal(t, queue.KindAck, r.Handle(ctx, queue.Job{Payload: payload}).Kind)

	// Late evidence arrives, reconciliation runs again.
	require.NoError(t, store.Write(ctx, func(tx *sql.Tx) error {
		return relstore.AppendEvidence(tx, []model.Evidence{ev(model.PassGlobal, 0.9)})
	}))
	require.Equal(t, queue.KindAck, r.Handle(ctx, queue.Job{Payload: payload}).Kind)

	rel, err := store.GetRelationship(ctx, "run-1", "h1")
	require.NoError(t, err)
	require.Equal(t, 2, rel.EvidenceCount)
	require.True(t, rel.Confidence > 0.8)
}
