// Package validate is the evidence stage: the validator appends every
// incoming relationship finding to the evidence log and schedules (or pushes
// back) reconciliation for its hash; the reconciler scores the accumulated
// evidence once the hash has been quiet for the configured window.
package validate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/metrics"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

// Tracker records dynamically created jobs as active work. Satisfied by
// track.Set.
type Tracker interface {
	Add(ctx context.Context, jobIDs ...string) error
}

// Validator consumes validation jobs.
type Validator struct {
	Store   *relstore.Store
	Queue   queue.Queue
	Tracker Tracker
	Metrics *metrics.Metrics
	// QuietWindow is how long a hash must receive no new evidence before
	// reconciliation runs. Every new finding pushes the timer back.
	QuietWindow time.Duration
}

// Handle appends one finding's evidence and (re)schedules reconciliation.
func (v *Validator) Handle(ctx context.Context, job queue.Job) queue.Result {
	var req model.ValidationJob
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return queue.Dead(fmt.Errorf("decode validation job: %w", err))
	}
	f := req.Finding

	payload, err := model.EncodeEvidencePayload(model.EvidencePayload{
		EvidenceText: f.EvidenceText,
		FilePath:     f.FilePath,
	})
	if err != nil {
		return queue.Dead(fmt.Errorf("encode evidence payload: %w", err))
	}

	err = v.Store.Write(ctx, func(tx *sql.Tx) error {
		return relstore.AppendEvidence(tx, []model.Evidence{{
			RelationshipHash: f.RelationshipHash,
			RunID:            f.RunID,
			SourcePOIID:      f.SourcePOIID,
			TargetPOIID:      f.TargetPOIID,
			Type:             f.Type,
			RawConfidence:    f.RawConfidence,
			Pass:             f.Pass,
			Payload:          payload,
		}})
	})
	if err != nil {
		return queue.Retry(0, err)
	}
	if v.Metrics != nil {
		v.Metrics.EvidenceAppended.Inc()
	}

	// Dedup on the hash means one reconciliation job exists per relationship;
	// re-enqueueing while it is still delayed reschedules it, which is
	// exactly the quiet-window semantics.
	reconcile, err := json.Marshal(model.ReconciliationJob{RunID: f.RunID, RelationshipHash: f.RelationshipHash})
	if err != nil {
		return queue.Dead(err)
	}
	jobID, err := v.Queue.Enqueue(ctx, queue.ReconciliationQueue, reconcile, queue.EnqueueOptions{
		DedupKey: fmt.Sprintf("reconcile:%s:%s", f.RunID, f.RelationshipHash),
		Delay:    v.QuietWindow,
	})
	if err != nil {
		return queue.Retry(0, err)
	}
	if v.Tracker != nil {
		if err := v.Tracker.Add(ctx, jobID); err != nil {
			return queue.Retry(0, err)
		}
	}
	return queue.Ack()
}

// Reconciler consumes reconciliation jobs.
type Reconciler struct {
	Store   *relstore.Store
	Metrics *metrics.Metrics
	// AcceptThreshold is the minimum confidence for a validated relationship.
	AcceptThreshold float64
}

// Handle scores all evidence for one hash and writes the reconciled row.
func (r *Reconciler) Handle(ctx context.Context, job queue.Job) queue.Result {
	var req model.ReconciliationJob
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return queue.Dead(fmt.Errorf("decode reconciliation job: %w", err))
	}

	evidence, err := r.Store.ListEvidenceByHash(ctx, req.RunID, req.RelationshipHash)
	if err != nil {
		return queue.Retry(0, err)
	}
	if len(evidence) == 0 {
		log.WithField("hash", req.RelationshipHash).Warn("reconciliation with no evidence")
		return queue.Ack()
	}
	first := evidence[0]

	contradicting, err := r.Store.ContradictingPasses(ctx, req.RunID, first.SourcePOIID, first.TargetPOIID, first.Type)
	if err != nil {
		return queue.Retry(0, err)
	}

	confidence := ComputeConfidence(evidence, contradicting)
	status := model.RelationshipValidated
	if confidence < r.AcceptThreshold {
		status = model.RelationshipRejected
	}

	err = r.Store.Write(ctx, func(tx *sql.Tx) error {
		return relstore.UpsertValidatedRelationship(tx, model.Relationship{
			RelationshipHash: req.RelationshipHash,
			RunID:            req.RunID,
			SourcePOIID:      first.SourcePOIID,
			TargetPOIID:      first.TargetPOIID,
			Type:             first.Type,
			Confidence:       confidence,
			Status:           status,
			EvidenceCount:    len(evidence),
		})
	})
	if err != nil {
		return queue.Retry(0, err)
	}

	if r.Metrics != nil {
		if status == model.RelationshipValidated {
			r.Metrics.RelationshipsValidated.Inc()
		} else {
			r.Metrics.RelationshipsRejected.Inc()
		}
	}
	log.WithFields(log.Fields{
		"hash":       req.RelationshipHash,
		"confidence": confidence,
		"status":     status,
		"evidence":   len(evidence),
	}).Debug("relationship reconciled")
	return queue.Ack()
}
