package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/ident"
	"github.com/danshapiro/poirot/internal/llm"
	"github.com/danshapiro/poirot/internal/metrics"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

// Relationship resolves how one primary POI relates to the other POIs of its
// file. LLM claims are filtered hard at this boundary: the source must be
// the primary, the target must be a listed context POI, and the type must
// come from the closed set. Anything else is a hallucination and is dropped.
type Relationship struct {
	Store   *relstore.Store
	LLM     *llm.Client
	Metrics *metrics.Metrics
}

// Handle processes one relationship-resolution job.
func (w *Relationship) Handle(ctx context.Context, job queue.Job) queue.Result {
	var req model.RelationshipJob
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return queue.Dead(fmt.Errorf("decode relationship job: %w", err))
	}
	if len(req.ContextualPOIs) == 0 {
		return queue.Ack() // nothing to relate against
	}

	prompt := buildRelationshipPrompt(req.FilePath, req.PrimaryPOI, req.ContextualPOIs)
	var resp relationshipsResponse
	if err := w.LLM.CompleteJSON(ctx, prompt, relationshipsSchema, &resp); err != nil {
		if errors.Is(err, llm.ErrUnparseable) {
			if job.Attempts < 1 {
				return queue.Retry(0, err)
			}
			return queue.Dead(err)
		}
		if llm.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return queue.Retry(0, err)
		}
		return queue.Dead(err)
	}

	findings := w.filter(req, resp.Relationships, model.PassIntraFile)
	if len(findings) == 0 {
		return queue.Ack()
	}

	err := w.Store.Write(ctx, func(tx *sql.Tx) error {
		for _, f := range findings {
			b, err := json.Marshal(f)
			if err != nil {
				return fmt.Errorf("encode relationship finding: %w", err)
			}
			if err := relstore.InsertOutbox(tx, req.RunID, model.EventRelationshipFinding, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return queue.Retry(0, err)
	}
	if w.Metrics != nil {
		w.Metrics.RelationshipsProposed.Add(float64(len(findings)))
	}
	return queue.Ack()
}

// filter drops hallucinated claims and collapses intra-response duplicates,
// keeping the highest confidence per (target, type).
func (w *Relationship) filter(req model.RelationshipJob, items []relationshipItem, pass model.Pass) []model.RelationshipFinding {
	known := map[string]bool{}
	for _, p := range req.ContextualPOIs {
		known[p.ID] = true
	}

	best := map[string]model.RelationshipFinding{}
	var order []string
	for _, item := range items {
		if item.From != req.PrimaryPOI.ID || !known[item.To] {
			w.discard(req.FilePath, item, "unknown entity")
			continue
		}
		canonical, ok := model.AllowedRelationshipType(item.Type)
		if !ok {
			w.discard(req.FilePath, item, "type outside closed set")
			continue
		}
		if item.Confidence < 0 || item.Confidence > 1 {
			w.discard(req.FilePath, item, "confidence out of range")
			continue
		}
		key := item.To + ":" + canonical
		if prev, ok := best[key]; ok {
			if item.Confidence > prev.RawConfidence {
				prev.RawConfidence = item.Confidence
				prev.EvidenceText = item.Evidence
				best[key] = prev
			}
			continue
		}
		best[key] = model.RelationshipFinding{
			RunID:            req.RunID,
			RelationshipHash: ident.RelationshipHash(req.PrimaryPOI.ID, item.To, canonical),
			SourcePOIID:      req.PrimaryPOI.ID,
			TargetPOIID:      item.To,
			Type:             canonical,
			RawConfidence:    item.Confidence,
			Pass:             pass,
			EvidenceText:     item.Evidence,
			FilePath:         req.FilePath,
		}
		order = append(order, key)
	}

	out := make([]model.RelationshipFinding, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func (w *Relationship) discard(filePath string, item relationshipItem, reason string) {
	if w.Metrics != nil {
		w.Metrics.HallucinatedDiscards.Inc()
	}
	log.WithFields(log.Fields{
		"file":   filePath,
		"from":   item.From,
		"to":     item.To,
		"type":   item.Type,
		"reason": reason,
	}).Debug("discarded relationship claim")
}
