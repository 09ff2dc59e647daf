package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/ident"
	"github.com/danshapiro/poirot/internal/llm"
	"github.com/danshapiro/poirot/internal/metrics"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

// topPOIsPerFile bounds how many POIs of each file enter the directory
// prompt; containers rank first so the budget favors structure over leaves.
const topPOIsPerFile = 20

// Directory summarizes one directory and surfaces cross-file relationship
// candidates. Its job is dependency-gated on the directory's file jobs, so
// by the time it runs every sibling file is analyzed or dead-lettered.
type Directory struct {
	Store   *relstore.Store
	LLM     *llm.Client
	Metrics *metrics.Metrics
}

// Handle processes one directory-resolution job.
func (w *Directory) Handle(ctx context.Context, job queue.Job) queue.Result {
	var req model.DirectoryResolutionJob
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return queue.Dead(fmt.Errorf("decode directory job: %w", err))
	}

	files, err := w.directFiles(ctx, req.RunID, req.DirectoryPath)
	if err != nil {
		return queue.Retry(0, err)
	}
	if len(files) < 2 {
		return queue.Ack() // no cross-file work in a directory of one
	}

	promptFiles := make([]directoryPromptFile, 0, len(files))
	known := map[string]bool{}
	for _, f := range files {
		pois, err := w.Store.TopPOIsForFile(ctx, f.ID, topPOIsPerFile)
		if err != nil {
			return queue.Retry(0, err)
		}
		if len(pois) == 0 {
			continue
		}
		for _, p := range pois {
			known[p.ID] = true
		}
		promptFiles = append(promptFiles, directoryPromptFile{Path: f.Path, POIs: pois})
	}
	if len(promptFiles) < 2 {
		return queue.Ack()
	}

	prompt := buildDirectoryPrompt(req.DirectoryPath, promptFiles)
	var resp directoryResponse
	if err := w.LLM.CompleteJSON(ctx, prompt, directorySchema, &resp); err != nil {
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

	candidates := w.filterCandidates(req, resp.Relationships, known)
	finding := model.DirectorySummaryFinding{
		RunID:         req.RunID,
		DirectoryPath: req.DirectoryPath,
		Summary:       resp.Summary,
		Candidates:    candidates,
	}
	findingJSON, err := json.Marshal(finding)
	if err != nil {
		return queue.Dead(fmt.Errorf("encode directory finding: %w", err))
	}

	err = w.Store.Write(ctx, func(tx *sql.Tx) error {
		if err := relstore.InsertDirectorySummary(tx, model.DirectorySummary{
			DirectoryPath: req.DirectoryPath,
			RunID:         req.RunID,
			SummaryText:   resp.Summary,
		}); err != nil {
			return err
		}
		return relstore.InsertOutbox(tx, req.RunID, model.EventDirectorySummaryFinding, findingJSON)
	})
	if err != nil {
		return queue.Retry(0, err)
	}
	if w.Metrics != nil {
		w.Metrics.RelationshipsProposed.Add(float64(len(candidates)))
	}
	log.WithFields(log.Fields{"dir": req.DirectoryPath, "candidates": len(candidates)}).Debug("directory summarized")
	return queue.Ack()
}

// directFiles returns the run's completed files sitting directly in dir.
func (w *Directory) directFiles(ctx context.Context, runID, dir string) ([]model.File, error) {
	var files []model.File
	var err error
	if dir == "." {
		files, err = w.Store.ListFilesWithStatus(ctx, model.FileStatusCompleted, runID)
	} else {
		files, err = w.Store.ListFilesUnderDirectory(ctx, runID, dir)
	}
	if err != nil {
		return nil, err
	}
	out := files[:0]
	for _, f := range files {
		if f.Status == model.FileStatusCompleted && path.Dir(f.Path) == dir {
			out = append(out, f)
		}
	}
	return out, nil
}

// filterCandidates applies the same hallucination boundary as the intra-file
// pass: both endpoints must be known POIs, the type must be allowed.
func (w *Directory) filterCandidates(req model.DirectoryResolutionJob, items []relationshipItem, known map[string]bool) []model.RelationshipFinding {
	var out []model.RelationshipFinding
	seen := map[string]bool{}
	for _, item := range items {
		canonical, ok := model.AllowedRelationshipType(item.Type)
		if !ok || !known[item.From] || !known[item.To] || item.From == item.To ||
			item.Confidence < 0 || item.Confidence > 1 {
			if w.Metrics != nil {
				w.Metrics.HallucinatedDiscards.Inc()
			}
			log.WithFields(log.Fields{
				"dir": req.DirectoryPath, "from": item.From, "to": item.To, "type": item.Type,
			}).Debug("discarded directory relationship claim")
			continue
		}
		hash := ident.RelationshipHash(item.From, item.To, canonical)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, model.RelationshipFinding{
			RunID:            req.RunID,
			RelationshipHash: hash,
			SourcePOIID:      item.From,
			TargetPOIID:      item.To,
			Type:             canonical,
			RawConfidence:    item.Confidence,
			Pass:             model.PassIntraDirectory,
			EvidenceText:     item.Evidence,
		})
	}
	return out
}
