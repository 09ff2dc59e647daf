// Package workers holds the queue handlers that do the run's LLM-driven
// analysis: POI extraction per file, relationship resolution per POI, and
// directory summarization. Each handler commits its data write and its
// outbox events in one write set, so a finding is announced iff it is stored.
package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/config"
	"github.com/danshapiro/poirot/internal/ident"
	"github.com/danshapiro/poirot/internal/llm"
	"github.com/danshapiro/poirot/internal/metrics"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

// FileAnalysis extracts POIs from one file per job.
type FileAnalysis struct {
	Root    string // scanned tree root; job paths are relative to it
	Opts    *config.RunOptions
	Store   *relstore.Store
	LLM     *llm.Client
	Metrics *metrics.Metrics
}

// Handle processes one file-analysis job.
func (w *FileAnalysis) Handle(ctx context.Context, job queue.Job) queue.Result {
	var req model.FileAnalysisJob
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return queue.Dead(fmt.Errorf("decode file-analysis job: %w", err))
	}

	content, err := os.ReadFile(filepath.Join(w.Root, filepath.FromSlash(req.FilePath)))
	if err != nil {
		// The file vanished or turned unreadable after discovery; the cleaner
		// reconciles the row later.
		w.markFailed(ctx, req.FileID)
		return queue.Dead(fmt.Errorf("read %s: %w", req.FilePath, err))
	}

	if err := w.setStatus(ctx, req.FileID, model.FileStatusProcessing); err != nil {
		return queue.Retry(0, err)
	}

	pois, err := w.extract(ctx, req, string(content))
	if err != nil {
		if errors.Is(err, llm.ErrUnparseable) {
			// One full extra delivery before giving up on the file.
			if job.Attempts < 1 {
				return queue.Retry(0, err)
			}
			w.markFailed(ctx, req.FileID)
			return queue.Dead(err)
		}
		if llm.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return queue.Retry(0, err)
		}
		w.markFailed(ctx, req.FileID)
		return queue.Dead(err)
	}

	finding := model.FileAnalysisFinding{
		RunID:    req.RunID,
		FileID:   req.FileID,
		FilePath: req.FilePath,
		POIs:     pois,
	}
	findingJSON, err := json.Marshal(finding)
	if err != nil {
		return queue.Dead(fmt.Errorf("encode finding: %w", err))
	}
	containment := containsFindings(req.RunID, req.FilePath, pois)

	err = w.Store.Write(ctx, func(tx *sql.Tx) error {
		if err := relstore.InsertPOIs(tx, pois); err != nil {
			return err
		}
		if err := relstore.UpdateFileStatus(tx, req.FileID, model.FileStatusCompleted); err != nil {
			return err
		}
		if err := relstore.InsertOutbox(tx, req.RunID, model.EventFileAnalysisFinding, findingJSON); err != nil {
			return err
		}
		for _, c := range containment {
			b, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode containment finding: %w", err)
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
		w.Metrics.FilesAnalyzed.Inc()
		w.Metrics.POIsExtracted.Add(float64(len(pois)))
	}
	log.WithFields(log.Fields{"file": req.FilePath, "pois": len(pois)}).Debug("file analyzed")
	return queue.Ack()
}

// extract runs the LLM over the file, windowing oversized content, and
// returns merged POIs with deterministic ids.
func (w *FileAnalysis) extract(ctx context.Context, req model.FileAnalysisJob, content string) ([]model.POI, error) {
	windows := []window{{startLine: 1, lines: allLines(content)}}
	windowed := false
	if len(content) > w.Opts.ChunkThresholdBytes {
		windows = splitWindows(content, w.Opts.WindowLines)
		windowed = len(windows) > 1
	}

	seen := map[string]bool{}
	var out []model.POI
	for _, win := range windows {
		prompt := buildFileAnalysisPrompt(req.FilePath, req.SpecialType, win.lines, win.startLine, windowed)
		var resp poisResponse
		if err := w.LLM.CompleteJSON(ctx, prompt, poisSchema, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.POIs {
			if item.EndLine < item.StartLine {
				item.EndLine = item.StartLine
			}
			id := ident.POIID(req.FilePath, item.Name, item.Type, item.StartLine)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, model.POI{
				ID:        id,
				FileID:    req.FileID,
				FilePath:  req.FilePath,
				Name:      item.Name,
				Type:      item.Type,
				StartLine: item.StartLine,
				EndLine:   item.EndLine,
				Snippet:   item.Snippet,
				RunID:     req.RunID,
			})
		}
	}
	return out, nil
}

// containsFindings derives CONTAINS relationships from line ranges alone:
// a container POI contains every POI fully nested inside its range. No LLM
// involved, so the findings carry the deterministic pass.
func containsFindings(runID, filePath string, pois []model.POI) []model.RelationshipFinding {
	var out []model.RelationshipFinding
	for _, outer := range pois {
		if model.POITypePriority(outer.Type) > 1 {
			continue // only module/package/class/interface/table contain
		}
		for _, inner := range pois {
			if inner.ID == outer.ID {
				continue
			}
			if inner.StartLine >= outer.StartLine && inner.EndLine <= outer.EndLine &&
				(inner.StartLine > outer.StartLine || inner.EndLine < outer.EndLine) {
				out = append(out, model.RelationshipFinding{
					RunID:            runID,
					RelationshipHash: ident.RelationshipHash(outer.ID, inner.ID, "CONTAINS"),
					SourcePOIID:      outer.ID,
					TargetPOIID:      inner.ID,
					Type:             "CONTAINS",
					RawConfidence:    1.0,
					Pass:             model.PassDeterministic,
					EvidenceText:     fmt.Sprintf("%s %s spans lines %d-%d enclosing %s %s", outer.Type, outer.Name, outer.StartLine, outer.EndLine, inner.Type, inner.Name),
					FilePath:         filePath,
				})
			}
		}
	}
	return out
}

func (w *FileAnalysis) setStatus(ctx context.Context, fileID int64, status model.FileStatus) error {
	return w.Store.Write(ctx, func(tx *sql.Tx) error {
		return relstore.UpdateFileStatus(tx, fileID, status)
	})
}

func (w *FileAnalysis) markFailed(ctx context.Context, fileID int64) {
	if err := w.setStatus(ctx, fileID, model.FileStatusFailed); err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("failed to mark file failed")
	}
	if w.Metrics != nil {
		w.Metrics.FilesFailed.Inc()
	}
}
