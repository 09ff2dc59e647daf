package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/poirot/internal/llm"
	"github.com/danshapiro/poirot/internal/queue"
)

// RunStatus is the terminal state of one run.
type RunStatus string

const (
	// StatusCompleted means every file analyzed and the graph built.
	StatusCompleted RunStatus = "completed"
	// StatusCompletedWithFailures means the graph was built but some files
	// or jobs were permanently abandoned.
	StatusCompletedWithFailures RunStatus = "completed_with_failures"
	// StatusFailed means the run could not produce a graph.
	StatusFailed RunStatus = "failed"
	// StatusInterrupted means the run was canceled before finalization.
	StatusInterrupted RunStatus = "interrupted"
)

// RunResult is the run artifact, serialized to report.json.
type RunResult struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	Root        string    `json:"root"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	TotalFiles  int       `json:"total_files"`
	FailedFiles []string  `json:"failed_files,omitempty"`
	SweptFiles  int       `json:"swept_files,omitempty"`
	GraphNodes  int       `json:"graph_nodes"`
	GraphEdges  int       `json:"graph_edges"`
	// DeadJobs lists unrecoverable jobs per queue for operator triage.
	DeadJobs map[string][]queue.DeadJob `json:"dead_jobs,omitempty"`
	Tokens   llm.TokenStats             `json:"tokens"`
	Error    string                     `json:"error,omitempty"`
}

// WriteReport writes the run artifact as report.json under dir, creating the
// directory if needed.
func WriteReport(dir string, result *RunResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	path := filepath.Join(dir, "report.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
