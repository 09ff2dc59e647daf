package model

// Queue job payloads. Every payload is JSON and carries the run id so a
// handler can reject stale deliveries from a previous run.

// FileAnalysisJob asks a worker to extract POIs from one file.
type FileAnalysisJob struct {
	RunID       string `json:"run_id"`
	FileID      int64  `json:"file_id"`
	FilePath    string `json:"file_path"`
	SpecialType string `json:"special_type,omitempty"`
}

// RelationshipJob asks a worker to resolve relationships for one primary POI
// against its in-file context.
type RelationshipJob struct {
	RunID          string `json:"run_id"`
	FilePath       string `json:"file_path"`
	PrimaryPOI     POI    `json:"primary_poi"`
	ContextualPOIs []POI  `json:"contextual_pois"`
}

// DirectoryResolutionJob asks a worker to summarize one directory and surface
// cross-file relationship candidates.
type DirectoryResolutionJob struct {
	RunID         string `json:"run_id"`
	DirectoryPath string `json:"directory_path"`
}

// ValidationJob carries one relationship finding into the validation stage.
type ValidationJob struct {
	RunID   string              `json:"run_id"`
	Finding RelationshipFinding `json:"finding"`
}

// ReconciliationJob triggers confidence scoring for one relationship hash
// once its evidence has gone quiet.
type ReconciliationJob struct {
	RunID            string `json:"run_id"`
	RelationshipHash string `json:"relationship_hash"`
}

// GraphBuildJob is the finalization trigger. It is gated on every
// file-analysis job the scout enqueued.
type GraphBuildJob struct {
	RunID string `json:"run_id"`
}
