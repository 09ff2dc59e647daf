// Package model holds the shared data types flowing between pipeline stages.
package model

import (
	"strings"
	"time"
)

// FileStatus is the lifecycle state of a discovered source file.
type FileStatus string

const (
	FileStatusPending         FileStatus = "pending"
	FileStatusProcessing      FileStatus = "processing"
	FileStatusCompleted       FileStatus = "completed"
	FileStatusFailed          FileStatus = "failed"
	FileStatusPendingDeletion FileStatus = "pending_deletion"
)

// File is a discovered source file tracked by the relational store.
type File struct {
	ID          int64
	Path        string
	Checksum    string
	Status      FileStatus
	SpecialType string
	RunID       string
}

// POI is a point of interest extracted from one file. Its ID is the
// deterministic hash derived by ident.POIID.
type POI struct {
	ID        string `json:"id"`
	FileID    int64  `json:"-"`
	FilePath  string `json:"file_path"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Snippet   string `json:"snippet"`
	RunID     string `json:"-"`
}

// Pass identifies the analysis context that produced a piece of evidence.
type Pass string

const (
	PassIntraFile      Pass = "intra_file"
	PassIntraDirectory Pass = "intra_directory"
	PassGlobal         Pass = "global"
	PassDeterministic  Pass = "deterministic"
)

// Evidence is one raw observation of a candidate relationship. Append-only
// within a run.
type Evidence struct {
	ID               int64
	RelationshipHash string
	RunID            string
	SourcePOIID      string
	TargetPOIID      string
	Type             string
	RawConfidence    float64
	Pass             Pass
	Payload          []byte // msgpack-encoded EvidencePayload
	CreatedAt        time.Time
}

// RelationshipStatus is the outcome of reconciliation.
type RelationshipStatus string

const (
	RelationshipValidated RelationshipStatus = "validated"
	RelationshipRejected  RelationshipStatus = "rejected"
)

// Relationship is a reconciled, scored edge between two POIs. Exactly one row
// exists per (run_id, relationship_hash).
type Relationship struct {
	ID               int64
	RelationshipHash string
	RunID            string
	SourcePOIID      string
	TargetPOIID      string
	Type             string
	Confidence       float64
	Status           RelationshipStatus
	EvidenceCount    int
}

// DirectorySummary is the LLM-produced summary for one source directory.
type DirectorySummary struct {
	ID            int64
	DirectoryPath string
	RunID         string
	SummaryText   string
}

// Relationship types form a closed set; anything else from the LLM is
// discarded at the worker boundary.
var allowedRelationshipTypes = map[string]struct{}{
	"CALLS":      {},
	"IMPORTS":    {},
	"USES":       {},
	"EXTENDS":    {},
	"IMPLEMENTS": {},
	"CONTAINS":   {},
	"WRITES":     {},
	"READS":      {},
}

// AllowedRelationshipType reports whether typ (case-insensitive) is in the
// closed relationship type set, returning the canonical uppercase form.
func AllowedRelationshipType(typ string) (string, bool) {
	up := strings.ToUpper(strings.TrimSpace(typ))
	_, ok := allowedRelationshipTypes[up]
	return up, ok
}

// POITypePriority orders POI types for directory summarization context:
// containers first, leaves last. Lower is more important.
func POITypePriority(poiType string) int {
	switch strings.ToLower(poiType) {
	case "module", "package":
		return 0
	case "class", "interface", "table":
		return 1
	case "function", "method":
		return 2
	case "import":
		return 3
	default:
		return 4
	}
}
