package model

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Outbox event types. Workers write these inside the same transaction as
// their data writes; the publisher turns them into downstream jobs.
const (
	EventFileAnalysisFinding     = "file-analysis-finding"
	EventRelationshipFinding     = "relationship-finding"
	EventDirectorySummaryFinding = "directory-summary-finding"
)

// OutboxStatus tracks the publish lifecycle of one outbox row. The publisher
// owns the pending -> published transition.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEvent is one transactional-outbox row.
type OutboxEvent struct {
	ID          int64
	RunID       string
	EventType   string
	Payload     []byte // JSON, shape keyed by EventType
	Status      OutboxStatus
	Attempts    int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// FileAnalysisFinding is the payload of a file-analysis-finding event.
type FileAnalysisFinding struct {
	RunID    string `json:"run_id"`
	FileID   int64  `json:"file_id"`
	FilePath string `json:"file_path"`
	POIs     []POI  `json:"pois"`
}

// RelationshipFinding is the payload of a relationship-finding event: one
// observed candidate relationship plus its evidence.
type RelationshipFinding struct {
	RunID            string  `json:"run_id"`
	RelationshipHash string  `json:"relationship_hash"`
	SourcePOIID      string  `json:"source_poi_id"`
	TargetPOIID      string  `json:"target_poi_id"`
	Type             string  `json:"type"`
	RawConfidence    float64 `json:"raw_confidence"`
	Pass             Pass    `json:"pass"`
	EvidenceText     string  `json:"evidence_text"`
	FilePath         string  `json:"file_path,omitempty"`
}

// DirectorySummaryFinding is the payload of a directory-summary-finding event.
type DirectorySummaryFinding struct {
	RunID         string                `json:"run_id"`
	DirectoryPath string                `json:"directory_path"`
	Summary       string                `json:"summary"`
	Candidates    []RelationshipFinding `json:"candidates"`
}

// EvidencePayload is the durable blob stored with each evidence row. It is
// msgpack-encoded: compact, and the schema may grow additively.
type EvidencePayload struct {
	EvidenceText string `msgpack:"evidence_text"`
	FilePath     string `msgpack:"file_path,omitempty"`
	Prompt       string `msgpack:"prompt,omitempty"`
}

// EncodeEvidencePayload serializes an evidence payload blob.
func EncodeEvidencePayload(p EvidencePayload) ([]byte, error) {
	return msgpack.Marshal(p)
}

// DecodeEvidencePayload deserializes an evidence payload blob.
func DecodeEvidencePayload(b []byte) (EvidencePayload, error) {
	var p EvidencePayload
	if len(b) == 0 {
		return p, nil
	}
	err := msgpack.Unmarshal(b, &p)
	return p, err
}
