// Package graphstore abstracts the graph database behind idempotent batch
// statement execution. The three statements below are the entire wire
// surface the pipeline uses; MERGE keeps every one of them re-runnable.
package graphstore

import "context"

// MergePOINodesCypher upserts POI nodes by id. Params: rows — list of maps
// with id, name, type, file_path, start_line, end_line.
const MergePOINodesCypher = `
UNWIND $rows AS row
MERGE (p:POI {id: row.id})
SET p.name = row.name,
    p.type = row.type,
    p.file_path = row.file_path,
    p.start_line = row.start_line,
    p.end_line = row.end_line`

// MergeRelationshipsCypher upserts edges between existing POI nodes. The
// relationship type lives as a property on a generic REL edge so merging
// stays keyed on (source, target, type). Params: rows — list of maps with
// source, target, type, confidence.
const MergeRelationshipsCypher = `
UNWIND $rows AS row
MATCH (a:POI {id: row.source})
MATCH (b:POI {id: row.target})
MERGE (a)-[r:REL {type: row.type}]->(b)
SET r.confidence = row.confidence`

// DeleteByFilePathsCypher removes every POI node (and incident edges) whose
// file_path is in the batch. Params: paths — list of strings.
const DeleteByFilePathsCypher = `
UNWIND $paths AS p
MATCH (f:POI {file_path: p})
DETACH DELETE f`

// GraphStore executes one parameterized statement per batch, transactionally.
type GraphStore interface {
	ExecuteBatch(ctx context.Context, cypher string, params map[string]any) error
	Close(ctx context.Context) error
}
