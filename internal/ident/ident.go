// Package ident produces the deterministic identifiers shared by every
// pipeline component: run and job ids, POI ids, relationship hashes, and
// file checksums. Both stores and all workers must agree on these byte-for-byte.
package ident

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// NewRunID returns a globally unique, filesystem-safe, sortable run id.
func NewRunID() string {
	return "run-" + ulid.Make().String()
}

// NewJobID returns a unique job id for queue envelopes.
func NewJobID() string {
	return ulid.Make().String()
}

// POIID derives the stable id for a point of interest. Identical file content
// at the same path yields the same id across runs.
func POIID(filePath, name, poiType string, startLine int) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", filePath, name, poiType, startLine)
	return "poi-" + hex.EncodeToString(h.Sum(nil)[:16])
}

// RelationshipHash derives the deterministic identifier for a
// (source, target, type) triple. The type is uppercased so that casing
// differences in LLM output cannot split evidence across hashes.
func RelationshipHash(sourceID, targetID, relType string) string {
	h := blake3.New()
	h.Write([]byte(sourceID))
	h.Write([]byte(":"))
	h.Write([]byte(targetID))
	h.Write([]byte(":"))
	h.Write([]byte(strings.ToUpper(relType)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Checksum returns the blake3 checksum of file content, hex encoded.
func Checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
