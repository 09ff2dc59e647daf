package workers

import "github.com/danshapiro/poirot/internal/llm"

// Response schemas for the three LLM call sites. Validation happens inside
// llm.CompleteJSON; a violating response triggers a self-heal reprompt.

var poisSchema = llm.MustSchema(`{
	"type": "object",
	"required": ["pois"],
	"properties": {
		"pois": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "type", "start_line", "end_line"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"start_line": {"type": "integer", "minimum": 1},
					"end_line": {"type": "integer", "minimum": 1},
					"snippet": {"type": "string"}
				}
			}
		}
	}
}`)

var relationshipsSchema = llm.MustSchema(`{
	"type": "object",
	"required": ["relationships"],
	"properties": {
		"relationships": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["from", "to", "type", "confidence"],
				"properties": {
					"from": {"type": "string", "minLength": 1},
					"to": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"evidence": {"type": "string"}
				}
			}
		}
	}
}`)

var directorySchema = llm.MustSchema(`{
	"type": "object",
	"required": ["summary", "relationships"],
	"properties": {
		"summary": {"type": "string"},
		"relationships": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["from", "to", "type", "confidence"],
				"properties": {
					"from": {"type": "string", "minLength": 1},
					"to": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"evidence": {"type": "string"}
				}
			}
		}
	}
}`)

// poisResponse mirrors poisSchema.
type poisResponse struct {
	POIs []poiItem `json:"pois"`
}

type poiItem struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Snippet   string `json:"snippet"`
}

// relationshipsResponse mirrors relationshipsSchema and directorySchema's
// relationships array.
type relationshipsResponse struct {
	Relationships []relationshipItem `json:"relationships"`
}

type relationshipItem struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

type directoryResponse struct {
	Summary       string             `json:"summary"`
	Relationships []relationshipItem `json:"relationships"`
}
