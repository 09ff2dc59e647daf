package graphstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process GraphStore implementing the semantics of the
// package's canonical statements. It backs tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	nodes map[string]map[string]any // POI id -> properties
	edges map[string]MemoryEdge     // source|target|type -> edge

	// Batches records every executed statement for assertions.
	batches []string
}

// MemoryEdge is one stored edge.
type MemoryEdge struct {
	Source     string
	Target     string
	Type       string
	Confidence float64
}

// NewMemory returns an empty in-memory graph.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		nodes: map[string]map[string]any{},
		edges: map[string]MemoryEdge{},
	}
}

// ExecuteBatch applies one canonical statement to the in-memory graph.
func (m *MemoryStore) ExecuteBatch(ctx context.Context, cypher string, params map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, cypher)

	switch cypher {
	case MergePOINodesCypher:
		rows, err := rowsParam(params)
		if err != nil {
			return err
		}
		for _, row := range rows {
			id, _ := row["id"].(string)
			if id == "" {
				return fmt.Errorf("merge nodes: row missing id")
			}
			props := m.nodes[id]
			if props == nil {
				props = map[string]any{}
				m.nodes[id] = props
			}
			for k, v := range row {
				props[k] = v
			}
		}
		return nil

	case MergeRelationshipsCypher:
		rows, err := rowsParam(params)
		if err != nil {
			return err
		}
		for _, row := range rows {
			source, _ := row["source"].(string)
			target, _ := row["target"].(string)
			typ, _ := row["type"].(string)
			conf, _ := row["confidence"].(float64)
			// MATCH semantics: rows referencing absent nodes merge nothing.
			if _, ok := m.nodes[source]; !ok {
				continue
			}
			if _, ok := m.nodes[target]; !ok {
				continue
			}
			key := source + "|" + target + "|" + typ
			m.edges[key] = MemoryEdge{Source: source, Target: target, Type: typ, Confidence: conf}
		}
		return nil

	case DeleteByFilePathsCypher:
		paths, err := pathsParam(params)
		if err != nil {
			return err
		}
		doomed := map[string]bool{}
		for id, props := range m.nodes {
			fp, _ := props["file_path"].(string)
			for _, p := range paths {
				if fp == p {
					doomed[id] = true
				}
			}
		}
		for id := range doomed {
			delete(m.nodes, id)
		}
		for key, e := range m.edges {
			if doomed[e.Source] || doomed[e.Target] {
				delete(m.edges, key)
			}
		}
		return nil

	default:
		return fmt.Errorf("memory graph store: unsupported statement")
	}
}

// Close is a no-op.
func (m *MemoryStore) Close(ctx context.Context) error { return nil }

// NodeCount reports stored nodes.
func (m *MemoryStore) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// EdgeCount reports stored edges.
func (m *MemoryStore) EdgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edges)
}

// Node returns a copy of one node's properties.
func (m *MemoryStore) Node(id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	props, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return cp, true
}

// Edges returns a copy of all stored edges.
func (m *MemoryStore) Edges() []MemoryEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryEdge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e)
	}
	return out
}

// NodesWithFilePath returns ids of nodes carrying the given file_path.
func (m *MemoryStore) NodesWithFilePath(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, props := range m.nodes {
		if fp, _ := props["file_path"].(string); fp == path {
			out = append(out, id)
		}
	}
	return out
}

func rowsParam(params map[string]any) ([]map[string]any, error) {
	raw, ok := params["rows"]
	if !ok {
		return nil, fmt.Errorf("missing rows param")
	}
	rows, ok := raw.([]map[string]any)
	if !ok {
		return nil, fmt.Errorf("rows param has type %T", raw)
	}
	return rows, nil
}

func pathsParam(params map[string]any) ([]string, error) {
	raw, ok := params["paths"]
	if !ok {
		return nil, fmt.Errorf("missing paths param")
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("paths entry has type %T", x)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("paths param has type %T", raw)
	}
}
