package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// manifestTTL keeps finished-run manifests around for inspection without
// letting them accumulate forever.
const manifestTTL = 7 * 24 * time.Hour

// Manifest is the run's discovery snapshot, shared through Redis so any
// component (or operator) can see the expected shape of the run.
type Manifest struct {
	RunID            string         `json:"run_id"`
	Root             string         `json:"root"`
	TotalFiles       int            `json:"total_files"`
	FilesByDirectory map[string]int `json:"files_by_directory"`
	StartedAt        time.Time      `json:"started_at"`
}

func manifestKey(namespace, runID string) string {
	return namespace + ":run:" + runID + ":manifest"
}

// SaveManifest stores the manifest for runID.
func SaveManifest(ctx context.Context, rdb *redis.Client, namespace string, m Manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := rdb.Set(ctx, manifestKey(namespace, m.RunID), b, manifestTTL).Err(); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest for runID.
func LoadManifest(ctx context.Context, rdb *redis.Client, namespace, runID string) (Manifest, error) {
	var m Manifest
	b, err := rdb.Get(ctx, manifestKey(namespace, runID)).Bytes()
	if err != nil {
		return m, fmt.Errorf("load manifest: %w", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
