// Package config defines run options for the pipeline and loads them from a
// YAML file merged with programmatic overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SpecialFilePattern classifies files by path. Patterns are evaluated in
// order against the file's base name; first match wins.
type SpecialFilePattern struct {
	Regex string `json:"regex" yaml:"regex"`
	Type  string `json:"type" yaml:"type"`

	compiled *regexp.Regexp
}

// LLMConfig configures the LLM provider endpoint.
type LLMConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	APIKey   string        `json:"api_key" yaml:"api_key"`
	APIKeyEnv string       `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Model    string        `json:"model" yaml:"model"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// GraphStoreConfig configures the graph database connection.
type GraphStoreConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// QueueConfig configures the queue broker.
type QueueConfig struct {
	BrokerURL string `json:"broker_url" yaml:"broker_url"`
	// Namespace prefixes every queue key so concurrent runs against a shared
	// broker do not collide. Defaults to "poirot".
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// RunOptions is the complete configuration for one pipeline run.
// Zero values are replaced by defaults in ApplyDefaults.
type RunOptions struct {
	Ignore            []string             `json:"ignore,omitempty" yaml:"ignore,omitempty"`
	MaxFileBytes      int64                `json:"max_file_bytes,omitempty" yaml:"max_file_bytes,omitempty"`
	MaxLLMConcurrency int                  `json:"max_llm_concurrency,omitempty" yaml:"max_llm_concurrency,omitempty"`
	AcceptThreshold   float64              `json:"accept_threshold,omitempty" yaml:"accept_threshold,omitempty"`
	QuietWindow       time.Duration        `json:"quiet_window,omitempty" yaml:"quiet_window,omitempty"`
	SpecialFiles      []SpecialFilePattern `json:"special_file_patterns,omitempty" yaml:"special_file_patterns,omitempty"`
	LLM               LLMConfig            `json:"llm" yaml:"llm"`
	RelStore          string               `json:"rel_store" yaml:"rel_store"`
	GraphStore        GraphStoreConfig     `json:"graph_store" yaml:"graph_store"`
	Queue             QueueConfig          `json:"queue" yaml:"queue"`

	// Chunking of oversized files into overlapping line windows.
	ChunkThresholdBytes int `json:"chunk_threshold_bytes,omitempty" yaml:"chunk_threshold_bytes,omitempty"`
	WindowLines         int `json:"window_lines,omitempty" yaml:"window_lines,omitempty"`

	// Backpressure watermarks on the file-analysis queue depth.
	HighWatermark int `json:"high_watermark,omitempty" yaml:"high_watermark,omitempty"`
	LowWatermark  int `json:"low_watermark,omitempty" yaml:"low_watermark,omitempty"`

	// Worker pool sizes per queue.
	FileWorkers         int `json:"file_workers,omitempty" yaml:"file_workers,omitempty"`
	RelationshipWorkers int `json:"relationship_workers,omitempty" yaml:"relationship_workers,omitempty"`
	ValidationWorkers   int `json:"validation_workers,omitempty" yaml:"validation_workers,omitempty"`

	// Timeouts. LLM timeout lives in LLM.Timeout.
	StoreTxTimeout  time.Duration `json:"store_tx_timeout,omitempty" yaml:"store_tx_timeout,omitempty"`
	GraphTxTimeout  time.Duration `json:"graph_tx_timeout,omitempty" yaml:"graph_tx_timeout,omitempty"`
}

// DefaultSpecialFiles is the ordered classification list applied when the
// config provides none.
func DefaultSpecialFiles() []SpecialFilePattern {
	return []SpecialFilePattern{
		{Regex: `^package\.json$`, Type: "manifest"},
		{Regex: `^(go\.mod|Cargo\.toml|pom\.xml|requirements\.txt)$`, Type: "manifest"},
		{Regex: `^(server|main|index|app)\.(js|ts|py|go)$`, Type: "entrypoint"},
		{Regex: `\.ya?ml$`, Type: "config"},
		{Regex: `\.sql$`, Type: "schema"},
	}
}

// ApplyDefaults fills unset fields in place and compiles special-file
// patterns. It returns a config error for invalid values.
func (o *RunOptions) ApplyDefaults() error {
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = 1 << 20
	}
	if o.MaxLLMConcurrency <= 0 {
		o.MaxLLMConcurrency = 8
	}
	if o.AcceptThreshold <= 0 {
		o.AcceptThreshold = 0.5
	}
	if o.AcceptThreshold > 1 {
		return fmt.Errorf("accept_threshold %v out of range (0,1]", o.AcceptThreshold)
	}
	if o.QuietWindow <= 0 {
		o.QuietWindow = 30 * time.Second
	}
	if len(o.SpecialFiles) == 0 {
		o.SpecialFiles = DefaultSpecialFiles()
	}
	for i := range o.SpecialFiles {
		re, err := regexp.Compile(o.SpecialFiles[i].Regex)
		if err != nil {
			return fmt.Errorf("special_file_patterns[%d]: %w", i, err)
		}
		o.SpecialFiles[i].compiled = re
	}
	if o.ChunkThresholdBytes <= 0 {
		o.ChunkThresholdBytes = 64 << 10
	}
	if o.WindowLines <= 0 {
		o.WindowLines = 800
	}
	if o.HighWatermark <= 0 {
		o.HighWatermark = 1000
	}
	if o.LowWatermark <= 0 {
		o.LowWatermark = o.HighWatermark / 4
	}
	if o.LowWatermark >= o.HighWatermark {
		return fmt.Errorf("low_watermark %d must be below high_watermark %d", o.LowWatermark, o.HighWatermark)
	}
	if o.FileWorkers <= 0 {
		o.FileWorkers = 4
	}
	if o.RelationshipWorkers <= 0 {
		o.RelationshipWorkers = 8
	}
	if o.ValidationWorkers <= 0 {
		o.ValidationWorkers = 4
	}
	if o.LLM.Timeout <= 0 {
		o.LLM.Timeout = 60 * time.Second
	}
	if o.LLM.APIKey == "" && o.LLM.APIKeyEnv != "" {
		o.LLM.APIKey = os.Getenv(o.LLM.APIKeyEnv)
	}
	if o.StoreTxTimeout <= 0 {
		o.StoreTxTimeout = 5 * time.Second
	}
	if o.GraphTxTimeout <= 0 {
		o.GraphTxTimeout = 30 * time.Second
	}
	if strings.TrimSpace(o.Queue.Namespace) == "" {
		o.Queue.Namespace = "poirot"
	}
	return nil
}

// ClassifySpecial returns the special type for a file base name, or "".
func (o *RunOptions) ClassifySpecial(baseName string) string {
	for i := range o.SpecialFiles {
		re := o.SpecialFiles[i].compiled
		if re == nil {
			continue
		}
		if re.MatchString(baseName) {
			return o.SpecialFiles[i].Type
		}
	}
	return ""
}

// Load reads a YAML run options file and applies defaults.
func Load(path string) (*RunOptions, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var o RunOptions
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := o.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &o, nil
}
