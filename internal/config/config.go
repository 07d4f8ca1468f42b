// Package config loads kbindex configuration from an optional YAML file
// overlaid with KBINDEX_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a value is unset or out of range.
const (
	DefaultScanInterval = 5 * time.Minute
	DefaultChunkSize    = 10
	DefaultChunkOverlap = 2
	DefaultTopK         = 10
	DefaultRerankTopK   = 5
	DefaultMaxBatch     = 32
	DefaultMinInterval  = 500 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
	DefaultMaxLines     = 50
	DefaultMaxChars     = 8000
)

// Config is the process-wide configuration.
type Config struct {
	// KnowledgeRoot holds one subdirectory per knowledge base, each with an
	// intro file and a texts/ corpus.
	KnowledgeRoot string `yaml:"knowledge_root" env:"KBINDEX_KNOWLEDGE_ROOT"`

	// ScanInterval is the period of the background sync loop.
	ScanInterval time.Duration `yaml:"scan_interval" env:"KBINDEX_SCAN_INTERVAL"`

	LogLevel string `yaml:"log_level" env:"KBINDEX_LOG_LEVEL"`

	Chunking  Chunking  `yaml:"chunking"`
	Embedding Service   `yaml:"embedding" envPrefix:"KBINDEX_EMBEDDING_"`
	Rerank    Service   `yaml:"rerank" envPrefix:"KBINDEX_RERANK_"`
	Retrieval Retrieval `yaml:"retrieval"`
}

// Chunking controls the sliding-window chunker.
type Chunking struct {
	Size    int `yaml:"size" env:"KBINDEX_CHUNK_SIZE"`
	Overlap int `yaml:"overlap" env:"KBINDEX_CHUNK_OVERLAP"`
}

// Service describes one external request service endpoint (embedding or
// rerank). A service with an empty BaseURL is not configured.
type Service struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	Model   string `yaml:"model" env:"MODEL"`

	// Dimensions, when positive, is sent with embedding requests for models
	// that support truncated output dimensionality.
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`

	// QueryPrefix and DocumentPrefix are instruction prefixes some models
	// require prepended to query-side and document-side inputs. Both are
	// independent and empty by default.
	QueryPrefix    string `yaml:"query_prefix" env:"QUERY_PREFIX"`
	DocumentPrefix string `yaml:"document_prefix" env:"DOCUMENT_PREFIX"`

	// MaxBatch caps the number of texts per request.
	MaxBatch int `yaml:"max_batch" env:"MAX_BATCH"`

	// MinInterval is the enforced gap between consecutive dispatches of
	// this service's request category.
	MinInterval time.Duration `yaml:"min_interval" env:"MIN_INTERVAL"`

	// Timeout bounds a single request.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Configured reports whether the service has an endpoint to call.
func (s Service) Configured() bool {
	return s.BaseURL != ""
}

// Retrieval holds per-knowledge-base query defaults.
type Retrieval struct {
	TopK         int     `yaml:"top_k" env:"KBINDEX_TOP_K"`
	EnableRerank bool    `yaml:"enable_rerank" env:"KBINDEX_ENABLE_RERANK"`
	RerankTopK   int     `yaml:"rerank_top_k" env:"KBINDEX_RERANK_TOP_K"`
	MinRelevance float64 `yaml:"min_relevance" env:"KBINDEX_MIN_RELEVANCE"`
	MaxLines     int     `yaml:"max_lines" env:"KBINDEX_MAX_LINES"`
	MaxChars     int     `yaml:"max_chars" env:"KBINDEX_MAX_CHARS"`
}

// Load reads the YAML file at path (skipped when path is empty or absent),
// overlays environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.Validate()
	return cfg, nil
}

// Validate fills defaults and clamps out-of-range values. Invalid settings
// are corrected rather than rejected so a misconfigured process still runs.
func (c *Config) Validate() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.Chunking.Size <= 0 {
		c.Chunking.Size = DefaultChunkSize
	}
	if c.Chunking.Overlap < 0 {
		c.Chunking.Overlap = DefaultChunkOverlap
	}
	// The window step is size-overlap, which must stay positive.
	if c.Chunking.Overlap >= c.Chunking.Size {
		c.Chunking.Overlap = c.Chunking.Size - 1
	}

	c.Embedding.validate()
	c.Rerank.validate()

	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = DefaultTopK
	}
	if c.Retrieval.RerankTopK <= 0 {
		c.Retrieval.RerankTopK = DefaultRerankTopK
	}
	if c.Retrieval.MinRelevance < 0 {
		c.Retrieval.MinRelevance = 0
	}
	if c.Retrieval.MinRelevance > 1 {
		c.Retrieval.MinRelevance = 1
	}
	if c.Retrieval.MaxLines <= 0 {
		c.Retrieval.MaxLines = DefaultMaxLines
	}
	if c.Retrieval.MaxChars <= 0 {
		c.Retrieval.MaxChars = DefaultMaxChars
	}
}

func (s *Service) validate() {
	if s.MaxBatch <= 0 {
		s.MaxBatch = DefaultMaxBatch
	}
	if s.MinInterval < 0 {
		s.MinInterval = DefaultMinInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
}
