// Package config loads engram's configuration: YAML file, environment
// overrides, validation. A zero config is runnable against a local Postgres
// with the heuristic tokenizer and inline jobs.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Database     DatabaseConfig    `yaml:"database"`
	Embedding    EmbeddingConfig   `yaml:"embedding"`
	TagProvider  TagProviderConfig `yaml:"tag_provider"`
	Propositions PropositionCfg    `yaml:"propositions"`
	Tokenizer    TokenizerConfig   `yaml:"tokenizer"`
	Jobs         JobsConfig        `yaml:"jobs"`
	Memory       MemoryConfig      `yaml:"memory"`
	Cache        CacheConfig       `yaml:"cache"`
	Redis        RedisConfig       `yaml:"redis"`
	Timeframe    TimeframeConfig   `yaml:"timeframe"`
	Server       ServerConfig      `yaml:"server"`
	Telemetry    TelemetryConfig   `yaml:"telemetry"`
	Logging      LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig selects the Postgres instance, either via a single URL or
// discrete components. URL wins when both are set.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	PoolMax  int    `yaml:"pool_max"`
	PoolMin  int    `yaml:"pool_min"`
}

// ConnString renders a pgx-compatible connection URL.
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	q := u.Query()
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// EmbeddingConfig points at the embedding provider. Dimensions is the
// provider's native output width, used for zero-padding and drift detection.
type EmbeddingConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TagProviderConfig points at the tag-suggestion provider.
type TagProviderConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PropositionCfg points at the proposition-extraction provider. Disabled
// when Enabled is false or Endpoint is empty.
type PropositionCfg struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	Enabled  bool          `yaml:"enabled"`
}

// TokenizerConfig selects the token counter implementation.
type TokenizerConfig struct {
	Provider string `yaml:"provider"` // heuristic | tiktoken
	Encoding string `yaml:"encoding"` // tiktoken encoding name
}

// JobsConfig selects the enrichment execution backend.
type JobsConfig struct {
	Backend   string `yaml:"backend"` // inline | goroutine | queue
	QueueSize int    `yaml:"queue_size"`
	Workers   int    `yaml:"workers"`
}

// MemoryConfig bounds per-robot working sets.
type MemoryConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

// CacheConfig tunes the query-result cache.
type CacheConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

// RedisConfig enables the embedding cache when Addr is set.
type RedisConfig struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

// TimeframeConfig tunes natural-language time parsing.
type TimeframeConfig struct {
	WeekStart string `yaml:"week_start"` // sunday | monday
}

// ServerConfig tunes the MCP/metrics HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig toggles metrics collection.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig tunes the root zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// DefaultConfig returns a runnable local-development configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "engram",
			Name:    "engram",
			SSLMode: "disable",
			PoolMax: 10,
			PoolMin: 2,
		},
		Embedding: EmbeddingConfig{
			Endpoint:   "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			Timeout:    30 * time.Second,
		},
		TagProvider: TagProviderConfig{
			Endpoint: "http://localhost:11434",
			Model:    "llama3.2",
			Timeout:  30 * time.Second,
		},
		Propositions: PropositionCfg{
			Endpoint: "http://localhost:11434",
			Model:    "llama3.2",
			Timeout:  45 * time.Second,
			Enabled:  true,
		},
		Tokenizer: TokenizerConfig{
			Provider: "heuristic",
			Encoding: "cl100k_base",
		},
		Jobs: JobsConfig{
			Backend:   "goroutine",
			QueueSize: 256,
			Workers:   4,
		},
		Memory: MemoryConfig{MaxTokens: 8192},
		Cache:  CacheConfig{TTL: 60 * time.Second, Size: 100},
		Redis:  RedisConfig{TTL: 24 * time.Hour},
		Timeframe: TimeframeConfig{
			WeekStart: "monday",
		},
		Server:    ServerConfig{Addr: ":8137"},
		Telemetry: TelemetryConfig{Enabled: true},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path (a missing file falls back to defaults),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults + env only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ENGRAM_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("ENGRAM_EMBED_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("ENGRAM_EMBED_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("ENGRAM_EMBED_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("ENGRAM_TAG_ENDPOINT"); v != "" {
		c.TagProvider.Endpoint = v
	}
	if v := os.Getenv("ENGRAM_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ENGRAM_JOB_BACKEND"); v != "" {
		c.Jobs.Backend = v
	}
	if v := os.Getenv("ENGRAM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Memory.MaxTokens = n
		}
	}
	if v := os.Getenv("ENGRAM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ENGRAM_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate rejects configurations that would fail at first use: unknown
// enum values, impossible dimensions, empty pools.
func (c *Config) Validate() error {
	switch c.Jobs.Backend {
	case "inline", "goroutine", "queue":
	default:
		return fmt.Errorf("config: unknown job backend %q (want inline|goroutine|queue)", c.Jobs.Backend)
	}
	switch c.Tokenizer.Provider {
	case "heuristic", "tiktoken":
	default:
		return fmt.Errorf("config: unknown tokenizer provider %q (want heuristic|tiktoken)", c.Tokenizer.Provider)
	}
	switch c.Timeframe.WeekStart {
	case "sunday", "monday":
	default:
		return fmt.Errorf("config: unknown week_start %q (want sunday|monday)", c.Timeframe.WeekStart)
	}
	if c.Embedding.Dimensions <= 0 || c.Embedding.Dimensions > 2000 {
		return fmt.Errorf("config: embedding dimensions %d out of range (1-2000)", c.Embedding.Dimensions)
	}
	if c.Memory.MaxTokens <= 0 {
		return fmt.Errorf("config: memory max_tokens must be positive, got %d", c.Memory.MaxTokens)
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("config: cache size must be positive, got %d", c.Cache.Size)
	}
	if c.Database.URL == "" && (c.Database.Host == "" || c.Database.Name == "") {
		return fmt.Errorf("config: database requires url or host+name")
	}
	if c.Jobs.Backend == "queue" {
		if c.Jobs.QueueSize <= 0 {
			return fmt.Errorf("config: queue backend requires positive queue_size, got %d", c.Jobs.QueueSize)
		}
		if c.Jobs.Workers <= 0 {
			return fmt.Errorf("config: queue backend requires positive workers, got %d", c.Jobs.Workers)
		}
	}
	return nil
}
