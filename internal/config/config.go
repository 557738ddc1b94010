// Package config resolves runtime settings from an optional YAML file in the
// data directory and from XYLEM_* environment variables. Environment values
// win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside the data directory.
const FileName = "config.yaml"

// Config is the full runtime configuration.
type Config struct {
	DataDir string `yaml:"-"`

	Server     ServerConfig     `yaml:"server"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Content    ContentConfig    `yaml:"content"`
	Matching   MatchingConfig   `yaml:"matching"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider"` // local | openai
	Dimensions int    `yaml:"dimensions"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"-"`
	MaxTokens  int    `yaml:"max_tokens"`
}

// ContentConfig selects the content store.
type ContentConfig struct {
	Backend         string `yaml:"backend"` // badger | memory | gcs
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
}

// MatchingConfig holds similarity thresholds.
type MatchingConfig struct {
	High           float64 `yaml:"high"`
	Low            float64 `yaml:"low"`
	NearDuplicate  float64 `yaml:"near_duplicate"`
	DefaultTopK    int     `yaml:"default_top_k"`
	DefaultMaxHops int     `yaml:"default_depth"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Exporter string `yaml:"exporter"` // none | stdout
}

// Default returns the built-in defaults rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Addr:           "127.0.0.1:8787",
			MaxUploadBytes: 32 << 20,
			RateLimit:      50,
			RateBurst:      100,
			RequestTimeout: 30 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "local",
			Dimensions: 512,
			Model:      "text-embedding-3-small",
			MaxTokens:  8000,
		},
		Content: ContentConfig{Backend: "badger"},
		Matching: MatchingConfig{
			High:           0.85,
			Low:            0.75,
			NearDuplicate:  0.95,
			DefaultTopK:    5,
			DefaultMaxHops: 10,
		},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// DataDir returns $XYLEM_DATA_DIR or ~/.xylem.
func DataDir() (string, error) {
	if dir := os.Getenv("XYLEM_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(home, ".xylem"), nil
}

// Load builds the configuration: defaults, then config.yaml, then env.
func Load() (Config, error) {
	dir, err := DataDir()
	if err != nil {
		return Config{}, err
	}
	cfg := Default(dir)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", FileName, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("XYLEM_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("XYLEM_EMBEDDINGS"); v != "" {
		cfg.Embeddings.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("XYLEM_EMBED_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embeddings.Dimensions = n
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
	if v := os.Getenv("XYLEM_CONTENT_STORE"); v != "" {
		cfg.Content.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("XYLEM_GCS_BUCKET"); v != "" {
		cfg.Content.Bucket = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && cfg.Content.CredentialsFile == "" {
		cfg.Content.CredentialsFile = v
	}
	if v := os.Getenv("XYLEM_TRACING"); v != "" {
		cfg.Tracing.Exporter = strings.ToLower(v)
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	switch c.Embeddings.Provider {
	case "local", "openai":
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}
	switch c.Content.Backend {
	case "badger", "memory":
	case "gcs":
		if c.Content.Bucket == "" {
			return errors.New("content.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown content backend %q", c.Content.Backend)
	}
	if c.Matching.Low > c.Matching.High {
		return fmt.Errorf("matching.low (%v) must not exceed matching.high (%v)", c.Matching.Low, c.Matching.High)
	}
	return nil
}

// DBPath is the SQLite database location.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "xylem.db") }

// BlobDir is the local content store location.
func (c Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }
