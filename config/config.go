// Package config loads the service configuration from a YAML file,
// with environment variable overrides for the settings that change
// between deployments.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DatasetsRoot is the directory holding one subdirectory per dataset.
	DatasetsRoot string `yaml:"datasets_root"`

	// EmbeddingURL is the base URL of the embedding model service.
	EmbeddingURL string `yaml:"embedding_url"`

	// ContextCapacity bounds how many dataset contexts stay resident.
	ContextCapacity int `yaml:"context_capacity"`

	// PCADim is the target projection dimensionality.
	PCADim int `yaml:"pca_dim"`

	// Workers is the processing worker pool size.
	Workers int `yaml:"workers"`

	// EmbedBatchSize is the number of images per embedding request.
	EmbedBatchSize int `yaml:"embed_batch_size"`

	// EmbedParallelism bounds concurrent embedding requests.
	EmbedParallelism int `yaml:"embed_parallelism"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr:       ":8000",
		DatasetsRoot:     "datasets",
		EmbeddingURL:     "http://localhost:8100",
		ContextCapacity:  4,
		PCADim:           50,
		Workers:          1,
		EmbedBatchSize:   32,
		EmbedParallelism: 1,
		LogLevel:         "info",
	}
}

// Load reads the configuration file at path, falling back to defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults plus environment is a complete configuration.
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BILD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("BILD_DATASETS_ROOT"); v != "" {
		c.DatasetsRoot = v
	}
	if v := os.Getenv("BILD_EMBEDDING_URL"); v != "" {
		c.EmbeddingURL = v
	}
	if v := os.Getenv("BILD_CONTEXT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ContextCapacity = n
		}
	}
	if v := os.Getenv("BILD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.DatasetsRoot == "" {
		return errors.New("config: datasets_root is required")
	}
	if c.EmbeddingURL == "" {
		return errors.New("config: embedding_url is required")
	}
	if c.ContextCapacity <= 0 {
		return fmt.Errorf("config: context_capacity must be positive, got %d", c.ContextCapacity)
	}
	if c.PCADim <= 0 {
		return fmt.Errorf("config: pca_dim must be positive, got %d", c.PCADim)
	}
	if c.EmbedBatchSize <= 0 {
		return fmt.Errorf("config: embed_batch_size must be positive, got %d", c.EmbedBatchSize)
	}

	return nil
}
