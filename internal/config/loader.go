package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored; with no arguments it tries ".env".
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse is [LoadFromReader] over an in-memory document.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every problem found. Soft problems are logged.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"openai.timeout", cfg.OpenAI.Timeout},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}

	// OpenAI
	if cfg.OpenAI.APIKey == "" {
		slog.Warn("openai.api_key is empty; credential minting will fail")
	}
	if len(cfg.OpenAI.Models) > 0 && !slices.Contains(cfg.OpenAI.Models, cfg.OpenAI.RealtimeModel) {
		errs = append(errs, fmt.Errorf("openai.realtime_model %q is not in openai.models", cfg.OpenAI.RealtimeModel))
	}
	if len(cfg.OpenAI.Voices) > 0 && !slices.Contains(cfg.OpenAI.Voices, cfg.OpenAI.DefaultVoice) {
		errs = append(errs, fmt.Errorf("openai.default_voice %q is not in openai.voices", cfg.OpenAI.DefaultVoice))
	}
	if cfg.OpenAI.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("openai.breaker.max_failures must not be negative"))
	}

	// Database
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Database.MaxConns < 0 {
		errs = append(errs, errors.New("database.max_conns must not be negative"))
	}

	// Catalog
	if cfg.Catalog.ReloadInterval < 0 {
		errs = append(errs, errors.New("catalog.reload_interval must not be negative"))
	}
	if cfg.Catalog.ReloadInterval > 0 && cfg.Catalog.Path == "" {
		slog.Warn("catalog.reload_interval is set but catalog.path is empty; the built-in catalog never changes")
	}

	// Recall
	if cfg.Recall.Enabled {
		if cfg.Recall.Dimensions <= 0 || cfg.Recall.Dimensions > 16000 {
			errs = append(errs, fmt.Errorf("recall.dimensions %d is out of range (1..16000)", cfg.Recall.Dimensions))
		}
		if cfg.Recall.Workers < 0 || cfg.Recall.QueueSize < 0 {
			errs = append(errs, errors.New("recall.workers and recall.queue_size must not be negative"))
		}
	}

	return errors.Join(errs...)
}
