package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcriber": {"whisper", "whisper-native"},
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"emotion":     {"http"},
	"embeddings":  {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("transcriber", cfg.Providers.Transcriber.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("emotion", cfg.Providers.Emotion.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Provider availability warnings
	if cfg.Providers.Transcriber.Name == "" {
		slog.Warn("no transcriber provider configured; analysis requests will fail at the transcription stage")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; deep analysis and session insights will be degraded")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; cross-turn consistency scores will not be computed")
	}

	// Session
	if cfg.Session.Backend != "" && !cfg.Session.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("session.backend %q is invalid; valid values: memory, postgres", cfg.Session.Backend))
	}
	if cfg.Session.Backend == SessionPostgres && cfg.Session.PostgresDSN == "" {
		errs = append(errs, errors.New("session.postgres_dsn is required when session.backend is postgres"))
	}
	if cfg.Session.TTLHours < 0 {
		errs = append(errs, fmt.Errorf("session.ttl_hours %d must not be negative", cfg.Session.TTLHours))
	}
	if cfg.Session.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("session.max_history %d must not be negative", cfg.Session.MaxHistory))
	}
	if cfg.Session.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("session.embedding_dimensions %d must not be negative", cfg.Session.EmbeddingDimensions))
	}

	// Embeddings ↔ session dimensions
	if cfg.Session.Backend == SessionPostgres && cfg.Providers.Embeddings.Name != "" && cfg.Session.EmbeddingDimensions == 0 {
		slog.Warn("providers.embeddings is configured but session.embedding_dimensions is not set; defaulting to 1536")
	}

	// Pipeline
	if cfg.Pipeline.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry.max_attempts %d must not be negative", cfg.Pipeline.Retry.MaxAttempts))
	}
	if cfg.Pipeline.Retry.InitialBackoffMS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry.initial_backoff_ms %d must not be negative", cfg.Pipeline.Retry.InitialBackoffMS))
	}
	if cfg.Pipeline.Retry.MaxBackoffMS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry.max_backoff_ms %d must not be negative", cfg.Pipeline.Retry.MaxBackoffMS))
	}
	if cfg.Pipeline.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("pipeline.breaker.max_failures %d must not be negative", cfg.Pipeline.Breaker.MaxFailures))
	}
	if cfg.Pipeline.Breaker.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.breaker.cooldown_seconds %d must not be negative", cfg.Pipeline.Breaker.CooldownSeconds))
	}
	if cfg.Pipeline.Breaker.ProbeBudget < 0 {
		errs = append(errs, fmt.Errorf("pipeline.breaker.probe_budget %d must not be negative", cfg.Pipeline.Breaker.ProbeBudget))
	}
	for _, tc := range []struct {
		name  string
		value int
	}{
		{"quality_seconds", cfg.Pipeline.Timeouts.QualitySeconds},
		{"transcription_seconds", cfg.Pipeline.Timeouts.TranscriptionSeconds},
		{"deep_seconds", cfg.Pipeline.Timeouts.DeepSeconds},
		{"emotion_seconds", cfg.Pipeline.Timeouts.EmotionSeconds},
		{"linguistic_seconds", cfg.Pipeline.Timeouts.LinguisticSeconds},
		{"insights_seconds", cfg.Pipeline.Timeouts.InsightsSeconds},
	} {
		if tc.value < 0 {
			errs = append(errs, fmt.Errorf("pipeline.timeouts.%s %d must not be negative", tc.name, tc.value))
		}
	}

	// Upload
	if cfg.Upload.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("upload.max_bytes %d must not be negative", cfg.Upload.MaxBytes))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
