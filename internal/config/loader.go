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
	"separation":    {"sepformer", "mock"},
	"embeddings":    {"ecapa", "mock"},
	"transcription": {"whisper", "whisper-native", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Window < 0 {
		errs = append(errs, fmt.Errorf("audio.window %v must not be negative", cfg.Audio.Window.Std()))
	}
	if cfg.Audio.Overlap < 0 || cfg.Audio.Overlap >= 1 {
		errs = append(errs, fmt.Errorf("audio.overlap %.2f is out of range [0, 1)", cfg.Audio.Overlap))
	}
	if cfg.Audio.MaxSpeakers < 0 {
		errs = append(errs, fmt.Errorf("audio.max_speakers %d must not be negative", cfg.Audio.MaxSpeakers))
	}

	// Pipeline
	if cfg.Pipeline.Backpressure != "" && !cfg.Pipeline.Backpressure.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.backpressure %q is invalid; valid values: block, drop", cfg.Pipeline.Backpressure))
	}
	checkUnitRange := func(field string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("pipeline.%s %.2f is out of range [0, 1]", field, v))
		}
	}
	checkUnitRange("continuity_threshold", cfg.Pipeline.ContinuityThreshold)
	checkUnitRange("identification_threshold", cfg.Pipeline.IdentificationThreshold)
	checkUnitRange("identification_margin", cfg.Pipeline.IdentificationMargin)
	checkUnitRange("embedding_alpha", cfg.Pipeline.EmbeddingAlpha)
	if cfg.Pipeline.SilenceTimeoutWindows < 0 {
		errs = append(errs, fmt.Errorf("pipeline.silence_timeout_windows %d must not be negative", cfg.Pipeline.SilenceTimeoutWindows))
	}
	if cfg.Pipeline.ContinuityThreshold != 0 && cfg.Pipeline.IdentificationThreshold != 0 &&
		cfg.Pipeline.IdentificationThreshold < cfg.Pipeline.ContinuityThreshold {
		slog.Warn("pipeline.identification_threshold is below continuity_threshold; tracks may bind before they stabilise",
			"identification", cfg.Pipeline.IdentificationThreshold,
			"continuity", cfg.Pipeline.ContinuityThreshold,
		)
	}

	// Providers
	validateProviderName("separation", cfg.Providers.Separation.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("transcription", cfg.Providers.Transcription.Name)

	if cfg.Providers.Separation.Name == "" {
		errs = append(errs, errors.New("providers.separation is required; the pipeline cannot run without a separation model"))
	}
	if cfg.Providers.Transcription.Name == "" {
		slog.Warn("providers.transcription is not configured; sessions will produce tracks but no transcripts")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; channels cannot be matched to tracks or speakers")
	}

	// Registry
	if cfg.Registry.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("registry.embedding_dimensions %d must not be negative", cfg.Registry.EmbeddingDimensions))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Registry.EmbeddingDimensions == 0 {
		slog.Warn("registry.embedding_dimensions is not set; defaulting to 192")
	}
	if cfg.Registry.PostgresDSN == "" {
		slog.Warn("registry.postgres_dsn is empty; speaker profiles will not survive restarts")
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
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
