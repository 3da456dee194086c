package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// server changes require a restart and are reported so callers can warn.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level changed; the new level
	// can be applied immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DefaultsChanged is true when audio or pipeline defaults changed.
	// Running sessions keep their parameters; sessions started after the
	// reload pick up the new defaults.
	DefaultsChanged bool

	// ProvidersChanged is true when a provider selection changed. Applying
	// it requires a restart.
	ProvidersChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio != new.Audio || !pipelineEqual(old.Pipeline, new.Pipeline) {
		d.DefaultsChanged = true
	}

	if !providerEntryEqual(old.Providers.Separation, new.Providers.Separation) ||
		!providerEntryEqual(old.Providers.Embeddings, new.Providers.Embeddings) ||
		!providerEntryEqual(old.Providers.Transcription, new.Providers.Transcription) {
		d.ProvidersChanged = true
	}

	return d
}

func pipelineEqual(a, b PipelineConfig) bool {
	return a == b
}

func providerEntryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	// Options values may be nested maps, so compare structurally.
	return reflect.DeepEqual(a.Options, b.Options)
}
