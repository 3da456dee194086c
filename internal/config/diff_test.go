package config

import (
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080", LogLevel: LogInfo},
		Audio:  AudioConfig{SampleRate: 16000, Window: Duration(time.Second)},
		Pipeline: PipelineConfig{
			Backpressure:            BackpressureBlock,
			ContinuityThreshold:     0.5,
			IdentificationThreshold: 0.7,
		},
		Providers: ProvidersConfig{
			Separation:    ProviderEntry{Name: "sepformer", BaseURL: "http://localhost:8001"},
			Embeddings:    ProviderEntry{Name: "ecapa", BaseURL: "http://localhost:8002"},
			Transcription: ProviderEntry{Name: "whisper", Options: map[string]any{"language": "en"}},
		},
	}
}

func TestDiffNoChanges(t *testing.T) {
	t.Parallel()

	d := Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.DefaultsChanged || d.ProvidersChanged {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Server.LogLevel = LogDebug

	d := Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
	if d.DefaultsChanged || d.ProvidersChanged {
		t.Errorf("diff = %+v, want only the log level change", d)
	}
}

func TestDiffPipelineDefaults(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Pipeline.ContinuityThreshold = 0.6

	d := Diff(baseConfig(), newCfg)
	if !d.DefaultsChanged {
		t.Error("changed continuity threshold not reported")
	}

	newCfg = baseConfig()
	newCfg.Audio.MaxSpeakers = 6
	if d := Diff(baseConfig(), newCfg); !d.DefaultsChanged {
		t.Error("changed audio defaults not reported")
	}
}

func TestDiffProviders(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Providers.Transcription.Options = map[string]any{"language": "de"}

	d := Diff(baseConfig(), newCfg)
	if !d.ProvidersChanged {
		t.Error("changed provider option not reported")
	}

	newCfg = baseConfig()
	newCfg.Providers.Separation.BaseURL = "http://other:8001"
	if d := Diff(baseConfig(), newCfg); !d.ProvidersChanged {
		t.Error("changed provider URL not reported")
	}
}
