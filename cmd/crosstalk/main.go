// Command crosstalk is the main entry point for the crosstalk
// speaker-attributed transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crosstalk-audio/crosstalk/internal/config"
	"github.com/crosstalk-audio/crosstalk/internal/event"
	"github.com/crosstalk-audio/crosstalk/internal/health"
	"github.com/crosstalk-audio/crosstalk/internal/observe"
	"github.com/crosstalk-audio/crosstalk/internal/pipeline"
	"github.com/crosstalk-audio/crosstalk/internal/registry"
	"github.com/crosstalk-audio/crosstalk/internal/server"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
	embeddingsmock "github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings/mock"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings/vectorserver"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/separation"
	separationmock "github.com/crosstalk-audio/crosstalk/pkg/provider/separation/mock"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/separation/sepserver"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe"
	transcribemock "github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe/mock"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe/whisper"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe/whispercpp"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "crosstalk: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		}
		return 1
	}

	logLevel := newLevelVar(cfg.Server.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("crosstalk starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry (metrics + Prometheus exporter).
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// Providers.
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// Speaker registry: Postgres when a DSN is configured, in-memory otherwise.
	speakers, speakerCheck, closeStore, err := buildSpeakerRegistry(ctx, cfg, providers.Embeddings)
	if err != nil {
		slog.Error("failed to initialise speaker registry", "err", err)
		return 1
	}
	defer closeStore()

	bus := event.NewBus()
	mgr := pipeline.NewManager(sessionDefaults(cfg), providers, asIdentifier(speakers), bus, metrics)

	healthHandler := health.New(health.Checker{
		Name:  "speaker_store",
		Check: speakerCheck,
	})

	srv := server.New(mgr, speakers, bus, metrics, healthHandler)
	httpServer := &http.Server{
		Addr:              listenAddr(cfg),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Hot reload: log level applies immediately; other changes are logged.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.DefaultsChanged {
			slog.Info("audio/pipeline defaults changed; applies to new sessions after restart")
		}
		if d.ProvidersChanged {
			slog.Warn("provider configuration changed; restart required to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		mgr.StopAll(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// sessionDefaults maps the config file onto the pipeline's session defaults.
func sessionDefaults(cfg *config.Config) pipeline.SessionConfig {
	return pipeline.SessionConfig{
		SampleRate:     cfg.Audio.SampleRate,
		WindowDuration: cfg.Audio.Window.Std(),
		Overlap:        cfg.Audio.Overlap,
		MaxSpeakers:    cfg.Audio.MaxSpeakers,
		QueueSize:      cfg.Pipeline.QueueSize,
		Policy:         pipeline.BackpressurePolicy(cfg.Pipeline.Backpressure),
		StopGrace:      cfg.Pipeline.StopGrace.Std(),
		Engine: pipeline.EngineConfig{
			ContinuityThreshold:     cfg.Pipeline.ContinuityThreshold,
			IdentificationThreshold: cfg.Pipeline.IdentificationThreshold,
			IdentificationMargin:    cfg.Pipeline.IdentificationMargin,
			EmbeddingAlpha:          cfg.Pipeline.EmbeddingAlpha,
			SilenceTimeoutWindows:   cfg.Pipeline.SilenceTimeoutWindows,
			SilenceRMSFloor:         cfg.Pipeline.SilenceRMSFloor,
			MinSpeechDuration:       cfg.Pipeline.MinSpeechDuration.Std(),
		},
		Scheduler: pipeline.SchedulerConfig{
			Workers:     cfg.Pipeline.TranscriptionWorkers,
			CallTimeout: cfg.Pipeline.TranscriptionTimeout.Std(),
		},
	}
}

func listenAddr(cfg *config.Config) string {
	if cfg.Server.ListenAddr != "" {
		return cfg.Server.ListenAddr
	}
	return ":8080"
}

// buildSpeakerRegistry creates the profile store and wraps it in a Registry.
// The returned check function backs the /readyz probe.
func buildSpeakerRegistry(ctx context.Context, cfg *config.Config, emb embeddings.Provider) (*registry.Registry, func(context.Context) error, func(), error) {
	if emb == nil {
		slog.Warn("no embeddings provider; speaker enrollment and identification disabled")
		return nil, func(context.Context) error { return nil }, func() {}, nil
	}

	if cfg.Registry.PostgresDSN == "" {
		slog.Info("speaker registry using in-memory store")
		return registry.New(registry.NewMemStore(), emb),
			func(context.Context) error { return nil },
			func() {}, nil
	}

	dims := cfg.Registry.EmbeddingDimensions
	if dims <= 0 {
		dims = emb.Dimensions()
	}
	store, err := registry.NewPostgresStore(ctx, cfg.Registry.PostgresDSN, dims)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres speaker store: %w", err)
	}
	slog.Info("speaker registry using postgres store", "dimensions", dims)
	return registry.New(store, emb), store.Ping, store.Close, nil
}

// asIdentifier converts a possibly-nil registry into the engine's identifier
// interface without wrapping nil in a non-nil interface value.
func asIdentifier(r *registry.Registry) pipeline.SpeakerIdentifier {
	if r == nil {
		return nil
	}
	return r
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSeparation("sepformer", func(entry config.ProviderEntry) (separation.Provider, error) {
		var opts []sepserver.Option
		if entry.Model != "" {
			opts = append(opts, sepserver.WithModel(entry.Model))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, sepserver.WithTimeout(d))
		}
		return sepserver.New(entry.BaseURL, opts...)
	})
	reg.RegisterSeparation("mock", func(config.ProviderEntry) (separation.Provider, error) {
		return &separationmock.Provider{}, nil
	})

	reg.RegisterEmbeddings("ecapa", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []vectorserver.Option
		if entry.Model != "" {
			opts = append(opts, vectorserver.WithModel(entry.Model))
		}
		if dim := optInt(entry.Options, "dimensions"); dim > 0 {
			opts = append(opts, vectorserver.WithDimensions(dim))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, vectorserver.WithTimeout(d))
		}
		return vectorserver.New(entry.BaseURL, opts...)
	})
	reg.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embeddingsmock.Provider{}, nil
	})

	reg.RegisterTranscription("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, whisper.WithTimeout(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})
	reg.RegisterTranscription("whisper-native", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whispercpp.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whispercpp.WithLanguage(lang))
		}
		return whispercpp.New(modelPath, opts...)
	})
	reg.RegisterTranscription("mock", func(config.ProviderEntry) (transcribe.Provider, error) {
		return &transcribemock.Provider{}, nil
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (pipeline.Providers, error) {
	var ps pipeline.Providers

	if name := cfg.Providers.Separation.Name; name != "" {
		p, err := reg.CreateSeparation(cfg.Providers.Separation)
		if err != nil {
			return ps, fmt.Errorf("create separation provider %q: %w", name, err)
		}
		ps.Separation = p
		slog.Info("provider created", "kind", "separation", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return ps, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	if name := cfg.Providers.Transcription.Name; name != "" {
		p, err := reg.CreateTranscription(cfg.Providers.Transcription)
		if err != nil {
			return ps, fmt.Errorf("create transcription provider %q: %w", name, err)
		}
		ps.Transcription = p
		slog.Info("provider created", "kind", "transcription", "name", name)
	}

	return ps, nil
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       crosstalk — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Separation", cfg.Providers.Separation.Name, cfg.Providers.Separation.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Transcription", cfg.Providers.Transcription.Name, cfg.Providers.Transcription.Model)
	store := "in-memory"
	if cfg.Registry.PostgresDSN != "" {
		store = "postgres"
	}
	fmt.Printf("║  Speaker store   : %-19s║\n", store)
	fmt.Printf("║  Listen addr     : %-19s║\n", listenAddr(cfg))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s║\n", kind, value)
}

func newLevelVar(level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(slogLevel(level))
	return lv
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an int value from a provider Options map. YAML numbers
// decode as int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	n, _ := opts[key].(int)
	return n
}

// optDuration parses a duration string from a provider Options map.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
