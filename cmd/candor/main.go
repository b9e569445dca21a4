// Command candor is the main entry point for the Candor speech analysis server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/candorlab/candor/internal/config"
	"github.com/candorlab/candor/internal/health"
	"github.com/candorlab/candor/internal/observe"
	"github.com/candorlab/candor/internal/pipeline"
	"github.com/candorlab/candor/internal/resilience"
	"github.com/candorlab/candor/internal/server"
	"github.com/candorlab/candor/internal/session"
	sessionpg "github.com/candorlab/candor/internal/session/postgres"
	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
	"github.com/candorlab/candor/pkg/analyzer/deep"
	"github.com/candorlab/candor/pkg/analyzer/emotion"
	"github.com/candorlab/candor/pkg/analyzer/linguistic"
	"github.com/candorlab/candor/pkg/analyzer/quality"
	"github.com/candorlab/candor/pkg/analyzer/whisper"
	"github.com/candorlab/candor/pkg/provider/embeddings"
	oaembed "github.com/candorlab/candor/pkg/provider/embeddings/openai"
	"github.com/candorlab/candor/pkg/provider/llm"
	"github.com/candorlab/candor/pkg/provider/llm/anyllm"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "candor: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "candor: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("candor starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "candor"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Session store ─────────────────────────────────────────────────────────
	store, err := buildSessionStore(ctx, cfg, providers.Embeddings, logger)
	if err != nil {
		slog.Error("failed to initialise session store", "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("session store close error", "err", err)
		}
	}()

	// ── Pipeline ──────────────────────────────────────────────────────────────
	orch, err := buildPipeline(cfg, providers, store, metrics, logger)
	if err != nil {
		slog.Error("failed to assemble pipeline", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	}
	if cfg.Upload.MaxBytes > 0 {
		srvOpts = append(srvOpts, server.WithMaxUpload(cfg.Upload.MaxBytes))
	}
	srv, err := server.New(orch, store, srvOpts...)
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	health.New(buildCheckers(cfg, store, providers)...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS != nil {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		slog.Error("listen error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Candor. Used for startup logging.
var builtinProviders = map[string][]string{
	"transcriber": {"whisper", "whisper-native"},
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"emotion":     {"http"},
	"embeddings":  {"openai"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Transcriber ───────────────────────────────────────────────────────────

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (analyzer.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (analyzer.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── Emotion ───────────────────────────────────────────────────────────────

	reg.RegisterEmotion("http", func(entry config.ProviderEntry) (analyzer.EmotionAnalyzer, error) {
		var opts []emotion.Option
		if entry.Model != "" {
			opts = append(opts, emotion.WithModel(entry.Model))
		}
		if k := optInt(entry.Options, "top_k"); k > 0 {
			opts = append(opts, emotion.WithTopK(k))
		}
		return emotion.New(entry.BaseURL, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// providerSet holds the instantiated external providers. Unconfigured slots
// stay nil; buildPipeline substitutes failing stand-ins so the pipeline's
// degradation policy decides what an absent provider means per stage.
type providerSet struct {
	Transcriber analyzer.Transcriber
	LLM         llm.Provider
	Emotion     analyzer.EmotionAnalyzer
	Embeddings  embeddings.Provider
}

// buildProviders instantiates all providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if name := cfg.Providers.Transcriber.Name; name != "" {
		p, err := reg.CreateTranscriber(cfg.Providers.Transcriber)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "transcriber", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create transcriber provider %q: %w", name, err)
		} else {
			ps.Transcriber = p
			slog.Info("provider created", "kind", "transcriber", "name", name)
		}
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if name := cfg.Providers.Emotion.Name; name != "" {
		p, err := reg.CreateEmotion(cfg.Providers.Emotion)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "emotion", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create emotion provider %q: %w", name, err)
		} else {
			ps.Emotion = p
			slog.Info("provider created", "kind", "emotion", "name", name)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	return ps, nil
}

// ── Session store ─────────────────────────────────────────────────────────────

func buildSessionStore(ctx context.Context, cfg *config.Config, embedder embeddings.Provider, logger *slog.Logger) (session.Store, error) {
	if cfg.Session.Backend == config.SessionPostgres {
		store, err := sessionpg.New(ctx, cfg.Session.PostgresDSN, embedder, logger)
		if err != nil {
			return nil, err
		}
		slog.Info("session store ready", "backend", "postgres")
		return store, nil
	}

	var opts []session.MemOption
	if cfg.Session.TTLHours > 0 {
		opts = append(opts, session.WithTTL(time.Duration(cfg.Session.TTLHours)*time.Hour))
	}
	if cfg.Session.MaxHistory > 0 {
		opts = append(opts, session.WithMaxHistory(cfg.Session.MaxHistory))
	}
	store := session.NewMemStore(logger, opts...)
	store.StartJanitor(ctx)
	slog.Info("session store ready", "backend", "memory")
	return store, nil
}

// ── Pipeline assembly ─────────────────────────────────────────────────────────

func buildPipeline(cfg *config.Config, ps *providerSet, store session.Store, metrics *observe.Metrics, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	transcriber := ps.Transcriber
	if transcriber == nil {
		transcriber = noTranscriber{}
	}
	emotionAnalyzer := ps.Emotion
	if emotionAnalyzer == nil {
		emotionAnalyzer = noEmotion{}
	}

	var (
		deepAnalyzer analyzer.DeepAnalyzer = noDeep{}
		insights     *session.Insights
	)
	if ps.LLM != nil {
		da := deep.New(ps.LLM)
		deepAnalyzer = da
		insights = session.NewInsights(da, ps.Embeddings, logger)
	}

	var breaker *resilience.CircuitBreaker
	if ps.LLM != nil {
		breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:        "deep-analysis",
			MaxFailures: cfg.Pipeline.Breaker.MaxFailures,
			Cooldown:    time.Duration(cfg.Pipeline.Breaker.CooldownSeconds) * time.Second,
			ProbeBudget: cfg.Pipeline.Breaker.ProbeBudget,
		}, logger)
	}

	return pipeline.New(pipeline.Config{
		Quality:     quality.New(),
		Transcriber: transcriber,
		Deep:        deepAnalyzer,
		Emotion:     emotionAnalyzer,
		Linguistic:  linguistic.New(),
		Sessions:    store,
		Insights:    insights,
		Breaker:     breaker,
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Pipeline.Retry.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Pipeline.Retry.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Pipeline.Retry.MaxBackoffMS) * time.Millisecond,
		},
		Timeouts: pipeline.Timeouts{
			Quality:       time.Duration(cfg.Pipeline.Timeouts.QualitySeconds) * time.Second,
			Transcription: time.Duration(cfg.Pipeline.Timeouts.TranscriptionSeconds) * time.Second,
			Deep:          time.Duration(cfg.Pipeline.Timeouts.DeepSeconds) * time.Second,
			Emotion:       time.Duration(cfg.Pipeline.Timeouts.EmotionSeconds) * time.Second,
			Linguistic:    time.Duration(cfg.Pipeline.Timeouts.LinguisticSeconds) * time.Second,
			Insights:      time.Duration(cfg.Pipeline.Timeouts.InsightsSeconds) * time.Second,
		},
		Observer: observe.NewPipelineObserver(metrics),
		Logger:   logger,
	})
}

// ── Health checkers ───────────────────────────────────────────────────────────

func buildCheckers(cfg *config.Config, store session.Store, ps *providerSet) []health.Checker {
	checkers := []health.Checker{
		{Name: "sessions", Check: func(ctx context.Context) error {
			if pg, ok := store.(*sessionpg.Store); ok {
				return pg.Ping(ctx)
			}
			return nil
		}},
	}
	if ps.Transcriber == nil {
		checkers = append(checkers, health.Checker{
			Name: "transcriber",
			Check: func(context.Context) error {
				return fmt.Errorf("%s: %w", cfg.Providers.Transcriber.Name, errNotConfigured)
			},
		})
	}
	return checkers
}

// ── Fallback providers ────────────────────────────────────────────────────────

// errNotConfigured marks a stage whose provider is absent from the config.
// Degradable stages report it per run; the transcription stage aborts on it.
var errNotConfigured = errors.New("provider not configured")

type noTranscriber struct{}

func (noTranscriber) Transcribe(context.Context, analyzer.Clip) (*analyzer.Transcript, error) {
	return nil, fmt.Errorf("transcriber: %w", errNotConfigured)
}

type noDeep struct{}

func (noDeep) Analyze(context.Context, analyzer.DeepRequest) (*analysis.DeepAnalysis, error) {
	return nil, fmt.Errorf("deep analysis: %w", errNotConfigured)
}

func (noDeep) SessionInsights(context.Context, []analysis.Result) (*analysis.SessionInsights, error) {
	return nil, fmt.Errorf("session insights: %w", errNotConfigured)
}

type noEmotion struct{}

func (noEmotion) AnalyzeEmotion(context.Context, analyzer.Clip, string) ([]analysis.EmotionScore, error) {
	return nil, fmt.Errorf("emotion analysis: %w", errNotConfigured)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Candor — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Transcriber", cfg.Providers.Transcriber.Name, cfg.Providers.Transcriber.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Emotion", cfg.Providers.Emotion.Name, cfg.Providers.Emotion.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	backend := cfg.Session.Backend
	if backend == "" {
		backend = config.SessionMemory
	}
	fmt.Printf("║  Sessions       : %-20s ║\n", backend)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr    : %-20s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 20 {
		value = value[:17] + "…"
	}
	fmt.Printf("║  %-11s    : %-20s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an int value from a provider Options map[string]any.
// Returns 0 if the map is nil, the key is absent, or the value is not an int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}
