// Command callcore-server is the process entry point for the real-time
// voice interaction core: it loads configuration, constructs the shared
// provider instances, wires a [callsupervisor.Supervisor], and serves the
// telephony bridge's inbound WebSocket connections over HTTP.
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

	"github.com/voicecore/callcore/internal/callserver"
	"github.com/voicecore/callcore/internal/callsupervisor"
	"github.com/voicecore/callcore/internal/config"
	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/internal/health"
	"github.com/voicecore/callcore/internal/observe"
	"github.com/voicecore/callcore/internal/resilience"
	"github.com/voicecore/callcore/pkg/audio"
	"github.com/voicecore/callcore/pkg/provider/llm"
	"github.com/voicecore/callcore/pkg/provider/llm/anyllm"
	"github.com/voicecore/callcore/pkg/provider/llm/openai"
	"github.com/voicecore/callcore/pkg/provider/tts"
	"github.com/voicecore/callcore/pkg/provider/tts/elevenlabs"
	"github.com/voicecore/callcore/pkg/provider/tts/telephonytts"
	"github.com/voicecore/callcore/pkg/provider/vad"
)

// breakerConfig is shared by every provider's circuit breaker. A stricter
// trip threshold than the package default (5) fails over faster: three
// consecutive failures mid-call is already a user-visible
// stretch of dead air, so there is no value in waiting for a fourth.
var breakerConfig = resilience.FallbackConfig{
	CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 15 * time.Second,
		HalfOpenMax:  1,
	},
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callcore-server: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callcore-server: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callcore-server starting", "config", *configPath, "listen_addr", cfg.Server.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "callcore"})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer shutdownTelemetry(context.Background())

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	providers.EventSink = eventbus.NewMetricsSink(observe.DefaultMetrics(), eventbus.NewNDJSONSink(os.Stdout))

	sup, err := callsupervisor.New(cfg, providers)
	if err != nil {
		slog.Error("failed to build supervisor", "err", err)
		return 1
	}

	// Hot-reload the agent-profile and tier subset of the config; calls
	// already in progress keep the values their session was built from.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		slog.Info("configuration reloaded", "profiles_changed", d.AgentProfilesChanged)
		sup.UpdateConfig(new)
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/calls", callserver.New(sup).Handler())
	health.New(health.Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if providers.LLMFast == nil {
				return fmt.Errorf("no fast-tier llm provider configured")
			}
			return nil
		},
	}).Register(mux)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Server.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining calls")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	sup.Shutdown(30 * time.Second)
	slog.Info("goodbye")
	return 0
}

// newProviderRegistry builds the registry of provider-name -> constructor
// factories this process knows about. Every concrete backend the module
// carries gets a name here, whether or not a given deployment's config
// selects it — "openai" goes straight at the OpenAI API via the official
// SDK, "anyllm" fans out to whichever backend entry.Options["backend"]
// names (Anthropic, Gemini, Ollama, ...) through the multi-provider
// abstraction, and TTS has the same direct-vs-aggregated split between
// elevenlabs and telephonytts.
func newProviderRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []openai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		return anyllm.New(backend, e.Model, anyllmlib.WithAPIKey(e.APIKey))
	})

	reg.RegisterTTS("telephonytts", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []telephonytts.Option{}
		if e.BaseURL != "" {
			opts = append(opts, telephonytts.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, telephonytts.WithModel(e.Model))
		}
		return telephonytts.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{}
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterVAD("energy-zcr", func(e config.ProviderEntry) (vad.Engine, error) {
		opts := []audio.Option{}
		if v, ok := e.Options["energy_threshold"].(float64); ok && v > 0 {
			opts = append(opts, audio.WithEnergyThreshold(v))
		}
		if v, ok := e.Options["start_frames"].(int); ok && v > 0 {
			opts = append(opts, audio.WithStartFrames(v))
		}
		if v, ok := e.Options["end_frames"].(int); ok && v > 0 {
			opts = append(opts, audio.WithEndFrames(v))
		}
		return audio.NewEnergyZCRDetector(opts...), nil
	})

	return reg
}

// buildProviders constructs the shared provider instances every accepted
// call wires into its stage workers: one LLM provider per model tier (same
// backend, different model id; token budgets are applied per request from
// the tier config) protected by its own circuit breaker, a shared TTS provider
// behind the same kind of breaker, and the configured VAD engine.
func buildProviders(cfg *config.Config) (callsupervisor.Providers, error) {
	var ps callsupervisor.Providers
	reg := newProviderRegistry()

	entry := cfg.Providers.LLM
	if entry.Name == "" {
		return ps, fmt.Errorf("providers.llm.name is required")
	}

	mk := func(tier config.ModelTierEntry, fallback string) (llm.Provider, error) {
		tierEntry := entry
		tierEntry.Model = tier.ModelID
		if tierEntry.Model == "" {
			tierEntry.Model = fallback
		}
		backend, err := reg.CreateLLM(tierEntry)
		if err != nil {
			return nil, err
		}
		// Wrapped even with a single backend: the circuit breaker still
		// fails fast on a misbehaving provider instead of letting every
		// turn pile up on a backend that's already down.
		return resilience.NewLLMFallback(backend, entry.Name+":"+tierEntry.Model, breakerConfig), nil
	}

	var err error
	if ps.LLMFast, err = mk(cfg.ModelTiers.Fast, entry.Model); err != nil {
		return ps, fmt.Errorf("build fast-tier llm provider: %w", err)
	}
	if ps.LLMMid, err = mk(cfg.ModelTiers.Mid, entry.Model); err != nil {
		return ps, fmt.Errorf("build mid-tier llm provider: %w", err)
	}
	if ps.LLMHeavy, err = mk(cfg.ModelTiers.Heavy, entry.Model); err != nil {
		return ps, fmt.Errorf("build heavy-tier llm provider: %w", err)
	}

	ttsEntry := cfg.Providers.TTS
	if ttsEntry.APIKey == "" {
		return ps, fmt.Errorf("providers.tts.api_key is required")
	}
	ttsBackend, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return ps, fmt.Errorf("build tts provider: %w", err)
	}
	ps.TTS = resilience.NewTTSFallback(ttsBackend, ttsEntry.Name, breakerConfig)

	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy-zcr"
	}
	if vadEntry.Options == nil {
		vadEntry.Options = map[string]any{}
	}
	if cfg.VAD.EnergyThreshold > 0 {
		vadEntry.Options["energy_threshold"] = cfg.VAD.EnergyThreshold
	}
	if cfg.VAD.StartFrames > 0 {
		vadEntry.Options["start_frames"] = cfg.VAD.StartFrames
	}
	if cfg.VAD.EndFrames > 0 {
		vadEntry.Options["end_frames"] = cfg.VAD.EndFrames
	}
	ps.VAD, err = reg.CreateVAD(vadEntry)
	if err != nil {
		return ps, fmt.Errorf("build vad engine: %w", err)
	}

	return ps, nil
}

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
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
