// Command scribe is the main entry point for the Scribe live transcription
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/scribe/internal/app"
	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/audio/audiosocket"
	"github.com/MrWong99/scribe/pkg/audio/discord"
	"github.com/MrWong99/scribe/pkg/audio/malgo"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/scribe/pkg/provider/stt/openai"
	"github.com/MrWong99/scribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/scribe/pkg/provider/vad"
	"github.com/MrWong99/scribe/pkg/provider/vad/energy"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config is parsed")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "scribe: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "scribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("scribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: serviceVersion(cfg),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithVersion(version),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
	}

	var application *app.App
	if *watch {
		w, err := config.NewWatcher(*configPath, func(oldCfg, newCfg *config.Config, diff config.ConfigDiff) {
			if application != nil {
				application.ApplyConfig(oldCfg, newCfg, diff)
			}
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterEngine("whisper-native", func(entry config.ProviderEntry) (stt.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = config.OptString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if threads, ok := config.OptInt(entry.Options, "threads"); ok && threads > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(threads)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterEngine("whisper", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterEngine("openai", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaistt.WithOrganization(org))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if n, ok := config.OptInt(entry.Options, "max_retries"); ok {
			opts = append(opts, oaistt.WithMaxRetries(n))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEngine("deepgram", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if kw := config.OptStrings(entry.Options, "keywords"); len(kw) > 0 {
			boost, _ := config.OptFloat(entry.Options, "keyword_boost")
			opts = append(opts, deepgram.WithKeywords(kw, boost))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Audio sources ─────────────────────────────────────────────────────────

	reg.RegisterSource("microphone", func(ac config.AudioConfig) (audio.Source, error) {
		return malgo.New(malgo.Config{
			SampleRate: ac.SampleRate,
			Channels:   ac.Channels,
			ChunkSize:  ac.ChunkSize,
		}), nil
	})

	reg.RegisterSource("discord", func(ac config.AudioConfig) (audio.Source, error) {
		opts := ac.Source.Options
		var dopts []discord.Option
		if ac.ChunkSize > 0 {
			dopts = append(dopts, discord.WithChunkSize(ac.ChunkSize))
		}
		return discord.New(discord.Config{
			Token:     ac.Source.APIKey,
			GuildID:   config.OptString(opts, "guild_id"),
			ChannelID: config.OptString(opts, "channel_id"),
		}, dopts...)
	})

	reg.RegisterSource("audiosocket", func(ac config.AudioConfig) (audio.Source, error) {
		addr := config.OptString(ac.Source.Options, "listen_addr")
		if addr == "" {
			addr = ac.Source.BaseURL
		}
		if addr == "" {
			return nil, errors.New("audiosocket: options.listen_addr is required")
		}
		return audiosocket.New(addr, ac.ChunkSize), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if rms, ok := config.OptFloat(entry.Options, "reference_rms"); ok {
			opts = append(opts, energy.WithReferenceRMS(rms))
		}
		if n, ok := config.OptInt(entry.Options, "hangover_frames"); ok {
			opts = append(opts, energy.WithHangoverFrames(n))
		}
		return energy.New(opts...), nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the source, engines and VAD named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	src, err := reg.CreateSource(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source.Name, err)
	}
	ps.Source = src
	slog.Info("provider created", "kind", "source", "name", cfg.Audio.Source.Name)

	primary, err := reg.CreateEngine(cfg.Engines.Primary)
	if err != nil {
		return nil, fmt.Errorf("create stt engine %q: %w", cfg.Engines.Primary.Name, err)
	}
	ps.Primary = app.NamedEngine{Name: cfg.Engines.Primary.Name, Engine: primary}
	slog.Info("provider created", "kind", "stt", "name", cfg.Engines.Primary.Name)

	for _, fb := range cfg.Engines.Fallbacks {
		e, err := reg.CreateEngine(fb)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback engine not available, skipping", "name", fb.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("create fallback stt engine %q: %w", fb.Name, err)
		}
		ps.Fallbacks = append(ps.Fallbacks, app.NamedEngine{Name: fb.Name, Engine: e})
		slog.Info("provider created", "kind", "stt", "name", fb.Name, "role", "fallback")
	}

	if name := cfg.VAD.Name; name != "" && cfg.Transcription.VADEnabled() {
		v, err := reg.CreateVAD(cfg.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad %q: %w", name, err)
		}
		ps.VAD = v
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	return ps, nil
}

func serviceVersion(cfg *config.Config) string {
	if cfg.Telemetry.ServiceVersion != "" {
		return cfg.Telemetry.ServiceVersion
	}
	return version
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Scribe · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", cfg.Audio.Source.Name)
	printRow("Engine", withModel(cfg.Engines.Primary))
	printRow("Fallbacks", fmt.Sprintf("%d", len(cfg.Engines.Fallbacks)))
	printRow("VAD", cfg.VAD.Name)
	printRow("Window", fmt.Sprintf("%.1fs / %s", cfg.Transcription.WindowSeconds, cfg.Transcription.Interval))
	printRow("Vocabulary", fmt.Sprintf("%d terms", len(cfg.Vocabulary)))
	if cfg.Fanout.RedisURL != "" {
		printRow("Redis", cfg.Fanout.RedisChannel)
	} else {
		printRow("Redis", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func withModel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
