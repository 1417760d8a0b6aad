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

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"whisper-native", "whisper", "openai", "deepgram"},
	"source": {"microphone", "discord", "audiosocket"},
	"vad":    {"energy"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultSampleRate     = 16000
	DefaultChannels       = 1
	DefaultChunkSize      = 1024
	DefaultQueueCapacity  = 64
	DefaultWindowSeconds  = 5.0
	DefaultInterval       = 500 * time.Millisecond
	DefaultEngineTimeout  = 30 * time.Second
	DefaultBeamSize       = 1
	DefaultLanguage       = "en"
	DefaultMaxUploadBytes = 10 << 20
	DefaultStrength       = 0.9
	DefaultRedisChannel   = "scribe.transcripts"
	DefaultServiceName    = "scribe"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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
// against the environment, fills defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	a := &cfg.Audio
	if a.Source.Name == "" {
		a.Source.Name = "microphone"
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.ChunkSize == 0 {
		a.ChunkSize = DefaultChunkSize
	}
	if a.QueueCapacity == 0 {
		a.QueueCapacity = DefaultQueueCapacity
	}

	t := &cfg.Transcription
	if t.WindowSeconds == 0 {
		t.WindowSeconds = DefaultWindowSeconds
	}
	if t.Interval == 0 {
		t.Interval = DefaultInterval
	}
	if t.EngineTimeout == 0 {
		t.EngineTimeout = DefaultEngineTimeout
	}
	if t.BeamSize == 0 {
		t.BeamSize = DefaultBeamSize
	}
	if t.Language == "" {
		t.Language = DefaultLanguage
	}
	if t.MaxUploadBytes == 0 {
		t.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if cfg.Preprocess.Strength == 0 {
		cfg.Preprocess.Strength = DefaultStrength
	}

	cb := &cfg.Engines.CircuitBreaker
	if cb.MaxFailures == 0 {
		cb.MaxFailures = 5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.HalfOpenMax == 0 {
		cb.HalfOpenMax = 1
	}

	if cfg.VAD.Name == "" && t.VADEnabled() {
		cfg.VAD.Name = "energy"
	}
	if cfg.Fanout.RedisChannel == "" {
		cfg.Fanout.RedisChannel = DefaultRedisChannel
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.Source.Name == "" {
		errs = append(errs, errors.New("audio.source.name is required"))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels < 1 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	if a.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size %d must be positive", a.ChunkSize))
	}
	if a.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("audio.queue_capacity %d must be positive", a.QueueCapacity))
	}

	// Transcription
	t := cfg.Transcription
	if t.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("transcription.window_seconds %.2f must be positive", t.WindowSeconds))
	}
	if t.Interval <= 0 {
		errs = append(errs, fmt.Errorf("transcription.interval %s must be positive", t.Interval))
	}
	if t.EngineTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transcription.engine_timeout %s must be positive", t.EngineTimeout))
	}
	if t.BeamSize < 1 {
		errs = append(errs, fmt.Errorf("transcription.beam_size %d must be at least 1", t.BeamSize))
	}
	if t.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("transcription.max_upload_bytes %d must be positive", t.MaxUploadBytes))
	}
	if t.WindowSeconds > 0 && t.Interval > t.Window() {
		slog.Warn("transcription.interval is longer than the window; audio between cycles will never be transcribed",
			"interval", t.Interval, "window", t.Window())
	}

	// Preprocess
	if s := cfg.Preprocess.Strength; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("preprocess.strength %.2f is out of range [0, 1]", s))
	}

	// Engines
	if cfg.Engines.Primary.Name == "" {
		errs = append(errs, errors.New("engines.primary.name is required"))
	}
	for i, fb := range cfg.Engines.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("engines.fallbacks[%d].name is required", i))
		}
	}
	cb := cfg.Engines.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("engines.circuit_breaker values must not be negative"))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("source", a.Source.Name)
	validateProviderName("stt", cfg.Engines.Primary.Name)
	for _, fb := range cfg.Engines.Fallbacks {
		validateProviderName("stt", fb.Name)
	}
	validateProviderName("vad", cfg.VAD.Name)

	// Vocabulary
	for i, term := range cfg.Vocabulary {
		if term == "" {
			errs = append(errs, fmt.Errorf("vocabulary[%d] is empty", i))
		}
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
