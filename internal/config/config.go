// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the Scribe transcription server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Scribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for Scribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Preprocess    PreprocessConfig    `yaml:"preprocess"`
	Engines       EnginesConfig       `yaml:"engines"`
	VAD           ProviderEntry       `yaml:"vad"`

	// Vocabulary lists domain terms that transcripts are corrected towards.
	// Empty disables correction.
	Vocabulary []string `yaml:"vocabulary"`

	Fanout    FanoutConfig    `yaml:"fanout"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the Scribe server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful HTTP shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig selects the capture source and the window format.
type AudioConfig struct {
	// Source selects the registered capture source ("microphone", "discord",
	// "audiosocket").
	Source ProviderEntry `yaml:"source"`

	// SampleRate of the rolling window and of every engine call. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels captured from the device. The window is always mono. Default: 1.
	Channels int `yaml:"channels"`

	// ChunkSize is the number of frames per captured chunk. Default: 1024.
	ChunkSize int `yaml:"chunk_size"`

	// QueueCapacity is the number of chunks buffered between capture and
	// ingest before the oldest is dropped. Default: 64.
	QueueCapacity int `yaml:"queue_capacity"`
}

// TranscriptionConfig tunes the transcription loop.
type TranscriptionConfig struct {
	// WindowSeconds is the length of the rolling window. Default: 5.
	WindowSeconds float64 `yaml:"window_seconds"`

	// Interval between transcription cycles. Default: 500ms.
	Interval time.Duration `yaml:"interval"`

	// EngineTimeout bounds one engine call. Default: 30s.
	EngineTimeout time.Duration `yaml:"engine_timeout"`

	// BeamSize for decoding. 1 is greedy. Default: 1.
	BeamSize int `yaml:"beam_size"`

	// VADFilter drops non-speech audio before inference. Default: true.
	VADFilter *bool `yaml:"vad_filter"`

	// ConditionOnPreviousText feeds earlier output back as a prompt.
	ConditionOnPreviousText bool `yaml:"condition_on_previous_text"`

	// Language is the spoken language hint. Default: "en".
	Language string `yaml:"language"`

	// MaxUploadBytes caps one-shot request bodies. Default: 10 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Window returns WindowSeconds as a duration.
func (t TranscriptionConfig) Window() time.Duration {
	return time.Duration(t.WindowSeconds * float64(time.Second))
}

// VADEnabled reports whether the VAD filter is on.
func (t TranscriptionConfig) VADEnabled() bool {
	return t.VADFilter == nil || *t.VADFilter
}

// PreprocessConfig controls noise reduction.
type PreprocessConfig struct {
	// NoiseReduction enables the spectral gate. Default: true.
	NoiseReduction *bool `yaml:"noise_reduction"`

	// Strength is the proportion of detected noise removed, in [0, 1].
	// Default: 0.9. Hot-reloadable.
	Strength float64 `yaml:"strength"`
}

// NoiseReductionEnabled reports whether the spectral gate is on.
func (p PreprocessConfig) NoiseReductionEnabled() bool {
	return p.NoiseReduction == nil || *p.NoiseReduction
}

// EnginesConfig lists the speech-to-text engines. The primary is used while
// healthy; fallbacks are tried in order when it fails.
type EnginesConfig struct {
	Primary   ProviderEntry   `yaml:"primary"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes the per-engine circuit breaker.
type BreakerConfig struct {
	// MaxFailures before the breaker opens. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout before an open breaker admits a probe. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax probes admitted while half-open. Default: 1.
	HalfOpenMax int `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-1",
	// "nova-2", or a ggml model path for whisper-native).
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// FanoutConfig configures publication of transcript updates to Redis.
type FanoutConfig struct {
	// RedisURL enables Redis fan-out when set (e.g., "redis://localhost:6379/0").
	RedisURL string `yaml:"redis_url"`

	// RedisChannel is the pub/sub channel. Default: "scribe.transcripts".
	RedisChannel string `yaml:"redis_channel"`
}

// TelemetryConfig names the service in exported telemetry.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}
