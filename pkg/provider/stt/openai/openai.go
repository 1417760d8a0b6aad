// Package openai provides an STT engine backed by the OpenAI audio
// transcription API (or any server that speaks the same protocol).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Engine implements the stt.Engine interface.
var _ stt.Engine = (*Engine)(nil)

// Engine implements stt.Engine using the OpenAI API.
type Engine struct {
	client   oai.Client
	model    string
	language string
}

// config holds optional configuration for the engine.
type config struct {
	baseURL      string
	organization string
	language     string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithLanguage sets the ISO-639-1 language used when a call does not
// specify one.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests. A
// negative value keeps the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI transcription Engine.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		base := cfg.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	client := oai.NewClient(reqOpts...)
	return &Engine{client: client, model: model, language: cfg.language}, nil
}

// Transcribe implements stt.Engine. The window is uploaded as a 16-bit WAV
// file. The API has no beam-size or VAD controls, so those options are
// ignored; decoding is pinned to temperature 0.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts stt.Options) ([]stt.Segment, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}

	params := oai.AudioTranscriptionNewParams{
		File:        oai.File(bytes.NewReader(stt.EncodeWAV(samples, sampleRate)), "audio.wav", "audio/wav"),
		Model:       oai.AudioModel(e.model),
		Temperature: oai.Float(0),
	}
	lang := opts.Language
	if lang == "" {
		lang = e.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if opts.Prompt != "" {
		params.Prompt = oai.String(opts.Prompt)
	}

	resp, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, nil
	}
	return []stt.Segment{{Text: text}}, nil
}

// ModelID returns the configured model name.
func (e *Engine) ModelID() string {
	return e.model
}
