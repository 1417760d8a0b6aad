// Package deepgram provides a Deepgram-backed STT engine using the Deepgram
// pre-recorded REST API. It implements the stt.Engine interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

const (
	deepgramEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
)

// Compile-time assertion that Engine implements stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(e *Engine) {
		e.language = language
	}
}

// WithKeywords boosts recognition of uncommon words such as proper nouns.
// boost uses Deepgram's intensity scale; 0 sends the bare keyword.
func WithKeywords(keywords []string, boost float64) Option {
	return func(e *Engine) {
		e.keywords = keywords
		e.boost = boost
	}
}

// WithEndpoint overrides the API endpoint. Used by tests and self-hosted
// deployments.
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) {
		e.endpoint = endpoint
	}
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// Engine implements stt.Engine backed by the Deepgram pre-recorded API.
type Engine struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	keywords   []string
	boost      float64
	httpClient *http.Client
}

// New creates a new Deepgram Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Transcribe implements stt.Engine.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts stt.Options) ([]stt.Segment, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	endpoint, err := e.buildURL(opts)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(stt.EncodeWAV(samples, sampleRate)))
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+e.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return parseDeepgramResponse(data)
}

// buildURL constructs the Deepgram endpoint URL for the given call options.
func (e *Engine) buildURL(opts stt.Options) (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}

	lang := opts.Language
	if lang == "" {
		lang = e.language
	}

	q := u.Query()
	q.Set("model", e.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	if opts.VADFilter {
		q.Set("utterances", "true")
	}

	for _, kw := range e.keywords {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		if e.boost != 0 {
			q.Add("keywords", kw+":"+strconv.FormatFloat(e.boost, 'g', -1, 64))
		} else {
			q.Add("keywords", kw)
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by the pre-recorded API.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Confidence float64 `json:"confidence"`
			Transcript string  `json:"transcript"`
		} `json:"utterances"`
	} `json:"results"`
}

// parseDeepgramResponse converts a response body into segments. Utterances
// are preferred when present; otherwise the first alternative of the first
// channel becomes a single segment.
func parseDeepgramResponse(data []byte) ([]stt.Segment, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("deepgram: parse JSON response: %w", err)
	}

	if len(resp.Results.Utterances) > 0 {
		segs := make([]stt.Segment, 0, len(resp.Results.Utterances))
		for _, u := range resp.Results.Utterances {
			segs = append(segs, stt.Segment{
				Text:       u.Transcript,
				Start:      time.Duration(u.Start * float64(time.Second)),
				End:        time.Duration(u.End * float64(time.Second)),
				Confidence: u.Confidence,
			})
		}
		return segs, nil
	}

	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return nil, nil
	}
	alt := resp.Results.Channels[0].Alternatives[0]
	if alt.Transcript == "" {
		return nil, nil
	}
	return []stt.Segment{{Text: alt.Transcript, Confidence: alt.Confidence}}, nil
}
