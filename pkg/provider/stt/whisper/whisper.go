// Package whisper provides whisper.cpp-backed STT engines.
//
// [Server] talks to a running whisper-server binary, which exposes a REST API
// at POST /inference; each call uploads the audio window as a WAV file.
// [Native] links whisper.cpp directly through its CGO bindings and runs
// inference in-process.
//
// Usage:
//
//	e, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	segs, err := e.Transcribe(ctx, samples, 16000, stt.Options{BeamSize: 1})
//	text := stt.JoinSegments(segs)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Server implements stt.Engine.
var _ stt.Engine = (*Server)(nil)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with; this is the default.
func WithModel(model string) Option {
	return func(s *Server) {
		s.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server when a
// call does not specify one (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(s *Server) {
		s.language = lang
	}
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// Server implements stt.Engine backed by a whisper.cpp HTTP server.
type Server struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Server engine that connects to the whisper.cpp HTTP
// server at serverURL (e.g., "http://localhost:8080"). serverURL must be
// non-empty.
func New(serverURL string, opts ...Option) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	s := &Server{
		serverURL:  serverURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// serverResponse is the verbose_json shape returned by whisper-server. Plain
// "json" responses only carry Text.
type serverResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

// Transcribe implements stt.Engine. It encodes samples as a WAV file and
// POSTs it to the whisper.cpp /inference endpoint as multipart/form-data.
func (s *Server) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts stt.Options) ([]stt.Segment, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	wav := stt.EncodeWAV(samples, sampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// Primary audio field.
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = s.language
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"beam_size":       strconv.Itoa(max(opts.BeamSize, 1)),
		"temperature":     "0",
	}
	if lang != "" {
		fields["language"] = lang
	}
	if s.model != "" {
		fields["model"] = s.model
	}
	if !opts.ConditionOnPreviousText {
		fields["no_context"] = "true"
	}
	if opts.Prompt != "" {
		fields["prompt"] = opts.Prompt
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := s.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result serverResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	if len(result.Segments) == 0 {
		if result.Text == "" {
			return nil, nil
		}
		return []stt.Segment{{Text: result.Text}}, nil
	}
	segments := make([]stt.Segment, 0, len(result.Segments))
	for _, seg := range result.Segments {
		segments = append(segments, stt.Segment{
			Text:  seg.Text,
			Start: secondsToDuration(seg.Start),
			End:   secondsToDuration(seg.End),
		})
	}
	return segments, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
