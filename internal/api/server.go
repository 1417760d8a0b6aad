// Package api serves the transcript over HTTP.
//
// Routes registered by [Server.Register]:
//
//   - POST /v1/transcribe: one-shot transcription of an uploaded clip, either
//     raw little-endian 16-bit PCM or a WAV file.
//   - GET /v1/transcript: the latest published transcript state.
//   - GET /v1/transcript/stream: a websocket pushing every new state as a
//     JSON text frame.
//
// Health, metrics and MCP routes are mounted next to these by the app.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/transcribe"
	"github.com/MrWong99/scribe/internal/transcript"
	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// ErrInvalidInput reports an upload that does not contain usable audio.
var ErrInvalidInput = errors.New("api: invalid input")

const (
	defaultMaxUploadBytes = 10 << 20
	defaultSampleRate     = 16000
	streamBuffer          = 8
	writeTimeout          = 5 * time.Second
)

// Transcriber runs a single transcription outside the rolling loop.
// [*transcribe.Orchestrator] satisfies it.
type Transcriber interface {
	TranscribeOnce(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

var _ Transcriber = (*transcribe.Orchestrator)(nil)

// TranscribeResponse is the body of a successful POST /v1/transcribe.
type TranscribeResponse struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Option is a functional option for [New].
type Option func(*Server)

// WithMaxUploadBytes caps the request body of POST /v1/transcribe.
// Non-positive values keep the default of 10 MiB.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server holds the transcript HTTP handlers.
type Server struct {
	once     Transcriber
	pub      *transcript.Publisher
	maxBytes int64
	metrics  *observe.Metrics
	newID    func() string
}

// New creates a Server. once and pub must not be nil.
func New(once Transcriber, pub *transcript.Publisher, opts ...Option) *Server {
	s := &Server{
		once:     once,
		pub:      pub,
		maxBytes: defaultMaxUploadBytes,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the transcript routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/transcribe", s.handleTranscribe)
	mux.HandleFunc("GET /v1/transcript", s.handleLatest)
	mux.HandleFunc("GET /v1/transcript/stream", s.handleStream)
}

// ─── POST /v1/transcribe ─────────────────────────────────────────────────────

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.newID()
	log := observe.Logger(ctx).With("request_id", id)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:     fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit),
				RequestID: id,
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error(), RequestID: id})
		return
	}

	samples, rate, err := decodeUpload(r, body)
	if err != nil {
		log.Debug("rejected upload", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), RequestID: id})
		return
	}

	text, err := s.once.TranscribeOnce(ctx, samples, rate)
	switch {
	case errors.Is(err, stt.ErrEmptyAudio):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Errorf("%w: %w", ErrInvalidInput, err).Error(), RequestID: id})
		return
	case err != nil:
		log.Error("one-shot transcription failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), RequestID: id})
		return
	}

	log.Debug("one-shot transcription", "samples", len(samples), "sample_rate", rate, "chars", len(text))
	writeJSON(w, http.StatusOK, TranscribeResponse{RequestID: id, Text: text})
}

// decodeUpload turns a request body into mono samples. WAV bodies carry
// their own format; raw bodies take sample_rate and channels from the query.
func decodeUpload(r *http.Request, body []byte) ([]float32, int, error) {
	if len(body) == 0 {
		return nil, 0, fmt.Errorf("%w: empty body", ErrInvalidInput)
	}
	if isWAV(r.Header.Get("Content-Type")) {
		return decodeWAV(body)
	}

	q := r.URL.Query()
	rate, err := queryInt(q.Get("sample_rate"), defaultSampleRate)
	if err != nil || rate <= 0 {
		return nil, 0, fmt.Errorf("%w: sample_rate must be a positive integer", ErrInvalidInput)
	}
	channels, err := queryInt(q.Get("channels"), 1)
	if err != nil || channels < 1 || channels > 2 {
		return nil, 0, fmt.Errorf("%w: channels must be 1 or 2", ErrInvalidInput)
	}
	return decodeRaw(body, rate, channels)
}

func isWAV(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return true
	}
	return false
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// ─── GET /v1/transcript ──────────────────────────────────────────────────────

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pub.Latest())
}

// ─── GET /v1/transcript/stream ───────────────────────────────────────────────

// handleStream sends the current state on connect and then every newer one.
// States a slow client cannot keep up with are skipped, never queued.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ch, unsubscribe := s.pub.Subscribe(streamBuffer)
	defer unsubscribe()

	// Clients only send close frames; CloseRead handles them and cancels ctx.
	ctx := conn.CloseRead(r.Context())

	s.metrics.StreamSubscribers.Add(ctx, 1)
	defer s.metrics.StreamSubscribers.Add(context.WithoutCancel(ctx), -1)

	cur := s.pub.Latest()
	if err := writeState(ctx, conn, cur); err != nil {
		return
	}
	last := cur.Seq

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if st.Seq <= last {
				continue
			}
			if err := writeState(ctx, conn, st); err != nil {
				slog.Debug("transcript stream closed", "err", err)
				return
			}
			last = st.Seq
		}
	}
}

func writeState(ctx context.Context, conn *websocket.Conn, st transcript.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
