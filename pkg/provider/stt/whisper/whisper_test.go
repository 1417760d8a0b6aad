package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// recordedRequest captures the multipart fields of a single /inference call.
type recordedRequest struct {
	fields   map[string]string
	fileSize int
}

// newMockServer creates a test server that responds to POST /inference with
// body and records every request it sees.
func newMockServer(t *testing.T, body any) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec := recordedRequest{fields: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			rec.fields[k] = v[0]
		}
		if f, _, err := r.FormFile("file"); err == nil {
			data, _ := io.ReadAll(f)
			rec.fileSize = len(data)
			f.Close()
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	e, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
		whisper.WithHTTPClient(&http.Client{Timeout: time.Second}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e == nil {
		t.Fatal("expected non-nil Server")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_SendsWAVAndDecodingOptions(t *testing.T) {
	srv, requests := newMockServer(t, map[string]string{"text": " hello world "})
	e, _ := whisper.New(srv.URL, whisper.WithModel("base.en"))

	segs, err := e.Transcribe(context.Background(), make([]float32, 1600), 16000, stt.Options{BeamSize: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got := stt.JoinSegments(segs); got != "hello world" {
		t.Errorf("text = %q, want %q", got, "hello world")
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.fileSize != 44+1600*2 {
		t.Errorf("uploaded WAV size = %d, want %d", r.fileSize, 44+1600*2)
	}
	want := map[string]string{
		"beam_size":  "1",
		"language":   "en",
		"model":      "base.en",
		"no_context": "true",
	}
	for k, v := range want {
		if r.fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, r.fields[k], v)
		}
	}
}

func TestTranscribe_VerboseSegments(t *testing.T) {
	srv, _ := newMockServer(t, map[string]any{
		"text": "one two",
		"segments": []map[string]any{
			{"text": " one", "start": 0.0, "end": 0.5},
			{"text": " two", "start": 0.5, "end": 1.25},
		},
	})
	e, _ := whisper.New(srv.URL)

	segs, err := e.Transcribe(context.Background(), make([]float32, 100), 16000, stt.Options{Language: "de"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if segs[1].End != 1250*time.Millisecond {
		t.Errorf("segment end = %v, want 1.25s", segs[1].End)
	}
}

func TestTranscribe_EmptyResponse(t *testing.T) {
	srv, _ := newMockServer(t, map[string]string{"text": ""})
	e, _ := whisper.New(srv.URL)

	segs, err := e.Transcribe(context.Background(), make([]float32, 100), 16000, stt.Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("segments = %v, want none", segs)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	e, _ := whisper.New("http://127.0.0.1:1")
	_, err := e.Transcribe(context.Background(), nil, 16000, stt.Options{})
	if !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("got %v, want ErrEmptyAudio", err)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := whisper.New(srv.URL)
	if _, err := e.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{}); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestTranscribe_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	e, _ := whisper.New(srv.URL)
	if _, err := e.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{}); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	e, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Transcribe(ctx, make([]float32, 10), 16000, stt.Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}
