package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	redis "github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/scribe/internal/app"
	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/internal/fanout"
	"github.com/MrWong99/scribe/internal/mcp"
	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/transcript"
	"github.com/MrWong99/scribe/pkg/audio"
	audiomock "github.com/MrWong99/scribe/pkg/audio/mock"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/scribe/pkg/provider/stt/mock"
	"github.com/MrWong99/scribe/pkg/provider/vad/energy"
)

const testYAML = `
server:
  listen_addr: 127.0.0.1:0
  shutdown_timeout: 2s
audio:
  sample_rate: 16000
  queue_capacity: 8
transcription:
  window_seconds: 1
  interval: 20ms
preprocess:
  noise_reduction: false
engines:
  primary:
    name: mock
`

// ─── helpers ─────────────────────────────────────────────────────────────────

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func chunks(n int) []audio.SampleChunk {
	out := make([]audio.SampleChunk, n)
	for i := range out {
		s := make([]float32, 1024)
		for j := range s {
			s[j] = 0.1
		}
		out[i] = audio.SampleChunk{Samples: s, SampleRate: 16000, Channels: 1}
	}
	return out
}

func newApp(t *testing.T, cfg *config.Config, p *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// serve runs a.Serve on a loopback listener and returns its base URL and a
// stop function that cancels and waits for Serve to return.
func serve(t *testing.T, a *app.App) (string, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				result = errors.New("Serve did not return")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return "http://" + ln.Addr().String(), stop
}

func getState(t *testing.T, base string) transcript.State {
	t.Helper()
	resp, err := http.Get(base + "/v1/transcript")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var st transcript.State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// closingEngine counts Close calls.
type closingEngine struct {
	sttmock.Engine
	mu     sync.Mutex
	closed int
}

func (e *closingEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

// pingClient is a fanout.Client with a configurable ping result.
type pingClient struct {
	pingErr error
}

func (c *pingClient) Publish(context.Context, string, any) *redis.IntCmd {
	return redis.NewIntResult(1, nil)
}

func (c *pingClient) Set(context.Context, string, any, time.Duration) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

func (c *pingClient) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", c.pingErr)
}

func (c *pingClient) Close() error { return nil }

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresSourceAndEngine(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	if _, err := app.New(context.Background(), cfg, &app.Providers{
		Primary: app.NamedEngine{Name: "mock", Engine: &sttmock.Engine{}},
	}); err == nil {
		t.Error("expected error without source")
	}
	if _, err := app.New(context.Background(), cfg, &app.Providers{Source: &audiomock.Source{}}); err == nil {
		t.Error("expected error without engine")
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestServe_CaptureToPublishedTranscript(t *testing.T) {
	t.Parallel()
	eng := &sttmock.Engine{Segments: []stt.Segment{{Text: " hello "}, {Text: "world"}}}
	src := &audiomock.Source{Chunks: chunks(4), HoldOpen: true}
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  src,
		Primary: app.NamedEngine{Name: "mock", Engine: eng},
	})

	base, stop := serve(t, a)
	waitFor(t, "first transcript", func() bool { return getState(t, base).Seq > 0 })

	if st := getState(t, base); st.Text != "hello world" {
		t.Errorf("text = %q, want %q", st.Text, "hello world")
	}
	call, ok := eng.LastCall()
	if !ok {
		t.Fatal("engine never called")
	}
	if call.SampleRate != 16000 || call.Opts.BeamSize != 1 || call.Opts.ConditionOnPreviousText {
		t.Errorf("engine call = rate %d opts %+v", call.SampleRate, call.Opts)
	}
	if len(call.Samples) == 0 || len(call.Samples) > 16000 {
		t.Errorf("window length = %d, want 1..16000", len(call.Samples))
	}

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz = %d while capturing, want 200", resp.StatusCode)
	}

	if err := stop(); err != nil {
		t.Errorf("Serve = %v, want nil on cancel", err)
	}
	if eng.MaxConcurrent() != 1 {
		t.Errorf("max concurrent engine calls = %d, want 1", eng.MaxConcurrent())
	}
}

func TestServe_DeviceFailureIsFatal(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{CaptureError: &audio.DeviceError{Op: "read", Err: errors.New("unplugged")}}
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  src,
		Primary: app.NamedEngine{Name: "mock", Engine: &sttmock.Engine{}},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background(), ln) }()

	select {
	case err := <-done:
		if !errors.Is(err, audio.ErrDeviceFailure) {
			t.Errorf("Serve = %v, want ErrDeviceFailure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after device failure")
	}
}

func TestServe_EngineFailureKeepsLastTranscript(t *testing.T) {
	t.Parallel()
	eng := &sttmock.Engine{Segments: []stt.Segment{{Text: "stable"}}}
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  &audiomock.Source{Chunks: chunks(2), HoldOpen: true},
		Primary: app.NamedEngine{Name: "mock", Engine: eng},
	})
	base, _ := serve(t, a)
	waitFor(t, "first transcript", func() bool { return getState(t, base).Text == "stable" })

	eng.SetErr(errors.New("model crashed"))
	before := a.Orchestrator().Stats().Failures
	waitFor(t, "a failed cycle", func() bool { return a.Orchestrator().Stats().Failures > before })

	if st := getState(t, base); st.Text != "stable" {
		t.Errorf("text after failure = %q, want %q", st.Text, "stable")
	}
}

func TestServe_QuietInputNeverReachesEngine(t *testing.T) {
	t.Parallel()
	hiss := make([]audio.SampleChunk, 4)
	for i := range hiss {
		s := make([]float32, 1024)
		for j := range s {
			s[j] = 0.001
			if j%2 == 1 {
				s[j] = -0.001
			}
		}
		hiss[i] = audio.SampleChunk{Samples: s, SampleRate: 16000, Channels: 1}
	}
	eng := &sttmock.Engine{Segments: []stt.Segment{{Text: "thanks for watching"}}}
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  &audiomock.Source{Chunks: hiss, HoldOpen: true},
		Primary: app.NamedEngine{Name: "mock", Engine: eng},
		VAD:     energy.New(),
	})
	base, _ := serve(t, a)
	waitFor(t, "a published cycle", func() bool { return getState(t, base).Seq > 0 })

	if st := getState(t, base); st.Text != "" {
		t.Errorf("text = %q, want empty", st.Text)
	}
	if n := eng.CallCount(); n != 0 {
		t.Errorf("engine called %d times for hiss", n)
	}
}

func TestServe_NotReadyUntilAudioArrives(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  &audiomock.Source{HoldOpen: true},
		Primary: app.NamedEngine{Name: "mock", Engine: &sttmock.Engine{}},
	})
	base, _ := serve(t, a)
	waitFor(t, "server up", func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusServiceUnavailable || body.Checks["capture"] == "ok" {
		t.Errorf("readyz = %d %+v before any audio, want capture failing", resp.StatusCode, body.Checks)
	}
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  &audiomock.Source{},
		Primary: app.NamedEngine{Name: "mock", Engine: &sttmock.Engine{}},
	})
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable}, // capture not running
		{"/metrics", http.StatusOK},
		{"/v1/transcript", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestHandler_ReadyzReportsRedis(t *testing.T) {
	t.Parallel()
	fo, err := fanout.New(&pingClient{pingErr: errors.New("connection refused")}, "ch")
	if err != nil {
		t.Fatalf("fanout.New: %v", err)
	}
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  &audiomock.Source{Chunks: chunks(1), HoldOpen: true},
		Primary: app.NamedEngine{Name: "mock", Engine: &sttmock.Engine{}},
	}, app.WithFanout(fo))
	base, _ := serve(t, a)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	waitFor(t, "capture running", func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return body.Checks["capture"] == "ok"
	})
	if body.Status != "fail" || !strings.HasPrefix(body.Checks["redis"], "fail") {
		t.Errorf("readyz = %+v, want redis failure", body)
	}
}

func TestHandler_PipelineStatusOverMCP(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  &audiomock.Source{},
		Primary: app.NamedEngine{Name: "whisper", Engine: &sttmock.Engine{}},
		Fallbacks: []app.NamedEngine{
			{Name: "openai", Engine: &sttmock.Engine{}},
		},
	})
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: ts.URL + "/mcp"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: mcp.ToolPipelineStatus})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %+v", res.Content)
	}
	raw, _ := json.Marshal(res.StructuredContent)
	var st mcp.PipelineStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Status != "idle" || st.Queue.Cap != 8 || st.Window.Capacity != 16000 {
		t.Errorf("status = %+v", st)
	}
	if len(st.Engines) != 2 || st.Engines[0].Name != "whisper" || st.Engines[1].Name != "openai" {
		t.Errorf("engines = %+v", st.Engines)
	}
	if st.Ready {
		t.Error("ready = true without capture")
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	eng := &sttmock.Engine{Segments: []stt.Segment{{Text: "tower of wispers"}}}
	level := new(slog.LevelVar)
	cfg := testConfig(t)
	a := newApp(t, cfg, &app.Providers{
		Source:  &audiomock.Source{},
		Primary: app.NamedEngine{Name: "mock", Engine: eng},
	}, app.WithLogLevel(level))
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	transcribeOnce := func() string {
		t.Helper()
		resp, err := http.Post(ts.URL+"/v1/transcribe", "", bytes.NewReader(make([]byte, 3200)))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return body.Text
	}
	if got := transcribeOnce(); got != "tower of wispers" {
		t.Fatalf("before reload = %q", got)
	}

	newCfg := testConfig(t)
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Vocabulary = []string{"Tower of Whispers"}
	a.ApplyConfig(cfg, newCfg, config.Diff(cfg, newCfg))

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if got := transcribeOnce(); got != "Tower of Whispers" {
		t.Errorf("after reload = %q, want %q", got, "Tower of Whispers")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdown_ClosesEnginesOnce(t *testing.T) {
	t.Parallel()
	eng := &closingEngine{}
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  &audiomock.Source{},
		Primary: app.NamedEngine{Name: "native", Engine: eng},
	})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.closed != 1 {
		t.Errorf("Close called %d times, want 1", eng.closed)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), &app.Providers{
		Source:  &audiomock.Source{},
		Primary: app.NamedEngine{Name: "native", Engine: &closingEngine{}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
}
