package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/scribe/internal/mcp"
	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/transcript"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// connect wires a client session to srv over in-memory transports.
func connect(t *testing.T, srv *mcp.Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcpsdk.NewInMemoryTransports()

	ss, err := srv.SDK().Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// decode re-encodes the structured result into out.
func decode(t *testing.T, res *mcpsdk.CallToolResult, out any) {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool returned error: %s", resultText(res))
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshal structured content %s: %v", raw, err)
	}
}

func resultText(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func callLatest(t *testing.T, cs *mcpsdk.ClientSession, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      mcp.ToolLatestTranscript,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	return res
}

func toolNames(t *testing.T, cs *mcpsdk.ClientSession) []string {
	t.Helper()
	var names []string
	for tool, err := range cs.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	return names
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresPublisher(t *testing.T) {
	t.Parallel()
	if _, err := mcp.New(nil, nil); err == nil {
		t.Fatal("expected error for nil publisher")
	}
}

func TestNew_StatusToolIsOptional(t *testing.T) {
	t.Parallel()
	pub := transcript.NewPublisher()

	srv, err := mcp.New(pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	names := toolNames(t, connect(t, srv))
	if len(names) != 1 || names[0] != mcp.ToolLatestTranscript {
		t.Errorf("tools = %v, want only %s", names, mcp.ToolLatestTranscript)
	}

	srv, err = mcp.New(pub, func(context.Context) mcp.PipelineStatus { return mcp.PipelineStatus{} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if names := toolNames(t, connect(t, srv)); len(names) != 2 {
		t.Errorf("tools = %v, want 2", names)
	}
}

// ─── latest_transcript ───────────────────────────────────────────────────────

func TestLatest_ReturnsCurrentState(t *testing.T) {
	t.Parallel()
	pub := transcript.NewPublisher()
	pub.Publish("hello world")

	srv, err := mcp.New(pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cs := connect(t, srv)

	var got transcript.State
	decode(t, callLatest(t, cs, nil), &got)
	if got.Text != "hello world" || got.Seq != 1 {
		t.Errorf("state = %+v, want text %q seq 1", got, "hello world")
	}
}

func TestLatest_ZeroStateBeforeFirstPublish(t *testing.T) {
	t.Parallel()
	srv, err := mcp.New(transcript.NewPublisher(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got transcript.State
	decode(t, callLatest(t, connect(t, srv), map[string]any{}), &got)
	if got.Seq != 0 || got.Text != "" {
		t.Errorf("state = %+v, want zero state", got)
	}
}

func TestLatest_WaitsForNewerState(t *testing.T) {
	t.Parallel()
	pub := transcript.NewPublisher()
	pub.Publish("first")

	srv, err := mcp.New(pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cs := connect(t, srv)

	go func() {
		// Wait until the tool call has subscribed before publishing.
		deadline := time.Now().Add(2 * time.Second)
		for pub.Subscribers() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		pub.Publish("second")
	}()

	var got transcript.State
	decode(t, callLatest(t, cs, map[string]any{"after_seq": 1, "wait_ms": 5000}), &got)
	if got.Seq != 2 || got.Text != "second" {
		t.Errorf("state = %+v, want seq 2 %q", got, "second")
	}
}

func TestLatest_WaitTimesOutWithCurrentState(t *testing.T) {
	t.Parallel()
	pub := transcript.NewPublisher()
	pub.Publish("only")

	srv, err := mcp.New(pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	var got transcript.State
	decode(t, callLatest(t, connect(t, srv), map[string]any{"after_seq": 1, "wait_ms": 30}), &got)
	if got.Seq != 1 {
		t.Errorf("seq = %d, want 1", got.Seq)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("call returned before the wait elapsed")
	}
}

func TestLatest_NegativeWaitIsToolError(t *testing.T) {
	t.Parallel()
	srv, err := mcp.New(transcript.NewPublisher(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := callLatest(t, connect(t, srv), map[string]any{"wait_ms": -1})
	if !res.IsError {
		t.Fatal("expected IsError for negative wait_ms")
	}
	if !strings.Contains(resultText(res), "wait_ms") {
		t.Errorf("error text = %q", resultText(res))
	}
}

// ─── pipeline_status ─────────────────────────────────────────────────────────

func TestPipelineStatus(t *testing.T) {
	t.Parallel()
	want := mcp.PipelineStatus{
		Status:   "idle",
		Cycles:   7,
		Failures: 1,
		Engines:  []mcp.EngineStatus{{Name: "whisper", State: "closed"}},
		Queue:    mcp.QueueStatus{Len: 2, Cap: 64, Dropped: 3},
		Window:   mcp.WindowStatus{Samples: 8000, Capacity: 80000},
		Ready:    true,
	}
	srv, err := mcp.New(transcript.NewPublisher(), func(context.Context) mcp.PipelineStatus { return want })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := connect(t, srv).CallTool(context.Background(), &mcpsdk.CallToolParams{Name: mcp.ToolPipelineStatus})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var got mcp.PipelineStatus
	decode(t, res, &got)
	if got.Cycles != 7 || got.Queue.Dropped != 3 || got.Window.Capacity != 80000 || !got.Ready {
		t.Errorf("status = %+v", got)
	}
	if len(got.Engines) != 1 || got.Engines[0].State != "closed" {
		t.Errorf("engines = %+v", got.Engines)
	}
}

// ─── metrics ─────────────────────────────────────────────────────────────────

func TestToolCallsAreCounted(t *testing.T) {
	t.Parallel()
	m, reader := testMetrics(t)
	srv, err := mcp.New(transcript.NewPublisher(), nil, mcp.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cs := connect(t, srv)
	callLatest(t, cs, nil)
	callLatest(t, cs, map[string]any{"wait_ms": -5})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "scribe.tool.calls" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value("status")
				counts[status.AsString()] += dp.Value
			}
		}
	}
	if counts["ok"] != 1 || counts["error"] != 1 {
		t.Errorf("tool call counts = %v, want ok=1 error=1", counts)
	}
}

// ─── HTTP transport ──────────────────────────────────────────────────────────

func TestHandler_StreamableHTTP(t *testing.T) {
	t.Parallel()
	pub := transcript.NewPublisher()
	pub.Publish("over http")

	srv, err := mcp.New(pub, nil, mcp.WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "http-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: ts.URL}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: mcp.ToolLatestTranscript})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var got transcript.State
	decode(t, res, &got)
	if got.Text != "over http" {
		t.Errorf("text = %q", got.Text)
	}
}
