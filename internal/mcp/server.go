// Package mcp exposes the live transcript to Model Context Protocol clients.
//
// [Server] wraps an official MCP Go SDK server with two tools:
//
//   - latest_transcript returns the current transcript state and can wait
//     for the next update.
//   - pipeline_status reports orchestrator counters, engine breaker states,
//     queue and window fill and readiness.
//
// The server is mounted over streamable HTTP by [Server.Handler].
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/transcript"
)

// Tool names.
const (
	ToolLatestTranscript = "latest_transcript"
	ToolPipelineStatus   = "pipeline_status"
)

// maxWait caps how long latest_transcript may block.
const maxWait = 30 * time.Second

// QueueStatus reports the capture queue.
type QueueStatus struct {
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Dropped uint64 `json:"dropped"`
}

// WindowStatus reports the rolling window fill in samples.
type WindowStatus struct {
	Samples  int `json:"samples"`
	Capacity int `json:"capacity"`
}

// EngineStatus reports one engine and its circuit breaker.
type EngineStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// PipelineStatus is the pipeline_status result.
type PipelineStatus struct {
	Status        string            `json:"status"`
	Cycles        uint64            `json:"cycles"`
	Failures      uint64            `json:"failures"`
	Skipped       uint64            `json:"skipped"`
	LastError     string            `json:"last_error,omitempty"`
	LastCycleAt   time.Time         `json:"last_cycle_at"`
	LastCycleMs   int64             `json:"last_cycle_ms"`
	Engines       []EngineStatus    `json:"engines"`
	Queue         QueueStatus       `json:"queue"`
	Window        WindowStatus      `json:"window"`
	Ready         bool              `json:"ready"`
	Checks        map[string]string `json:"checks,omitempty"`
	Subscribers   int               `json:"subscribers"`
	TranscriptSeq uint64            `json:"transcript_seq"`
}

// StatusFunc assembles a [PipelineStatus] on demand.
type StatusFunc func(ctx context.Context) PipelineStatus

// LatestInput is the latest_transcript argument object.
type LatestInput struct {
	AfterSeq uint64 `json:"after_seq,omitempty" jsonschema:"only return once the transcript sequence is greater than this value"`
	WaitMs   int    `json:"wait_ms,omitempty" jsonschema:"how long to wait for a newer transcript in milliseconds, capped at 30000"`
}

// StatusInput is the pipeline_status argument object. It has no fields.
type StatusInput struct{}

// Option is a functional option for [New].
type Option func(*Server)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the implementation version reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server is an MCP tool server over the transcript publisher.
type Server struct {
	pub     *transcript.Publisher
	status  StatusFunc
	metrics *observe.Metrics
	version string

	sdk *mcpsdk.Server
}

// New creates a Server. pub is required; status may be nil, in which case
// pipeline_status is not offered.
func New(pub *transcript.Publisher, status StatusFunc, opts ...Option) (*Server, error) {
	if pub == nil {
		return nil, errors.New("mcp: publisher must not be nil")
	}
	s := &Server{pub: pub, status: status, version: "dev"}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.sdk = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "scribe", Version: s.version}, nil)
	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        ToolLatestTranscript,
		Description: "Return the most recent transcript of the live audio window. Pass after_seq and wait_ms to wait for the next update.",
	}, instrument(s, ToolLatestTranscript, s.latest))
	if status != nil {
		mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
			Name:        ToolPipelineStatus,
			Description: "Report transcription loop counters, engine health, queue and window fill.",
		}, instrument(s, ToolPipelineStatus, s.pipelineStatus))
	}
	return s, nil
}

// SDK returns the underlying SDK server, e.g. to connect a custom transport.
func (s *Server) SDK() *mcpsdk.Server { return s.sdk }

// Handler returns a streamable-HTTP handler serving this server.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.sdk }, nil)
}

func (s *Server) latest(ctx context.Context, _ *mcpsdk.CallToolRequest, in LatestInput) (*mcpsdk.CallToolResult, transcript.State, error) {
	if in.WaitMs < 0 {
		return nil, transcript.State{}, fmt.Errorf("mcp: wait_ms must not be negative, got %d", in.WaitMs)
	}
	cur := s.pub.Latest()
	if cur.Seq > in.AfterSeq || in.WaitMs == 0 {
		return nil, cur, nil
	}

	wait := min(time.Duration(in.WaitMs)*time.Millisecond, maxWait)
	ch, cancel := s.pub.Subscribe(1)
	defer cancel()

	// An update may have landed before Subscribe.
	if cur = s.pub.Latest(); cur.Seq > in.AfterSeq {
		return nil, cur, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				return nil, s.pub.Latest(), nil
			}
			if st.Seq > in.AfterSeq {
				return nil, st, nil
			}
		case <-timer.C:
			return nil, s.pub.Latest(), nil
		case <-ctx.Done():
			return nil, transcript.State{}, ctx.Err()
		}
	}
}

func (s *Server) pipelineStatus(ctx context.Context, _ *mcpsdk.CallToolRequest, _ StatusInput) (*mcpsdk.CallToolResult, PipelineStatus, error) {
	return nil, s.status(ctx), nil
}

// instrument wraps a tool handler with a span, duration and call counters.
func instrument[In, Out any](s *Server, name string, h mcpsdk.ToolHandlerFor[In, Out]) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
		ctx, span := observe.StartSpan(ctx, "mcp."+name)
		defer span.End()

		start := time.Now()
		res, out, err := h(ctx, req, in)
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", name)))

		status := "ok"
		if err != nil {
			status = "error"
			observe.Fail(span, err, "tool error")
			observe.Logger(ctx).Warn("mcp tool failed", "tool", name, "err", err)
		}
		s.metrics.RecordToolCall(ctx, name, status)
		return res, out, err
	}
}
