package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/scribe/pkg/provider/stt/mock"
)

func TestEngineFallback_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Engine{Segments: []stt.Segment{{Text: "primary"}}}
	secondary := &sttmock.Engine{Segments: []stt.Segment{{Text: "secondary"}}}

	fb := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	segs, err := fb.Transcribe(context.Background(), make([]float32, 160), 16000, stt.Options{BeamSize: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stt.JoinSegments(segs); got != "primary" {
		t.Fatalf("text = %q, want primary", got)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
	call, _ := primary.LastCall()
	if call.SampleRate != 16000 || call.Opts.BeamSize != 1 || len(call.Samples) != 160 {
		t.Errorf("primary call = %+v", call)
	}
}

func TestEngineFallback_Failover(t *testing.T) {
	primary := &sttmock.Engine{Err: errors.New("model crashed")}
	secondary := &sttmock.Engine{Segments: []stt.Segment{{Text: "secondary"}}}

	fb := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	segs, err := fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stt.JoinSegments(segs); got != "secondary" {
		t.Fatalf("text = %q, want secondary", got)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Fatalf("calls primary=%d secondary=%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
}

func TestEngineFallback_AllFail(t *testing.T) {
	primary := &sttmock.Engine{Err: errors.New("down")}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{})

	_, err := fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestEngineFallback_EmptyAudio(t *testing.T) {
	primary := &sttmock.Engine{}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{})

	_, err := fb.Transcribe(context.Background(), nil, 16000, stt.Options{})
	if !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
	if primary.CallCount() != 0 {
		t.Error("engine called for empty audio")
	}
}

func TestEngineFallback_OpenBreakerIsUnhealthy(t *testing.T) {
	primary := &sttmock.Engine{Err: errors.New("down")}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for range 2 {
		_, _ = fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{})
	}
	if fb.Healthy() {
		t.Fatal("Healthy() = true with the only breaker open")
	}
	if st := fb.Status(); len(st) != 1 || st[0].Name != "primary" || st[0].State != "open" {
		t.Errorf("Status() = %+v", st)
	}

	// Further calls are rejected without reaching the engine.
	_, err := fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if primary.CallCount() != 2 {
		t.Errorf("engine calls = %d, want 2", primary.CallCount())
	}
}

func TestEngineFallback_CancelDoesNotTrip(t *testing.T) {
	primary := &sttmock.Engine{Err: context.Canceled}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	_, _ = fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{})
	if !fb.Healthy() {
		t.Error("cancellation opened the breaker")
	}
}

func TestEngineFallback_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fb := NewEngineFallback(&sttmock.Engine{Err: errors.New("down")}, "primary", FallbackConfig{}, WithEngineMetrics(m))
	fb.AddFallback("backup", &sttmock.Engine{Segments: []stt.Segment{{Text: "ok"}}})
	if _, err := fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	requests := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "scribe.provider.requests" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				p, _ := dp.Attributes.Value("provider")
				s, _ := dp.Attributes.Value("status")
				requests[p.AsString()+"/"+s.AsString()] += dp.Value
			}
		}
	}
	if requests["primary/error"] != 1 || requests["backup/ok"] != 1 {
		t.Errorf("provider requests = %v", requests)
	}
}

func TestEngineFallback_AllFailWrapsLastError(t *testing.T) {
	last := errors.New("backup quota exceeded")
	fb := NewEngineFallback(&sttmock.Engine{Err: errors.New("down")}, "primary", FallbackConfig{})
	fb.AddFallback("backup", &sttmock.Engine{Err: last})

	_, err := fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, last) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping %v", err, last)
	}
}

func TestEngineFallback_CancelStopsFailover(t *testing.T) {
	primary := &sttmock.Engine{Err: context.Canceled}
	backup := &sttmock.Engine{Segments: []stt.Segment{{Text: "late"}}}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("backup", backup)

	_, err := fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if backup.CallCount() != 0 {
		t.Error("backup engine called after cancellation")
	}
}

func TestEngineFallback_OpenPrimaryGoesStraightToBackup(t *testing.T) {
	primary := &sttmock.Engine{Err: errors.New("down")}
	backup := &sttmock.Engine{Segments: []stt.Segment{{Text: "backup"}}}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("backup", backup)

	for range 3 {
		segs, err := fb.Transcribe(context.Background(), make([]float32, 10), 16000, stt.Options{})
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		if got := stt.JoinSegments(segs); got != "backup" {
			t.Fatalf("text = %q, want backup", got)
		}
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1 (breaker open afterwards)", primary.CallCount())
	}
	if !fb.Healthy() {
		t.Error("group with a closed backup should be healthy")
	}
	want := []EntryStatus{{Name: "primary", State: "open"}, {Name: "backup", State: "closed"}}
	if got := fb.Status(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Status = %+v, want %+v", got, want)
	}
}
