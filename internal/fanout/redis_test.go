package fanout_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/scribe/internal/fanout"
	"github.com/MrWong99/scribe/internal/transcript"
)

// fakeClient records commands instead of talking to Redis.
type fakeClient struct {
	mu        sync.Mutex
	published []string
	latest    map[string]string
	closed    bool

	PublishErr error
	PingErr    error
}

func (f *fakeClient) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return redis.NewIntResult(0, f.PublishErr)
	}
	f.published = append(f.published, channel+"|"+string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		f.latest = map[string]string{}
	}
	f.latest[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.PingErr)
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := fanout.New(nil, "ch"); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := fanout.New(&fakeClient{}, ""); err == nil {
		t.Error("expected error for empty channel")
	}
}

func TestDial_InvalidURL(t *testing.T) {
	t.Parallel()
	if _, err := fanout.Dial("not-a-redis-url", "ch"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestDial_ValidURLDoesNotConnect(t *testing.T) {
	t.Parallel()
	r, err := fanout.Dial("redis://localhost:1/0", "scribe.transcripts")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if r.LatestKey() != "scribe.transcripts:latest" {
		t.Errorf("LatestKey = %q", r.LatestKey())
	}
	_ = r.Close()
}

func TestForward(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	r, err := fanout.New(client, "scribe.transcripts")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Forward(context.Background(), transcript.State{Text: "hello", Seq: 3}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	msgs := client.messages()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "scribe.transcripts|") {
		t.Fatalf("published = %v", msgs)
	}
	var st transcript.State
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msgs[0], "scribe.transcripts|")), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Text != "hello" || st.Seq != 3 {
		t.Errorf("state = %+v", st)
	}
	if _, ok := client.latest["scribe.transcripts:latest"]; !ok {
		t.Error("latest key not set")
	}
}

func TestForward_ErrorIsWrapped(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection refused")
	r, err := fanout.New(&fakeClient{PublishErr: boom}, "ch")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = r.Forward(context.Background(), transcript.State{Seq: 9})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
}

func TestRun_ForwardsUntilPublisherCloses(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	r, err := fanout.New(client, "ch")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pub := transcript.NewPublisher()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), pub) }()

	deadline := time.Now().Add(2 * time.Second)
	for pub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	pub.Publish("one")
	pub.Publish("two")

	for len(client.messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("published = %v, want 2 messages", client.messages())
		}
		time.Sleep(time.Millisecond)
	}

	pub.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after publisher closed")
	}
}

func TestRun_PublishErrorsDoNotStop(t *testing.T) {
	t.Parallel()
	r, err := fanout.New(&fakeClient{PublishErr: errors.New("down")}, "ch")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pub := transcript.NewPublisher()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, pub) }()
	for pub.Subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}
	pub.Publish("lost")
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	ok, _ := fanout.New(&fakeClient{}, "ch")
	if err := ok.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v", err)
	}

	down, _ := fanout.New(&fakeClient{PingErr: errors.New("no route")}, "ch")
	if err := down.Ping(context.Background()); err == nil {
		t.Error("expected ping error")
	}
}
