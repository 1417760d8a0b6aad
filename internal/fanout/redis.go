// Package fanout republishes transcript updates to Redis so consumers outside
// the process can follow the live transcript.
//
// Every new [transcript.State] is JSON-encoded, PUBLISHed on the configured
// channel and stored under "<channel>:latest" for late joiners. Redis errors
// are logged and counted; they never stall or fail transcription.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/transcript"
)

const (
	subscribeBuffer = 16
	publishTimeout  = 2 * time.Second
)

// Client is the subset of [*redis.Client] used here.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Client = (*redis.Client)(nil)

// Option is a functional option for [New].
type Option func(*Redis)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Redis) { r.metrics = m }
}

// Redis forwards published transcript states to a Redis channel.
type Redis struct {
	client  Client
	channel string
	metrics *observe.Metrics
}

// Dial parses a redis:// URL and returns a Redis fan-out using a new client.
// No connection is made until the first command.
func Dial(url, channel string, opts ...Option) (*Redis, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("fanout: parse redis url: %w", err)
	}
	return New(redis.NewClient(ro), channel, opts...)
}

// New wraps an existing client.
func New(client Client, channel string, opts ...Option) (*Redis, error) {
	if client == nil {
		return nil, errors.New("fanout: client must not be nil")
	}
	if channel == "" {
		return nil, errors.New("fanout: channel must not be empty")
	}
	r := &Redis{client: client, channel: channel}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

// Channel returns the pub/sub channel name.
func (r *Redis) Channel() string { return r.channel }

// LatestKey returns the key holding the most recent state.
func (r *Redis) LatestKey() string { return r.channel + ":latest" }

// Run subscribes to pub and forwards every state until ctx is cancelled or
// pub is closed. It always returns nil.
func (r *Redis) Run(ctx context.Context, pub *transcript.Publisher) error {
	ch, cancel := pub.Subscribe(subscribeBuffer)
	defer cancel()

	log := observe.Logger(ctx)
	log.Info("redis fan-out started", "channel", r.channel)
	defer log.Info("redis fan-out stopped", "channel", r.channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.Forward(ctx, st); err != nil {
				log.Warn("redis fan-out failed", "seq", st.Seq, "err", err)
			}
		}
	}
}

// Forward publishes one state and stores it as the latest.
func (r *Redis) Forward(ctx context.Context, st transcript.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("fanout: encode state: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = errors.Join(
		r.client.Publish(ctx, r.channel, data).Err(),
		r.client.Set(ctx, r.LatestKey(), data, 0).Err(),
	)
	status := "ok"
	if err != nil {
		status = "error"
		r.metrics.RecordProviderError(ctx, "redis", "fanout")
		err = fmt.Errorf("fanout: publish seq %d: %w", st.Seq, err)
	}
	r.metrics.RecordProviderRequest(ctx, "redis", "fanout", status)
	return err
}

// Ping checks that Redis is reachable. It matches the health checker
// signature.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("fanout: ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
