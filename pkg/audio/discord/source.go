// Package discord provides an [audio.Source] backed by a Discord voice
// channel via the bwmarrin/discordgo library. It bridges Discord's Opus voice
// transport into Scribe's float sample pipeline.
//
// Discord delivers one Opus stream per speaker (identified by SSRC). The
// pipeline transcribes a single stream, so the source follows the first
// speaker it hears and switches to another speaker once the current one has
// been quiet for the configured lock timeout.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/scribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

const defaultLockTimeout = 2 * time.Second

// Config holds Discord voice capture configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID is the guild hosting the voice channel.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel to listen to.
	ChannelID string `yaml:"channel_id"`
}

// Option is a functional option for [New].
type Option func(*Source)

// WithChunkSize sets the number of frames per delivered chunk. Defaults to
// one Opus frame (960).
func WithChunkSize(frames int) Option {
	return func(s *Source) {
		if frames > 0 {
			s.chunkSize = frames
		}
	}
}

// WithLockTimeout sets how long the followed speaker may be silent before
// another speaker can take over.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Source captures audio from a Discord voice channel. Delivered chunks are
// 48 kHz interleaved stereo.
//
// Source is safe for concurrent use, but only one Capture may run at a time.
type Source struct {
	cfg         Config
	chunkSize   int
	lockTimeout time.Duration

	newDecoder func() (decoder, error)
	now        func() time.Time
}

// New creates a Discord source for cfg.
func New(cfg Config, opts ...Option) (*Source, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if cfg.GuildID == "" || cfg.ChannelID == "" {
		return nil, errors.New("discord: guild_id and channel_id are required")
	}
	s := &Source{
		cfg:         cfg,
		chunkSize:   opusFrameSize,
		lockTimeout: defaultLockTimeout,
		newDecoder:  newOpusDecoder,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}
}

// Capture implements [audio.Source]. It opens a gateway session, joins the
// configured voice channel and delivers decoded audio until ctx is cancelled.
func (s *Source) Capture(ctx context.Context, deliver func(audio.SampleChunk)) error {
	session, err := discordgo.New("Bot " + s.cfg.Token)
	if err != nil {
		return &audio.DeviceError{Op: "session", Err: err}
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return &audio.DeviceError{Op: "open", Err: fmt.Errorf("discord: open session: %w", err)}
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("discord: close session", "err", err)
		}
	}()

	// mute=true (we never send audio), deaf=false (we receive audio).
	vc, err := session.ChannelVoiceJoin(s.cfg.GuildID, s.cfg.ChannelID, true, false)
	if err != nil {
		return &audio.DeviceError{Op: "join", Err: fmt.Errorf("discord: join voice channel %q: %w", s.cfg.ChannelID, err)}
	}
	defer func() {
		if err := vc.Disconnect(); err != nil {
			slog.Warn("discord: disconnect voice", "err", err)
		}
	}()

	slog.Info("discord: listening", "guild", s.cfg.GuildID, "channel", vc.ChannelID)
	return s.receive(ctx, vc.OpusRecv, deliver)
}

// receive reads Opus packets, follows one speaker and delivers fixed-size
// chunks. It returns nil when ctx is cancelled and a DeviceError when the
// packet channel closes underneath it.
func (s *Source) receive(ctx context.Context, packets <-chan *discordgo.Packet, deliver func(audio.SampleChunk)) error {
	decoders := make(map[uint32]decoder)
	chunker := audio.Chunker{Size: s.chunkSize, Format: s.Format()}

	var (
		speaker   uint32
		locked    bool
		lastHeard time.Time
	)

	for {
		select {
		case <-ctx.Done():
			chunker.Flush(deliver)
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return &audio.DeviceError{Op: "read", Err: errors.New("discord: voice connection closed")}
			}
			if pkt == nil {
				continue
			}

			now := s.now()
			if locked && pkt.SSRC != speaker && now.Sub(lastHeard) < s.lockTimeout {
				continue
			}
			if !locked || pkt.SSRC != speaker {
				if locked {
					slog.Debug("discord: switching speaker", "from", speaker, "to", pkt.SSRC)
				}
				speaker = pkt.SSRC
				locked = true
			}
			lastHeard = now

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = s.newDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.Decode(pkt.Opus)
			if err != nil {
				// Corrupt packets are a per-chunk status condition, not fatal.
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			chunker.Write(audio.Int16sToFloat32(pcm), deliver)
		}
	}
}
