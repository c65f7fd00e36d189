// Package playback plays synthesized speech replies.
//
// At most one reply plays at a time: starting a new one cancels the previous
// handle first. Alarm cues bypass that rule and mix over whatever is playing.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Output is an audio output device. Play blocks until samples have been
// played or ctx is cancelled, in which case output stops immediately.
// Concurrent calls are mixed.
type Output interface {
	Format() Format
	Play(ctx context.Context, samples []int16) error
}

const (
	MinRate = 0.25
	MaxRate = 4.0
)

// ErrInvalidRate is returned for a playback rate outside [MinRate, MaxRate].
var ErrInvalidRate = errors.New("playback rate out of range")

// Config configures a Player.
type Config struct {
	Output Output
	// Rate is the playback speed multiplier, 1 for normal speed.
	Rate   float64
	Logger *slog.Logger
}

// Player owns the output device for replies.
type Player struct {
	out    Output
	logger *slog.Logger
	rate   atomic.Uint64 // math.Float64bits

	mu      sync.Mutex
	current *Handle
	nextID  uint64
}

// New creates a player.
func New(cfg Config) (*Player, error) {
	if cfg.Output == nil {
		return nil, fmt.Errorf("output is required")
	}
	if cfg.Rate == 0 {
		cfg.Rate = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Player{out: cfg.Output, logger: cfg.Logger}
	if err := p.SetRate(cfg.Rate); err != nil {
		return nil, err
	}
	return p, nil
}

// SetRate changes the multiplier used by subsequent Play calls.
func (p *Player) SetRate(rate float64) error {
	if rate < MinRate || rate > MaxRate {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrInvalidRate, rate, MinRate, MaxRate)
	}
	p.rate.Store(math.Float64bits(rate))
	return nil
}

// Rate returns the current multiplier.
func (p *Player) Rate() float64 {
	return math.Float64frombits(p.rate.Load())
}

// Play decodes payload and starts playing it, cancelling any active reply
// first. Decode errors are fault.KindDecodeFailure and leave the previous
// reply untouched.
func (p *Player) Play(ctx context.Context, payload []byte, mimeType string) (*Handle, error) {
	pcm, err := Decode(payload, mimeType)
	if err != nil {
		return nil, err
	}

	format := p.out.Format()
	samples := Convert(pcm.Samples, Format{SampleRate: pcm.SampleRate, Channels: pcm.NumChannels}, format, p.Rate())

	p.mu.Lock()
	prev := p.current
	p.nextID++
	h := newHandle(ctx, p.nextID)
	p.current = h
	p.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	p.logger.Debug("playback started",
		"handle", h.ID,
		"duration", time.Duration(len(samples)/format.Channels)*time.Second/time.Duration(format.SampleRate),
		"rate", p.Rate())

	go func() {
		err := p.out.Play(h.ctx, samples)
		h.finish(err)

		p.mu.Lock()
		if p.current == h {
			p.current = nil
		}
		p.mu.Unlock()
	}()
	return h, nil
}

// Cancel stops the active reply, if any, and waits for the device to be
// released.
func (p *Player) Cancel() {
	p.mu.Lock()
	h := p.current
	p.current = nil
	p.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Active reports whether a reply is playing.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Cue plays a short two-tone notification outside the single-flight rule.
// It returns immediately.
func (p *Player) Cue(ctx context.Context) {
	f := p.out.Format()
	var samples []int16
	samples = append(samples, Tone(f, 880, 120, 0.3)...)
	samples = append(samples, Silence(f, 60)...)
	samples = append(samples, Tone(f, 1320, 160, 0.3)...)

	go func() {
		if err := p.out.Play(ctx, samples); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("alarm cue failed", "error", err)
		}
	}()
}

// Handle is one playing reply.
type Handle struct {
	ID uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newHandle(parent context.Context, id uint64) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{ID: id, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	if err == nil && h.ctx.Err() != nil {
		err = h.ctx.Err()
	}
	h.err = err
	h.cancel()
	close(h.done)
}

// Cancel stops output and waits until the device is released. Cancelling a
// finished handle is a no-op.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

// Done is closed when playback ends for any reason.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is valid after Done: nil when played to completion, context.Canceled
// when cancelled, otherwise the output error.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
