// Package capture defines the microphone input contract used by the session
// controller. A Device opens at most one Stream at a time; the Stream emits
// fixed-size PCM frames until it is closed.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/fault"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Config describes the requested input format.
type Config struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// DefaultConfig is 16 kHz mono in 20ms frames.
var DefaultConfig = Config{
	SampleRate:    16000,
	Channels:      1,
	FrameDuration: 20 * time.Millisecond,
}

// Validate checks that the format can be captured.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", c.Channels)
	}
	if c.FrameDuration < 10*time.Millisecond || c.FrameDuration > 100*time.Millisecond {
		return fmt.Errorf("frame duration must be between 10ms and 100ms, got %v", c.FrameDuration)
	}
	return nil
}

// SamplesPerFrame returns the per-channel sample count of one frame.
func (c Config) SamplesPerFrame() int {
	return rtc.SamplesFor(c.SampleRate, c.FrameDuration)
}

// Stream is an open microphone handle.
type Stream interface {
	// Frames returns the live frame sequence. The channel is closed once the
	// stream is closed or the device fails.
	Frames() <-chan rtc.AudioFrame

	// Close releases the device. Closing an already closed stream is a no-op.
	Close() error
}

// Device opens input streams. Open fails with an error classified as
// fault.KindPermissionDenied or fault.KindDeviceUnavailable.
type Device interface {
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// ErrAlreadyOpen is returned by an Exclusive device while a stream is held.
var ErrAlreadyOpen = errors.New("input device already open")

// Exclusive wraps a Device so that at most one stream is open at any time.
type Exclusive struct {
	dev  Device
	mu   sync.Mutex
	held bool
}

// NewExclusive guards dev.
func NewExclusive(dev Device) *Exclusive {
	return &Exclusive{dev: dev}
}

// Open opens the underlying device unless a previous stream is still open.
func (e *Exclusive) Open(ctx context.Context, cfg Config) (Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.New(fault.KindDeviceUnavailable, "capture.open", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held {
		return nil, fault.New(fault.KindDeviceUnavailable, "capture.open", ErrAlreadyOpen)
	}

	s, err := e.dev.Open(ctx, cfg)
	if err != nil {
		if fault.KindOf(err) == 0 {
			err = fault.New(fault.KindDeviceUnavailable, "capture.open", err)
		}
		return nil, err
	}
	e.held = true
	return &exclusiveStream{Stream: s, release: e.release}, nil
}

// Held reports whether a stream is currently open.
func (e *Exclusive) Held() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

func (e *Exclusive) release() {
	e.mu.Lock()
	e.held = false
	e.mu.Unlock()
}

type exclusiveStream struct {
	Stream
	release func()
	once    sync.Once
	err     error
}

func (s *exclusiveStream) Close() error {
	s.once.Do(func() {
		s.err = s.Stream.Close()
		s.release()
	})
	return s.err
}
