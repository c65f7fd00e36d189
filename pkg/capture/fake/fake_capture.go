// Package fake provides a scripted capture device for tests and offline runs.
package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/capture"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Segment is a stretch of synthetic input. Amplitude is a fraction of full
// scale; zero produces digital silence.
type Segment struct {
	Duration  time.Duration
	Amplitude float64
}

// Device is a fake capture.Device. By default streams only emit frames that
// are pushed explicitly; when Script is set each opened stream plays it.
type Device struct {
	// OpenErr, when set, is returned by Open.
	OpenErr error

	// Script is played into every opened stream.
	Script []Segment

	// Realtime paces scripted frames at their natural rate.
	Realtime bool

	// OnOpen is invoked before a stream is created.
	OnOpen func()

	mu      sync.Mutex
	opens   int
	closes  int
	streams []*Stream
}

// NewDevice creates a fake device with no script.
func NewDevice() *Device {
	return &Device{}
}

// Open implements capture.Device.
func (d *Device) Open(ctx context.Context, cfg capture.Config) (capture.Stream, error) {
	if d.OnOpen != nil {
		d.OnOpen()
	}

	d.mu.Lock()
	if d.OpenErr != nil {
		d.mu.Unlock()
		return nil, d.OpenErr
	}
	d.opens++
	s := &Stream{
		cfg:    cfg,
		frames: make(chan rtc.AudioFrame, 4096),
		done:   make(chan struct{}),
		onClose: func() {
			d.mu.Lock()
			d.closes++
			d.mu.Unlock()
		},
	}
	d.streams = append(d.streams, s)
	script := append([]Segment(nil), d.Script...)
	realtime := d.Realtime
	d.mu.Unlock()

	if len(script) > 0 {
		go s.play(ctx, script, realtime)
	}
	return s, nil
}

// Opens returns the number of successful opens.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes returns the number of device teardowns.
func (d *Device) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Last returns the most recently opened stream, or nil.
func (d *Device) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Stream is a fake capture.Stream.
type Stream struct {
	cfg     capture.Config
	frames  chan rtc.AudioFrame
	done    chan struct{}
	onClose func()

	mu     sync.Mutex
	closed bool
	next   time.Duration
	phase  float64
}

// Frames implements capture.Stream.
func (s *Stream) Frames() <-chan rtc.AudioFrame {
	return s.frames
}

// Close implements capture.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.frames)
	s.onClose()
	return nil
}

// Closed reports whether Close has run.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push emits one frame with the given samples, timestamped after the
// previous frame. It reports false once the stream is closed.
func (s *Stream) Push(samples []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	frame, err := rtc.NewAudioFrame(samples, s.cfg.SampleRate, s.cfg.Channels, s.next)
	if err != nil {
		return false
	}
	select {
	case s.frames <- *frame:
		s.next = frame.End()
		return true
	default:
		return false
	}
}

// PushSegment emits whole frames covering seg.Duration and returns how many
// were accepted.
func (s *Stream) PushSegment(seg Segment) int {
	n := int(seg.Duration / s.cfg.FrameDuration)
	pushed := 0
	for i := 0; i < n; i++ {
		if !s.Push(s.synth(seg.Amplitude)) {
			break
		}
		pushed++
	}
	return pushed
}

// PushSilence emits d worth of zero frames.
func (s *Stream) PushSilence(d time.Duration) int {
	return s.PushSegment(Segment{Duration: d})
}

// PushVoice emits d worth of a 440 Hz tone at the given amplitude.
func (s *Stream) PushVoice(d time.Duration, amplitude float64) int {
	return s.PushSegment(Segment{Duration: d, Amplitude: amplitude})
}

func (s *Stream) synth(amplitude float64) []int16 {
	n := s.cfg.SamplesPerFrame() * s.cfg.Channels
	out := make([]int16, n)
	if amplitude == 0 {
		return out
	}
	step := 2 * math.Pi * 440 / float64(s.cfg.SampleRate)
	for i := 0; i < n; i += s.cfg.Channels {
		v := int16(math.Sin(s.phase) * amplitude * math.MaxInt16)
		for ch := 0; ch < s.cfg.Channels; ch++ {
			out[i+ch] = v
		}
		s.phase += step
	}
	return out
}

func (s *Stream) play(ctx context.Context, script []Segment, realtime bool) {
	var tick <-chan time.Time
	if realtime {
		t := time.NewTicker(s.cfg.FrameDuration)
		defer t.Stop()
		tick = t.C
	}
	for _, seg := range script {
		n := int(seg.Duration / s.cfg.FrameDuration)
		for i := 0; i < n; i++ {
			if tick != nil {
				select {
				case <-tick:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
			if !s.Push(s.synth(seg.Amplitude)) {
				return
			}
		}
	}
}
