// Package portaudio captures microphone input through PortAudio.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/chriscow/voice-session-go/pkg/capture"
	"github.com/chriscow/voice-session-go/pkg/fault"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Device opens the default PortAudio input device.
type Device struct {
	logger *slog.Logger
}

// Open initializes PortAudio. The caller must Close the device on exit.
func Open(logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, classify(err)
	}
	return &Device{logger: logger}, nil
}

// Close terminates PortAudio.
func (d *Device) Close() error {
	return portaudio.Terminate()
}

// DeviceInfo describes an input-capable device.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// Inputs lists devices with at least one input channel.
func (d *Device) Inputs() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels == 0 {
			continue
		}
		info := DeviceInfo{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			Default:           def != nil && def.Name == dev.Name,
		}
		if dev.HostApi != nil {
			info.HostAPI = dev.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// Open implements capture.Device.
func (d *Device) Open(ctx context.Context, cfg capture.Config) (capture.Stream, error) {
	s := &stream{
		cfg:    cfg,
		frames: make(chan rtc.AudioFrame, 64),
		logger: d.logger,
	}

	framesPerBuffer := cfg.SamplesPerFrame()
	pa, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), framesPerBuffer, s.callback)
	if err != nil {
		return nil, classify(err)
	}
	s.pa = pa

	if err := pa.Start(); err != nil {
		pa.Close()
		return nil, classify(err)
	}

	d.logger.Debug("capture stream started",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"frame_duration", cfg.FrameDuration)
	return s, nil
}

type stream struct {
	cfg    capture.Config
	pa     *portaudio.Stream
	frames chan rtc.AudioFrame
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	next    time.Duration
	dropped int
}

func (s *stream) callback(in []int16) {
	samples := make([]int16, len(in))
	copy(samples, in)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	frame, err := rtc.NewAudioFrame(samples, s.cfg.SampleRate, s.cfg.Channels, s.next)
	if err != nil {
		return
	}
	s.next = frame.End()

	select {
	case s.frames <- *frame:
	default:
		s.dropped++
	}
}

func (s *stream) Frames() <-chan rtc.AudioFrame {
	return s.frames
}

// Close stops the PortAudio stream before closing the frame channel so no
// callback can run against a closed channel.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.dropped
	s.mu.Unlock()

	var errs []error
	if err := s.pa.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop stream: %w", err))
	}
	if err := s.pa.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stream: %w", err))
	}
	close(s.frames)

	if dropped > 0 {
		s.logger.Warn("capture dropped frames", "dropped", dropped)
	}
	return errors.Join(errs...)
}

// classify maps PortAudio failures onto the capture error kinds. Permission
// refusals surface as host errors whose text names the denial.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not permitted") {
		return fault.New(fault.KindPermissionDenied, "capture.open", err)
	}
	return fault.New(fault.KindDeviceUnavailable, "capture.open", err)
}
