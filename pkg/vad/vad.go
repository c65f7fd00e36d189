// Package vad classifies captured frames as voiced or silent by RMS energy
// and tracks when speech was last heard.
package vad

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Config holds the detector operating point.
type Config struct {
	// ThresholdRMS is the normalized energy above which a frame is voiced.
	ThresholdRMS float64
	// SilenceBudget is how long the input may stay silent before the
	// silence deadline is reached.
	SilenceBudget time.Duration
}

// DefaultConfig tolerates short pauses without cutting an utterance.
var DefaultConfig = Config{
	ThresholdRMS:  0.015,
	SilenceBudget: 1200 * time.Millisecond,
}

var (
	ErrInvalidThreshold = errors.New("threshold must be in (0, 1)")
	ErrInvalidBudget    = errors.New("silence budget must be positive")
)

// Validate checks the operating point.
func (c Config) Validate() error {
	if c.ThresholdRMS <= 0 || c.ThresholdRMS >= 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, c.ThresholdRMS)
	}
	if c.SilenceBudget <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBudget, c.SilenceBudget)
	}
	return nil
}

// Result is the classification of one frame.
type Result struct {
	RMS    float64
	Voiced bool
	At     time.Duration // end of the frame on the capture clock
}

// Detector holds the only mutable VAD state: the last voiced timestamp.
// Times are offsets on the capture stream's monotonic clock. A Detector is
// not safe for concurrent use.
type Detector struct {
	cfg          Config
	lastVoicedAt time.Duration
}

// New creates a detector whose silence window starts at zero.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the operating point.
func (d *Detector) Config() Config {
	return d.cfg
}

// Reset restarts the silence window at start.
func (d *Detector) Reset(start time.Duration) {
	d.lastVoicedAt = start
}

// Process classifies frame and, when voiced, moves lastVoicedAt to the end of
// the frame.
func (d *Detector) Process(frame rtc.AudioFrame) Result {
	r := Result{RMS: RMS(frame.Samples), At: frame.End()}
	if r.RMS > d.cfg.ThresholdRMS {
		r.Voiced = true
		d.lastVoicedAt = r.At
	}
	return r
}

// LastVoicedAt returns the end of the most recent voiced frame.
func (d *Detector) LastVoicedAt() time.Duration {
	return d.lastVoicedAt
}

// SilentFor returns now - lastVoicedAt, never negative.
func (d *Detector) SilentFor(now time.Duration) time.Duration {
	if now < d.lastVoicedAt {
		return 0
	}
	return now - d.lastVoicedAt
}

// SilenceExceeded reports whether the silence budget is strictly exceeded.
func (d *Detector) SilenceExceeded(now time.Duration) bool {
	return d.SilentFor(now) > d.cfg.SilenceBudget
}

// RMS returns the root-mean-square of samples normalized to [0,1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		return 1
	}
	return rms
}
