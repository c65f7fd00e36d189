// Package autostop decides when a recording ends on its own. Two deadlines
// race: a sliding silence deadline evaluated on every frame, and a fixed hard
// cap armed once at recording start. The first to fire wins and disarms both.
package autostop

import (
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/rtc"
	"github.com/chriscow/voice-session-go/pkg/vad"
)

// Reason names what ended a recording.
type Reason int

const (
	ReasonManual Reason = iota + 1
	ReasonSilence
	ReasonHardCap
)

func (r Reason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonSilence:
		return "silence"
	case ReasonHardCap:
		return "hard_cap"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// DefaultMaxRecord bounds a single recording.
const DefaultMaxRecord = 15 * time.Second

// Policy is armed for exactly one recording.
type Policy struct {
	det       *vad.Detector
	maxRecord time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	fired  bool
	reason Reason
}

// Arm starts the hard cap timer. onHardCap runs on its own goroutine if the
// cap expires before anything else fires; it must not block.
func Arm(det *vad.Detector, maxRecord time.Duration, onHardCap func()) (*Policy, error) {
	if det == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if maxRecord <= 0 {
		return nil, fmt.Errorf("max record duration must be positive, got %v", maxRecord)
	}

	p := &Policy{det: det, maxRecord: maxRecord}
	p.mu.Lock()
	p.timer = time.AfterFunc(maxRecord, func() {
		if p.trip(ReasonHardCap) && onHardCap != nil {
			onHardCap()
		}
	})
	p.mu.Unlock()
	return p, nil
}

// Observe runs the detector on frame and evaluates both deadlines on the
// capture clock. It returns the winning reason the first time a deadline is
// crossed and false on every other call.
func (p *Policy) Observe(frame rtc.AudioFrame) (vad.Result, Reason, bool) {
	res := p.det.Process(frame)
	if res.At >= p.maxRecord && p.trip(ReasonHardCap) {
		return res, ReasonHardCap, true
	}
	if p.det.SilenceExceeded(res.At) && p.trip(ReasonSilence) {
		return res, ReasonSilence, true
	}
	return res, 0, false
}

// Disarm stops the hard cap timer and latches the policy so nothing fires
// afterwards. It reports false if a deadline had already fired.
func (p *Policy) Disarm() bool {
	return p.trip(ReasonManual)
}

// Fired returns the reason the policy was latched with, if any.
func (p *Policy) Fired() (Reason, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason, p.fired
}

func (p *Policy) trip(r Reason) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fired {
		return false
	}
	p.fired = true
	p.reason = r
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}
