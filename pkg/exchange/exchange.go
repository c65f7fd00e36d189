// Package exchange defines the remote collaborators a session talks to: the
// text and voice exchanges that return an answer with optional synthesized
// speech, and the alarm poll.
package exchange

import (
	"context"
	"errors"
	"net"

	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/fault"
)

// TextRequest is a typed question.
type TextRequest struct {
	Question string
	Context  string
}

// Answer is the result of an exchange.
type Answer struct {
	// Transcript is what the recognizer heard. Empty for text exchanges.
	Transcript string
	Text       string
	// Audio is synthesized speech, empty when the backend returned none.
	Audio     []byte
	AudioMime string
}

// HasAudio reports whether the answer carries synthesized speech.
func (a *Answer) HasAudio() bool {
	return a != nil && len(a.Audio) > 0
}

// Exchanger performs text and voice exchanges. Errors are classified as
// fault.KindNetworkFailure or fault.KindBadStatus.
type Exchanger interface {
	Ask(ctx context.Context, req TextRequest) (*Answer, error)
	Voice(ctx context.Context, utterance *encoder.Payload) (*Answer, error)
}

// Alarm is a pending notification.
type Alarm struct {
	Message string
}

// AlarmSource reports pending alarms for a session. A nil alarm means none.
type AlarmSource interface {
	PollAlarm(ctx context.Context, sessionID string) (*Alarm, error)
}

// NetworkError classifies a transport failure. Errors that already carry a
// kind are returned unchanged.
func NetworkError(op string, err error) error {
	if err == nil || fault.KindOf(err) != 0 {
		return err
	}
	return fault.New(fault.KindNetworkFailure, op, err)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
