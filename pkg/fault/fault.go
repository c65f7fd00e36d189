// Package fault defines the error taxonomy shared by the voice session
// components. Every error raised at a component boundary is classified as one
// of a small set of kinds so the session controller can turn it into a
// transcript message or a silent no-op without inspecting strings.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies where an error came from and how it is recovered.
type Kind int

const (
	// KindPermissionDenied means the platform refused microphone access.
	KindPermissionDenied Kind = iota + 1
	// KindDeviceUnavailable means no usable input device could be opened,
	// or the device is already held by another recording.
	KindDeviceUnavailable
	// KindNetworkFailure covers transport errors, timeouts and malformed
	// payloads from the remote collaborator.
	KindNetworkFailure
	// KindBadStatus is a non-success HTTP status from the collaborator.
	KindBadStatus
	// KindDecodeFailure means a synthesized speech payload could not be
	// decoded or played. The text answer is kept.
	KindDecodeFailure
	// KindStaleReplace is a transcript replacement at an index that no
	// longer exists. It is soft and ignored.
	KindStaleReplace
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindDeviceUnavailable:
		return "DeviceUnavailable"
	case KindNetworkFailure:
		return "NetworkFailure"
	case KindBadStatus:
		return "BadStatus"
	case KindDecodeFailure:
		return "DecodeFailure"
	case KindStaleReplace:
		return "StaleReplace"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrNetworkFailure    = errors.New("network failure")
	ErrBadStatus         = errors.New("bad status")
	ErrDecodeFailure     = errors.New("decode failure")
	ErrStaleReplace      = errors.New("stale replace")
)

var sentinels = map[Kind]error{
	KindPermissionDenied:  ErrPermissionDenied,
	KindDeviceUnavailable: ErrDeviceUnavailable,
	KindNetworkFailure:    ErrNetworkFailure,
	KindBadStatus:         ErrBadStatus,
	KindDecodeFailure:     ErrDecodeFailure,
	KindStaleReplace:      ErrStaleReplace,
}

// Error wraps an underlying error with its classification.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "capture.open"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, sentinels[e.Kind])
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, sentinels[e.Kind], e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New classifies err as kind for operation op.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsRecoverable reports whether retrying the user action may succeed.
// Every classified kind except StaleReplace is recoverable.
func IsRecoverable(err error) bool {
	k := KindOf(err)
	return k != 0 && k != KindStaleReplace
}

// IsSoft reports whether err should be logged and otherwise ignored.
func IsSoft(err error) bool {
	return errors.Is(err, ErrStaleReplace)
}

// RetryConfig configures backoff for background retries such as alarm polling.
type RetryConfig struct {
	InitialDelay  time.Duration // delay before the first retry
	MaxDelay      time.Duration // maximum delay between retries
	BackoffFactor float64       // exponential backoff multiplier
}

// DefaultRetryConfig doubles from one second up to ten.
var DefaultRetryConfig = RetryConfig{
	InitialDelay:  time.Second,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
}

// Delay returns the backoff delay for the given 1-based attempt.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.BackoffFactor
		if delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if time.Duration(delay) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(delay)
}
