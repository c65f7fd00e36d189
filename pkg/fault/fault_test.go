package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		sentinel    error
		recoverable bool
		soft        bool
	}{
		{"permission", New(KindPermissionDenied, "capture.open", errors.New("denied")), ErrPermissionDenied, true, false},
		{"device", New(KindDeviceUnavailable, "capture.open", nil), ErrDeviceUnavailable, true, false},
		{"network", New(KindNetworkFailure, "exchange.ask", errors.New("eof")), ErrNetworkFailure, true, false},
		{"status", New(KindBadStatus, "exchange.ask", errors.New("HTTP 502")), ErrBadStatus, true, false},
		{"decode", New(KindDecodeFailure, "playback.decode", errors.New("bad header")), ErrDecodeFailure, true, false},
		{"stale", New(KindStaleReplace, "transcript.replace", nil), ErrStaleReplace, false, true},
		{"wrapped", fmt.Errorf("voice exchange: %w", New(KindBadStatus, "exchange.voice", nil)), ErrBadStatus, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			is.True(errors.Is(tt.err, tt.sentinel))          // matches its sentinel
			is.Equal(IsRecoverable(tt.err), tt.recoverable) // recoverable classification
			is.Equal(IsSoft(tt.err), tt.soft)               // soft classification
		})
	}
}

func TestErrorDoesNotMatchOtherKinds(t *testing.T) {
	is := is.New(t)
	err := New(KindNetworkFailure, "exchange.ask", nil)

	is.True(!errors.Is(err, ErrBadStatus))
	is.True(!errors.Is(err, ErrStaleReplace))
	is.Equal(KindOf(errors.New("plain")), Kind(0))
	is.True(!IsRecoverable(errors.New("plain")))
}

func TestErrorUnwrapsUnderlying(t *testing.T) {
	is := is.New(t)
	cause := errors.New("connection refused")
	err := New(KindNetworkFailure, "alarm.poll", cause)

	is.True(errors.Is(err, cause))
	is.Equal(err.Error(), "alarm.poll: network failure: connection refused")
}

func TestRetryConfigDelay(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped at 10s
		{10, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := DefaultRetryConfig.Delay(tt.attempt); got != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}
