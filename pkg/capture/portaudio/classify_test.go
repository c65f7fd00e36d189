package portaudio

import (
	"errors"
	"testing"

	"github.com/chriscow/voice-session-go/pkg/fault"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"Unanticipated host error: Permission denied", fault.ErrPermissionDenied},
		{"Operation not permitted", fault.ErrPermissionDenied},
		{"Device unavailable", fault.ErrDeviceUnavailable},
		{"Invalid number of channels", fault.ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if err := classify(errors.New(tt.msg)); !errors.Is(err, tt.want) {
				t.Errorf("classify(%q) = %v, want %v", tt.msg, err, tt.want)
			}
		})
	}
}
