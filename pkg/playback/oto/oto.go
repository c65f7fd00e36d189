// Package oto plays PCM through the system audio output via ebitengine/oto.
package oto

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/chriscow/voice-session-go/pkg/playback"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// pollInterval is how often a playing voice is checked for completion.
const pollInterval = 10 * time.Millisecond

// Output is a playback.Output. oto allows one context per process, so create
// a single Output and share it.
type Output struct {
	ctx    *oto.Context
	format playback.Format
}

// New opens the default output device and waits until it is ready.
func New(format playback.Format) (*Output, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid output format %+v", format)
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	<-ready
	return &Output{ctx: ctx, format: format}, nil
}

// Format implements playback.Output.
func (o *Output) Format() playback.Format {
	return o.format
}

// Play implements playback.Output. Each call gets its own oto player, so
// concurrent calls are mixed by oto.
func (o *Output) Play(ctx context.Context, samples []int16) error {
	p := o.ctx.NewPlayer(bytes.NewReader(rtc.PCM16ToBytes(samples)))
	defer p.Close()

	p.Play()
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Pause()
			return ctx.Err()
		case <-t.C:
			if !p.IsPlaying() {
				return nil
			}
		}
	}
}
