// Package fake provides an in-memory playback output for tests.
package fake

import (
	"context"
	"sync"

	"github.com/chriscow/voice-session-go/pkg/playback"
)

// Play records one call to Output.Play.
type Play struct {
	Samples   []int16
	Cancelled bool
}

// Output is a fake playback.Output. With Block set, Play waits for Finish or
// cancellation; otherwise it returns immediately.
type Output struct {
	Fmt   playback.Format
	Block bool

	// OnCancel runs when a blocked play is cancelled, before Play returns.
	OnCancel func()

	mu     sync.Mutex
	plays  []Play
	finish chan struct{}
	active int
}

// NewOutput returns an output that blocks until Finish.
func NewOutput() *Output {
	return &Output{
		Fmt:    playback.Format{SampleRate: 24000, Channels: 1},
		Block:  true,
		finish: make(chan struct{}),
	}
}

// Format implements playback.Output.
func (o *Output) Format() playback.Format {
	return o.Fmt
}

// Play implements playback.Output.
func (o *Output) Play(ctx context.Context, samples []int16) error {
	o.mu.Lock()
	idx := len(o.plays)
	o.plays = append(o.plays, Play{Samples: samples})
	finish := o.finish
	block := o.Block
	o.active++
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()

	if !block {
		return nil
	}
	select {
	case <-finish:
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		o.plays[idx].Cancelled = true
		o.mu.Unlock()
		if o.OnCancel != nil {
			o.OnCancel()
		}
		return ctx.Err()
	}
}

// Finish completes every blocked play.
func (o *Output) Finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	close(o.finish)
	o.finish = make(chan struct{})
}

// Plays returns a copy of the recorded plays.
func (o *Output) Plays() []Play {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Play(nil), o.plays...)
}

// Active returns the number of plays in progress.
func (o *Output) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}
