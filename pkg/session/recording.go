package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chriscow/voice-session-go/pkg/autostop"
	"github.com/chriscow/voice-session-go/pkg/capture"
	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/fault"
	"github.com/chriscow/voice-session-go/pkg/rtc"
	"github.com/chriscow/voice-session-go/pkg/transcript"
	"github.com/chriscow/voice-session-go/pkg/vad"
)

// recording is one open utterance. stopping is the single-use latch every
// stop trigger goes through.
type recording struct {
	id       string
	seq      uint64
	stream   capture.Stream
	policy   *autostop.Policy
	recorder *encoder.Recorder
	cancel   context.CancelFunc
	pumpDone chan struct{}
	frames   int
	stopping bool
}

func (c *Controller) startRecording() error {
	switch c.Mode() {
	case ModeRecording, ModeAwaiting:
		return ErrBusy
	case ModePlaying:
		// Barge-in: the output device is released before the microphone opens.
		c.cancelPlayback()
	}

	stream, err := c.mic.Open(c.ctx, c.input)
	if err != nil {
		c.appendMessage(transcript.Message{Role: transcript.RoleAssistant, Text: captureFailureText(err)})
		c.metrics.CaptureFailures.Add(1)
		c.logger.Warn("failed to open microphone", "kind", fault.KindOf(err).String(), "error", err)
		return err
	}

	rec, err := c.arm(stream)
	if err != nil {
		stream.Close()
		err = fault.New(fault.KindDeviceUnavailable, "session.record", err)
		c.appendMessage(transcript.Message{Role: transcript.RoleAssistant, Text: captureFailureText(err)})
		c.metrics.CaptureFailures.Add(1)
		c.logger.Error("failed to start recording", "error", err)
		return err
	}
	c.rec = rec
	c.setMode(ModeRecording)
	c.logger.Info("recording started",
		"utterance_id", rec.id,
		"container", rec.recorder.Container().MimeType,
		"max_record", c.maxRecord)
	return nil
}

// arm wires detector, deadlines and encoder to a freshly opened stream.
func (c *Controller) arm(stream capture.Stream) (*recording, error) {
	det, err := vad.New(c.vadConfig)
	if err != nil {
		return nil, err
	}
	det.Reset(0)

	c.seq++
	seq := c.seq
	id := uuid.NewString()

	recorder, err := encoder.NewRecorder(encoder.RecorderConfig{
		Format:    encoder.Format{SampleRate: c.input.SampleRate, Channels: c.input.Channels},
		Timeslice: c.timeslice,
		Container: c.container,
		OnChunk: func(ch encoder.Chunk) {
			c.logger.Debug("utterance chunk", "utterance_id", id, "index", ch.Index, "bytes", len(ch.Data))
		},
		Logger: c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}

	policy, err := autostop.Arm(det, c.maxRecord, func() {
		c.post(event{kind: evHardCap, seq: seq})
	})
	if err != nil {
		recorder.Abort()
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(c.ctx)
	rec := &recording{
		id:       id,
		seq:      seq,
		stream:   stream,
		policy:   policy,
		recorder: recorder,
		cancel:   cancel,
		pumpDone: make(chan struct{}),
	}
	go c.pump(pumpCtx, rec)
	return rec, nil
}

// pump forwards frames from the device to the run loop.
func (c *Controller) pump(ctx context.Context, rec *recording) {
	defer close(rec.pumpDone)
	frames := rec.stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				select {
				case c.events <- event{kind: evStreamEnded, seq: rec.seq}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case c.frames <- frameEvent{seq: rec.seq, frame: frame}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleFrame encodes one frame and evaluates both stop deadlines.
func (c *Controller) handleFrame(fe frameEvent) {
	r := c.rec
	if r == nil || r.seq != fe.seq || r.stopping {
		return
	}
	if err := r.recorder.Write(fe.frame); err != nil {
		c.logger.Warn("failed to encode frame", "utterance_id", r.id, "error", err)
	}
	r.frames++

	if _, reason, fired := r.policy.Observe(fe.frame); fired {
		c.logger.Info("recording auto-stop", "utterance_id", r.id, "reason", reason.String(), "at", fe.frame.End())
		c.stopRecording(reason)
	}
}

// stopRecording is the only teardown path for a recording. Manual stop,
// silence and hard cap all funnel through it; the stopping latch makes every
// call after the first a no-op.
func (c *Controller) stopRecording(reason autostop.Reason) {
	r := c.rec
	if r == nil || r.stopping {
		return
	}
	r.stopping = true
	r.policy.Disarm()
	c.metrics.stop(reason)

	r.cancel()
	<-r.pumpDone
	c.drainFrames(r)
	c.drainStream(r)

	if err := r.recorder.RequestData(); err != nil {
		c.logger.Warn("failed to flush final chunk", "utterance_id", r.id, "error", err)
	}
	payload, sealErr := r.recorder.Stop()
	if err := r.stream.Close(); err != nil {
		c.logger.Warn("failed to close capture stream", "utterance_id", r.id, "error", err)
	}
	c.rec = nil

	c.logger.Info("recording stopped", "utterance_id", r.id, "reason", reason.String(), "frames", r.frames)

	if sealErr == nil && c.archive != nil {
		if path, err := c.archive.Save(r.id, payload); err != nil {
			c.logger.Warn("failed to archive utterance", "utterance_id", r.id, "error", err)
		} else {
			c.logger.Debug("utterance archived", "utterance_id", r.id, "path", path)
		}
	}

	c.setMode(ModeAwaiting)
	if sealErr != nil {
		c.logger.Error("failed to seal utterance", "utterance_id", r.id, "error", sealErr)
		p := c.beginVoiceExchange()
		c.finishExchange(p.seq, nil, sealErr)
		return
	}
	c.startVoiceExchange(r.id, payload)
}

// drainFrames appends frames that reached the run loop before the pump
// stopped.
func (c *Controller) drainFrames(r *recording) {
	for {
		select {
		case fe := <-c.frames:
			if fe.seq == r.seq {
				c.keepFrame(r, fe.frame)
			}
		default:
			return
		}
	}
}

// drainStream appends frames the device captured but the pump never
// forwarded. They arrived after everything drainFrames saw.
func (c *Controller) drainStream(r *recording) {
	frames := r.stream.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.keepFrame(r, frame)
		default:
			return
		}
	}
}

// keepFrame encodes a frame captured before the stop. Audio past the hard
// cap is dropped.
func (c *Controller) keepFrame(r *recording, frame rtc.AudioFrame) {
	if frame.Timestamp >= c.maxRecord {
		return
	}
	if err := r.recorder.Write(frame); err != nil && !errors.Is(err, encoder.ErrStopped) {
		c.logger.Warn("failed to encode frame", "utterance_id", r.id, "error", err)
	}
	r.frames++
}
