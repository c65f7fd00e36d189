package session

import (
	"context"
	"errors"
	"strings"

	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/exchange"
	"github.com/chriscow/voice-session-go/pkg/fault"
	"github.com/chriscow/voice-session-go/pkg/transcript"
)

// pendingExchange tracks the placeholders one exchange must replace.
// userIndex is -1 for text exchanges, whose user entry is final at once.
type pendingExchange struct {
	seq        uint64
	voice      bool
	userIndex  int
	replyIndex int
	cancel     context.CancelFunc
}

func (c *Controller) submitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	switch c.Mode() {
	case ModeRecording, ModeAwaiting:
		return ErrBusy
	case ModePlaying:
		c.cancelPlayback()
	}

	c.appendMessage(transcript.Message{Role: transcript.RoleUser, Text: text})
	p := c.newPending(false, -1)
	c.setMode(ModeAwaiting)

	req := exchange.TextRequest{Question: text, Context: c.askContext}
	c.launch(p, "exchange.ask", func(ctx context.Context) (*exchange.Answer, error) {
		return c.exchanger.Ask(ctx, req)
	})
	return nil
}

// beginVoiceExchange appends the voice placeholders.
func (c *Controller) beginVoiceExchange() *pendingExchange {
	userIndex := c.appendMessage(transcript.Message{
		Role:        transcript.RoleUser,
		Text:        VoicePlaceholder,
		Placeholder: true,
	})
	return c.newPending(true, userIndex)
}

func (c *Controller) startVoiceExchange(utteranceID string, payload *encoder.Payload) {
	p := c.beginVoiceExchange()
	c.logger.Debug("sending utterance",
		"utterance_id", utteranceID,
		"mime", payload.MimeType(),
		"bytes", len(payload.Data))
	c.launch(p, "exchange.voice", func(ctx context.Context) (*exchange.Answer, error) {
		return c.exchanger.Voice(ctx, payload)
	})
}

func (c *Controller) newPending(voice bool, userIndex int) *pendingExchange {
	replyIndex := c.appendMessage(transcript.Message{
		Role:        transcript.RoleAssistant,
		Text:        ReplyPlaceholder,
		Placeholder: true,
	})
	c.seq++
	p := &pendingExchange{
		seq:        c.seq,
		voice:      voice,
		userIndex:  userIndex,
		replyIndex: replyIndex,
		cancel:     func() {},
	}
	c.pending = p
	return p
}

// launch runs call under the exchange timeout and posts its outcome.
func (c *Controller) launch(p *pendingExchange, op string, call func(context.Context) (*exchange.Answer, error)) {
	ctx, cancel := context.WithTimeout(c.ctx, c.exchangeTimeout)
	p.cancel = cancel
	c.metrics.Exchanges.Add(1)

	go func() {
		defer cancel()
		ans, err := call(ctx)
		if err == nil && ans == nil {
			err = fault.New(fault.KindBadStatus, op, errors.New("empty answer"))
		}
		if err != nil {
			err = exchange.NetworkError(op, err)
		}
		c.post(event{kind: evExchangeDone, seq: p.seq, answer: ans, err: err})
	}()
}

// finishExchange replaces the placeholders of the pending exchange and only
// then leaves Awaiting.
func (c *Controller) finishExchange(seq uint64, ans *exchange.Answer, err error) {
	p := c.pending
	if p == nil || p.seq != seq {
		return
	}
	c.pending = nil
	p.cancel()

	if err != nil {
		c.metrics.ExchangeFailures.Add(1)
		c.logger.Warn("exchange failed",
			"voice", p.voice,
			"kind", fault.KindOf(err).String(),
			"timeout", exchange.IsTimeout(err),
			"error", err)
		if p.voice {
			c.replace(p.userIndex, transcript.Message{Role: transcript.RoleUser, Text: VoicePlaceholder})
		}
		c.replace(p.replyIndex, transcript.Message{Role: transcript.RoleAssistant, Text: failureText(p.voice, err)})
		c.setMode(ModeIdle)
		return
	}

	if p.voice {
		c.replace(p.userIndex, transcript.Message{Role: transcript.RoleUser, Text: heardText(ans.Transcript)})
	}
	c.replace(p.replyIndex, transcript.Message{Role: transcript.RoleAssistant, Text: answerText(ans.Text)})

	if !ans.HasAudio() {
		c.setMode(ModeIdle)
		return
	}

	h, err := c.player.Play(c.ctx, ans.Audio, ans.AudioMime)
	if err != nil {
		c.metrics.DecodeFailures.Add(1)
		c.logger.Warn("skipping reply playback", "mime", ans.AudioMime, "kind", fault.KindOf(err).String(), "error", err)
		c.setMode(ModeIdle)
		return
	}
	c.playing = h
	c.setMode(ModePlaying)
	go func() {
		<-h.Done()
		c.post(event{kind: evPlaybackDone, seq: h.ID, err: h.Err()})
	}()
}

func (c *Controller) finishPlayback(id uint64, err error) {
	if c.playing == nil || c.playing.ID != id {
		return
	}
	c.playing = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("reply playback failed", "handle", id, "error", err)
	}
	c.setMode(ModeIdle)
}

// cancelPlayback stops the reply and waits for the output to be released.
func (c *Controller) cancelPlayback() {
	if c.playing == nil {
		return
	}
	h := c.playing
	c.playing = nil
	h.Cancel()
	c.logger.Debug("reply playback cancelled", "handle", h.ID)
	if c.Mode() == ModePlaying {
		c.setMode(ModeIdle)
	}
}
