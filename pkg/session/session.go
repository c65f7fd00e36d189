// Package session implements the interaction controller that coordinates
// microphone capture, automatic stop, the remote exchange and reply playback
// through the Idle → Recording → Awaiting → Playing state machine.
//
// One goroutine (Run) owns all session state. Public methods post commands
// to it and wait for the result; device and network completions arrive as
// events tagged with the recording, exchange or playback they belong to, and
// events for anything no longer current are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/voice-session-go/pkg/alarm"
	"github.com/chriscow/voice-session-go/pkg/archive"
	"github.com/chriscow/voice-session-go/pkg/autostop"
	"github.com/chriscow/voice-session-go/pkg/capture"
	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/exchange"
	"github.com/chriscow/voice-session-go/pkg/playback"
	"github.com/chriscow/voice-session-go/pkg/rtc"
	"github.com/chriscow/voice-session-go/pkg/transcript"
	"github.com/chriscow/voice-session-go/pkg/vad"
)

// Mode is the session state.
type Mode int32

const (
	ModeIdle Mode = iota
	ModeRecording
	ModeAwaiting
	ModePlaying
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "Idle"
	case ModeRecording:
		return "Recording"
	case ModeAwaiting:
		return "Awaiting"
	case ModePlaying:
		return "Playing"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// DefaultExchangeTimeout bounds a single exchange.
const DefaultExchangeTimeout = 30 * time.Second

var (
	// ErrBusy is returned when a recording or exchange is already in flight.
	ErrBusy = errors.New("session busy")

	// ErrClosed is returned once the controller has stopped running.
	ErrClosed = errors.New("session closed")
)

// Config holds configuration for creating a Controller.
type Config struct {
	Capture   capture.Device
	Exchanger exchange.Exchanger
	Player    *playback.Player

	// Input defaults to capture.DefaultConfig.
	Input capture.Config
	// VAD defaults to vad.DefaultConfig.
	VAD       vad.Config
	MaxRecord time.Duration
	Timeslice time.Duration
	// Container overrides preference-based container selection.
	Container encoder.Container

	ExchangeTimeout time.Duration
	// Context accompanies every text question.
	Context string

	// Transcript is created when nil.
	Transcript *transcript.Log
	// Archive, when set, receives every sealed utterance.
	Archive *archive.Archive

	// SkipGreeting leaves the transcript empty at start.
	SkipGreeting bool

	Logger *slog.Logger
}

// Controller is the interaction session.
type Controller struct {
	mic       *capture.Exclusive
	exchanger exchange.Exchanger
	player    *playback.Player
	log       *transcript.Log
	archive   *archive.Archive
	logger    *slog.Logger
	metrics   *Metrics

	input           capture.Config
	vadConfig       vad.Config
	maxRecord       time.Duration
	timeslice       time.Duration
	container       encoder.Container
	exchangeTimeout time.Duration
	askContext      string

	mode atomic.Int32

	cmds   chan command
	events chan event
	frames chan frameEvent

	running   atomic.Bool
	done      chan struct{}
	shutdown  chan struct{}
	closeOnce sync.Once

	// subMu orders transcript changes and mode changes for watchers.
	subMu    sync.Mutex
	watchers map[int]*watcher
	nextSub  int

	// Owned by the run loop.
	ctx     context.Context
	seq     uint64
	rec     *recording
	pending *pendingExchange
	playing *playback.Handle
}

// New creates a Controller with the given configuration.
func New(cfg Config) (*Controller, error) {
	if cfg.Capture == nil {
		return nil, fmt.Errorf("capture device is required")
	}
	if cfg.Exchanger == nil {
		return nil, fmt.Errorf("exchanger is required")
	}
	if cfg.Player == nil {
		return nil, fmt.Errorf("player is required")
	}
	if cfg.Input == (capture.Config{}) {
		cfg.Input = capture.DefaultConfig
	}
	if err := cfg.Input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input format: %w", err)
	}
	if cfg.VAD == (vad.Config{}) {
		cfg.VAD = vad.DefaultConfig
	}
	if err := cfg.VAD.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRecord == 0 {
		cfg.MaxRecord = autostop.DefaultMaxRecord
	}
	if cfg.MaxRecord < 0 {
		return nil, fmt.Errorf("max record duration must be positive, got %v", cfg.MaxRecord)
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = encoder.DefaultTimeslice
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transcript == nil {
		cfg.Transcript = transcript.New(cfg.Logger)
	}

	c := &Controller{
		mic:             capture.NewExclusive(cfg.Capture),
		exchanger:       cfg.Exchanger,
		player:          cfg.Player,
		log:             cfg.Transcript,
		archive:         cfg.Archive,
		logger:          cfg.Logger,
		metrics:         newMetrics(),
		input:           cfg.Input,
		vadConfig:       cfg.VAD,
		maxRecord:       cfg.MaxRecord,
		timeslice:       cfg.Timeslice,
		container:       cfg.Container,
		exchangeTimeout: cfg.ExchangeTimeout,
		askContext:      cfg.Context,
		cmds:            make(chan command),
		events:          make(chan event, 16),
		frames:          make(chan frameEvent, 256),
		done:            make(chan struct{}),
		shutdown:        make(chan struct{}),
		watchers:        make(map[int]*watcher),
	}
	if !cfg.SkipGreeting {
		c.log.Append(transcript.Message{Role: transcript.RoleAssistant, Text: Greeting})
	}
	return c, nil
}

// Transcript returns the message log.
func (c *Controller) Transcript() *transcript.Log {
	return c.log
}

// Mode returns the current session state.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Metrics returns the controller's counters.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Run processes commands and events until ctx is cancelled or Close is
// called. Any recording, exchange or playback in flight is torn down before
// Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	defer close(c.done)
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdown:
			return nil
		case cmd := <-c.cmds:
			cmd.reply <- c.handleCommand(cmd)
		case ev := <-c.events:
			c.handleEvent(ev)
		case fe := <-c.frames:
			c.handleFrame(fe)
		}
	}
}

// Close stops the run loop.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.shutdown)
	})
	return nil
}

// PressInput is the single input control: it starts a recording from Idle
// or Playing, stops the current recording, and is rejected while Awaiting.
func (c *Controller) PressInput(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdPressInput})
}

// StartRecording opens the microphone, cancelling any reply that is playing.
func (c *Controller) StartRecording(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdStartRecording})
}

// StopRecording manually ends the current recording. It is a no-op when
// nothing is recording or the recording is already stopping.
func (c *Controller) StopRecording(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdStopRecording})
}

// SubmitText sends a typed question. Blank text is ignored.
func (c *Controller) SubmitText(ctx context.Context, text string) error {
	return c.do(ctx, command{kind: cmdSubmitText, text: text})
}

// CancelPlayback stops the reply that is playing, if any.
func (c *Controller) CancelPlayback(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdCancelPlayback})
}

// DeliverAlarm appends an alarm notice and plays the cue. It does not touch
// the session mode and may be called from any goroutine.
func (c *Controller) DeliverAlarm(ev alarm.Event) {
	c.appendMessage(transcript.Message{
		Role: transcript.RoleAssistant,
		Text: alarmText(ev.Message),
		At:   ev.DeliveredAt,
	})
	c.metrics.Alarms.Add(1)
	c.player.Cue(context.Background())
}

func (c *Controller) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdPressInput:
		switch c.Mode() {
		case ModeIdle, ModePlaying:
			return c.startRecording()
		case ModeRecording:
			c.stopRecording(autostop.ReasonManual)
			return nil
		default:
			return ErrBusy
		}
	case cmdStartRecording:
		return c.startRecording()
	case cmdStopRecording:
		c.stopRecording(autostop.ReasonManual)
		return nil
	case cmdSubmitText:
		return c.submitText(cmd.text)
	case cmdCancelPlayback:
		c.cancelPlayback()
		return nil
	default:
		return fmt.Errorf("unknown command %d", cmd.kind)
	}
}

func (c *Controller) handleEvent(ev event) {
	switch ev.kind {
	case evHardCap:
		if c.rec != nil && c.rec.seq == ev.seq {
			c.stopRecording(autostop.ReasonHardCap)
		}
	case evStreamEnded:
		if c.rec != nil && c.rec.seq == ev.seq && !c.rec.stopping {
			c.logger.Warn("capture stream ended unexpectedly", "utterance_id", c.rec.id)
			c.stopRecording(autostop.ReasonManual)
		}
	case evExchangeDone:
		c.finishExchange(ev.seq, ev.answer, ev.err)
	case evPlaybackDone:
		c.finishPlayback(ev.seq, ev.err)
	}
}

// setMode updates the mode, records the transition and notifies watchers.
func (c *Controller) setMode(next Mode) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	prev := Mode(c.mode.Swap(int32(next)))
	if prev == next {
		return
	}
	c.metrics.transition(prev, next)
	c.logger.Debug("session mode changed", "from", prev.String(), "to", next.String())
	c.publishLocked(Change{Kind: ChangeMode, Mode: next})
}

// post delivers an event to the run loop unless it has exited.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) teardown() {
	if c.rec != nil {
		r := c.rec
		c.rec = nil
		r.policy.Disarm()
		r.cancel()
		<-r.pumpDone
		r.recorder.Abort()
		if err := r.stream.Close(); err != nil {
			c.logger.Warn("failed to close capture stream", "error", err)
		}
	}
	if c.pending != nil {
		c.pending.cancel()
		c.pending = nil
	}
	if c.playing != nil {
		c.playing = nil
		c.player.Cancel()
	}
	c.setMode(ModeIdle)
}

type commandKind int

const (
	cmdPressInput commandKind = iota
	cmdStartRecording
	cmdStopRecording
	cmdSubmitText
	cmdCancelPlayback
)

type command struct {
	kind  commandKind
	text  string
	reply chan error
}

type eventKind int

const (
	evHardCap eventKind = iota
	evStreamEnded
	evExchangeDone
	evPlaybackDone
)

// event is a completion tagged with the sequence number of the recording,
// exchange or playback it belongs to.
type event struct {
	kind   eventKind
	seq    uint64
	answer *exchange.Answer
	err    error
}

type frameEvent struct {
	seq   uint64
	frame rtc.AudioFrame
}
