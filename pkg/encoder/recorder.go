package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// DefaultTimeslice is how much audio goes into one chunk.
const DefaultTimeslice = 250 * time.Millisecond

// ErrStopped is returned by operations on a stopped recorder.
var ErrStopped = errors.New("recorder stopped")

// Chunk is one emitted piece of the container stream.
type Chunk struct {
	Index int
	Data  []byte
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Format    Format
	Timeslice time.Duration

	// Container overrides preference-based selection.
	Container Container

	// OnChunk observes every chunk as it is appended.
	OnChunk func(Chunk)

	Logger *slog.Logger
}

// Recorder turns frames into container chunks for one recording.
type Recorder struct {
	cfg       RecorderConfig
	container Container
	logger    *slog.Logger

	mu      sync.Mutex
	sink    sink
	pending bytes.Buffer
	buf     Buffer
	since   time.Duration
	chunks  int
	stopped bool
}

// NewRecorder selects the container once and writes its header.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, fmt.Errorf("invalid format %+v", cfg.Format)
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = DefaultTimeslice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Recorder{cfg: cfg, logger: cfg.Logger}

	c := cfg.Container
	if c.IsZero() {
		c = Select()
	}
	s, err := r.newSink(c)
	if err != nil && c != WAV {
		r.logger.Warn("container unavailable, falling back", "container", c.MimeType, "error", err)
		c = WAV
		r.pending.Reset()
		s, err = r.newSink(c)
	}
	if err != nil {
		return nil, err
	}
	r.container = c
	r.sink = s
	return r, nil
}

func (r *Recorder) newSink(c Container) (sink, error) {
	factory, ok := lookup(c)
	if !ok {
		return nil, fmt.Errorf("container %s not supported", c)
	}
	return factory(&r.pending, r.cfg.Format)
}

// Container returns the container chosen for this recording.
func (r *Recorder) Container() Container {
	return r.container
}

// Write encodes frame and emits a chunk once a timeslice has accumulated.
func (r *Recorder) Write(frame rtc.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if err := r.sink.Write(frame.Samples); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	r.since += frame.Duration()
	if r.since >= r.cfg.Timeslice {
		return r.emitLocked()
	}
	return nil
}

// RequestData emits whatever has been encoded since the last chunk.
func (r *Recorder) RequestData() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	return r.emitLocked()
}

// Stop finalizes the container, flushes the last partial chunk and seals
// the buffer. The payload is the chunks concatenated in order; for WAV the
// header's size fields are then filled in, which are the only bytes that
// differ from the emitted chunks. The payload is returned once; later calls
// fail with ErrStopped.
func (r *Recorder) Stop() (*Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrStopped
	}
	r.stopped = true

	closeErr := r.sink.Close()
	if err := r.emitLocked(); err != nil {
		return nil, err
	}
	r.buf.Seal()
	if closeErr != nil {
		return nil, fmt.Errorf("finalize %s: %w", r.container, closeErr)
	}

	r.logger.Debug("utterance sealed",
		"container", r.container.MimeType,
		"chunks", r.buf.Len(),
		"bytes", r.buf.Size())
	p, err := r.buf.Take(r.container)
	if err != nil {
		return nil, err
	}
	if f, ok := r.sink.(finalizer); ok {
		f.finalize(p.Data)
	}
	return p, nil
}

// Abort discards the recording.
func (r *Recorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.sink.Close()
	r.pending.Reset()
	r.buf.Seal()
}

func (r *Recorder) emitLocked() error {
	r.since = 0
	if r.pending.Len() == 0 {
		return nil
	}
	data := bytes.Clone(r.pending.Bytes())
	r.pending.Reset()
	if err := r.buf.Append(data); err != nil {
		return err
	}
	if r.cfg.OnChunk != nil {
		r.cfg.OnChunk(Chunk{Index: r.chunks, Data: data})
	}
	r.chunks++
	return nil
}
