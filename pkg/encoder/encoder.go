// Package encoder accumulates captured frames into a container-tagged
// utterance payload. Chunks are emitted while recording so that memory use is
// bounded by the open chunk and an early stop keeps everything already heard.
package encoder

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Container is a transportable audio container.
type Container struct {
	MimeType string
	Ext      string
}

var (
	OggOpus  = Container{MimeType: "audio/ogg;codecs=opus", Ext: "ogg"}
	WebMOpus = Container{MimeType: "audio/webm;codecs=opus", Ext: "webm"}
	WAV      = Container{MimeType: "audio/wav", Ext: "wav"}
)

// Preference lists compressed containers in the order they are tried.
// WAV is the fallback when none is available.
var Preference = []Container{OggOpus, WebMOpus}

func (c Container) String() string {
	return c.MimeType
}

// IsZero reports whether c is unset.
func (c Container) IsZero() bool {
	return c.MimeType == ""
}

// Format is the PCM layout fed to a container writer.
type Format struct {
	SampleRate int
	Channels   int
}

// sink writes PCM into a container stream. Close writes any trailing
// partial block.
type sink interface {
	Write(samples []int16) error
	Close() error
}

// finalizer is implemented by sinks whose header is patched once the
// sealed payload length is known.
type finalizer interface {
	finalize(data []byte)
}

type sinkFactory func(w io.Writer, f Format) (sink, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]sinkFactory{}
)

func register(c Container, f sinkFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.MimeType] = f
}

func lookup(c Container) (sinkFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[c.MimeType]
	return f, ok
}

// Supported reports whether this build can write c.
func Supported(c Container) bool {
	_, ok := lookup(c)
	return ok
}

// Select returns the first supported container in Preference, else WAV.
func Select() Container {
	for _, c := range Preference {
		if Supported(c) {
			return c
		}
	}
	return WAV
}

// Parse resolves a mime type or extension ("ogg", "audio/wav") to a
// supported container.
func Parse(s string) (Container, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range []Container{OggOpus, WebMOpus, WAV} {
		if s == c.MimeType || s == c.Ext || strings.HasPrefix(c.MimeType, s+";") {
			if !Supported(c) {
				return Container{}, fmt.Errorf("container %s not supported by this build", c)
			}
			return c, nil
		}
	}
	return Container{}, fmt.Errorf("unknown container %q", s)
}
