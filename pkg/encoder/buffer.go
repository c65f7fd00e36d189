package encoder

import (
	"errors"
	"sync"
)

var (
	ErrSealed    = errors.New("utterance buffer is sealed")
	ErrNotSealed = errors.New("utterance buffer is not sealed")
	ErrConsumed  = errors.New("utterance buffer already consumed")
)

// Payload is a sealed utterance ready for upload.
type Payload struct {
	Data      []byte
	Container Container
}

// MimeType returns the container tag.
func (p *Payload) MimeType() string {
	return p.Container.MimeType
}

// FileName returns the multipart upload name, e.g. "voice.ogg".
func (p *Payload) FileName() string {
	return "voice." + p.Container.Ext
}

// Buffer is the append-only chunk sequence of one recording. It is sealed
// when recording stops and consumed exactly once.
type Buffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	sealed   bool
	consumed bool
}

// Append adds a chunk. Empty chunks are ignored.
func (b *Buffer) Append(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	if len(chunk) == 0 {
		return nil
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	return nil
}

// Seal makes the buffer immutable.
func (b *Buffer) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (b *Buffer) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Len returns the number of chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Size returns the total byte count.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Take concatenates the chunks in arrival order and releases them.
func (b *Buffer) Take(c Container) (*Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.sealed {
		return nil, ErrNotSealed
	}
	if b.consumed {
		return nil, ErrConsumed
	}
	data := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		data = append(data, chunk...)
	}
	b.chunks = nil
	b.consumed = true
	return &Payload{Data: data, Container: c}, nil
}
