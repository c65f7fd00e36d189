// Package transcript holds the ordered message log shown to the user.
//
// Entries are addressed by index. A placeholder is appended optimistically
// and later replaced at the same index, never re-appended, because observers
// bind to the index they saw when the entry was created.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/fault"
)

// Role is the speaker of a message.
type Role int

const (
	RoleUser Role = iota + 1
	RoleAssistant
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "user":
		*r = RoleUser
	case "assistant":
		*r = RoleAssistant
	default:
		return fmt.Errorf("unknown role %q", s)
	}
	return nil
}

// Message is one transcript entry.
type Message struct {
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	Placeholder bool      `json:"placeholder"`
	At          time.Time `json:"at"`
}

// Op is the kind of change published to subscribers.
type Op string

const (
	OpAppend  Op = "append"
	OpReplace Op = "replace"
)

// Update describes one change to the log.
type Update struct {
	Op      Op      `json:"op"`
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// Log is safe for concurrent use.
type Log struct {
	logger *slog.Logger

	mu      sync.Mutex
	msgs    []Message
	subs    map[int]chan Update
	nextSub int
}

// New creates an empty log.
func New(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, subs: make(map[int]chan Update)}
}

// Append adds m and returns its index.
func (l *Log) Append(m Message) int {
	if m.At.IsZero() {
		m.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
	idx := len(l.msgs) - 1
	l.publishLocked(Update{Op: OpAppend, Index: idx, Message: m})
	return idx
}

// ReplaceAt overwrites the entry at index. An out-of-range index leaves the
// log untouched and returns a soft fault.KindStaleReplace error.
func (l *Log) ReplaceAt(index int, m Message) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.msgs) {
		err := fault.New(fault.KindStaleReplace, "transcript.replace",
			fmt.Errorf("index %d out of range [0,%d)", index, len(l.msgs)))
		l.logger.Debug("stale transcript replace", "index", index, "len", len(l.msgs))
		return err
	}
	l.msgs[index] = m
	l.publishLocked(Update{Op: OpReplace, Index: index, Message: m})
	return nil
}

// At returns the entry at index.
func (l *Log) At(index int) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.msgs) {
		return Message{}, false
	}
	return l.msgs[index], true
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Snapshot returns a copy of every entry.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.msgs...)
}

// Placeholders returns the indexes of entries still marked placeholder.
func (l *Log) Placeholders() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for i, m := range l.msgs {
		if m.Placeholder {
			out = append(out, i)
		}
	}
	return out
}

// Subscribe returns a channel of updates and a cancel func. Updates are
// dropped for a subscriber whose buffer is full.
func (l *Log) Subscribe(buffer int) (<-chan Update, func()) {
	ch := make(chan Update, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) publishLocked(u Update) {
	for id, ch := range l.subs {
		select {
		case ch <- u:
		default:
			l.logger.Warn("transcript subscriber lagging, update dropped", "subscriber", id, "index", u.Index)
		}
	}
}
