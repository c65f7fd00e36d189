package session

import (
	"sync"

	"github.com/chriscow/voice-session-go/pkg/transcript"
)

// ChangeKind tells which field of a Change is set.
type ChangeKind int

const (
	ChangeMessage ChangeKind = iota
	ChangeMode
)

// Change is one observable step of the session. Transcript updates and mode
// changes share one stream, in the order they happened.
type Change struct {
	Kind    ChangeKind
	Message transcript.Update
	Mode    Mode
}

// View is the session state a watcher starts from.
type View struct {
	Mode     Mode
	Messages []transcript.Message
}

type watcher struct {
	ch   chan Change
	once sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.ch) })
}

// Watch returns the current view and the changes that follow it. No change
// is missed or repeated between the two. A watcher whose buffer fills up is
// cut off: its channel is closed and it must Watch again for a fresh view.
// The returned func stops watching.
func (c *Controller) Watch(buffer int) (View, <-chan Change, func()) {
	w := &watcher{ch: make(chan Change, buffer)}

	c.subMu.Lock()
	view := View{Mode: c.Mode(), Messages: c.log.Snapshot()}
	id := c.nextSub
	c.nextSub++
	c.watchers[id] = w
	c.subMu.Unlock()

	return view, w.ch, func() {
		c.subMu.Lock()
		delete(c.watchers, id)
		c.subMu.Unlock()
		w.close()
	}
}

func (c *Controller) publishLocked(ch Change) {
	for id, w := range c.watchers {
		select {
		case w.ch <- ch:
		default:
			c.logger.Warn("session watcher lagging, cut off", "watcher", id)
			delete(c.watchers, id)
			w.close()
		}
	}
}

// appendMessage adds m to the transcript and publishes it to watchers.
func (c *Controller) appendMessage(m transcript.Message) int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	i := c.log.Append(m)
	stored, _ := c.log.At(i)
	c.publishLocked(Change{Kind: ChangeMessage, Message: transcript.Update{Op: transcript.OpAppend, Index: i, Message: stored}})
	return i
}

// replace overwrites a placeholder. A stale index is logged and skipped.
func (c *Controller) replace(index int, m transcript.Message) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if err := c.log.ReplaceAt(index, m); err != nil {
		c.logger.Debug("placeholder replace skipped", "index", index, "error", err)
		return
	}
	stored, _ := c.log.At(index)
	c.publishLocked(Change{Kind: ChangeMessage, Message: transcript.Update{Op: transcript.OpReplace, Index: index, Message: stored}})
}
