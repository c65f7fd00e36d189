// Package fake provides a scripted exchanger for tests and offline runs.
package fake

import (
	"context"
	"sync"

	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/exchange"
)

// Result is one scripted exchange outcome.
type Result struct {
	Answer *exchange.Answer
	Err    error
}

// Exchanger replays Results in order, repeating the last one. Each call may
// be held until Release when Hold is set, which lets tests observe the
// Awaiting state.
type Exchanger struct {
	mu      sync.Mutex
	results []Result
	next    int
	asks    []exchange.TextRequest
	voices  []*encoder.Payload
	hold    chan struct{}
	started chan struct{}

	alarms []*exchange.Alarm
	polls  int
}

// NewExchanger returns an exchanger that answers with results in order.
func NewExchanger(results ...Result) *Exchanger {
	if len(results) == 0 {
		results = []Result{{Answer: &exchange.Answer{Text: "This is a fake answer"}}}
	}
	return &Exchanger{results: results, started: make(chan struct{}, 64)}
}

// Hold makes subsequent calls block until Release.
func (e *Exchanger) Hold() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hold == nil {
		e.hold = make(chan struct{})
	}
}

// Release unblocks held calls.
func (e *Exchanger) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hold != nil {
		close(e.hold)
		e.hold = nil
	}
}

// Started receives one value per call as it begins.
func (e *Exchanger) Started() <-chan struct{} {
	return e.started
}

// Ask implements exchange.Exchanger.
func (e *Exchanger) Ask(ctx context.Context, req exchange.TextRequest) (*exchange.Answer, error) {
	e.mu.Lock()
	e.asks = append(e.asks, req)
	e.mu.Unlock()
	return e.respond(ctx)
}

// Voice implements exchange.Exchanger.
func (e *Exchanger) Voice(ctx context.Context, utterance *encoder.Payload) (*exchange.Answer, error) {
	e.mu.Lock()
	e.voices = append(e.voices, utterance)
	e.mu.Unlock()
	return e.respond(ctx)
}

func (e *Exchanger) respond(ctx context.Context) (*exchange.Answer, error) {
	select {
	case e.started <- struct{}{}:
	default:
	}

	e.mu.Lock()
	hold := e.hold
	r := e.results[min(e.next, len(e.results)-1)]
	e.next++
	e.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, exchange.NetworkError("fake.exchange", ctx.Err())
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	ans := *r.Answer
	return &ans, nil
}

// Asks returns the text requests received.
func (e *Exchanger) Asks() []exchange.TextRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]exchange.TextRequest(nil), e.asks...)
}

// Voices returns the utterances received.
func (e *Exchanger) Voices() []*encoder.Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*encoder.Payload(nil), e.voices...)
}

// QueueAlarm makes the next PollAlarm return a pending alarm.
func (e *Exchanger) QueueAlarm(message string) {
	e.mu.Lock()
	e.alarms = append(e.alarms, &exchange.Alarm{Message: message})
	e.mu.Unlock()
}

// PollAlarm implements exchange.AlarmSource.
func (e *Exchanger) PollAlarm(ctx context.Context, sessionID string) (*exchange.Alarm, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls++
	if len(e.alarms) == 0 {
		return nil, nil
	}
	a := e.alarms[0]
	e.alarms = e.alarms[1:]
	return a, nil
}

// Polls returns how many alarm polls were made.
func (e *Exchanger) Polls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polls
}
