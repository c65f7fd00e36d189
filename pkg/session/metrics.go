package session

import (
	"expvar"
	"fmt"

	"github.com/chriscow/voice-session-go/pkg/autostop"
)

// Metrics holds session counters. They are not published to the global
// expvar registry so several controllers can coexist.
type Metrics struct {
	// StateTransitions counts "<From>_to_<To>" mode changes.
	StateTransitions *expvar.Map
	// Stops counts "stop_<reason>" recording stops.
	Stops *expvar.Map

	Exchanges        *expvar.Int
	ExchangeFailures *expvar.Int
	DecodeFailures   *expvar.Int
	CaptureFailures  *expvar.Int
	Alarms           *expvar.Int
}

func newMetrics() *Metrics {
	transitions := &expvar.Map{}
	transitions.Init()
	stops := &expvar.Map{}
	stops.Init()
	return &Metrics{
		StateTransitions: transitions,
		Stops:            stops,
		Exchanges:        &expvar.Int{},
		ExchangeFailures: &expvar.Int{},
		DecodeFailures:   &expvar.Int{},
		CaptureFailures:  &expvar.Int{},
		Alarms:           &expvar.Int{},
	}
}

func (m *Metrics) transition(from, to Mode) {
	m.StateTransitions.Add(fmt.Sprintf("%s_to_%s", from, to), 1)
}

func (m *Metrics) stop(reason autostop.Reason) {
	m.Stops.Add("stop_"+reason.String(), 1)
}

// Count returns the value of key in a counter map, zero when absent.
func Count(m *expvar.Map, key string) int64 {
	if v, ok := m.Get(key).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}
