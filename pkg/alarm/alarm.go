// Package alarm polls the answer service for pending alarms and delivers
// them out of band, independent of the session mode.
package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/voice-session-go/pkg/exchange"
	"github.com/chriscow/voice-session-go/pkg/fault"
)

// DefaultInterval is the poll period.
const DefaultInterval = 5 * time.Second

// Event is a delivered alarm.
type Event struct {
	Message     string
	DeliveredAt time.Time
}

// Config configures a Poller.
type Config struct {
	Source    exchange.AlarmSource
	SessionID string // generated when empty
	Interval  time.Duration
	Retry     fault.RetryConfig
	OnAlarm   func(Event)
	Logger    *slog.Logger
}

// Poller polls at a fixed interval and backs off while the source fails.
type Poller struct {
	source    exchange.AlarmSource
	sessionID string
	interval  time.Duration
	retry     fault.RetryConfig
	onAlarm   func(Event)
	logger    *slog.Logger

	mu       sync.RWMutex
	failures int
}

// New creates a poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("alarm source is required")
	}
	if cfg.OnAlarm == nil {
		return nil, fmt.Errorf("alarm handler is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retry == (fault.RetryConfig{}) {
		cfg.Retry = fault.DefaultRetryConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		source:    cfg.Source,
		sessionID: cfg.SessionID,
		interval:  cfg.Interval,
		retry:     cfg.Retry,
		onAlarm:   cfg.OnAlarm,
		logger:    cfg.Logger,
	}, nil
}

// SessionID identifies this client to the alarm endpoint.
func (p *Poller) SessionID() string {
	return p.sessionID
}

// Failures returns the number of consecutive failed polls.
func (p *Poller) Failures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures
}

// Run polls until ctx is cancelled. Poll failures are logged and retried;
// they never end the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("alarm poller started", "session", p.sessionID, "interval", p.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("alarm poller stopped")
			return nil
		case <-timer.C:
		}

		timer.Reset(p.poll(ctx))
	}
}

// poll runs one request and returns the delay before the next.
func (p *Poller) poll(ctx context.Context) time.Duration {
	pollCtx, cancel := context.WithTimeout(ctx, max(p.interval, p.retry.MaxDelay))
	defer cancel()

	alarm, err := p.source.PollAlarm(pollCtx, p.sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return p.interval
		}
		p.mu.Lock()
		p.failures++
		attempt := p.failures
		p.mu.Unlock()

		delay := max(p.interval, p.retry.Delay(attempt))
		p.logger.Warn("alarm poll failed",
			"attempt", attempt,
			"delay", delay,
			"error", err)
		return delay
	}

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()

	if alarm != nil {
		p.logger.Info("alarm received", "message", alarm.Message)
		p.onAlarm(Event{Message: alarm.Message, DeliveredAt: time.Now()})
	}
	return p.interval
}
