// Package uiserver exposes a running session to a browser UI over a
// WebSocket at /ws.
//
// Outbound frames:
//
//	{"type":"snapshot","data":{"mode":"Idle","messages":[...]}}
//	{"type":"message","data":{"op":"append","index":3,"message":{...}}}
//	{"type":"mode","data":{"mode":"Recording"}}
//	{"type":"error","data":{"message":"..."}}
//	{"type":"pong"}
//
// Inbound frames: press_input, submit_text {"text":"..."}, ping.
package uiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/voice-session-go/pkg/session"
	"github.com/chriscow/voice-session-go/pkg/transcript"
	"github.com/chriscow/voice-session-go/pkg/version"
)

const (
	writeTimeout = 10 * time.Second
	outboxSize   = 64
)

// Session is the part of the controller the UI drives.
type Session interface {
	Mode() session.Mode
	Watch(buffer int) (session.View, <-chan session.Change, func())
	PressInput(ctx context.Context) error
	SubmitText(ctx context.Context, text string) error
}

// Config configures a Server.
type Config struct {
	Session Session
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server serves the UI surface.
type Server struct {
	session  Session
	upgrader websocket.Upgrader
	metrics  http.Handler
	logger   *slog.Logger
	clients  atomic.Int64
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		session:  cfg.Session,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"mode":    s.session.Mode().String(),
			"clients": s.clients.Load(),
			"build":   version.Get(),
		})
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("ui server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ui server: %w", err)
		}
		return nil
	}
}

type frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type snapshot struct {
	Mode     string               `json:"mode"`
	Messages []transcript.Message `json:"messages"`
}

type modeData struct {
	Mode string `json:"mode"`
}

type errorData struct {
	Message string `json:"message"`
}

type submitData struct {
	Text string `json:"text"`
}

// ServeWS upgrades the request and serves one UI client until it
// disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	n := s.clients.Add(1)
	defer s.clients.Add(-1)
	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Info("ui client connected", "clients", n)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbox := make(chan frame, outboxSize)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close() // unblocks the reader
		defer cancel()
		s.writeLoop(ctx, conn, outbox, logger)
	}()

	s.readLoop(ctx, conn, outbox, logger)
	cancel()
	<-writerDone
	logger.Info("ui client disconnected")
}

// writeLoop sends a snapshot followed by every session change in order. If
// the client falls behind and its watch is cut off, it starts over with a
// fresh snapshot so index-bound views never drift.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan frame, logger *slog.Logger) {
	write := func(f frame) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(f); err != nil {
			logger.Debug("ui write failed", "type", f.Type, "error", err)
			return false
		}
		return true
	}

	for {
		view, changes, stop := s.session.Watch(outboxSize)
		resync := s.forward(ctx, view, changes, outbox, write)
		stop()
		if !resync {
			return
		}
		logger.Warn("ui client lagging, resending snapshot")
	}
}

// forward writes view and then changes until the watch ends. It reports
// true when the watch was cut off and the client should be resynced.
func (s *Server) forward(ctx context.Context, view session.View, changes <-chan session.Change,
	outbox <-chan frame, write func(frame) bool) bool {
	if !write(frame{Type: "snapshot", Data: snapshot{Mode: view.Mode.String(), Messages: view.Messages}}) {
		return false
	}
	for {
		var f frame
		select {
		case <-ctx.Done():
			return false
		case f = <-outbox:
		case ch, ok := <-changes:
			if !ok {
				return ctx.Err() == nil
			}
			if ch.Kind == session.ChangeMode {
				f = frame{Type: "mode", Data: modeData{Mode: ch.Mode.String()}}
			} else {
				f = frame{Type: "message", Data: ch.Message}
			}
		}
		if !write(f) {
			return false
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, outbox chan<- frame, logger *slog.Logger) {
	reply := func(f frame) {
		select {
		case outbox <- f:
		case <-ctx.Done():
		}
	}

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ui read ended", "error", err)
			}
			return
		}

		var err error
		switch msg.Type {
		case "ping":
			reply(frame{Type: "pong"})
		case "press_input":
			err = s.session.PressInput(ctx)
		case "submit_text":
			var d submitData
			if err = json.Unmarshal(msg.Data, &d); err == nil {
				err = s.session.SubmitText(ctx, d.Text)
			}
		default:
			err = fmt.Errorf("unknown message type %q", msg.Type)
		}

		if err != nil {
			if errors.Is(err, session.ErrClosed) {
				return
			}
			logger.Debug("ui command rejected", "type", msg.Type, "error", err)
			reply(frame{Type: "error", Data: errorData{Message: err.Error()}})
		}
	}
}
