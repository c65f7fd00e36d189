package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/voice-session-go/pkg/config"
	"github.com/chriscow/voice-session-go/pkg/session"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunSessionWithFakes(t *testing.T) {
	is := is.New(t)

	cfg := config.Default()
	cfg.Exchange.Backend = "fake"
	cfg.Alarm.Enabled = false

	stdin := strings.NewReader("엔진 경고등\n")
	var stdout syncBuffer

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runSession(ctx, cfg, true, stdin, &stdout, nil) }()

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(stdout.String(), "This is a fake answer") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("no answer printed, got:\n%s", stdout.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errc:
		is.NoErr(err)
	case <-time.After(3 * time.Second):
		t.Fatal("runSession did not return")
	}

	out := stdout.String()
	is.True(strings.Contains(out, session.Greeting))
	is.True(strings.Contains(out, "user:     엔진 경고등"))
}

func TestRunSessionUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Exchange.Backend = "carrier-pigeon"
	if err := runSession(context.Background(), cfg, true, nil, &syncBuffer{}, nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}
