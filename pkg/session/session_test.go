package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/spf13/afero"

	"github.com/chriscow/voice-session-go/pkg/alarm"
	"github.com/chriscow/voice-session-go/pkg/archive"
	"github.com/chriscow/voice-session-go/pkg/audio/wav"
	capfake "github.com/chriscow/voice-session-go/pkg/capture/fake"
	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/exchange"
	exchfake "github.com/chriscow/voice-session-go/pkg/exchange/fake"
	"github.com/chriscow/voice-session-go/pkg/fault"
	"github.com/chriscow/voice-session-go/pkg/playback"
	playfake "github.com/chriscow/voice-session-go/pkg/playback/fake"
	"github.com/chriscow/voice-session-go/pkg/session"
	"github.com/chriscow/voice-session-go/pkg/transcript"
	"github.com/chriscow/voice-session-go/pkg/vad"
)

type harness struct {
	ctrl   *session.Controller
	dev    *capfake.Device
	out    *playfake.Output
	exch   *exchfake.Exchanger
	cancel context.CancelFunc
	errc   chan error
}

func newHarness(t *testing.T, exch *exchfake.Exchanger, opts ...func(*session.Config)) *harness {
	t.Helper()

	h := &harness{
		dev:  capfake.NewDevice(),
		out:  playfake.NewOutput(),
		exch: exch,
		errc: make(chan error, 1),
	}
	player, err := playback.New(playback.Config{Output: h.out})
	if err != nil {
		t.Fatalf("playback.New() error = %v", err)
	}

	cfg := session.Config{
		Capture:      h.dev,
		Exchanger:    exch,
		Player:       player,
		Container:    encoder.WAV,
		SkipGreeting: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.ctrl, err = session.New(cfg)
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.ctrl.Run(ctx) }()

	t.Cleanup(func() {
		h.exch.Release()
		h.out.Finish()
		cancel()
		select {
		case <-h.errc:
		case <-time.After(2 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

func (h *harness) waitMode(t *testing.T, want session.Mode) {
	t.Helper()
	waitFor(t, func() bool { return h.ctrl.Mode() == want }, "mode "+want.String())
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitStarted(t *testing.T, exch *exchfake.Exchanger) {
	t.Helper()
	select {
	case <-exch.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("exchange never started")
	}
}

func answer(text string) exchfake.Result {
	return exchfake.Result{Answer: &exchange.Answer{Text: text}}
}

func spokenAnswer(text string) exchfake.Result {
	return exchfake.Result{Answer: &exchange.Answer{
		Text:      text,
		Audio:     wav.Encode(make([]int16, 24000), 24000, 1),
		AudioMime: wav.MimeType,
	}}
}

func TestNew(t *testing.T) {
	player, err := playback.New(playback.Config{Output: playfake.NewOutput()})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		config      session.Config
		expectError bool
	}{
		{
			name:   "valid config",
			config: session.Config{Capture: capfake.NewDevice(), Exchanger: exchfake.NewExchanger(), Player: player},
		},
		{
			name:        "missing capture",
			config:      session.Config{Exchanger: exchfake.NewExchanger(), Player: player},
			expectError: true,
		},
		{
			name:        "missing exchanger",
			config:      session.Config{Capture: capfake.NewDevice(), Player: player},
			expectError: true,
		},
		{
			name:        "missing player",
			config:      session.Config{Capture: capfake.NewDevice(), Exchanger: exchfake.NewExchanger()},
			expectError: true,
		},
		{
			name: "invalid threshold",
			config: session.Config{
				Capture: capfake.NewDevice(), Exchanger: exchfake.NewExchanger(), Player: player,
				VAD: vad.Config{ThresholdRMS: 2, SilenceBudget: time.Second},
			},
			expectError: true,
		},
		{
			name: "negative max record",
			config: session.Config{
				Capture: capfake.NewDevice(), Exchanger: exchfake.NewExchanger(), Player: player,
				MaxRecord: -time.Second,
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, err := session.New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ctrl.Mode() != session.ModeIdle {
				t.Errorf("initial mode = %v, want Idle", ctrl.Mode())
			}
		})
	}
}

func TestModeString(t *testing.T) {
	tests := []struct {
		mode session.Mode
		want string
	}{
		{session.ModeIdle, "Idle"},
		{session.ModeRecording, "Recording"},
		{session.ModeAwaiting, "Awaiting"},
		{session.ModePlaying, "Playing"},
		{session.Mode(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", int(tt.mode), got, tt.want)
		}
	}
}

func TestGreeting(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger(), func(c *session.Config) { c.SkipGreeting = false })

	msgs := h.ctrl.Transcript().Snapshot()
	is.Equal(len(msgs), 1)
	is.Equal(msgs[0].Role, transcript.RoleAssistant)
	is.Equal(msgs[0].Text, session.Greeting)
}

func TestSubmitTextReplacesPlaceholderInPlace(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger(answer("정비소 방문을 권장합니다"))
	exch.Hold()
	h := newHarness(t, exch, func(c *session.Config) { c.Context = "차량 상태" })
	ctx := context.Background()

	is.NoErr(h.ctrl.SubmitText(ctx, "  엔진 경고등 "))

	is.Equal(h.ctrl.Mode(), session.ModeAwaiting)
	msgs := h.ctrl.Transcript().Snapshot()
	is.Equal(len(msgs), 2)
	is.Equal(msgs[0], transcript.Message{Role: transcript.RoleUser, Text: "엔진 경고등", At: msgs[0].At})
	is.Equal(msgs[1].Role, transcript.RoleAssistant)
	is.Equal(msgs[1].Text, session.ReplyPlaceholder)
	is.True(msgs[1].Placeholder)

	exch.Release()
	h.waitMode(t, session.ModeIdle)

	msgs = h.ctrl.Transcript().Snapshot()
	is.Equal(len(msgs), 2) // replaced in place, nothing appended
	is.Equal(msgs[1].Text, "정비소 방문을 권장합니다")
	is.True(!msgs[1].Placeholder)

	asks := exch.Asks()
	is.Equal(len(asks), 1)
	is.Equal(asks[0], exchange.TextRequest{Question: "엔진 경고등", Context: "차량 상태"})

	m := h.ctrl.Metrics()
	is.Equal(session.Count(m.StateTransitions, "Idle_to_Awaiting"), int64(1))
	is.Equal(session.Count(m.StateTransitions, "Awaiting_to_Idle"), int64(1))
}

func TestSubmitTextIgnoresBlank(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger())

	is.NoErr(h.ctrl.SubmitText(context.Background(), "   \n\t"))
	is.Equal(h.ctrl.Transcript().Len(), 0)
	is.Equal(h.ctrl.Mode(), session.ModeIdle)
	is.Equal(len(h.exch.Asks()), 0)
}

func TestEmptyAnswer(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger(answer("  ")))

	is.NoErr(h.ctrl.SubmitText(context.Background(), "안녕"))
	h.waitMode(t, session.ModeIdle)

	waitFor(t, func() bool { return len(h.ctrl.Transcript().Placeholders()) == 0 }, "placeholder replaced")
	msg, ok := h.ctrl.Transcript().At(1)
	is.True(ok)
	is.Equal(msg.Text, session.EmptyAnswer)
}

func TestBusyGuards(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch)
	ctx := context.Background()

	is.NoErr(h.ctrl.SubmitText(ctx, "first"))
	is.Equal(h.ctrl.Mode(), session.ModeAwaiting)

	is.True(errors.Is(h.ctrl.SubmitText(ctx, "second"), session.ErrBusy))
	is.True(errors.Is(h.ctrl.PressInput(ctx), session.ErrBusy))
	is.True(errors.Is(h.ctrl.StartRecording(ctx), session.ErrBusy))
	is.Equal(h.dev.Opens(), 0)
	is.Equal(h.ctrl.Transcript().Len(), 2)

	exch.Release()
	h.waitMode(t, session.ModeIdle)

	is.NoErr(h.ctrl.StartRecording(ctx))
	is.True(errors.Is(h.ctrl.SubmitText(ctx, "while recording"), session.ErrBusy))
	is.True(errors.Is(h.ctrl.StartRecording(ctx), session.ErrBusy))
	is.Equal(h.dev.Opens(), 1)
}

func TestSilenceAutoStop(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger(exchfake.Result{Answer: &exchange.Answer{Transcript: "창문 닫아줘", Text: "닫았습니다"}})
	exch.Hold()
	h := newHarness(t, exch, func(c *session.Config) {
		c.VAD = vad.Config{ThresholdRMS: 0.015, SilenceBudget: 1200 * time.Millisecond}
	})
	ctx := context.Background()

	is.NoErr(h.ctrl.StartRecording(ctx))
	is.Equal(h.ctrl.Mode(), session.ModeRecording)

	stream := h.dev.Last()
	is.Equal(stream.PushSilence(1300*time.Millisecond), 65)

	h.waitMode(t, session.ModeAwaiting)
	waitStarted(t, exch)

	m := h.ctrl.Metrics()
	is.Equal(session.Count(m.Stops, "stop_silence"), int64(1))
	is.Equal(session.Count(m.Stops, "stop_hard_cap"), int64(0))
	is.Equal(session.Count(m.StateTransitions, "Recording_to_Awaiting"), int64(1))
	is.Equal(h.dev.Closes(), 1)
	is.True(stream.Closed())

	voices := exch.Voices()
	is.Equal(len(voices), 1)
	is.Equal(voices[0].Container, encoder.WAV)
	is.Equal(voices[0].FileName(), "voice.wav")

	pcm, err := wav.Decode(voices[0].Data)
	is.NoErr(err)
	is.True(pcm.Duration() >= 1220*time.Millisecond) // every frame up to the deadline
	is.True(pcm.Duration() <= 1300*time.Millisecond)

	exch.Release()
	h.waitMode(t, session.ModeIdle)

	msgs := h.ctrl.Transcript().Snapshot()
	is.Equal(len(msgs), 2)
	is.Equal(msgs[0].Text, "📝 인식: 창문 닫아줘")
	is.Equal(msgs[1].Text, "닫았습니다")
}

func TestSilenceBudgetNotExceeded(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger())

	is.NoErr(h.ctrl.StartRecording(context.Background()))
	stream := h.dev.Last()
	stream.PushVoice(400*time.Millisecond, 0.4)
	stream.PushSilence(1100 * time.Millisecond)
	stream.PushVoice(200*time.Millisecond, 0.4)
	stream.PushSilence(1000 * time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	is.Equal(h.ctrl.Mode(), session.ModeRecording)
	is.Equal(session.Count(h.ctrl.Metrics().Stops, "stop_silence"), int64(0))

	stream.PushSilence(300 * time.Millisecond)
	h.waitMode(t, session.ModeAwaiting)
	is.Equal(session.Count(h.ctrl.Metrics().Stops, "stop_silence"), int64(1))
}

func TestHardCapUnderContinuousVoice(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch, func(c *session.Config) { c.MaxRecord = 300 * time.Millisecond })

	is.NoErr(h.ctrl.StartRecording(context.Background()))
	h.dev.Last().PushVoice(time.Second, 0.5)

	h.waitMode(t, session.ModeAwaiting)

	m := h.ctrl.Metrics()
	is.Equal(session.Count(m.Stops, "stop_hard_cap"), int64(1))
	is.Equal(session.Count(m.Stops, "stop_silence"), int64(0))
	is.Equal(h.dev.Closes(), 1)
}

func TestHardCapTimerWithoutFrames(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch, func(c *session.Config) { c.MaxRecord = 50 * time.Millisecond })

	is.NoErr(h.ctrl.StartRecording(context.Background()))
	h.waitMode(t, session.ModeAwaiting)

	is.Equal(session.Count(h.ctrl.Metrics().Stops, "stop_hard_cap"), int64(1))
	is.Equal(h.dev.Closes(), 1)
}

func TestDoubleStopTearsDownOnce(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch)
	ctx := context.Background()

	is.NoErr(h.ctrl.StartRecording(ctx))
	h.dev.Last().PushVoice(200*time.Millisecond, 0.4)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.ctrl.StopRecording(ctx); err != nil {
				t.Errorf("StopRecording() error = %v", err)
			}
		}()
	}
	wg.Wait()
	waitStarted(t, exch)

	m := h.ctrl.Metrics()
	is.Equal(h.dev.Closes(), 1)
	is.Equal(session.Count(m.StateTransitions, "Recording_to_Awaiting"), int64(1))
	is.Equal(session.Count(m.Stops, "stop_manual"), int64(1))
	is.Equal(len(exch.Voices()), 1)
	is.Equal(len(exch.Voices()[0].Data), 44+10*640) // every pushed frame
	is.Equal(h.ctrl.Transcript().Len(), 2)          // one voice entry, one reply placeholder
}

func TestManualStopRacingSilence(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch)
	ctx := context.Background()

	is.NoErr(h.ctrl.StartRecording(ctx))
	h.dev.Last().PushSilence(1300 * time.Millisecond)
	is.NoErr(h.ctrl.StopRecording(ctx))
	is.NoErr(h.ctrl.StopRecording(ctx))

	h.waitMode(t, session.ModeAwaiting)
	waitStarted(t, exch)

	m := h.ctrl.Metrics()
	stops := session.Count(m.Stops, "stop_manual") + session.Count(m.Stops, "stop_silence")
	is.Equal(stops, int64(1))
	is.Equal(h.dev.Closes(), 1)
	is.Equal(session.Count(m.StateTransitions, "Recording_to_Awaiting"), int64(1))
	is.Equal(len(exch.Voices()), 1)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger())

	is.NoErr(h.ctrl.StopRecording(context.Background()))
	is.Equal(h.ctrl.Mode(), session.ModeIdle)
	is.Equal(h.dev.Closes(), 0)
}

func TestPressInputDispatch(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger())
	ctx := context.Background()

	is.NoErr(h.ctrl.PressInput(ctx))
	is.Equal(h.ctrl.Mode(), session.ModeRecording)

	is.Equal(h.dev.Last().PushVoice(300*time.Millisecond, 0.4), 15)
	is.NoErr(h.ctrl.PressInput(ctx))
	waitFor(t, func() bool { return len(h.exch.Voices()) == 1 }, "voice exchange")
	h.waitMode(t, session.ModeIdle)

	is.Equal(session.Count(h.ctrl.Metrics().Stops, "stop_manual"), int64(1))
	is.Equal(len(h.exch.Voices()[0].Data), 44+15*640)
}

// Frames the device captured before the stop reach the payload even when the
// run loop has not seen them yet.
func TestStopKeepsCapturedFrames(t *testing.T) {
	tests := []struct {
		name   string
		frames int
	}{
		{"short utterance", 15},
		{"long utterance", 1500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			exch := exchfake.NewExchanger()
			exch.Hold()
			h := newHarness(t, exch, func(c *session.Config) { c.MaxRecord = time.Minute })
			ctx := context.Background()

			is.NoErr(h.ctrl.StartRecording(ctx))
			stream := h.dev.Last()

			var want []int16
			for i := 0; i < tt.frames; i++ {
				frame := make([]int16, 320)
				for j := range frame {
					frame[j] = int16(8000 + (i%100)*10 + j%7)
				}
				is.True(stream.Push(frame))
				want = append(want, frame...)
			}
			is.NoErr(h.ctrl.StopRecording(ctx))
			waitStarted(t, exch)

			voices := exch.Voices()
			is.Equal(len(voices), 1)
			is.Equal(len(voices[0].Data), 44+len(want)*2)
			is.Equal(voices[0].Data, wav.Encode(want, 16000, 1)) // in order, sizes final
			is.Equal(session.Count(h.ctrl.Metrics().Stops, "stop_manual"), int64(1))
		})
	}
}

// The hard cap bounds the payload too: frames captured past it are dropped.
func TestStopDropsFramesPastHardCap(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch, func(c *session.Config) { c.MaxRecord = time.Second })
	ctx := context.Background()

	is.NoErr(h.ctrl.StartRecording(ctx))
	is.Equal(h.dev.Last().PushVoice(2*time.Second, 0.4), 100)
	waitStarted(t, exch)

	pcm, err := wav.Decode(exch.Voices()[0].Data)
	is.NoErr(err)
	is.Equal(pcm.Duration(), time.Second)
	is.Equal(session.Count(h.ctrl.Metrics().Stops, "stop_hard_cap"), int64(1))
}

func TestPlaceholdersReplacedExactlyOnce(t *testing.T) {
	tests := []struct {
		name      string
		voice     bool
		result    exchfake.Result
		wantUser  string
		wantReply string
	}{
		{
			name:      "voice success",
			voice:     true,
			result:    exchfake.Result{Answer: &exchange.Answer{Transcript: "불 꺼줘", Text: "껐습니다"}},
			wantUser:  "📝 인식: 불 꺼줘",
			wantReply: "껐습니다",
		},
		{
			name:      "voice success without transcript",
			voice:     true,
			result:    answer("네"),
			wantUser:  session.VoicePlaceholder,
			wantReply: "네",
		},
		{
			name:      "voice failure",
			voice:     true,
			result:    exchfake.Result{Err: fault.New(fault.KindBadStatus, "exchange.voice", errors.New("HTTP 502"))},
			wantUser:  session.VoicePlaceholder,
			wantReply: "음성 전송 실패: exchange.voice: bad status: HTTP 502",
		},
		{
			name:      "text success",
			result:    answer("맑음"),
			wantUser:  "날씨",
			wantReply: "맑음",
		},
		{
			name:      "text failure",
			result:    exchfake.Result{Err: errors.New("connection refused")},
			wantUser:  "날씨",
			wantReply: "서버 연결 실패: exchange.ask: network failure: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			h := newHarness(t, exchfake.NewExchanger(tt.result))
			ctx := context.Background()

			updates, cancel := h.ctrl.Transcript().Subscribe(64)
			defer cancel()

			if tt.voice {
				is.NoErr(h.ctrl.StartRecording(ctx))
				h.dev.Last().PushVoice(200*time.Millisecond, 0.4)
				is.NoErr(h.ctrl.StopRecording(ctx))
			} else {
				is.NoErr(h.ctrl.SubmitText(ctx, "날씨"))
			}
			waitFor(t, func() bool {
				return h.ctrl.Mode() == session.ModeIdle && len(h.ctrl.Transcript().Placeholders()) == 0
			}, "exchange settled")

			replaced := map[int]int{}
			for done := false; !done; {
				select {
				case u := <-updates:
					if u.Op == transcript.OpReplace {
						replaced[u.Index]++
					}
				default:
					done = true
				}
			}

			msgs := h.ctrl.Transcript().Snapshot()
			is.Equal(len(msgs), 2)
			is.Equal(msgs[0].Text, tt.wantUser)
			is.Equal(msgs[1].Text, tt.wantReply)
			is.True(!msgs[0].Placeholder)
			is.True(!msgs[1].Placeholder)

			is.Equal(replaced[1], 1)
			if tt.voice {
				is.Equal(replaced[0], 1)
			} else {
				is.Equal(replaced[0], 0)
			}
		})
	}
}

func TestExchangeTimeout(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch, func(c *session.Config) { c.ExchangeTimeout = 50 * time.Millisecond })

	is.NoErr(h.ctrl.SubmitText(context.Background(), "느린 질문"))
	h.waitMode(t, session.ModeIdle)

	msg, ok := h.ctrl.Transcript().At(1)
	is.True(ok)
	is.True(strings.HasPrefix(msg.Text, "서버 연결 실패: "))
	is.True(strings.Contains(msg.Text, "deadline exceeded"))
	is.Equal(h.ctrl.Metrics().ExchangeFailures.Value(), int64(1))
}

func TestSpokenAnswerPlaysThenIdles(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger(spokenAnswer("재생합니다")))

	is.NoErr(h.ctrl.SubmitText(context.Background(), "들려줘"))
	h.waitMode(t, session.ModePlaying)

	msg, _ := h.ctrl.Transcript().At(1)
	is.Equal(msg.Text, "재생합니다") // replaced before Playing

	waitFor(t, func() bool { return h.out.Active() == 1 }, "output busy")
	h.out.Finish()
	h.waitMode(t, session.ModeIdle)

	plays := h.out.Plays()
	is.Equal(len(plays), 1)
	is.True(!plays[0].Cancelled)
	is.Equal(session.Count(h.ctrl.Metrics().StateTransitions, "Awaiting_to_Playing"), int64(1))
	is.Equal(session.Count(h.ctrl.Metrics().StateTransitions, "Playing_to_Idle"), int64(1))
}

func TestBargeInCancelsPlaybackBeforeOpen(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger(spokenAnswer("긴 답변")))

	var mu sync.Mutex
	var order []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	h.out.OnCancel = record("cancel playback")
	h.dev.OnOpen = record("open capture")

	ctx := context.Background()
	is.NoErr(h.ctrl.SubmitText(ctx, "설명해줘"))
	h.waitMode(t, session.ModePlaying)

	is.NoErr(h.ctrl.PressInput(ctx))
	is.Equal(h.ctrl.Mode(), session.ModeRecording)

	mu.Lock()
	is.Equal(order, []string{"cancel playback", "open capture"})
	mu.Unlock()

	plays := h.out.Plays()
	is.Equal(len(plays), 1)
	is.True(plays[0].Cancelled)
	is.Equal(h.out.Active(), 0)

	m := h.ctrl.Metrics()
	is.Equal(session.Count(m.StateTransitions, "Playing_to_Idle"), int64(1))
	is.Equal(session.Count(m.StateTransitions, "Idle_to_Recording"), int64(1))
}

func TestCancelPlayback(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger(spokenAnswer("답")))
	ctx := context.Background()

	is.NoErr(h.ctrl.SubmitText(ctx, "질문"))
	h.waitMode(t, session.ModePlaying)

	is.NoErr(h.ctrl.CancelPlayback(ctx))
	is.Equal(h.ctrl.Mode(), session.ModeIdle)
	is.Equal(h.out.Active(), 0)

	is.NoErr(h.ctrl.CancelPlayback(ctx)) // nothing playing
}

func TestDecodeFailureKeepsText(t *testing.T) {
	is := is.New(t)
	bad := exchfake.Result{Answer: &exchange.Answer{
		Text:      "텍스트는 남습니다",
		Audio:     []byte("definitely not audio"),
		AudioMime: "audio/wav",
	}}
	h := newHarness(t, exchfake.NewExchanger(bad))

	is.NoErr(h.ctrl.SubmitText(context.Background(), "질문"))
	h.waitMode(t, session.ModeIdle)
	waitFor(t, func() bool { return h.ctrl.Metrics().DecodeFailures.Value() == 1 }, "decode failure")

	msg, _ := h.ctrl.Transcript().At(1)
	is.Equal(msg.Text, "텍스트는 남습니다")
	is.Equal(len(h.out.Plays()), 0)
	is.Equal(session.Count(h.ctrl.Metrics().StateTransitions, "Awaiting_to_Playing"), int64(0))
}

func TestCaptureFailures(t *testing.T) {
	tests := []struct {
		name     string
		openErr  error
		wantKind fault.Kind
		wantText string
	}{
		{
			name:     "permission denied",
			openErr:  fault.New(fault.KindPermissionDenied, "capture.open", errors.New("user declined")),
			wantKind: fault.KindPermissionDenied,
			wantText: session.PermissionText,
		},
		{
			name:     "device unavailable",
			openErr:  errors.New("no input device"),
			wantKind: fault.KindDeviceUnavailable,
			wantText: "마이크를 사용할 수 없습니다: capture.open: device unavailable: no input device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			h := newHarness(t, exchfake.NewExchanger())
			h.dev.OpenErr = tt.openErr

			err := h.ctrl.StartRecording(context.Background())
			is.True(err != nil)
			is.Equal(fault.KindOf(err), tt.wantKind)
			is.Equal(h.ctrl.Mode(), session.ModeIdle)

			msgs := h.ctrl.Transcript().Snapshot()
			is.Equal(len(msgs), 1)
			is.Equal(msgs[0].Text, tt.wantText)

			m := h.ctrl.Metrics()
			is.Equal(session.Count(m.StateTransitions, "Idle_to_Recording"), int64(0))
			is.Equal(m.CaptureFailures.Value(), int64(1))

			// a later attempt can still succeed
			h.dev.OpenErr = nil
			is.NoErr(h.ctrl.StartRecording(context.Background()))
			is.Equal(h.ctrl.Mode(), session.ModeRecording)
		})
	}
}

func TestStreamEndingStopsRecording(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch)

	is.NoErr(h.ctrl.StartRecording(context.Background()))
	stream := h.dev.Last()
	stream.PushVoice(100*time.Millisecond, 0.4)
	is.NoErr(stream.Close())

	h.waitMode(t, session.ModeAwaiting)
	is.Equal(h.dev.Closes(), 1)
}

func TestDeliverAlarm(t *testing.T) {
	is := is.New(t)
	exch := exchfake.NewExchanger()
	exch.Hold()
	h := newHarness(t, exch)

	is.NoErr(h.ctrl.SubmitText(context.Background(), "질문"))
	h.ctrl.DeliverAlarm(alarm.Event{Message: "환기 시간입니다", DeliveredAt: time.Now()})

	is.Equal(h.ctrl.Mode(), session.ModeAwaiting) // untouched
	msgs := h.ctrl.Transcript().Snapshot()
	is.Equal(len(msgs), 3)
	is.Equal(msgs[2].Text, "🔔 환기 시간입니다")
	waitFor(t, func() bool { return len(h.out.Plays()) == 1 }, "alarm cue")
	is.Equal(h.ctrl.Metrics().Alarms.Value(), int64(1))

	exch.Release()
	h.waitMode(t, session.ModeIdle)
	msg, _ := h.ctrl.Transcript().At(1)
	is.Equal(msg.Text, "This is a fake answer") // placeholder index unaffected by the alarm
}

func TestArchiveReceivesUtterance(t *testing.T) {
	is := is.New(t)
	fs := afero.NewMemMapFs()
	arc, err := archive.New(fs, "/utterances")
	is.NoErr(err)
	h := newHarness(t, exchfake.NewExchanger(), func(c *session.Config) { c.Archive = arc })

	is.NoErr(h.ctrl.StartRecording(context.Background()))
	h.dev.Last().PushVoice(200*time.Millisecond, 0.4)
	is.NoErr(h.ctrl.StopRecording(context.Background()))
	h.waitMode(t, session.ModeIdle)

	files, err := arc.List()
	is.NoErr(err)
	is.Equal(len(files), 1)
	is.True(strings.HasSuffix(files[0], ".wav"))
}

func nextChange(t *testing.T, changes <-chan session.Change) (session.Change, bool) {
	t.Helper()
	select {
	case ch, ok := <-changes:
		return ch, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
		return session.Change{}, false
	}
}

func TestWatchOrdersChanges(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger(answer("좋아요")))
	view, changes, stop := h.ctrl.Watch(16)
	defer stop()

	is.Equal(view.Mode, session.ModeIdle)
	is.Equal(len(view.Messages), 0)

	is.NoErr(h.ctrl.SubmitText(context.Background(), "안녕"))

	type step struct {
		kind  session.ChangeKind
		op    transcript.Op
		index int
		mode  session.Mode
	}
	want := []step{
		{kind: session.ChangeMessage, op: transcript.OpAppend, index: 0},
		{kind: session.ChangeMessage, op: transcript.OpAppend, index: 1},
		{kind: session.ChangeMode, mode: session.ModeAwaiting},
		{kind: session.ChangeMessage, op: transcript.OpReplace, index: 1},
		{kind: session.ChangeMode, mode: session.ModeIdle},
	}
	for i, w := range want {
		ch, ok := nextChange(t, changes)
		is.True(ok)
		got := step{kind: ch.Kind}
		if ch.Kind == session.ChangeMode {
			got.mode = ch.Mode
		} else {
			got.op, got.index = ch.Message.Op, ch.Message.Index
		}
		if got != w {
			t.Fatalf("change %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestWatchCutsOffLaggingWatcher(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger(answer("좋아요")))
	_, changes, stop := h.ctrl.Watch(1)
	defer stop()

	is.NoErr(h.ctrl.SubmitText(context.Background(), "안녕"))
	h.waitMode(t, session.ModeIdle)

	_, ok := nextChange(t, changes) // the one change that fit
	is.True(ok)
	_, ok = nextChange(t, changes)
	is.True(!ok) // closed once the buffer overflowed

	view, _, stop2 := h.ctrl.Watch(16)
	defer stop2()
	is.Equal(view.Mode, session.ModeIdle)
	is.Equal(len(view.Messages), 2)
	is.Equal(view.Messages[1].Text, "좋아요")
}

func TestRunExitTearsDown(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, exchfake.NewExchanger())

	is.NoErr(h.ctrl.StartRecording(context.Background()))
	h.cancel()

	select {
	case err := <-h.errc:
		is.True(errors.Is(err, context.Canceled))
		h.errc <- err // let cleanup observe the exit too
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	is.Equal(h.dev.Closes(), 1)
	is.Equal(h.ctrl.Mode(), session.ModeIdle)
	is.True(errors.Is(h.ctrl.PressInput(context.Background()), session.ErrClosed))
}
