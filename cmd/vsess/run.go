package main

import (
	"bufio"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/chriscow/voice-session-go/internal/uiserver"
	"github.com/chriscow/voice-session-go/pkg/alarm"
	"github.com/chriscow/voice-session-go/pkg/archive"
	"github.com/chriscow/voice-session-go/pkg/backend"
	"github.com/chriscow/voice-session-go/pkg/capture"
	capfake "github.com/chriscow/voice-session-go/pkg/capture/fake"
	"github.com/chriscow/voice-session-go/pkg/capture/portaudio"
	"github.com/chriscow/voice-session-go/pkg/config"
	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/playback"
	playfake "github.com/chriscow/voice-session-go/pkg/playback/fake"
	"github.com/chriscow/voice-session-go/pkg/playback/oto"
	"github.com/chriscow/voice-session-go/pkg/session"
	"github.com/chriscow/voice-session-go/pkg/transcript"
	"github.com/chriscow/voice-session-go/pkg/vad"
	"github.com/chriscow/voice-session-go/pkg/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive voice session",
	Long: `Start a voice session on the default microphone and speaker.

Controls on stdin: an empty line presses the input control (start, stop or
interrupt), any other line is submitted as a text question.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Log)
		useFake, _ := cmd.Flags().GetBool("fake")
		noStdin, _ := cmd.Flags().GetBool("no-stdin")

		logger.Info("Starting session",
			slog.String("service", "vsess"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("backend", cfg.Exchange.Backend),
			slog.Bool("fake_devices", useFake))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var stdin io.Reader
		if !noStdin {
			stdin = os.Stdin
		}
		return runSession(ctx, cfg, useFake, stdin, os.Stdout, logger)
	},
}

func runSession(ctx context.Context, cfg *config.Config, useFake bool, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	be, err := backend.Open(cfg.Exchange.Backend, cfg, logger)
	if err != nil {
		return err
	}

	dev, out, closeDevices, err := openDevices(cfg, useFake, logger)
	if err != nil {
		return err
	}
	defer closeDevices()

	player, err := playback.New(playback.Config{Output: out, Rate: cfg.Playback.Rate, Logger: logger})
	if err != nil {
		return err
	}

	var arc *archive.Archive
	if cfg.Archive.Dir != "" {
		if arc, err = archive.New(afero.NewOsFs(), cfg.Archive.Dir); err != nil {
			return err
		}
	}

	var container encoder.Container
	if cfg.Recording.Container != "" {
		if container, err = encoder.Parse(cfg.Recording.Container); err != nil {
			return err
		}
	}

	ctrl, err := session.New(session.Config{
		Capture:   dev,
		Exchanger: be.Exchanger,
		Player:    player,
		Input: capture.Config{
			SampleRate:    cfg.Capture.SampleRate,
			Channels:      cfg.Capture.Channels,
			FrameDuration: cfg.Capture.FrameDuration,
		},
		VAD:             vadConfig(cfg),
		MaxRecord:       cfg.Recording.MaxRecord,
		Timeslice:       cfg.Recording.Timeslice,
		Container:       container,
		ExchangeTimeout: cfg.Exchange.Timeout,
		Context:         cfg.Exchange.Context,
		Archive:         arc,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 4)
	workers := 0
	spawn := func(name string, fn func(context.Context) error) {
		workers++
		go func() {
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker failed", "worker", name, "error", err)
			}
			errc <- err
		}()
	}

	spawn("session", ctrl.Run)

	if be.Alarms != nil && cfg.Alarm.Enabled {
		poller, err := alarm.New(alarm.Config{
			Source:   be.Alarms,
			Interval: cfg.Alarm.Interval,
			OnAlarm:  ctrl.DeliverAlarm,
			Logger:   logger.With("component", "alarm"),
		})
		if err != nil {
			return err
		}
		spawn("alarm", poller.Run)
	}

	if cfg.UI.Addr != "" {
		m := ctrl.Metrics()
		vars := new(expvar.Map).Init()
		vars.Set("state_transitions", m.StateTransitions)
		vars.Set("stops", m.Stops)
		vars.Set("exchanges", m.Exchanges)
		vars.Set("exchange_failures", m.ExchangeFailures)
		vars.Set("decode_failures", m.DecodeFailures)
		vars.Set("capture_failures", m.CaptureFailures)
		vars.Set("alarms", m.Alarms)
		expvar.Publish("session", vars)

		ui, err := uiserver.New(uiserver.Config{
			Session: ctrl,
			Metrics: expvar.Handler(),
			Logger:  logger.With("component", "ui"),
		})
		if err != nil {
			return err
		}
		addr := cfg.UI.Addr
		spawn("ui", func(ctx context.Context) error { return ui.ListenAndServe(ctx, addr) })
	}

	updates, stop := ctrl.Transcript().Subscribe(64)
	defer stop()
	go printTranscript(ctrl.Transcript().Snapshot(), updates, stdout)

	if stdin != nil {
		go readControls(ctx, ctrl, stdin, logger)
	}

	// The first worker to exit ends the session.
	err = <-errc
	cancel()
	for i := 1; i < workers; i++ {
		<-errc
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openDevices(cfg *config.Config, useFake bool, logger *slog.Logger) (capture.Device, playback.Output, func(), error) {
	format := playback.Format{SampleRate: cfg.Playback.SampleRate, Channels: cfg.Playback.Channels}
	if useFake {
		dev := capfake.NewDevice()
		dev.Realtime = true
		dev.Script = []capfake.Segment{
			{Duration: 1500 * time.Millisecond, Amplitude: 0.3},
			{Duration: cfg.VAD.SilenceBudget + time.Second},
		}
		out := playfake.NewOutput()
		out.Fmt = format
		out.Block = false
		return dev, out, func() {}, nil
	}

	mic, err := portaudio.Open(logger.With("component", "capture"))
	if err != nil {
		return nil, nil, nil, err
	}
	out, err := oto.New(format)
	if err != nil {
		mic.Close()
		return nil, nil, nil, err
	}
	return mic, out, func() { mic.Close() }, nil
}

func vadConfig(cfg *config.Config) vad.Config {
	return vad.Config{ThresholdRMS: cfg.VAD.ThresholdRMS, SilenceBudget: cfg.VAD.SilenceBudget}
}

// readControls maps stdin lines onto the two user controls.
func readControls(ctx context.Context, ctrl *session.Controller, r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		if line == "" {
			err = ctrl.PressInput(ctx)
		} else {
			err = ctrl.SubmitText(ctx, line)
		}
		if errors.Is(err, session.ErrClosed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Info("control rejected", "mode", ctrl.Mode().String(), "error", err)
		}
	}
}

func printTranscript(initial []transcript.Message, updates <-chan transcript.Update, w io.Writer) {
	for _, m := range initial {
		fmt.Fprintf(w, "%-9s %s\n", m.Role.String()+":", m.Text)
	}
	for u := range updates {
		if u.Message.Placeholder && u.Op == transcript.OpAppend && u.Message.Role == transcript.RoleAssistant {
			continue
		}
		marker := ""
		if u.Op == transcript.OpReplace {
			marker = fmt.Sprintf(" (#%d)", u.Index)
		}
		fmt.Fprintf(w, "%-9s %s%s\n", u.Message.Role.String()+":", u.Message.Text, marker)
	}
}
