package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/chriscow/voice-session-go/pkg/backend"
	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/exchange"
	"github.com/chriscow/voice-session-go/pkg/playback"
	"github.com/chriscow/voice-session-go/pkg/playback/oto"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Run a single exchange and print the answer",
	Example: `  vsess ask "엔진 경고등이 켜졌어"
  vsess ask --file question.wav --play`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Log)
		file, _ := cmd.Flags().GetString("file")
		play, _ := cmd.Flags().GetBool("play")

		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" && file == "" {
			return fmt.Errorf("a question or --file is required")
		}

		be, err := backend.Open(cfg.Exchange.Backend, cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		exCtx, exCancel := context.WithTimeout(ctx, cfg.Exchange.Timeout)
		defer exCancel()

		var ans *exchange.Answer
		if file != "" {
			data, err := afero.ReadFile(afero.NewOsFs(), file)
			if err != nil {
				return fmt.Errorf("read utterance: %w", err)
			}
			ans, err = be.Exchanger.Voice(exCtx, &encoder.Payload{Data: data, Container: encoder.WAV})
			if err != nil {
				return err
			}
			if ans.Transcript != "" {
				fmt.Printf("heard: %s\n", ans.Transcript)
			}
		} else {
			ans, err = be.Exchanger.Ask(exCtx, exchange.TextRequest{Question: question, Context: cfg.Exchange.Context})
			if err != nil {
				return err
			}
		}
		fmt.Println(ans.Text)

		if !play || !ans.HasAudio() {
			return nil
		}
		out, err := oto.New(playback.Format{SampleRate: cfg.Playback.SampleRate, Channels: cfg.Playback.Channels})
		if err != nil {
			return err
		}
		player, err := playback.New(playback.Config{Output: out, Rate: cfg.Playback.Rate, Logger: logger})
		if err != nil {
			return err
		}
		h, err := player.Play(ctx, ans.Audio, ans.AudioMime)
		if err != nil {
			return err
		}
		<-h.Done()
		return nil
	},
}
