package backend

import (
	"log/slog"

	"github.com/chriscow/voice-session-go/pkg/config"
	"github.com/chriscow/voice-session-go/pkg/exchange/fake"
	"github.com/chriscow/voice-session-go/pkg/exchange/httpapi"
	"github.com/chriscow/voice-session-go/pkg/exchange/openai"
)

func init() {
	Register("http", "answer service over HTTP (/api/ask, /api/voice, /api/alarm)", newHTTP)
	Register("openai", "OpenAI transcription, chat and speech", newOpenAI)
	Register("fake", "canned answers for offline runs", newFake)
}

func newHTTP(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	c, err := httpapi.New(httpapi.Config{BaseURL: cfg.Exchange.APIURL, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Backend{Exchanger: c, Alarms: c}, nil
}

func newOpenAI(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	b, err := openai.New(openai.Config{
		APIKey:             cfg.OpenAI.APIKey,
		ChatModel:          cfg.OpenAI.ChatModel,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		Language:           cfg.OpenAI.Language,
		Speech:             cfg.OpenAI.Speech,
		Voice:              cfg.OpenAI.Voice,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	return &Backend{Exchanger: b}, nil
}

func newFake(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	f := fake.NewExchanger()
	return &Backend{Exchanger: f, Alarms: f}, nil
}
