// Package openai answers questions directly against the OpenAI API: Whisper
// for recognition, chat completion for the answer and speech synthesis for
// the spoken reply.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/exchange"
	"github.com/chriscow/voice-session-go/pkg/fault"
)

// SpeechMime tags the raw PCM returned by speech synthesis.
const SpeechMime = "audio/pcm;rate=24000"

// DefaultSystemPrompt keeps answers short enough to speak.
const DefaultSystemPrompt = "You are an in-car voice assistant. Answer in the user's language in one or two short sentences."

// maxHistory is the number of prior messages replayed with each question.
const maxHistory = 10

// Config holds backend settings.
type Config struct {
	APIKey  string
	BaseURL string // optional, for proxies and tests

	ChatModel          string
	TranscriptionModel string
	Language           string // Whisper hint, empty to auto-detect

	// Speech enables synthesized replies.
	Speech      bool
	SpeechModel string
	Voice       string

	SystemPrompt string
	Logger       *slog.Logger
}

// Backend implements exchange.Exchanger.
type Backend struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
}

// New creates a backend.
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY)")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = openai.Whisper1
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &Backend{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Ask answers a typed question.
func (b *Backend) Ask(ctx context.Context, req exchange.TextRequest) (*exchange.Answer, error) {
	text, err := b.chat(ctx, "exchange.ask", req.Question, req.Context)
	if err != nil {
		return nil, err
	}
	ans := &exchange.Answer{Text: text}
	if err := b.speak(ctx, "exchange.ask", ans); err != nil {
		return nil, err
	}
	return ans, nil
}

// Voice transcribes the utterance and answers it.
func (b *Backend) Voice(ctx context.Context, utterance *encoder.Payload) (*exchange.Answer, error) {
	if utterance == nil {
		return nil, fmt.Errorf("utterance is required")
	}

	start := time.Now()
	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    b.cfg.TranscriptionModel,
		Language: b.cfg.Language,
		Format:   openai.AudioResponseFormatJSON,
		Reader:   bytes.NewReader(utterance.Data),
		FilePath: utterance.FileName(),
	})
	if err != nil {
		return nil, classify("exchange.voice", err)
	}
	b.logger.Debug("transcription complete", "text", resp.Text, "elapsed", time.Since(start))

	ans := &exchange.Answer{Transcript: resp.Text}
	if strings.TrimSpace(resp.Text) == "" {
		return ans, nil
	}

	ans.Text, err = b.chat(ctx, "exchange.voice", resp.Text, "")
	if err != nil {
		return nil, err
	}
	if err := b.speak(ctx, "exchange.voice", ans); err != nil {
		return nil, err
	}
	return ans, nil
}

// Reset forgets the conversation history.
func (b *Backend) Reset() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

func (b *Backend) chat(ctx context.Context, op, question, extra string) (string, error) {
	b.mu.Lock()
	msgs := make([]openai.ChatCompletionMessage, 0, len(b.history)+3)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: b.cfg.SystemPrompt})
	if extra != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: "Context: " + extra})
	}
	msgs = append(msgs, b.history...)
	b.mu.Unlock()
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question})

	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.cfg.ChatModel,
		Messages: msgs,
	})
	if err != nil {
		return "", classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.KindNetworkFailure, op, errors.New("no chat completion choices returned"))
	}
	answer := resp.Choices[0].Message.Content

	b.logger.Debug("chat completion",
		"model", b.cfg.ChatModel,
		"tokens", resp.Usage.TotalTokens,
		"elapsed", time.Since(start))

	b.mu.Lock()
	b.history = append(b.history,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer})
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.mu.Unlock()
	return answer, nil
}

// speak attaches synthesized speech. A synthesis failure drops the audio and
// keeps the text answer.
func (b *Backend) speak(ctx context.Context, op string, ans *exchange.Answer) error {
	if !b.cfg.Speech || strings.TrimSpace(ans.Text) == "" {
		return nil
	}

	resp, err := b.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(b.cfg.SpeechModel),
		Input:          ans.Text,
		Voice:          openai.SpeechVoice(b.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		if ctx.Err() != nil {
			return classify(op, err)
		}
		b.logger.Warn("speech synthesis failed, answering with text only", "error", err)
		return nil
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		b.logger.Warn("speech synthesis read failed, answering with text only", "error", err)
		return nil
	}
	ans.Audio = audio
	ans.AudioMime = SpeechMime
	return nil
}

func classify(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fault.New(fault.KindBadStatus, op, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fault.New(fault.KindBadStatus, op, err)
	}
	return fault.New(fault.KindNetworkFailure, op, err)
}
