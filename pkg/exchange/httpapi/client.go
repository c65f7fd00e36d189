// Package httpapi talks to the answer service over HTTP:
//
//	POST {base}/api/ask    JSON {question, context}
//	POST {base}/api/voice  multipart upload, field "file"
//	GET  {base}/api/alarm?session=<id>
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/exchange"
	"github.com/chriscow/voice-session-go/pkg/fault"
)

// DefaultBaseURL is where the answer service listens during development.
const DefaultBaseURL = "http://localhost:8000"

// maxBody bounds a response; synthesized speech for a long answer fits well
// under it.
const maxBody = 32 << 20

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements exchange.Exchanger and exchange.AlarmSource.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// New creates a client for the service at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{base: base, http: cfg.HTTPClient, logger: cfg.Logger}, nil
}

type askRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

type answerResponse struct {
	Text     string `json:"text"`
	Answer   string `json:"answer"`
	TTSAudio []byte `json:"tts_audio"` // base64 in JSON
	TTSMime  string `json:"tts_mime"`
}

type alarmResponse struct {
	Alarm *struct {
		Message string `json:"message"`
	} `json:"alarm"`
}

// Ask posts a text question.
func (c *Client) Ask(ctx context.Context, req exchange.TextRequest) (*exchange.Answer, error) {
	body, err := json.Marshal(askRequest{Question: req.Question, Context: req.Context})
	if err != nil {
		return nil, fmt.Errorf("encode ask request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/ask", nil), bytes.NewReader(body))
	if err != nil {
		return nil, exchange.NetworkError("exchange.ask", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp answerResponse
	if err := c.do(httpReq, "exchange.ask", &resp); err != nil {
		return nil, err
	}
	return resp.toAnswer(), nil
}

// Voice uploads a sealed utterance.
func (c *Client) Voice(ctx context.Context, utterance *encoder.Payload) (*exchange.Answer, error) {
	if utterance == nil {
		return nil, fmt.Errorf("utterance is required")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, utterance.FileName()))
	h.Set("Content-Type", utterance.MimeType())
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(utterance.Data); err != nil {
		return nil, fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/voice", nil), &body)
	if err != nil {
		return nil, exchange.NetworkError("exchange.voice", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var resp answerResponse
	if err := c.do(httpReq, "exchange.voice", &resp); err != nil {
		return nil, err
	}
	return resp.toAnswer(), nil
}

// PollAlarm asks for a pending alarm.
func (c *Client) PollAlarm(ctx context.Context, sessionID string) (*exchange.Alarm, error) {
	q := url.Values{"session": {sessionID}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/alarm", q), nil)
	if err != nil {
		return nil, exchange.NetworkError("alarm.poll", err)
	}

	var resp alarmResponse
	if err := c.do(httpReq, "alarm.poll", &resp); err != nil {
		return nil, err
	}
	if resp.Alarm == nil {
		return nil, nil
	}
	return &exchange.Alarm{Message: resp.Alarm.Message}, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return exchange.NetworkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return exchange.NetworkError(op, fmt.Errorf("read body: %w", err))
	}

	c.logger.Debug("exchange response",
		"op", op,
		"status", resp.StatusCode,
		"bytes", len(data),
		"elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fault.New(fault.KindBadStatus, op, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fault.New(fault.KindNetworkFailure, op, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

func (r *answerResponse) toAnswer() *exchange.Answer {
	return &exchange.Answer{
		Transcript: r.Text,
		Text:       r.Answer,
		Audio:      r.TTSAudio,
		AudioMime:  r.TTSMime,
	}
}
