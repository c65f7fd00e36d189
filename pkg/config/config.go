// Package config loads session settings from defaults, an optional YAML
// file and VS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config is the complete session configuration.
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	VAD       VADConfig       `yaml:"vad"`
	Recording RecordingConfig `yaml:"recording"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Alarm     AlarmConfig     `yaml:"alarm"`
	Archive   ArchiveConfig   `yaml:"archive"`
	UI        UIConfig        `yaml:"ui"`
	Log       LogConfig       `yaml:"log"`
}

type CaptureConfig struct {
	SampleRate    int           `yaml:"sample_rate"`
	Channels      int           `yaml:"channels"`
	FrameDuration time.Duration `yaml:"frame_duration"`
}

type VADConfig struct {
	ThresholdRMS  float64       `yaml:"threshold_rms"`
	SilenceBudget time.Duration `yaml:"silence_budget"`
}

type RecordingConfig struct {
	MaxRecord time.Duration `yaml:"max_record"`
	Timeslice time.Duration `yaml:"timeslice"`
	Container string        `yaml:"container"` // empty selects by preference
}

type ExchangeConfig struct {
	Backend string        `yaml:"backend"` // http, openai or fake
	APIURL  string        `yaml:"api_url"`
	Timeout time.Duration `yaml:"timeout"`
	Context string        `yaml:"context"` // sent with every text question
}

type OpenAIConfig struct {
	APIKey             string `yaml:"api_key"`
	ChatModel          string `yaml:"chat_model"`
	TranscriptionModel string `yaml:"transcription_model"`
	Language           string `yaml:"language"`
	Speech             bool   `yaml:"speech"`
	Voice              string `yaml:"voice"`
}

type PlaybackConfig struct {
	Rate       float64 `yaml:"rate"`
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
}

type AlarmConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type ArchiveConfig struct {
	Dir string `yaml:"dir"` // empty disables archiving
}

type UIConfig struct {
	Addr string `yaml:"addr"` // empty disables the websocket surface
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Default returns the built-in operating point.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 20 * time.Millisecond,
		},
		VAD: VADConfig{
			ThresholdRMS:  0.015,
			SilenceBudget: 1200 * time.Millisecond,
		},
		Recording: RecordingConfig{
			MaxRecord: 15 * time.Second,
			Timeslice: 250 * time.Millisecond,
		},
		Exchange: ExchangeConfig{
			Backend: "http",
			APIURL:  "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		OpenAI: OpenAIConfig{
			Language: "ko",
			Speech:   true,
		},
		Playback: PlaybackConfig{
			Rate:       1.0,
			SampleRate: 24000,
			Channels:   1,
		},
		Alarm: AlarmConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("VS_BACKEND", &c.Exchange.Backend)
	str("VS_API_URL", &c.Exchange.APIURL)
	dur("VS_EXCHANGE_TIMEOUT", &c.Exchange.Timeout)
	num("VS_THRESHOLD_RMS", &c.VAD.ThresholdRMS)
	dur("VS_SILENCE_BUDGET", &c.VAD.SilenceBudget)
	dur("VS_MAX_RECORD", &c.Recording.MaxRecord)
	str("VS_CONTAINER", &c.Recording.Container)
	num("VS_PLAYBACK_RATE", &c.Playback.Rate)
	flag("VS_ALARM", &c.Alarm.Enabled)
	dur("VS_ALARM_INTERVAL", &c.Alarm.Interval)
	str("VS_ARCHIVE_DIR", &c.Archive.Dir)
	str("VS_UI_ADDR", &c.UI.Addr)
	str("VS_LOG_LEVEL", &c.Log.Level)
	str("VS_LOG_FORMAT", &c.Log.Format)
	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	flag("VS_OPENAI_SPEECH", &c.OpenAI.Speech)

	return errors.Join(errs...)
}

// Validate rejects values the session cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Capture.SampleRate > 0, "capture.sample_rate must be positive")
	check(c.Capture.Channels > 0, "capture.channels must be positive")
	check(c.Capture.FrameDuration >= 10*time.Millisecond && c.Capture.FrameDuration <= 100*time.Millisecond,
		"capture.frame_duration must be between 10ms and 100ms, got %v", c.Capture.FrameDuration)
	check(c.VAD.ThresholdRMS > 0 && c.VAD.ThresholdRMS < 1, "vad.threshold_rms must be in (0, 1), got %v", c.VAD.ThresholdRMS)
	check(c.VAD.SilenceBudget > 0, "vad.silence_budget must be positive")
	check(c.Recording.MaxRecord > 0, "recording.max_record must be positive")
	check(c.Recording.Timeslice > 0, "recording.timeslice must be positive")
	check(c.Exchange.Timeout > 0, "exchange.timeout must be positive")
	check(c.Playback.Rate >= 0.25 && c.Playback.Rate <= 4, "playback.rate must be in [0.25, 4], got %v", c.Playback.Rate)
	check(c.Playback.SampleRate > 0, "playback.sample_rate must be positive")
	check(c.Playback.Channels == 1 || c.Playback.Channels == 2, "playback.channels must be 1 or 2")
	check(c.Alarm.Interval > 0, "alarm.interval must be positive")

	switch strings.ToLower(c.Log.Format) {
	case "console", "json", "":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
