package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/hajimehoshi/go-mp3"

	"github.com/chriscow/voice-session-go/pkg/audio/wav"
	"github.com/chriscow/voice-session-go/pkg/fault"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Raw PCM payloads without rate or channel parameters are assumed to be
// 24 kHz mono, the usual speech synthesis output.
const (
	defaultPCMRate     = 24000
	defaultPCMChannels = 1
)

var errUnknownFormat = errors.New("unrecognized audio format")

// Decode turns a synthesized speech payload into PCM. mimeType may be empty,
// in which case the container is sniffed. All failures are
// fault.KindDecodeFailure.
func Decode(data []byte, mimeType string) (*wav.PCM, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.KindDecodeFailure, "playback.decode", errors.New("empty payload"))
	}

	mt, params, _ := mime.ParseMediaType(mimeType)
	var (
		pcm *wav.PCM
		err error
	)
	switch {
	case wav.IsWAV(data) || strings.Contains(mt, "wav"):
		pcm, err = wav.Decode(data)
	case mt == "audio/mpeg" || mt == "audio/mp3" || isMP3(data):
		pcm, err = decodeMP3(data)
	case mt == "audio/pcm" || mt == "audio/l16":
		pcm, err = decodeRaw(data, params)
	default:
		err = errUnknownFormat
	}
	if err != nil {
		return nil, fault.New(fault.KindDecodeFailure, "playback.decode", err)
	}
	if len(pcm.Samples) == 0 {
		return nil, fault.New(fault.KindDecodeFailure, "playback.decode", errors.New("no audio samples"))
	}
	return pcm, nil
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// decodeMP3 yields 16-bit stereo at the stream's rate.
func decodeMP3(data []byte) (*wav.PCM, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	raw, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	return &wav.PCM{
		Samples:     rtc.BytesToPCM16(raw),
		SampleRate:  d.SampleRate(),
		NumChannels: 2,
	}, nil
}

func decodeRaw(data []byte, params map[string]string) (*wav.PCM, error) {
	pcm := &wav.PCM{SampleRate: defaultPCMRate, NumChannels: defaultPCMChannels}
	if v, ok := params["rate"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid rate parameter %q", v)
		}
		pcm.SampleRate = n
	}
	if v, ok := params["channels"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid channels parameter %q", v)
		}
		pcm.NumChannels = n
	}
	samples := rtc.BytesToPCM16(data)
	pcm.Samples = samples[:len(samples)-len(samples)%pcm.NumChannels]
	return pcm, nil
}
