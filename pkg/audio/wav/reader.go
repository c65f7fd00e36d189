package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// ErrInvalid is returned for data that is not a PCM WAV file.
var ErrInvalid = errors.New("not a valid PCM WAV file")

// PCM is decoded interleaved 16-bit audio.
type PCM struct {
	Samples     []int16
	SampleRate  int
	NumChannels int
}

// Duration returns the playing time of the samples.
func (p *PCM) Duration() time.Duration {
	if p.SampleRate == 0 || p.NumChannels == 0 {
		return 0
	}
	frames := len(p.Samples) / p.NumChannels
	return time.Duration(frames) * time.Second / time.Duration(p.SampleRate)
}

// IsWAV reports whether data starts with a RIFF/WAVE signature.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Decode parses a WAV file. Streams written with StreamHeader are read up to
// the end of data.
func Decode(data []byte) (*PCM, error) {
	if !IsWAV(data) {
		return nil, ErrInvalid
	}
	if binary.LittleEndian.Uint32(data[4:8]) == unknownSize {
		return decodeStream(data)
	}

	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, ErrInvalid
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, ErrInvalid
	}
	return &PCM{
		Samples:     toInt16(buf, int(d.BitDepth)),
		SampleRate:  buf.Format.SampleRate,
		NumChannels: buf.Format.NumChannels,
	}, nil
}

// ReadFrames decodes a WAV file into consecutive frames of frameDuration,
// timestamped from zero. A trailing partial frame is zero padded.
func ReadFrames(r io.Reader, frameDuration time.Duration) ([]rtc.AudioFrame, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	pcm, err := Decode(data)
	if err != nil {
		return nil, err
	}

	perFrame := rtc.SamplesFor(pcm.SampleRate, frameDuration) * pcm.NumChannels
	if perFrame == 0 {
		return nil, fmt.Errorf("frame duration %v too short for %d Hz", frameDuration, pcm.SampleRate)
	}

	var frames []rtc.AudioFrame
	var ts time.Duration
	for off := 0; off < len(pcm.Samples); off += perFrame {
		samples := make([]int16, perFrame)
		copy(samples, pcm.Samples[off:min(off+perFrame, len(pcm.Samples))])
		f, err := rtc.NewAudioFrame(samples, pcm.SampleRate, pcm.NumChannels, ts)
		if err != nil {
			return nil, err
		}
		frames = append(frames, *f)
		ts = f.End()
	}
	return frames, nil
}

// decodeStream walks the chunk list by hand since the sizes in a streaming
// header are placeholders.
func decodeStream(data []byte) (*PCM, error) {
	var pcm PCM
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8

		switch id {
		case "fmt ":
			if size < 16 || off+16 > len(data) {
				return nil, ErrInvalid
			}
			if binary.LittleEndian.Uint16(data[off:off+2]) != 1 {
				return nil, fmt.Errorf("%w: compressed format", ErrInvalid)
			}
			pcm.NumChannels = int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
			pcm.SampleRate = int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
			if bits := binary.LittleEndian.Uint16(data[off+14 : off+16]); bits != bitsPerSample {
				return nil, fmt.Errorf("%w: %d-bit samples", ErrInvalid, bits)
			}
			off += size
		case "data":
			if pcm.SampleRate == 0 || pcm.NumChannels == 0 {
				return nil, ErrInvalid
			}
			body := data[off:]
			pcm.Samples = rtc.BytesToPCM16(body[:len(body)&^1])
			return &pcm, nil
		default:
			off += size
		}
	}
	return nil, ErrInvalid
}

func toInt16(buf *audio.IntBuffer, bitDepth int) []int16 {
	out := make([]int16, len(buf.Data))
	shift := bitDepth - 16
	for i, v := range buf.Data {
		switch {
		case bitDepth == 8:
			out[i] = int16((v - 128) << 8)
		case shift > 0:
			out[i] = int16(v >> shift)
		default:
			out[i] = int16(v)
		}
	}
	return out
}
