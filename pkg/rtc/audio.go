package rtc

import (
	"fmt"
	"time"
)

// AudioFrame is a fixed-size slice of 16-bit PCM samples captured from the
// microphone. Len(Samples) == SamplesPerChannel * NumChannels, interleaved.
//
// Timestamp is monotonic and measured from the moment the capture stream was
// opened, so the first frame of a recording has Timestamp 0.
type AudioFrame struct {
	Samples           []int16
	SampleRate        int // 16 000 by default
	SamplesPerChannel int // SampleRate * frame duration
	NumChannels       int // 1 or 2
	Timestamp         time.Duration
}

// SamplesFor returns the per-channel sample count of a frame of duration d.
func SamplesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// NewAudioFrame creates a frame and validates that len(samples) is a whole
// number of interleaved channel samples.
func NewAudioFrame(samples []int16, sampleRate, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("AudioFrame sample rate must be positive, got %d", sampleRate)
	}
	if numChannels <= 0 {
		return nil, fmt.Errorf("AudioFrame channel count must be positive, got %d", numChannels)
	}
	if len(samples) == 0 || len(samples)%numChannels != 0 {
		return nil, fmt.Errorf("AudioFrame sample count mismatch: got %d samples for %d channels",
			len(samples), numChannels)
	}

	return &AudioFrame{
		Samples:           samples,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(samples) / numChannels,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	samples := make([]int16, len(f.Samples))
	copy(samples, f.Samples)

	return &AudioFrame{
		Samples:           samples,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		Timestamp:         f.Timestamp,
	}
}

// Duration returns the duration represented by this frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// End returns the capture timestamp of the last sample in the frame.
func (f *AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Bytes encodes the samples as 16-bit little-endian PCM.
func (f *AudioFrame) Bytes() []byte {
	return PCM16ToBytes(f.Samples)
}

// PCM16ToBytes encodes samples as 16-bit little-endian PCM.
func PCM16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	return buf
}

// BytesToPCM16 decodes 16-bit little-endian PCM. A trailing odd byte is dropped.
func BytesToPCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}
