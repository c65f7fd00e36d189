package encoder

import (
	"io"

	"github.com/chriscow/voice-session-go/pkg/audio/wav"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

func init() {
	register(WAV, newWAVSink)
}

type wavSink struct {
	w io.Writer
}

func newWAVSink(w io.Writer, f Format) (sink, error) {
	if _, err := w.Write(wav.StreamHeader(f.SampleRate, f.Channels)); err != nil {
		return nil, err
	}
	return &wavSink{w: w}, nil
}

func (s *wavSink) Write(samples []int16) error {
	_, err := s.w.Write(rtc.PCM16ToBytes(samples))
	return err
}

func (s *wavSink) Close() error {
	return nil
}

func (s *wavSink) finalize(data []byte) {
	wav.FinalizeSizes(data)
}
