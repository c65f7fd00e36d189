//go:build opus

package encoder

import (
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

func init() {
	register(OggOpus, newOggOpusSink)
}

const (
	opusFrameMillis = 20
	// Ogg Opus granule positions always count 48 kHz samples.
	opusGranulePerFrame = 48000 * opusFrameMillis / 1000
	maxOpusPacket       = 4000
)

type oggOpusSink struct {
	enc      *opus.Encoder
	ogg      *oggwriter.OggWriter
	channels int
	block    int // interleaved samples per opus frame
	pending  []int16
	packet   []byte
	seq      uint16
	ts       uint32
}

func newOggOpusSink(w io.Writer, f Format) (sink, error) {
	enc, err := opus.NewEncoder(f.SampleRate, f.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	ogg, err := oggwriter.NewWith(w, uint32(f.SampleRate), uint16(f.Channels))
	if err != nil {
		return nil, fmt.Errorf("ogg writer: %w", err)
	}
	return &oggOpusSink{
		enc:      enc,
		ogg:      ogg,
		channels: f.Channels,
		block:    f.SampleRate * opusFrameMillis / 1000 * f.Channels,
		packet:   make([]byte, maxOpusPacket),
	}, nil
}

func (s *oggOpusSink) Write(samples []int16) error {
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.block {
		if err := s.encode(s.pending[:s.block]); err != nil {
			return err
		}
		s.pending = s.pending[s.block:]
	}
	return nil
}

func (s *oggOpusSink) Close() error {
	if len(s.pending) > 0 {
		last := make([]int16, s.block)
		copy(last, s.pending)
		s.pending = nil
		if err := s.encode(last); err != nil {
			return err
		}
	}
	return s.ogg.Close()
}

func (s *oggOpusSink) encode(pcm []int16) error {
	n, err := s.enc.Encode(pcm, s.packet)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
		},
		Payload: append([]byte(nil), s.packet[:n]...),
	}
	s.seq++
	s.ts += opusGranulePerFrame
	return s.ogg.WriteRTP(pkt)
}
