// Package wav builds and parses 16-bit PCM WAV data for the default
// utterance container and for synthesized speech payloads.
package wav

import (
	"bytes"
	"encoding/binary"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const (
	headerSize    = 44
	bitsPerSample = 16

	// unknownSize marks RIFF and data sizes in a header written before the
	// stream length is known.
	unknownSize = 0xFFFFFFFF
)

// MimeType is the container tag for WAV payloads.
const MimeType = "audio/wav"

// StreamHeader returns a header for a stream of unknown length. The header
// is written before any audio so chunks can be emitted as they are captured.
func StreamHeader(sampleRate, numChannels int) []byte {
	return header(uint32(sampleRate), uint16(numChannels), unknownSize, unknownSize)
}

// FinalizeSizes fills in the RIFF and data sizes of a stream that began with
// StreamHeader, now that its length is known. It reports false and leaves
// data untouched if the sizes are already set or data is not such a stream.
func FinalizeSizes(data []byte) bool {
	if len(data) < headerSize || string(data[0:4]) != "RIFF" || string(data[36:40]) != "data" {
		return false
	}
	if binary.LittleEndian.Uint32(data[40:44]) != unknownSize {
		return false
	}
	dataSize := uint32(len(data) - headerSize)
	binary.LittleEndian.PutUint32(data[4:8], dataSize+36)
	binary.LittleEndian.PutUint32(data[40:44], dataSize)
	return true
}

// Encode returns a complete WAV file holding samples.
func Encode(samples []int16, sampleRate, numChannels int) []byte {
	dataSize := uint32(len(samples) * 2)
	var buf bytes.Buffer
	buf.Grow(headerSize + int(dataSize))
	buf.Write(header(uint32(sampleRate), uint16(numChannels), dataSize+36, dataSize))
	buf.Write(rtc.PCM16ToBytes(samples))
	return buf.Bytes()
}

func header(sampleRate uint32, numChannels uint16, chunkSize, dataSize uint32) []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], "RIFF")
	binary.LittleEndian.PutUint32(b[4:8], chunkSize)
	copy(b[8:12], "WAVE")

	copy(b[12:16], "fmt ")
	binary.LittleEndian.PutUint32(b[16:20], 16)
	binary.LittleEndian.PutUint16(b[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(b[22:24], numChannels)
	binary.LittleEndian.PutUint32(b[24:28], sampleRate)
	binary.LittleEndian.PutUint32(b[28:32], sampleRate*uint32(numChannels)*bitsPerSample/8)
	binary.LittleEndian.PutUint16(b[32:34], numChannels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(b[34:36], bitsPerSample)

	copy(b[36:40], "data")
	binary.LittleEndian.PutUint32(b[40:44], dataSize)
	return b
}
