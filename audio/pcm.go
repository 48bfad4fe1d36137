// Package audio holds the sample-level pieces of a live voice session:
// PCM conversion, outbound frame chunking, inbound playback scheduling, and
// the device interfaces that drivers (sox, the browser bridge) implement.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// InputSampleRate is the capture rate expected by the Live API.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of the audio the Live API speaks back.
	OutputSampleRate = 24000
	// FrameSize is the number of mono samples per capture frame.
	FrameSize = 4096

	// InputMIMEType tags outbound frames.
	InputMIMEType = "audio/pcm;rate=16000"
	// OutputMIMEType tags inbound audio.
	OutputMIMEType = "audio/pcm;rate=24000"

	pcmScale = 32768
)

// ErrMalformedAudio is returned when an inbound payload cannot be decoded
// into 16-bit PCM (bad base64 or an odd byte count).
var ErrMalformedAudio = errors.New("audio: malformed payload")

// Buffer is a decoded, playable unit of mono audio.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// FloatToPCM16 converts samples in [-1, 1] to little-endian int16 PCM.
//
// Each sample is multiplied by 32768 and truncated. There is no clamping:
// values outside the range wrap around modulo 2^16, so 1.0 becomes -32768.
// NaN and infinities become 0.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	v := float64(s) * pcmScale
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int16(int64(math.Mod(math.Trunc(v), 1<<16)))
}

// PCM16ToFloat converts little-endian int16 PCM to normalized float samples.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedAudio, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out, nil
}

// DecodeBuffer turns a base64 PCM payload into a playable buffer.
func DecodeBuffer(data string, sampleRate int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	samples, err := PCM16ToFloat(raw)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// EncodeBuffer is the inverse of DecodeBuffer.
func EncodeBuffer(buf Buffer) string {
	return base64.StdEncoding.EncodeToString(FloatToPCM16(buf.Samples))
}

// Float32LEToSamples decodes raw little-endian float32 samples, the format
// capture drivers read from sox and from the browser bridge. Trailing bytes
// that do not form a full sample are ignored.
func Float32LEToSamples(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
