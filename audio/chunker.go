package audio

import "encoding/base64"

// Frame is one encoded chunk of captured audio, ready to be sent.
type Frame struct {
	Data     string // base64 little-endian int16 PCM
	MIMEType string
	Samples  int
}

// Chunker turns capture frames into transport frames. It holds no state
// between calls: one frame in, one frame out.
type Chunker struct {
	MIMEType string
}

// NewChunker returns a Chunker tagging frames for the Live API input rate.
func NewChunker() Chunker {
	return Chunker{MIMEType: InputMIMEType}
}

// Chunk encodes samples as a base64 PCM frame.
func (c Chunker) Chunk(samples []float32) Frame {
	mime := c.MIMEType
	if mime == "" {
		mime = InputMIMEType
	}
	return Frame{
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(samples)),
		MIMEType: mime,
		Samples:  len(samples),
	}
}
