package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus ingest uses 20 ms frames; frame size in samples depends on the
// negotiated sample rate.
const opusFrameMs = 20

// OpusDecoder decodes an Opus-encoded ingest stream into mono float32 PCM.
// Each network stream gets its own decoder — gopus keeps inter-frame state
// that must not be shared across streams.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpusDecoder creates a decoder for the given stream format.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * opusFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into mono float32 samples. Stereo packets
// are downmixed.
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}

	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}
	if d.channels == 2 {
		samples = StereoToMonoFloat32(samples)
	}
	return samples, nil
}
