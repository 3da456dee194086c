// Package pipeline implements the real-time speaker-attributed audio
// pipeline: windowing of the incoming stream, per-window speech separation,
// the channel-to-track correspondence algorithm, off-critical-path
// transcription scheduling, and session lifecycle management.
//
// Processing for one session is strictly sequential in window order; the
// correspondence engine's running-embedding state is not safe for
// out-of-order updates. Transcription is the only stage that runs out of
// program order, bounded by per-track FIFO queues. Multiple sessions run
// fully in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosstalk-audio/crosstalk/pkg/audio"
)

// BackpressurePolicy selects what happens when audio arrives faster than the
// pipeline drains it.
type BackpressurePolicy string

const (
	// PolicyBlock blocks the audio source until queue space frees up.
	// Preferred when the source is a file.
	PolicyBlock BackpressurePolicy = "block"

	// PolicyDrop evicts the oldest queued window and counts the drop.
	// Preferred for live sources where real-time continuity matters.
	PolicyDrop BackpressurePolicy = "drop"
)

// ChunkerConfig configures a Chunker.
type ChunkerConfig struct {
	// SessionID stamps every emitted chunk.
	SessionID string

	// SampleRate of the incoming mono stream in Hz.
	SampleRate int

	// WindowDuration is the fixed length of each emitted window.
	WindowDuration time.Duration

	// Overlap is the fraction of each window shared with the previous one,
	// in [0, 1). 0 means disjoint windows.
	Overlap float64

	// QueueSize bounds the output queue. Defaults to 16.
	QueueSize int

	// Policy selects the backpressure behavior when the queue is full.
	// Defaults to PolicyBlock.
	Policy BackpressurePolicy

	// OnDrop is called with the number of windows evicted under PolicyDrop.
	// May be nil.
	OnDrop func(n int)
}

// Chunker slices a continuous audio stream into fixed-duration, possibly
// overlapping windows. It maintains an internal buffer and emits a chunk
// exactly when a full window of new samples has accumulated. Window indices
// increase monotonically; a dropped window leaves a visible gap in the index
// sequence downstream.
//
// Push and Close must be called from a single goroutine (the audio source);
// the output channel may be consumed from any goroutine.
type Chunker struct {
	cfg           ChunkerConfig
	windowSamples int
	hopSamples    int

	mu     sync.Mutex
	buf    []float32
	next   int64 // next window index
	offset int64 // absolute sample index of buf[0]
	closed bool

	out chan audio.AudioChunk
}

// NewChunker validates cfg and creates a Chunker.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("chunker: sample rate must be positive")
	}
	if cfg.WindowDuration <= 0 {
		return nil, errors.New("chunker: window duration must be positive")
	}
	if cfg.Overlap < 0 || cfg.Overlap >= 1 {
		return nil, fmt.Errorf("chunker: overlap %v out of range [0, 1)", cfg.Overlap)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBlock
	}
	if cfg.Policy != PolicyBlock && cfg.Policy != PolicyDrop {
		return nil, fmt.Errorf("chunker: unknown backpressure policy %q", cfg.Policy)
	}

	windowSamples := int(float64(cfg.SampleRate) * cfg.WindowDuration.Seconds())
	if windowSamples <= 0 {
		return nil, errors.New("chunker: window shorter than one sample")
	}
	hopSamples := int(float64(windowSamples) * (1 - cfg.Overlap))
	if hopSamples <= 0 {
		hopSamples = 1
	}

	return &Chunker{
		cfg:           cfg,
		windowSamples: windowSamples,
		hopSamples:    hopSamples,
		out:           make(chan audio.AudioChunk, cfg.QueueSize),
	}, nil
}

// Out returns the channel emitted windows arrive on. Closed after Close once
// all buffered windows are emitted.
func (c *Chunker) Out() <-chan audio.AudioChunk { return c.out }

// Push appends samples to the internal buffer and emits every complete
// window. Under PolicyBlock a full queue blocks until space frees up or ctx
// is cancelled; under PolicyDrop the oldest queued window is evicted.
func (c *Chunker) Push(ctx context.Context, samples []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("chunker: closed")
	}

	c.buf = append(c.buf, samples...)
	for len(c.buf) >= c.windowSamples {
		window := make([]float32, c.windowSamples)
		copy(window, c.buf[:c.windowSamples])

		chunk := audio.AudioChunk{
			SessionID:   c.cfg.SessionID,
			WindowIndex: c.next,
			StartTime:   sampleOffsetDuration(c.offset, c.cfg.SampleRate),
			Duration:    c.cfg.WindowDuration,
			SampleRate:  c.cfg.SampleRate,
			Samples:     window,
		}
		c.next++
		c.offset += int64(c.hopSamples)
		c.buf = c.buf[c.hopSamples:]

		if err := c.emit(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the chunker and closes the output channel. Samples shorter
// than a full window are discarded. Safe to call once.
func (c *Chunker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.buf = nil
	close(c.out)
}

func (c *Chunker) emit(ctx context.Context, chunk audio.AudioChunk) error {
	if c.cfg.Policy == PolicyBlock {
		select {
		case c.out <- chunk:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("chunker: push window %d: %w", chunk.WindowIndex, ctx.Err())
		}
	}

	// Drop policy: evict the oldest queued window until the new one fits.
	for {
		select {
		case c.out <- chunk:
			return nil
		default:
		}
		select {
		case <-c.out:
			if c.cfg.OnDrop != nil {
				c.cfg.OnDrop(1)
			}
		default:
		}
	}
}

func sampleOffsetDuration(offset int64, sampleRate int) time.Duration {
	return time.Duration(offset * int64(time.Second) / int64(sampleRate))
}
