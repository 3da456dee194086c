package pipeline

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stats collects per-session latency samples and counter values for status
// reporting. It maintains a bounded ring buffer of recent latency
// observations per stage from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	separation    latencyBuffer
	embedding     latencyBuffer
	transcription latencyBuffer
	window        latencyBuffer

	windowsProcessed int64
	chunksDropped    int64
	unresolved       int64
	errors           int64
}

// NewStats creates a Stats with the given window size (maximum number of
// latency samples retained per stage).
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Stats{
		separation:    newLatencyBuffer(windowSize),
		embedding:     newLatencyBuffer(windowSize),
		transcription: newLatencyBuffer(windowSize),
		window:        newLatencyBuffer(windowSize),
	}
}

// RecordSeparation records a speech-separation latency sample.
func (s *Stats) RecordSeparation(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.separation.add(d)
}

// RecordEmbedding records a speaker-embedding latency sample.
func (s *Stats) RecordEmbedding(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedding.add(d)
}

// RecordTranscription records a transcription latency sample.
func (s *Stats) RecordTranscription(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcription.add(d)
}

// RecordWindow records a separation-to-assignment latency sample and counts
// the window as processed.
func (s *Stats) RecordWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window.add(d)
	s.windowsProcessed++
}

// IncrDropped adds n to the dropped-chunk counter.
func (s *Stats) IncrDropped(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksDropped += n
}

// IncrUnresolved increments the unresolved-channel counter.
func (s *Stats) IncrUnresolved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresolved++
}

// IncrErrors increments the error counter.
func (s *Stats) IncrErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// LatencyPercentiles holds p50 and p95 values for a latency stage.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
}

// StatsSnapshot captures a point-in-time view of all pipeline statistics.
type StatsSnapshot struct {
	Separation       LatencyPercentiles `json:"separation"`
	Embedding        LatencyPercentiles `json:"embedding"`
	Transcription    LatencyPercentiles `json:"transcription"`
	Window           LatencyPercentiles `json:"window"`
	WindowsProcessed int64              `json:"windows_processed"`
	ChunksDropped    int64              `json:"chunks_dropped"`
	Unresolved       int64              `json:"unresolved_channels"`
	Errors           int64              `json:"errors"`
}

// Snapshot returns a point-in-time view of all pipeline statistics.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StatsSnapshot{
		Separation:       s.separation.percentiles(),
		Embedding:        s.embedding.percentiles(),
		Transcription:    s.transcription.percentiles(),
		Window:           s.window.percentiles(),
		WindowsProcessed: s.windowsProcessed,
		ChunksDropped:    s.chunksDropped,
		Unresolved:       s.unresolved,
		Errors:           s.errors,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	// Copy and sort the valid samples.
	sorted := make([]time.Duration, n)
	if lb.full {
		copy(sorted, lb.data)
	} else {
		copy(sorted, lb.data[:n])
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
