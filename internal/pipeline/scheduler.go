package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/crosstalk-audio/crosstalk/internal/resilience"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe"
)

// TranscriptSegment is one transcribed stretch of a track's audio.
// Segments for a track are appended in non-decreasing window index.
type TranscriptSegment struct {
	TrackID string `json:"track_id"`
	// SpeakerID is empty while the track is unidentified.
	SpeakerID   string        `json:"speaker_id,omitempty"`
	WindowIndex int64         `json:"window_index"`
	StartTime   time.Duration `json:"start_time"`
	EndTime     time.Duration `json:"end_time"`
	Text        string        `json:"text"`
	Confidence  float64       `json:"confidence"`
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Workers bounds concurrent transcription calls across all tracks.
	// Defaults to 2.
	Workers int

	// CallTimeout bounds each adapter call. Defaults to 30s.
	CallTimeout time.Duration

	// RetryBackoff is the wait before the single retry. Defaults to 100ms.
	RetryBackoff time.Duration
}

// transcriptionJob is one queued unit of transcription work.
type transcriptionJob struct {
	trackID     string
	windowIndex int64
	startTime   time.Duration
	endTime     time.Duration
	sampleRate  int
	samples     []float32
}

// trackQueue is the FIFO work queue for one track. At most one goroutine
// drains a queue at a time, which is what preserves per-track segment order
// regardless of worker-pool scheduling.
type trackQueue struct {
	jobs    []transcriptionJob
	running bool
}

// Scheduler pipelines transcription work per track off the real-time
// critical path. Each track owns an ordered queue; a bounded worker pool
// (weighted semaphore) drains queues and calls the transcription adapter.
// Completed segments are handed to the sink in window order per track;
// cross-track ordering follows completion time.
//
// Safe for concurrent use.
type Scheduler struct {
	cfg  SchedulerConfig
	prov transcribe.Provider
	sem  *semaphore.Weighted

	// sink receives each completed segment.
	sink func(TranscriptSegment)
	// onError is called when a job fails after retry; the segment is
	// skipped. May be nil.
	onError func(trackID string, windowIndex int64, err error)
	// speakerFor resolves a track's current bound speaker at completion
	// time, so segments pick up bindings that happened after enqueue. May
	// be nil.
	speakerFor func(trackID string) string
	// onLatency observes each successful adapter call's duration. May be
	// nil.
	onLatency func(d time.Duration)

	mu      sync.Mutex
	queues  map[string]*trackQueue
	discard bool

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler delivering completed segments to sink.
func NewScheduler(cfg SchedulerConfig, prov transcribe.Provider, sink func(TranscriptSegment)) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Scheduler{
		cfg:    cfg,
		prov:   prov,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		sink:   sink,
		queues: make(map[string]*trackQueue),
	}
}

// SetOnError installs the failed-job callback. Call before the first
// Enqueue.
func (s *Scheduler) SetOnError(fn func(trackID string, windowIndex int64, err error)) {
	s.onError = fn
}

// SetSpeakerResolver installs the completion-time speaker lookup. Call
// before the first Enqueue.
func (s *Scheduler) SetSpeakerResolver(fn func(trackID string) string) {
	s.speakerFor = fn
}

// SetOnLatency installs the adapter-latency observer. Call before the first
// Enqueue.
func (s *Scheduler) SetOnLatency(fn func(d time.Duration)) {
	s.onLatency = fn
}

// Enqueue queues one channel's audio for transcription on its track's
// queue. Never blocks: the track drainer goroutine is started lazily.
// Without a transcription provider the scheduler discards all work, so
// sessions still produce tracks, just no transcript segments.
func (s *Scheduler) Enqueue(trackID string, windowIndex int64, startTime, endTime time.Duration, sampleRate int, samples []float32) {
	if s.prov == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discard {
		return
	}

	q, ok := s.queues[trackID]
	if !ok {
		q = &trackQueue{}
		s.queues[trackID] = q
	}
	q.jobs = append(q.jobs, transcriptionJob{
		trackID:     trackID,
		windowIndex: windowIndex,
		startTime:   startTime,
		endTime:     endTime,
		sampleRate:  sampleRate,
		samples:     samples,
	})
	if !q.running {
		q.running = true
		s.wg.Add(1)
		go s.drainTrack(q)
	}
}

// Pending returns the total number of queued jobs across all tracks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q.jobs)
	}
	return n
}

// Drain waits for all queued and in-flight work to finish. When ctx expires
// first, queued-but-not-started jobs are discarded; already-dispatched
// adapter calls are allowed to complete. Returns ctx.Err on timeout.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.discard = true
		for _, q := range s.queues {
			q.jobs = nil
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// drainTrack processes one track's queue to exhaustion. Only one drainTrack
// goroutine exists per track at a time.
func (s *Scheduler) drainTrack(q *trackQueue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			s.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		s.mu.Unlock()

		s.runJob(job)
	}
}

func (s *Scheduler) runJob(job transcriptionJob) {
	ctx := context.Background()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	var result transcribe.Result
	err := resilience.RetryOnce(ctx, s.cfg.RetryBackoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		var err error
		result, err = s.prov.Transcribe(callCtx, job.samples, job.sampleRate)
		return err
	})
	if err != nil {
		if s.onError != nil {
			s.onError(job.trackID, job.windowIndex, &InferenceError{Stage: StageTranscription, Err: err})
		}
		return
	}

	if s.onLatency != nil {
		s.onLatency(time.Since(start))
	}
	speakerID := ""
	if s.speakerFor != nil {
		speakerID = s.speakerFor(job.trackID)
	}
	s.sink(TranscriptSegment{
		TrackID:     job.trackID,
		SpeakerID:   speakerID,
		WindowIndex: job.windowIndex,
		StartTime:   job.startTime,
		EndTime:     job.endTime,
		Text:        result.Text,
		Confidence:  result.Confidence,
	})
}
