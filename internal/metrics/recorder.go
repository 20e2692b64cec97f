package metrics

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job outcomes reported by the consumer.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeAbandoned    = "abandoned"
)

// JobSample is the measurement of one processed message. Zero durations mean
// the stage was not reached.
type JobSample struct {
	Outcome     string
	FailureKind string
	Download    time.Duration
	Clean       time.Duration
	Chunk       time.Duration
	Store       time.Duration
	Total       time.Duration
	Chunks      int
	RawBytes    int
	CleanBytes  int
}

// StageSummary aggregates one stage across jobs.
type StageSummary struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Mean returns the average stage duration.
func (s StageSummary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summary is a point-in-time view of everything the Recorder has seen.
type Summary struct {
	Jobs       int                     `json:"jobs"`
	Outcomes   map[string]int          `json:"outcomes"`
	Failures   map[string]int          `json:"failures"`
	Stages     map[string]StageSummary `json:"stages"`
	Chunks     int                     `json:"chunks"`
	RawBytes   int64                   `json:"raw_bytes"`
	CleanBytes int64                   `json:"clean_bytes"`
}

// Recorder aggregates per-job samples in process and mirrors them into the
// Prometheus collectors.
type Recorder struct {
	mu         sync.Mutex
	jobs       int
	outcomes   map[string]int
	failures   map[string]int
	stages     map[string]StageSummary
	chunks     int
	rawBytes   int64
	cleanBytes int64
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	Init()
	return &Recorder{
		outcomes: make(map[string]int),
		failures: make(map[string]int),
		stages:   make(map[string]StageSummary),
	}
}

// Record adds one job sample.
func (r *Recorder) Record(s JobSample) {
	ObserveJob(s.Outcome)
	if s.FailureKind != "" {
		ObserveFailure(s.FailureKind)
	}
	stages := map[string]time.Duration{
		"download": s.Download,
		"clean":    s.Clean,
		"chunk":    s.Chunk,
		"store":    s.Store,
		"total":    s.Total,
	}
	for name, d := range stages {
		if d > 0 {
			ObserveStage(name, d)
		}
	}
	if s.RawBytes > 0 {
		ObserveDocumentBytes("raw", s.RawBytes)
	}
	if s.CleanBytes > 0 {
		ObserveDocumentBytes("clean", s.CleanBytes)
	}
	if s.Outcome == OutcomeAcknowledged {
		ObserveChunks(s.Chunks)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs++
	r.outcomes[s.Outcome]++
	if s.FailureKind != "" {
		r.failures[s.FailureKind]++
	}
	for name, d := range stages {
		if d <= 0 {
			continue
		}
		st := r.stages[name]
		st.Count++
		st.Total += d
		if d > st.Max {
			st.Max = d
		}
		r.stages[name] = st
	}
	r.chunks += s.Chunks
	r.rawBytes += int64(s.RawBytes)
	r.cleanBytes += int64(s.CleanBytes)
}

// Snapshot returns a copy of the aggregated state.
func (r *Recorder) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Summary{
		Jobs:       r.jobs,
		Outcomes:   make(map[string]int, len(r.outcomes)),
		Failures:   make(map[string]int, len(r.failures)),
		Stages:     make(map[string]StageSummary, len(r.stages)),
		Chunks:     r.chunks,
		RawBytes:   r.rawBytes,
		CleanBytes: r.cleanBytes,
	}
	for k, v := range r.outcomes {
		out.Outcomes[k] = v
	}
	for k, v := range r.failures {
		out.Failures[k] = v
	}
	for k, v := range r.stages {
		out.Stages[k] = v
	}
	return out
}

// LogSummary writes the final aggregate to the logger.
func (r *Recorder) LogSummary(logger *zap.Logger) {
	if logger == nil {
		return
	}
	s := r.Snapshot()
	fields := []zap.Field{
		zap.Int("jobs", s.Jobs),
		zap.Int("chunks", s.Chunks),
		zap.Int64("raw_bytes", s.RawBytes),
		zap.Int64("clean_bytes", s.CleanBytes),
		zap.Any("outcomes", s.Outcomes),
		zap.Any("failures", s.Failures),
	}
	names := make([]string, 0, len(s.Stages))
	for name := range s.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.Stages[name]
		fields = append(fields,
			zap.Duration(name+"_mean", st.Mean()),
			zap.Duration(name+"_max", st.Max),
		)
	}
	logger.Info("ingestion metrics summary", fields...)
}
