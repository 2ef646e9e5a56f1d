package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_transcriber_active_runs",
		Help: "Number of transcription runs in progress",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_transcriber_runs_total",
		Help: "Total number of transcription runs by outcome",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_transcriber_run_duration_seconds",
		Help:    "End-to-end duration of transcription runs in seconds",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	// Stage metrics
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_transcriber_stage_latency_seconds",
		Help:    "Latency of individual pipeline stages in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 120.0},
	}, []string{"stage", "status"})

	pollAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_transcriber_poll_attempts_total",
		Help: "Total number of job status polls by reported status",
	}, []string{"status"})

	// Text messages answered with the usage hint
	textMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_transcriber_text_messages_total",
		Help: "Total number of plain text messages answered with the usage hint",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_transcriber_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Attachment metrics
	attachmentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_transcriber_attachment_bytes_total",
		Help: "Total bytes of voice attachments fetched",
	})
)

// Metrics tracks metrics for a single transcription run
type Metrics struct {
	runID       string
	startTime   time.Time
	stageStarts map[string]time.Time
	mu          sync.Mutex
}

// NewRunMetrics creates a new metrics tracker for a run
func NewRunMetrics(runID string) *Metrics {
	return &Metrics{
		runID:       runID,
		startTime:   time.Now(),
		stageStarts: make(map[string]time.Time),
	}
}

// RecordRunStart records the start of a run
func (m *Metrics) RecordRunStart() {
	activeRuns.Inc()
}

// RecordRunEnd records the end of a run with its outcome label
func (m *Metrics) RecordRunEnd(outcome string) {
	activeRuns.Dec()
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStageStart records the start of a pipeline stage
func (m *Metrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.stageStarts[stage] = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd records the end of a pipeline stage
func (m *Metrics) RecordStageEnd(stage string, success bool) {
	m.mu.Lock()
	started, ok := m.stageStarts[stage]
	delete(m.stageStarts, stage)
	m.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	if ok {
		stageLatency.WithLabelValues(stage, status).Observe(time.Since(started).Seconds())
	}
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAttachmentBytes records fetched attachment bytes
func (m *Metrics) RecordAttachmentBytes(n int) {
	attachmentBytes.Add(float64(n))
}

// RecordError records an error outside of a run
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPollAttempt records one job status poll
func RecordPollAttempt(status string) {
	pollAttempts.WithLabelValues(status).Inc()
}

// RecordTextMessage records a text message answered with the usage hint
func RecordTextMessage() {
	textMessages.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
