package pipeline

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/fetcher"
	"github.com/lexiqai/voice-transcriber/internal/messaging"
	"github.com/lexiqai/voice-transcriber/internal/observability"
	"github.com/lexiqai/voice-transcriber/internal/transcription"
)

// Pipeline stages, in order
const (
	StageProvisional = "provisional"
	StageFetch       = "fetch"
	StageUpload      = "upload"
	StageSubmit      = "submit"
	StagePoll        = "poll"
	StageRetract     = "retract"
	StageDeliver     = "deliver"
)

// Run outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
)

// Run carries the state of one voice message through the pipeline.
// It is owned by a single goroutine.
type Run struct {
	ID               string
	ChatID           int64
	TriggerMessageID int
	AttachmentID     string
	ProvisionalID    int
	Stage            string
	Text             string
	Err              error
	StartedAt        time.Time

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func newRun(ev messaging.Event, logger zerolog.Logger) *Run {
	id := observability.NewCorrelationID()
	return &Run{
		ID:               id,
		ChatID:           ev.ChatID,
		TriggerMessageID: ev.MessageID,
		AttachmentID:     ev.AttachmentID,
		StartedAt:        time.Now(),
		logger: logger.With().
			Str("run_id", id).
			Int64("chat_id", ev.ChatID).
			Int("message_id", ev.MessageID).
			Str("attachment_id", ev.AttachmentID).
			Logger(),
		metrics: observability.NewRunMetrics(id),
	}
}

// Outcome classifies how the run ended
func (r *Run) Outcome() string {
	switch {
	case r.Err != nil:
		return OutcomeFailed
	case isBlank(r.Text):
		return OutcomeEmpty
	default:
		return OutcomeCompleted
	}
}

// ErrorKind returns a short label for the run's failure, or "none"
func (r *Run) ErrorKind() string {
	return errorKind(r.Err)
}

func errorKind(err error) string {
	if errors.Is(err, fetcher.ErrFetch) {
		return "fetch"
	}
	if errors.Is(err, errPanic) {
		return "panic"
	}
	return transcription.Kind(err)
}
