package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/config"
	"github.com/lexiqai/voice-transcriber/internal/fetcher"
	"github.com/lexiqai/voice-transcriber/internal/messaging"
	"github.com/lexiqai/voice-transcriber/internal/observability"
	"github.com/lexiqai/voice-transcriber/internal/runfeed"
	"github.com/lexiqai/voice-transcriber/internal/transcription"
)

const defaultCleanupTimeout = 10 * time.Second

var errPanic = errors.New("run panicked")

// AttachmentFetcher downloads and stages a voice attachment for one run
type AttachmentFetcher interface {
	Fetch(ctx context.Context, runID, attachmentID string) (*fetcher.Attachment, error)
}

// Publisher receives run lifecycle events
type Publisher interface {
	Publish(ev runfeed.Event)
}

// Messages are the fixed texts shown to users
type Messages struct {
	Progress string
	Failure  string
	Usage    string
	Empty    string
}

// MessagesFromConfig reads the user-facing texts from cfg
func MessagesFromConfig(cfg *config.Config) Messages {
	return Messages{
		Progress: cfg.MessageProgress,
		Failure:  cfg.MessageFailure,
		Usage:    cfg.MessageUsage,
		Empty:    cfg.MessageEmpty,
	}
}

// Orchestrator turns each voice message into a transcript reply.
// Shared collaborators hold no per-run state, so one Orchestrator serves all runs.
type Orchestrator struct {
	sender         messaging.Sender
	fetcher        AttachmentFetcher
	transcriber    transcription.Transcriber
	messages       Messages
	publisher      Publisher
	cleanupTimeout time.Duration
	logger         zerolog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPublisher streams run events to p
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithCleanupTimeout bounds the retract and deliver steps
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cleanupTimeout = d
		}
	}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(
	sender messaging.Sender,
	attachments AttachmentFetcher,
	transcriber transcription.Transcriber,
	messages Messages,
	logger zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		sender:         sender,
		fetcher:        attachments,
		transcriber:    transcriber,
		messages:       messages,
		cleanupTimeout: defaultCleanupTimeout,
		logger:         logger.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle implements messaging.Handler
func (o *Orchestrator) Handle(ctx context.Context, ev messaging.Event) {
	switch ev.Kind {
	case messaging.EventVoice:
		o.HandleVoice(ctx, ev)
	case messaging.EventText:
		o.handleText(ctx, ev)
	default:
		o.logger.Debug().Str("kind", string(ev.Kind)).Msg("Ignoring event")
	}
}

func (o *Orchestrator) handleText(ctx context.Context, ev messaging.Event) {
	observability.RecordTextMessage()
	logger := o.logger.With().Int64("chat_id", ev.ChatID).Int("message_id", ev.MessageID).Logger()
	logger.Debug().Str("command", command(ev.Text)).Msg("Text message, sending usage hint")

	if _, err := o.sender.Send(ctx, ev.ChatID, ev.MessageID, o.messages.Usage); err != nil {
		observability.RecordError("send", "messaging")
		logger.Warn().Err(err).Msg("Failed to send usage hint")
	}
}

// command returns the leading bot command of text, or "" for free text.
// Free text is never logged.
func command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	return fields[0]
}

// HandleVoice runs one voice message through the pipeline. The provisional
// reply is always retracted and exactly one final reply is attempted,
// whatever happens in between.
func (o *Orchestrator) HandleVoice(ctx context.Context, ev messaging.Event) (run *Run) {
	run = newRun(ev, o.logger)
	run.metrics.RecordRunStart()
	started := run.logger.Info().
		Int("duration", ev.Duration).
		Int("file_size", ev.FileSize).
		Str("mime_type", ev.MimeType)
	if !ev.ReceivedAt.IsZero() {
		started = started.Dur("queued", run.StartedAt.Sub(ev.ReceivedAt))
	}
	started.Msg("Run started")
	o.publish(run, "started")

	defer o.finish(ctx, run)

	o.sendProvisional(ctx, run)
	run.Text, run.Err = o.transcribe(ctx, run)
	return run
}

func (o *Orchestrator) sendProvisional(ctx context.Context, run *Run) {
	run.Stage = StageProvisional
	id, err := o.sender.Send(ctx, run.ChatID, run.TriggerMessageID, o.messages.Progress)
	if err != nil {
		run.metrics.RecordError("send", "messaging")
		run.logger.Warn().Err(err).Msg("Failed to send provisional reply")
		return
	}
	run.ProvisionalID = id
}

func (o *Orchestrator) transcribe(ctx context.Context, run *Run) (string, error) {
	var att *fetcher.Attachment
	err := o.stage(run, StageFetch, func() (err error) {
		att, err = o.fetcher.Fetch(ctx, run.ID, run.AttachmentID)
		return err
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if err := att.Release(); err != nil {
			run.logger.Warn().Err(err).Msg("Failed to release staged attachment")
		}
	}()
	run.metrics.RecordAttachmentBytes(len(att.Data))

	var ref transcription.UploadedAudioRef
	err = o.stage(run, StageUpload, func() (err error) {
		ref, err = o.transcriber.Upload(ctx, att.Data)
		if err == nil && ref == "" {
			err = &transcription.Error{Op: "upload", Kind: transcription.ErrUpload, Detail: "no upload reference returned"}
		}
		return err
	})
	if err != nil {
		return "", err
	}

	var job *transcription.Job
	err = o.stage(run, StageSubmit, func() (err error) {
		job, err = o.transcriber.Submit(ctx, ref)
		return err
	})
	if err != nil {
		return "", err
	}
	run.logger.Debug().Str("job_id", job.ID).Msg("Transcription job submitted")

	err = o.stage(run, StagePoll, func() (err error) {
		job, err = o.transcriber.WaitForCompletion(ctx, job)
		return err
	})
	if err != nil {
		return "", err
	}
	return job.Text, nil
}

// stage runs fn as the named pipeline stage with metrics and a feed event
func (o *Orchestrator) stage(run *Run, name string, fn func() error) error {
	run.Stage = name
	run.metrics.RecordStageStart(name)
	o.publish(run, name)

	start := time.Now()
	err := fn()
	run.metrics.RecordStageEnd(name, err == nil)

	run.logger.Debug().Str("stage", name).Dur("elapsed", time.Since(start)).Bool("ok", err == nil).Msg("Stage finished")
	return err
}

// finish retracts the provisional reply and delivers the outcome. It runs on
// every exit path, panics included, under a context that outlives cancellation.
func (o *Orchestrator) finish(ctx context.Context, run *Run) {
	if r := recover(); r != nil {
		run.Err = fmt.Errorf("%w: %v", errPanic, r)
		run.logger.Error().Str("stack", string(debug.Stack())).Msg("Run panicked")
	}

	outcome := run.Outcome()
	final := run.Text
	switch outcome {
	case OutcomeFailed:
		run.metrics.RecordError(run.ErrorKind(), run.Stage)
		run.logger.Error().
			Err(run.Err).
			Str("stage", run.Stage).
			Str("error_kind", run.ErrorKind()).
			Msg("Transcription run failed")
		final = o.messages.Failure
	case OutcomeEmpty:
		final = o.messages.Empty
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()

	o.retract(cleanupCtx, run)
	o.deliver(cleanupCtx, run, final)

	elapsed := time.Since(run.StartedAt)
	run.metrics.RecordRunEnd(outcome)

	ev := runfeed.Event{
		RunID:      run.ID,
		ChatID:     run.ChatID,
		Stage:      "finished",
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
	}
	if outcome == OutcomeFailed {
		ev.ErrorKind = run.ErrorKind()
	}
	o.publishEvent(ev)

	run.logger.Info().Str("outcome", outcome).Dur("duration", elapsed).Msg("Run finished")
}

func (o *Orchestrator) retract(ctx context.Context, run *Run) {
	if run.ProvisionalID == 0 {
		return
	}
	run.Stage = StageRetract
	if err := o.sender.Delete(ctx, run.ChatID, run.ProvisionalID); err != nil {
		run.metrics.RecordError("delete", "messaging")
		run.logger.Warn().Err(err).Int("provisional_id", run.ProvisionalID).Msg("Failed to retract provisional reply")
	}
}

func (o *Orchestrator) deliver(ctx context.Context, run *Run, text string) {
	run.Stage = StageDeliver
	replyTo := run.TriggerMessageID
	for i, chunk := range messaging.SplitText(text, messaging.MaxMessageLength) {
		if _, err := o.sender.Send(ctx, run.ChatID, replyTo, chunk); err != nil {
			run.metrics.RecordError("send", "messaging")
			run.logger.Error().Err(err).Int("chunk", i).Msg("Failed to deliver final reply")
			return
		}
		// Follow-up chunks continue the thread rather than each quoting the voice message
		replyTo = 0
	}
}

func (o *Orchestrator) publish(run *Run, stage string) {
	o.publishEvent(runfeed.Event{RunID: run.ID, ChatID: run.ChatID, Stage: stage})
}

func (o *Orchestrator) publishEvent(ev runfeed.Event) {
	if o.publisher != nil {
		o.publisher.Publish(ev)
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
