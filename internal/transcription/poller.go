package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/observability"
)

// FetchJobFunc reads the current server view of a job
type FetchJobFunc func(ctx context.Context, id string) (*Job, error)

// Poller drives a job to a terminal status with a fixed interval,
// bounded by an overall timeout.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	// MaxUnexpected is the number of consecutive unknown statuses tolerated
	// before failing with ErrUnexpectedState.
	MaxUnexpected int
	Fetch         FetchJobFunc
	Logger        zerolog.Logger
}

// Wait polls until job is completed or failed. A job that is already terminal is
// evaluated without polling. Failures are *Error values of kind ErrTranscriptionFailed,
// ErrPollTimeout, ErrUnexpectedState or ErrPoll.
func (p *Poller) Wait(ctx context.Context, job *Job) (*Job, error) {
	if job == nil || job.ID == "" {
		return job, &Error{Op: "poll", Kind: ErrPoll, Detail: "job has no id"}
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	logger := p.Logger.With().Str("job_id", job.ID).Logger()
	current := job
	unexpected := 0
	polls := 0

	// Only snapshots the server actually returned are evaluated
	done, err := p.evaluate(current, &unexpected, logger)
	for !done {
		timer := time.NewTimer(p.Interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return current, p.deadlineErr(ctx, current, polls)
		case <-timer.C:
		}

		polls++
		next, fetchErr := p.Fetch(pollCtx, current.ID)
		if fetchErr != nil {
			if pollCtx.Err() != nil {
				return current, p.deadlineErr(ctx, current, polls)
			}
			var te *Error
			if errors.As(fetchErr, &te) && !te.Retryable {
				return current, fetchErr
			}
			logger.Warn().Err(fetchErr).Int("poll", polls).Msg("Transient poll failure, continuing")
			continue
		}

		observability.RecordPollAttempt(string(next.Status))
		if next.ID == "" {
			next.ID = current.ID
		}
		current = next
		done, err = p.evaluate(current, &unexpected, logger)
	}

	if err == nil {
		logger.Debug().Int("polls", polls).Msg("Transcription job completed")
	}
	return current, err
}

// evaluate decides whether the snapshot ends polling
func (p *Poller) evaluate(job *Job, unexpected *int, logger zerolog.Logger) (bool, error) {
	switch {
	case job.Status == StatusCompleted:
		return true, nil

	case job.Status == StatusError:
		return true, &Error{Op: "poll", Kind: ErrTranscriptionFailed, JobID: job.ID, Detail: job.Error}

	case job.Status.IsInFlight():
		*unexpected = 0
		return false, nil
	}

	*unexpected++
	logger.Warn().
		Str("status", string(job.Status)).
		Int("consecutive", *unexpected).
		Msg("Unexpected job status, treating as in-flight")

	if *unexpected >= p.maxUnexpected() {
		return true, &Error{
			Op:     "poll",
			Kind:   ErrUnexpectedState,
			JobID:  job.ID,
			Detail: fmt.Sprintf("status %q reported %d times in a row", job.Status, *unexpected),
		}
	}
	return false, nil
}

// deadlineErr distinguishes the caller going away from the poll bound expiring
func (p *Poller) deadlineErr(parent context.Context, job *Job, polls int) error {
	if err := parent.Err(); err != nil {
		return &Error{Op: "poll", Kind: ErrPoll, JobID: job.ID, Err: err}
	}
	return &Error{
		Op:     "poll",
		Kind:   ErrPollTimeout,
		JobID:  job.ID,
		Detail: fmt.Sprintf("no terminal status after %s (%d polls, last status %q)", p.Timeout, polls, job.Status),
	}
}

func (p *Poller) maxUnexpected() int {
	if p.MaxUnexpected < 1 {
		return 1
	}
	return p.MaxUnexpected
}
