package transcription

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lexiqai/voice-transcriber/internal/resilience"
)

// Error kinds; match with errors.Is
var (
	ErrUpload              = errors.New("upload failed")
	ErrSubmit              = errors.New("submit failed")
	ErrPoll                = errors.New("poll failed")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrPollTimeout         = errors.New("poll timed out")
	ErrUnexpectedState     = errors.New("unexpected job state")
)

// Error is a classified failure of a transcription call
type Error struct {
	// Op is the operation that failed (upload, submit, poll, decode).
	Op string
	// Kind is one of the Err* sentinels.
	Kind error
	// JobID is set once the remote service has assigned one.
	JobID string
	// StatusCode is the HTTP status code (0 for transport-level errors).
	StatusCode int
	// Detail is the remote-supplied or locally derived description.
	Detail string
	// Retryable indicates a transient failure (network, 429, 5xx, open circuit).
	Retryable bool
	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("transcription: ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.JobID != "" {
		fmt.Fprintf(&b, " (job %s)", e.JobID)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Kind returns a short label for err suitable for metrics
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrUpload):
		return "upload"
	case errors.Is(err, ErrSubmit):
		return "submit"
	case errors.Is(err, ErrTranscriptionFailed):
		return "transcription_failed"
	case errors.Is(err, ErrPollTimeout):
		return "poll_timeout"
	case errors.Is(err, ErrUnexpectedState):
		return "unexpected_state"
	case errors.Is(err, ErrPoll):
		return "poll"
	default:
		return "unknown"
	}
}

// isTransientStatus reports HTTP statuses worth retrying
func isTransientStatus(code int) bool {
	return code == 429 || code >= 500
}
