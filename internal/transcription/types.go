package transcription

import "context"

// Status is the remote job status reported by AssemblyAI
type Status string

// Known job statuses. Queued and processing are in-flight; completed and error are terminal.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further transitions can occur
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsInFlight reports whether the job is still being worked on
func (s Status) IsInFlight() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Known reports whether s belongs to the closed set of statuses
func (s Status) Known() bool {
	return s.IsTerminal() || s.IsInFlight()
}

// UploadedAudioRef is the URL AssemblyAI returns for uploaded bytes.
// It is used exactly once as input to Submit.
type UploadedAudioRef string

// Job is the local snapshot of a remote transcription job.
// Text is set only when Status is completed, Error only when Status is error.
type Job struct {
	ID     string
	Status Status
	Text   string
	Error  string
}

// Transcriber is the speech-to-text surface the pipeline depends on
type Transcriber interface {
	// Upload sends raw audio bytes and returns a reference for Submit
	Upload(ctx context.Context, data []byte) (UploadedAudioRef, error)

	// Submit creates a transcription job for previously uploaded audio
	Submit(ctx context.Context, ref UploadedAudioRef) (*Job, error)

	// WaitForCompletion polls the job until it reaches a terminal status
	WaitForCompletion(ctx context.Context, job *Job) (*Job, error)
}

// Wire formats, decoded once at the HTTP boundary

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type submitRequest struct {
	AudioURL string `json:"audio_url"`
}

type jobResponse struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Text   *string `json:"text"`
	Error  *string `json:"error"`
}

// errorResponse is the body AssemblyAI sends with non-2xx statuses
type errorResponse struct {
	Error string `json:"error"`
}

// toJob converts a decoded response into a Job, enforcing payload presence for terminal statuses
func (r *jobResponse) toJob() (*Job, error) {
	job := &Job{ID: r.ID, Status: Status(r.Status)}
	switch job.Status {
	case StatusCompleted:
		if r.Text == nil {
			return job, &Error{Op: "decode", Kind: ErrUnexpectedState, JobID: r.ID, Detail: "completed job without text"}
		}
		job.Text = *r.Text
	case StatusError:
		if r.Error != nil {
			job.Error = *r.Error
		}
	}
	return job, nil
}
