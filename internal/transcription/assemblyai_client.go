package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/config"
	"github.com/lexiqai/voice-transcriber/internal/observability"
	"github.com/lexiqai/voice-transcriber/internal/resilience"
)

const (
	breakerName = "assemblyai"

	// maxResponseBytes bounds JSON bodies read from the API
	maxResponseBytes = 16 << 20
)

// AssemblyAIClient implements Transcriber against the AssemblyAI v2 REST API.
// It holds no per-run state and is safe for concurrent use.
type AssemblyAIClient struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	poller         *Poller
	logger         zerolog.Logger
}

// statusError is a non-2xx response
type statusError struct {
	code   int
	detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// decodeError is a 2xx response whose body could not be used
type decodeError struct {
	msg string
	err error
}

func (e *decodeError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *decodeError) Unwrap() error { return e.err }

// NewAssemblyAIClient creates a new AssemblyAI client
func NewAssemblyAIClient(cfg *config.Config, logger zerolog.Logger) *AssemblyAIClient {
	c := &AssemblyAIClient{
		apiKey:     cfg.AssemblyAIAPIKey,
		baseURL:    strings.TrimRight(cfg.AssemblyAIBaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeoutDuration()},
		circuitBreaker: resilience.NewCircuitBreaker(
			breakerName,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger.With().Str("component", "assemblyai").Logger(),
	}
	c.poller = &Poller{
		Interval:      cfg.PollIntervalDuration(),
		Timeout:       cfg.PollTimeoutDuration(),
		MaxUnexpected: cfg.PollMaxUnexpected,
		Fetch:         c.GetJob,
		Logger:        c.logger,
	}
	return c
}

// Upload sends raw audio bytes to /v2/upload and returns the upload_url
func (c *AssemblyAIClient) Upload(ctx context.Context, data []byte) (UploadedAudioRef, error) {
	var ref UploadedAudioRef

	err := c.protected(ctx, func() error {
		var resp uploadResponse
		if err := c.do(ctx, http.MethodPost, "/v2/upload", bytes.NewReader(data), "application/octet-stream", &resp); err != nil {
			return err
		}
		if resp.UploadURL == "" {
			return &decodeError{msg: "response has no upload_url"}
		}
		u, err := url.Parse(resp.UploadURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &decodeError{msg: "response upload_url is not an absolute URL", err: err}
		}
		ref = UploadedAudioRef(resp.UploadURL)
		return nil
	})
	if err != nil {
		return "", classify("upload", ErrUpload, "", err)
	}

	c.logger.Debug().Int("bytes", len(data)).Msg("Audio uploaded")
	return ref, nil
}

// Submit creates a transcription job for ref via /v2/transcript
func (c *AssemblyAIClient) Submit(ctx context.Context, ref UploadedAudioRef) (*Job, error) {
	if ref == "" {
		return nil, &Error{Op: "submit", Kind: ErrSubmit, Detail: "empty audio reference"}
	}

	payload, err := json.Marshal(submitRequest{AudioURL: string(ref)})
	if err != nil {
		return nil, &Error{Op: "submit", Kind: ErrSubmit, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	var resp jobResponse
	err = c.protected(ctx, func() error {
		resp = jobResponse{}
		if err := c.do(ctx, http.MethodPost, "/v2/transcript", bytes.NewReader(payload), "application/json", &resp); err != nil {
			return err
		}
		if resp.ID == "" {
			return &decodeError{msg: "response has no id"}
		}
		return nil
	})
	if err != nil {
		return nil, classify("submit", ErrSubmit, "", err)
	}

	job, err := resp.toJob()
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Transcription job submitted")
	return job, nil
}

// GetJob reads the current state of a job from /v2/transcript/{id}
func (c *AssemblyAIClient) GetJob(ctx context.Context, id string) (*Job, error) {
	var resp jobResponse
	err := c.circuitBreaker.Call(func() error {
		return c.do(ctx, http.MethodGet, "/v2/transcript/"+url.PathEscape(id), nil, "", &resp)
	}, isRetryable)
	c.updateBreakerMetrics(err)
	if err != nil {
		return nil, classify("poll", ErrPoll, id, err)
	}
	return resp.toJob()
}

// WaitForCompletion polls job until it is terminal or the poll timeout expires
func (c *AssemblyAIClient) WaitForCompletion(ctx context.Context, job *Job) (*Job, error) {
	return c.poller.Wait(ctx, job)
}

// HealthCheck verifies the API is reachable and the key is accepted
func (c *AssemblyAIClient) HealthCheck(ctx context.Context) (bool, error) {
	if state, requests, failures, rate := c.circuitBreaker.GetStats(); state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d requests failed (%.0f%%)", resilience.ErrCircuitOpen, failures, requests, rate)
	}
	var discard json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v2/transcript?limit=1", nil, "", &discard); err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return true, nil
}

// protected runs fn under the circuit breaker with bounded retry for transient failures
func (c *AssemblyAIClient) protected(ctx context.Context, fn func() error) error {
	err := c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, fn, c.retryConfig, isRetryable)
	}, isRetryable)
	c.updateBreakerMetrics(err)
	return err
}

func (c *AssemblyAIClient) updateBreakerMetrics(err error) {
	name := c.circuitBreaker.Name()
	observability.UpdateCircuitBreakerState(name, int(c.circuitBreaker.GetState()))
	if err != nil && isRetryable(err) {
		observability.IncrementCircuitBreakerFailures(name)
	}
}

// do performs one authenticated request and decodes a 2xx JSON body into out
func (c *AssemblyAIClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &decodeError{msg: "failed to create request", err: err}
	}
	req.Header.Set("authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to make request: %w", err)
		if ctx.Err() != nil {
			return err
		}
		return resilience.NewRetryableError(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, detail: readErrorDetail(limited)}
	}

	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return &decodeError{msg: "failed to decode response", err: err}
	}
	return nil
}

// readErrorDetail extracts the "error" field of a failure body, falling back to raw text
func readErrorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body errorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

// isRetryable reports transient failures: network errors, 429 and 5xx
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return isTransientStatus(se.code)
	}
	var de *decodeError
	if errors.As(err, &de) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

// classify wraps a raw failure into an *Error of the given kind
func classify(op string, kind error, jobID string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	out := &Error{
		Op:        op,
		Kind:      kind,
		JobID:     jobID,
		Err:       err,
		Retryable: isRetryable(err) || errors.Is(err, resilience.ErrCircuitOpen),
	}
	var se *statusError
	if errors.As(err, &se) {
		out.StatusCode = se.code
		out.Detail = se.detail
		out.Err = nil
	}
	return out
}
