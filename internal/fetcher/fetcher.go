package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/config"
)

// FileResolver turns an attachment id into a downloadable URL
type FileResolver interface {
	FileURL(ctx context.Context, attachmentID string) (string, error)
}

// Attachment is a fully retrieved voice attachment owned by one run
type Attachment struct {
	ID   string
	Data []byte
	// Path is the staged file in disk mode, empty in memory mode.
	Path string

	once    sync.Once
	release func() error
	err     error
}

// Release discards the attachment and any staged file. Safe to call more than once.
func (a *Attachment) Release() error {
	a.once.Do(func() {
		a.Data = nil
		if a.release != nil {
			a.err = a.release()
		}
	})
	return a.err
}

// Fetcher retrieves voice attachments into run-scoped storage.
// It keeps no per-call state and is safe for concurrent use.
type Fetcher struct {
	resolver   FileResolver
	httpClient *http.Client
	mode       string
	dir        string
	maxBytes   int64
	timeout    time.Duration
	logger     zerolog.Logger
}

const defaultFetchTimeout = 60 * time.Second

// NewFetcher creates a fetcher staging attachments as configured
func NewFetcher(cfg *config.Config, resolver FileResolver, logger zerolog.Logger) *Fetcher {
	f := &Fetcher{
		resolver:   resolver,
		httpClient: &http.Client{},
		mode:       cfg.StagingMode,
		dir:        cfg.StagingDirectory(),
		maxBytes:   cfg.MaxAttachmentBytes,
		timeout:    cfg.FetchTimeoutDuration(),
		logger:     logger.With().Str("component", "fetcher").Logger(),
	}
	if f.timeout <= 0 {
		f.timeout = defaultFetchTimeout
	}
	return f
}

// Fetch downloads the attachment completely, giving up after the fetch timeout.
// runID scopes any staged file; the caller must Release the returned attachment.
func (f *Fetcher) Fetch(ctx context.Context, runID, attachmentID string) (*Attachment, error) {
	if attachmentID == "" {
		return nil, &FetchError{Stage: "resolve", Err: fmt.Errorf("empty attachment id")}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	fileURL, err := f.resolver.FileURL(ctx, attachmentID)
	if err != nil {
		return nil, &FetchError{AttachmentID: attachmentID, Stage: "resolve", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, &FetchError{AttachmentID: attachmentID, Stage: "download", Err: redact(err)}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{AttachmentID: attachmentID, Stage: "download", Err: redact(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{AttachmentID: attachmentID, Stage: "download", StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, &FetchError{AttachmentID: attachmentID, Stage: "download", Err: f.tooLarge()}
	}

	// One byte past the limit detects oversized bodies without a Content-Length
	body := io.LimitReader(resp.Body, f.maxBytes+1)

	var att *Attachment
	if f.mode == config.StagingDisk {
		att, err = f.stageDisk(runID, body)
	} else {
		att, err = f.stageMemory(body, resp.ContentLength)
	}
	if err != nil {
		return nil, &FetchError{AttachmentID: attachmentID, Stage: "stage", Err: redact(err)}
	}
	att.ID = attachmentID

	f.logger.Debug().
		Str("run_id", runID).
		Str("attachment_id", attachmentID).
		Int("bytes", len(att.Data)).
		Str("mode", f.mode).
		Msg("Attachment fetched")
	return att, nil
}

// stageMemory reads the body into a freshly allocated buffer
func (f *Fetcher) stageMemory(body io.Reader, size int64) (*Attachment, error) {
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	n, err := buf.ReadFrom(body)
	if err != nil {
		return nil, err
	}
	if n > f.maxBytes {
		return nil, f.tooLarge()
	}
	return &Attachment{Data: buf.Bytes()}, nil
}

// stageDisk writes the body to a run-scoped .part file and renames it only once complete
func (f *Fetcher) stageDisk(runID string, body io.Reader) (*Attachment, error) {
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "voice-"+safeName(runID)+"-*.part")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	partial := tmp.Name()
	cleanup := func() { os.Remove(partial) }

	n, err := io.Copy(tmp, body)
	if err == nil && n > f.maxBytes {
		err = f.tooLarge()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return nil, err
	}

	final := strings.TrimSuffix(partial, ".part") + ".oga"
	if err := os.Rename(partial, final); err != nil {
		cleanup()
		return nil, fmt.Errorf("finalize staging file: %w", err)
	}

	data, err := os.ReadFile(final)
	if err != nil {
		os.Remove(final)
		return nil, fmt.Errorf("read staging file: %w", err)
	}

	return &Attachment{
		Data: data,
		Path: final,
		release: func() error {
			if err := os.Remove(final); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		},
	}, nil
}

func (f *Fetcher) tooLarge() error {
	return fmt.Errorf("attachment exceeds %d bytes", f.maxBytes)
}

// safeName keeps run ids from escaping the staging directory
func safeName(runID string) string {
	if runID == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		if r == filepath.Separator || r == '/' || r == '.' {
			return '_'
		}
		return r
	}, runID)
}
