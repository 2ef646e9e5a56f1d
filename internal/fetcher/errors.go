package fetcher

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrFetch is the kind of every attachment retrieval failure
var ErrFetch = errors.New("fetch failed")

// FetchError describes why an attachment could not be retrieved
type FetchError struct {
	AttachmentID string
	// Stage is resolve, download, or stage.
	Stage string
	// StatusCode is the download HTTP status (0 when not applicable).
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch attachment %s: %s", e.AttachmentID, e.Stage)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetch}
	}
	return []error{ErrFetch, e.Err}
}

// redact drops the request URL from transport errors; attachment URLs embed credentials
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}
