package ota

import (
	"errors"
	"fmt"
)

// Failure reasons reported as fw_error. They are part of the device API.
const (
	ReasonURL           = "URL error"
	ReasonBegin         = "HTTPS begin failed"
	ReasonGet           = "HTTP GET failed"
	ReasonContentLength = "Content length error"
	ReasonNoSpace       = "Not enough space"
	ReasonIncomplete    = "Incomplete write"
	ReasonFinalize      = "finalize error"
)

var (
	// ErrBeginFailed is wrapped by Fetcher errors raised before any request
	// went out.
	ErrBeginFailed = errors.New("ota: request setup failed")
	// ErrGetFailed is wrapped by Fetcher errors for a failed or non-200 GET.
	ErrGetFailed = errors.New("ota: GET failed")
	// ErrStalled means the image stream made no progress within the read
	// timeout.
	ErrStalled = errors.New("ota: image stream stalled")
)

// ErrorKind identifies the pull-update step that failed.
type ErrorKind int

const (
	URLError ErrorKind = iota + 1
	StreamOpenFailed
	BadContentLength
	StorageFull
	IncompleteWrite
	FinalizeFailed
)

func (k ErrorKind) String() string {
	switch k {
	case URLError:
		return "url error"
	case StreamOpenFailed:
		return "stream open failed"
	case BadContentLength:
		return "bad content length"
	case StorageFull:
		return "storage full"
	case IncompleteWrite:
		return "incomplete write"
	case FinalizeFailed:
		return "finalize failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// UpdateError aborts a pull update. Reason is what was reported to the
// broker as fw_error.
type UpdateError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *UpdateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ota: %s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("ota: %s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// IsKind reports whether err is an UpdateError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ue *UpdateError
	return errors.As(err, &ue) && ue.Kind == kind
}
