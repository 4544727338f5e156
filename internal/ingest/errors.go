package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind classifies why a fetch did not produce a usable page.
type FailureKind string

const (
	// FailureNone is the zero value for successful outcomes.
	FailureNone FailureKind = ""
	// FailureNotFound covers 404/410 responses.
	FailureNotFound FailureKind = "not-found"
	// FailureTimeout covers request and navigation timeouts.
	FailureTimeout FailureKind = "timeout"
	// FailureServerError covers 5xx responses and connection failures.
	FailureServerError FailureKind = "server-error"
	// FailureBlocked covers 403/429 responses and challenge pages.
	FailureBlocked FailureKind = "blocked"
	// FailureEmpty covers successful responses with no usable body.
	FailureEmpty FailureKind = "empty"
)

// Retryable reports whether the failure is worth another attempt in the same run.
func (k FailureKind) Retryable() bool {
	return k == FailureTimeout || k == FailureServerError
}

// Permanent reports whether the failure goes straight to the dead-link registry.
func (k FailureKind) Permanent() bool {
	return k == FailureNotFound || k == FailureBlocked
}

// IsContent reports whether the failure is a content problem rather than a fetch problem.
func (k FailureKind) IsContent() bool {
	return k == FailureEmpty
}

// FetchError is the typed failure returned by fetchers.
type FetchError struct {
	Kind       FailureKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a FetchError.
func NewFetchError(kind FailureKind, url string, status int, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, StatusCode: status, Err: err}
}

var (
	// ErrNoDate marks a candidate whose publication date could not be resolved.
	ErrNoDate = errors.New("no plausible publication date")
	// ErrContentTooShort marks a candidate whose body is below the minimum length.
	ErrContentTooShort = errors.New("content below minimum length")
	// ErrNoTitle marks a candidate without a title.
	ErrNoTitle = errors.New("missing title")
)

// Classify maps an arbitrary fetch error to a FailureKind. Context cancellation
// is reported as FailureNone so callers can tell it apart from a real failure.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	return FailureServerError
}

// StatusKind classifies an HTTP status code. Success codes return FailureNone.
func StatusKind(status int) FailureKind {
	switch {
	case status >= 200 && status < 300:
		return FailureNone
	case status == 404 || status == 410:
		return FailureNotFound
	case status == 403 || status == 429 || status == 451:
		return FailureBlocked
	case status == 408:
		return FailureTimeout
	case status >= 500:
		return FailureServerError
	case status >= 400:
		return FailureNotFound
	default:
		return FailureServerError
	}
}
