package viewer

import (
	"errors"
	"fmt"

	docsource "github.com/markdave123-py/docanchor/internal/core/document-source"
	"github.com/markdave123-py/docanchor/internal/core/render"
)

var (
	// ErrNoDocument is returned by commands that need a loaded document.
	ErrNoDocument = errors.New("viewer: no document loaded")
	// ErrGrantDenied is returned when the guard did not grant initialization.
	ErrGrantDenied = errors.New("viewer: initialization not granted")
	// ErrInvalidRequest is returned for malformed commands.
	ErrInvalidRequest = errors.New("viewer: invalid request")
	// ErrNothingToRetry is returned by Retry when no retryable error is set.
	ErrNothingToRetry = errors.New("viewer: nothing to retry")
)

// LoadError is a failed document load.
type LoadError struct {
	DocumentID string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load document %s: %v", e.DocumentID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Retryable reports whether loading the same locator again may succeed.
func (e *LoadError) Retryable() bool {
	return !errors.Is(e.Err, docsource.ErrUnsupportedLocator)
}

type retryable interface {
	Retryable() bool
}

// isRetryable reports whether err carries a positive retry affordance.
func isRetryable(err error) bool {
	if errors.Is(err, ErrGrantDenied) {
		return true
	}
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

func isRenderError(err error) bool {
	var re *render.RenderError
	return errors.As(err, &re)
}
