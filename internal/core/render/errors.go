package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrRenderCancelled is returned when a newer render of the same page,
	// Cancel or the caller's context ended the task. It is not a failure.
	ErrRenderCancelled = errors.New("render: cancelled")
	// ErrStaleOverlay is returned when a highlight targets an overlay
	// generation that has since been replaced.
	ErrStaleOverlay = errors.New("render: stale overlay generation")
	// ErrPageOutOfRange is returned for page numbers outside the document.
	ErrPageOutOfRange = errors.New("render: page out of range")
	// ErrClosed is returned once the pipeline has been closed.
	ErrClosed = errors.New("render: pipeline closed")
	// ErrInvalidScale is returned for zero or negative scales.
	ErrInvalidScale = errors.New("render: scale must be positive")
)

// RenderError is a non-cancellation failure of one page render.
type RenderError struct {
	Page int
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render page %d: %v", e.Page, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Retryable reports whether a fresh render of the page may succeed.
func (e *RenderError) Retryable() bool {
	return !errors.Is(e.Err, ErrPageOutOfRange) && !errors.Is(e.Err, ErrInvalidScale)
}

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrRenderCancelled) || errors.Is(err, context.Canceled)
}

// FailedPages lists the pages whose render failed in err, which may be a
// single *RenderError or several joined by RenderAll.
func FailedPages(err error) []int {
	var pages []int
	seen := map[int]bool{}
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if re, ok := err.(*RenderError); ok {
			if !seen[re.Page] {
				seen[re.Page] = true
				pages = append(pages, re.Page)
			}
			return
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	sort.Ints(pages)
	return pages
}
