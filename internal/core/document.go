package core

import (
	"context"
	"image"
)

// TextRun is one positioned fragment of page text, as produced by the
// document library. Geometry is in page space at scale 1 with a top-left
// origin, so an overlay at scale s multiplies every field by s.
type TextRun struct {
	Index    int
	Text     string
	X        float64
	Y        float64
	Width    float64
	Height   float64
	FontSize float64
}

// Page gives access to a single page of a loaded document.
type Page interface {
	// Number is the 1-based page number.
	Number() int
	// Size reports the page size in points at scale 1.
	Size() (width, height float64)
	// Rasterize paints the page into dst, which is already sized for scale.
	Rasterize(ctx context.Context, dst *image.RGBA, scale float64) error
	// TextRuns returns the page runs in document order.
	TextRuns(ctx context.Context) ([]TextRun, error)
	// Text returns the page text for indexing.
	Text(ctx context.Context) (string, error)
}

// DocumentHandle is an opened document. It is owned by exactly one
// viewer session or extraction job and must be closed by that owner.
type DocumentHandle interface {
	ID() string
	NumPages() int
	Page(ctx context.Context, number int) (Page, error)
	Close() error
}

// DocumentSource resolves a locator into an opened document.
type DocumentSource interface {
	Load(ctx context.Context, locator string) (DocumentHandle, error)
}

// ExtractedText is the payload handed to the text-storage collaborator.
type ExtractedText struct {
	TextByPages string `json:"textByPages"`
	TotalPages  int    `json:"totalPages"`
}

// TextStore persists the text extracted from a document.
type TextStore interface {
	PersistExtractedText(ctx context.Context, documentID string, text ExtractedText) error
}
