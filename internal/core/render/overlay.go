package render

import (
	"fmt"

	"github.com/markdave123-py/docanchor/internal/core"
)

// OverlayElement is the positioned counterpart of one text run.
// Geometry is logical (CSS-like) pixels at the viewport scale.
type OverlayElement struct {
	ID          string  `json:"id"`
	RunIndex    int     `json:"run_index"`
	Text        string  `json:"text"`
	Left        float64 `json:"left"`
	Top         float64 `json:"top"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	FontSize    float64 `json:"font_size"`
	Highlighted bool    `json:"highlighted"`
}

// Overlay is the text layer of one render generation. It is never
// rescaled; a new render builds a new overlay.
type Overlay struct {
	PageNumber int              `json:"page_number"`
	Generation uint64           `json:"generation"`
	Width      float64          `json:"width"`
	Height     float64          `json:"height"`
	Elements   []OverlayElement `json:"elements"`
}

func elementID(page int, gen uint64, run int) string {
	return fmt.Sprintf("p%d-g%d-r%d", page, gen, run)
}

func buildOverlay(page int, gen uint64, vp Viewport, runs []core.TextRun, marked map[int]struct{}) *Overlay {
	o := &Overlay{
		PageNumber: page,
		Generation: gen,
		Width:      vp.Width,
		Height:     vp.Height,
		Elements:   make([]OverlayElement, 0, len(runs)),
	}
	s := vp.Scale
	for _, r := range runs {
		_, hl := marked[r.Index]
		o.Elements = append(o.Elements, OverlayElement{
			ID:          elementID(page, gen, r.Index),
			RunIndex:    r.Index,
			Text:        r.Text,
			Left:        r.X * s,
			Top:         r.Y * s,
			Width:       r.Width * s,
			Height:      r.Height * s,
			FontSize:    r.FontSize * s,
			Highlighted: hl,
		})
	}
	return o
}

// withHighlights returns a copy of o with exactly the marked runs flagged.
func (o *Overlay) withHighlights(marked map[int]struct{}) *Overlay {
	cp := *o
	cp.Elements = make([]OverlayElement, len(o.Elements))
	for i, el := range o.Elements {
		_, el.Highlighted = marked[el.RunIndex]
		cp.Elements[i] = el
	}
	return &cp
}

// HighlightedIDs lists the ids of flagged elements in document order.
func (o *Overlay) HighlightedIDs() []string {
	var ids []string
	for _, el := range o.Elements {
		if el.Highlighted {
			ids = append(ids, el.ID)
		}
	}
	return ids
}
