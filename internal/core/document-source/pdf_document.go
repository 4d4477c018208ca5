package docsource

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/markdave123-py/docanchor/internal/core"
)

var (
	_ core.DocumentHandle = (*pdfDocument)(nil)
	_ core.Page           = (*pdfPage)(nil)
)

const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
)

// pdfDocument wraps a parsed PDF. The reader is not safe for concurrent
// use, so every call into it holds mu.
type pdfDocument struct {
	id       string
	numPages int

	mu     sync.Mutex
	reader *pdf.Reader
	runs   map[int][]core.TextRun
	texts map[int]string
	sizes map[int][2]float64
}

func openPDF(id string, data []byte) (*pdfDocument, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &pdfDocument{
		id:       id,
		numPages: r.NumPage(),
		reader:   r,
		runs:     make(map[int][]core.TextRun),
		texts:    make(map[int]string),
		sizes:    make(map[int][2]float64),
	}, nil
}

func (d *pdfDocument) ID() string    { return d.id }
func (d *pdfDocument) NumPages() int { return d.numPages }

// Close drops the reader and the page caches. Calls in flight finish
// first; later calls fail with ErrDocumentClosed.
func (d *pdfDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reader = nil
	d.runs = nil
	d.texts = nil
	d.sizes = nil
	return nil
}

func (d *pdfDocument) Page(ctx context.Context, n int) (core.Page, error) {
	if n < 1 || n > d.NumPages() {
		return nil, fmt.Errorf("pdf: page %d of %d", n, d.NumPages())
	}
	size, err := call(ctx, &d.mu, func() ([2]float64, error) {
		if d.reader == nil {
			return [2]float64{}, ErrDocumentClosed
		}
		if s, ok := d.sizes[n]; ok {
			return s, nil
		}
		p := d.reader.Page(n)
		if p.V.IsNull() {
			return [2]float64{}, fmt.Errorf("pdf: page %d is missing", n)
		}
		w, h := mediaBox(p.V)
		s := [2]float64{w, h}
		d.sizes[n] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return &pdfPage{doc: d, n: n, w: size[0], h: size[1]}, nil
}

type pdfPage struct {
	doc  *pdfDocument
	n    int
	w, h float64
}

func (p *pdfPage) Number() int              { return p.n }
func (p *pdfPage) Size() (float64, float64) { return p.w, p.h }

func (p *pdfPage) TextRuns(ctx context.Context) ([]core.TextRun, error) {
	d := p.doc
	return call(ctx, &d.mu, func() ([]core.TextRun, error) {
		if d.reader == nil {
			return nil, ErrDocumentClosed
		}
		if runs, ok := d.runs[p.n]; ok {
			return runs, nil
		}
		content := d.reader.Page(p.n).Content()
		runs := mergeGlyphs(content.Text, p.h)
		d.runs[p.n] = runs
		return runs, nil
	})
}

func (p *pdfPage) Text(ctx context.Context) (string, error) {
	d := p.doc
	return call(ctx, &d.mu, func() (string, error) {
		if d.reader == nil {
			return "", ErrDocumentClosed
		}
		if t, ok := d.texts[p.n]; ok {
			return t, nil
		}
		t, err := d.reader.Page(p.n).GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("pdf: page %d text: %w", p.n, err)
		}
		t = strings.TrimSpace(t)
		d.texts[p.n] = t
		return t, nil
	})
}

// Rasterize paints the page's text layer; the surface arrives white.
func (p *pdfPage) Rasterize(ctx context.Context, dst *image.RGBA, scale float64) error {
	runs, err := p.TextRuns(ctx)
	if err != nil {
		return err
	}
	return paintRuns(ctx, dst, runs, scale)
}

// call runs fn under mu on its own goroutine. When ctx ends first the
// call returns at once and fn's late result is dropped. Library panics on
// malformed streams come back as errors.
func call[T any](ctx context.Context, mu *sync.Mutex, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	out := make(chan result, 1)
	go func() {
		mu.Lock()
		defer mu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				out <- result{err: fmt.Errorf("pdf: malformed content: %v", r)}
			}
		}()
		if err := ctx.Err(); err != nil {
			out <- result{err: err}
			return
		}
		v, err := fn()
		out <- result{v: v, err: err}
	}()
	select {
	case r := <-out:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// mediaBox reads the page box, walking up to inherited values.
func mediaBox(v pdf.Value) (float64, float64) {
	for i := 0; i < 32 && !v.IsNull(); i++ {
		box := v.Key("MediaBox")
		if box.Kind() == pdf.Array && box.Len() == 4 {
			w := box.Index(2).Float64() - box.Index(0).Float64()
			h := box.Index(3).Float64() - box.Index(1).Float64()
			if w > 0 && h > 0 {
				return w, h
			}
		}
		v = v.Key("Parent")
	}
	return defaultPageWidth, defaultPageHeight
}

// mergeGlyphs joins glyphs, in content order, into runs. A glyph continues
// the current run when it sits on the same baseline with the same font and
// a gap under a quarter em; a whitespace glyph closes the run it ends.
func mergeGlyphs(glyphs []pdf.Text, pageHeight float64) []core.TextRun {
	var (
		runs []core.TextRun
		cur  *core.TextRun
		b    strings.Builder
		base float64
		font string
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = b.String()
		if strings.TrimSpace(cur.Text) != "" {
			cur.Index = len(runs)
			runs = append(runs, *cur)
		}
		cur = nil
		b.Reset()
	}

	for _, g := range glyphs {
		if g.S == "" {
			continue
		}
		size := g.FontSize
		if size <= 0 {
			size = 10
		}
		space := strings.TrimFunc(g.S, unicode.IsSpace) == ""
		if cur != nil {
			sameLine := math.Abs(g.Y-base) <= lineTolerance(size, cur.FontSize)
			gap := g.X - (cur.X + cur.Width)
			if !sameLine || g.Font != font || size != cur.FontSize || gap > size*0.25 || gap < -size {
				flush()
			}
		}
		if cur == nil {
			if space {
				continue
			}
			cur = &core.TextRun{
				X:        g.X,
				Y:        pageHeight - g.Y - size*0.8,
				Height:   size,
				FontSize: size,
			}
			base = g.Y
			font = g.Font
		}
		b.WriteString(g.S)
		cur.Width = g.X + g.W - cur.X
		if space {
			flush()
		}
	}
	flush()
	return runs
}

func lineTolerance(a, b float64) float64 {
	return math.Max(a, b) * 0.3
}
