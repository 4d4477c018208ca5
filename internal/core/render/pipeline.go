package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/docanchor/internal/core"
)

// Options configures a Pipeline.
type Options struct {
	// PixelRatio is the device pixel ratio applied to the raster.
	PixelRatio float64
	// Concurrency bounds RenderAll; <=0 means one goroutine per page.
	Concurrency int
}

// PageRenderState is the committed result of the latest render of a page.
// States are replaced, never mutated, so a reader may keep one.
type PageRenderState struct {
	PageNumber int       `json:"page_number"`
	Generation uint64    `json:"generation"`
	Viewport   Viewport  `json:"viewport"`
	Surface    *Surface  `json:"-"`
	Overlay    *Overlay  `json:"overlay"`
	RenderedAt time.Time `json:"rendered_at"`
}

type task struct {
	gen    uint64
	scale  float64
	cancel context.CancelFunc
	done   chan struct{}
}

type slot struct {
	task  *task
	state *PageRenderState
	scale float64
}

// Pipeline renders the pages of one document. At most one render per page
// is in flight; starting a new one cancels the old and waits for it to
// settle before any work begins.
type Pipeline struct {
	doc  core.DocumentHandle
	opts Options
	log  *logrus.Entry

	mu         sync.Mutex
	generation uint64
	slots      map[int]*slot
	highlights map[int]map[int]struct{}
	closed     bool
}

// New returns a pipeline bound to doc.
func New(doc core.DocumentHandle, opts Options, log *logrus.Entry) *Pipeline {
	if opts.PixelRatio <= 0 {
		opts.PixelRatio = 1
	}
	return &Pipeline{
		doc:        doc,
		opts:       opts,
		log:        log.WithField("document_id", doc.ID()),
		slots:      make(map[int]*slot),
		highlights: make(map[int]map[int]struct{}),
	}
}

// Document returns the handle the pipeline renders.
func (p *Pipeline) Document() core.DocumentHandle { return p.doc }

// RenderPage renders page n at scale and commits the result. A render that
// is superseded or cancelled returns ErrRenderCancelled and commits nothing.
func (p *Pipeline) RenderPage(ctx context.Context, n int, scale float64) (*PageRenderState, error) {
	if n < 1 || n > p.doc.NumPages() {
		return nil, &RenderError{Page: n, Err: fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, n, p.doc.NumPages())}
	}
	if scale <= 0 {
		return nil, &RenderError{Page: n, Err: fmt.Errorf("%w: %v", ErrInvalidScale, scale)}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.generation++
	tctx, cancel := context.WithCancel(ctx)
	t := &task{gen: p.generation, scale: scale, cancel: cancel, done: make(chan struct{})}
	sl := p.slotLocked(n)
	prev := sl.task
	sl.task = t
	p.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	state, err := p.render(tctx, n, t.gen, scale)

	p.mu.Lock()
	settled := tctx.Err() != nil
	if sl.task == t {
		sl.task = nil
	}
	if err == nil && !settled && !p.closed {
		sl.state = state
		sl.scale = scale
	}
	p.mu.Unlock()
	cancel()
	close(t.done)

	switch {
	case err != nil && (settled || IsCancelled(err)):
		p.log.WithFields(logrus.Fields{"page": n, "generation": t.gen}).Debug("render cancelled")
		return nil, ErrRenderCancelled
	case err != nil:
		p.log.WithError(err).WithField("page", n).Error("render failed")
		return nil, &RenderError{Page: n, Err: err}
	case settled:
		return nil, ErrRenderCancelled
	}
	p.log.WithFields(logrus.Fields{"page": n, "generation": t.gen, "scale": scale}).Debug("page rendered")
	return state, nil
}

func (p *Pipeline) render(ctx context.Context, n int, gen uint64, scale float64) (*PageRenderState, error) {
	page, err := p.doc.Page(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	w, h := page.Size()
	vp := Viewport{Scale: scale, PixelRatio: p.opts.PixelRatio, Width: w * scale, Height: h * scale}

	surface := NewSurface()
	surface.Reset(vp.DeviceWidth(), vp.DeviceHeight(), vp.DeviceScale())
	if err := page.Rasterize(ctx, surface.Image(), vp.DeviceScale()); err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ErrRenderCancelled
	}

	overlay, err := p.renderTextOverlay(ctx, page, n, gen, vp)
	if err != nil {
		return nil, err
	}
	return &PageRenderState{
		PageNumber: n,
		Generation: gen,
		Viewport:   vp,
		Surface:    surface,
		Overlay:    overlay,
		RenderedAt: time.Now().UTC(),
	}, nil
}

// renderTextOverlay builds a fresh overlay with the current highlight set
// already applied.
func (p *Pipeline) renderTextOverlay(ctx context.Context, page core.Page, n int, gen uint64, vp Viewport) (*Overlay, error) {
	runs, err := page.TextRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("text runs: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ErrRenderCancelled
	}
	p.mu.Lock()
	marked := p.highlights[n]
	p.mu.Unlock()
	return buildOverlay(n, gen, vp, runs, marked), nil
}

func (p *Pipeline) slotLocked(n int) *slot {
	sl, ok := p.slots[n]
	if !ok {
		sl = &slot{}
		p.slots[n] = sl
	}
	return sl
}

// SetHighlights replaces the highlight set of page n and applies it to the
// committed overlay, if any. It returns the ids of the flagged elements.
func (p *Pipeline) SetHighlights(n int, runIndices []int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids, _ := p.applyLocked(n, 0, runIndices, false)
	return ids
}

// Highlight applies runIndices to the overlay of the given generation. It
// fails with ErrStaleOverlay when that overlay is no longer current.
func (p *Pipeline) Highlight(n int, generation uint64, runIndices []int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyLocked(n, generation, runIndices, true)
}

func (p *Pipeline) applyLocked(n int, generation uint64, runIndices []int, strict bool) ([]string, error) {
	sl := p.slots[n]
	if strict && (sl == nil || sl.state == nil || sl.state.Generation != generation) {
		return nil, ErrStaleOverlay
	}
	marked := make(map[int]struct{}, len(runIndices))
	for _, i := range runIndices {
		marked[i] = struct{}{}
	}
	if len(marked) == 0 {
		delete(p.highlights, n)
	} else {
		p.highlights[n] = marked
	}
	if sl == nil || sl.state == nil {
		return nil, nil
	}
	next := *sl.state
	next.Overlay = sl.state.Overlay.withHighlights(marked)
	sl.state = &next
	return next.Overlay.HighlightedIDs(), nil
}

// ClearHighlights drops the highlight set of every page.
func (p *Pipeline) ClearHighlights() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n := range p.highlights {
		_, _ = p.applyLocked(n, 0, nil, false)
	}
}

// Highlights returns the marked run indices of page n in ascending order.
func (p *Pipeline) Highlights(n int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.highlights[n]))
	for i := range p.highlights[n] {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Page returns the committed state of page n.
func (p *Pipeline) Page(n int) (*PageRenderState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sl, ok := p.slots[n]
	if !ok || sl.state == nil {
		return nil, false
	}
	return sl.state, true
}

// Rendered lists the pages that have a committed state or a render in flight.
func (p *Pipeline) Rendered() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages := make([]int, 0, len(p.slots))
	for n, sl := range p.slots {
		if sl.state != nil || sl.task != nil {
			pages = append(pages, n)
		}
	}
	sort.Ints(pages)
	return pages
}

// Busy reports whether any render is in flight.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sl := range p.slots {
		if sl.task != nil {
			return true
		}
	}
	return false
}

// RenderAll renders pages concurrently at scale. An empty list means every
// page of the document. Cancelled renders are not errors; after all pages
// settle every real failure is returned, joined in page order.
func (p *Pipeline) RenderAll(ctx context.Context, pages []int, scale float64) error {
	if len(pages) == 0 {
		pages = make([]int, p.doc.NumPages())
		for i := range pages {
			pages[i] = i + 1
		}
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []*RenderError
	)
	if p.opts.Concurrency > 0 {
		g.SetLimit(p.opts.Concurrency)
	}
	for _, n := range pages {
		n := n
		g.Go(func() error {
			_, err := p.RenderPage(ctx, n, scale)
			if err == nil || IsCancelled(err) {
				return nil
			}
			re, ok := err.(*RenderError)
			if !ok {
				re = &RenderError{Page: n, Err: err}
			}
			mu.Lock()
			failed = append(failed, re)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		return nil
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Page < failed[j].Page })
	if len(failed) == 1 {
		return failed[0]
	}
	errs := make([]error, len(failed))
	for i, re := range failed {
		errs[i] = re
	}
	return errors.Join(errs...)
}

// Cancel stops the in-flight render of page n and waits for it to settle.
func (p *Pipeline) Cancel(n int) {
	p.mu.Lock()
	var t *task
	if sl, ok := p.slots[n]; ok {
		t = sl.task
	}
	p.mu.Unlock()
	if t != nil {
		t.cancel()
		<-t.done
	}
}

// CancelAll stops every in-flight render and waits for them to settle.
func (p *Pipeline) CancelAll() {
	p.mu.Lock()
	tasks := make([]*task, 0, len(p.slots))
	for _, sl := range p.slots {
		if sl.task != nil {
			tasks = append(tasks, sl.task)
		}
	}
	p.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// Close cancels all renders and drops every state. The document handle
// is left open; its owner closes it.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.CancelAll()
	p.mu.Lock()
	p.slots = make(map[int]*slot)
	p.highlights = make(map[int]map[int]struct{})
	p.mu.Unlock()
}
