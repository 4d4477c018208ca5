package render

import (
	"context"
	"errors"
	"image"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markdave123-py/docanchor/internal/core"
	"github.com/markdave123-py/docanchor/internal/infra"
)

type fakePage struct {
	n       int
	w, h    float64
	runs    []core.TextRun
	gate    chan struct{}
	started chan float64
	fail    error

	completed atomic.Int32
}

func (p *fakePage) Number() int { return p.n }

func (p *fakePage) Size() (float64, float64) { return p.w, p.h }

func (p *fakePage) Text(context.Context) (string, error) { return "", nil }

func (p *fakePage) TextRuns(context.Context) ([]core.TextRun, error) { return p.runs, nil }

func (p *fakePage) Rasterize(ctx context.Context, _ *image.RGBA, scale float64) error {
	if p.started != nil {
		p.started <- scale
	}
	if p.fail != nil {
		return p.fail
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.completed.Add(1)
	return nil
}

type fakeDoc struct {
	pages []*fakePage
}

func newFakeDoc(n int) *fakeDoc {
	d := &fakeDoc{}
	for i := 1; i <= n; i++ {
		d.pages = append(d.pages, &fakePage{
			n: i, w: 100, h: 50,
			runs: []core.TextRun{
				{Index: 0, Text: "alpha", X: 10, Y: 5, Width: 20, Height: 8, FontSize: 8},
				{Index: 1, Text: "beta", X: 40, Y: 5, Width: 16, Height: 8, FontSize: 8},
				{Index: 2, Text: "gamma", X: 10, Y: 20, Width: 24, Height: 8, FontSize: 8},
			},
		})
	}
	return d
}

func (d *fakeDoc) ID() string    { return "doc-1" }
func (d *fakeDoc) NumPages() int { return len(d.pages) }
func (d *fakeDoc) Close() error  { return nil }

func (d *fakeDoc) Page(_ context.Context, n int) (core.Page, error) {
	return d.pages[n-1], nil
}

func newPipeline(doc core.DocumentHandle, ratio float64) *Pipeline {
	return New(doc, Options{PixelRatio: ratio}, infra.Discard())
}

func TestRenderPageBuildsViewportAndOverlay(t *testing.T) {
	t.Parallel()
	p := newPipeline(newFakeDoc(1), 2)

	st, err := p.RenderPage(context.Background(), 1, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	if b := st.Surface.Bounds(); b.Dx() != 300 || b.Dy() != 150 {
		t.Fatalf("surface = %v, want 300x150", b)
	}
	if st.Surface.DeviceScale() != 3 {
		t.Fatalf("device scale = %v", st.Surface.DeviceScale())
	}
	if st.Overlay.Width != 150 || st.Overlay.Height != 75 {
		t.Fatalf("overlay = %vx%v", st.Overlay.Width, st.Overlay.Height)
	}
	el := st.Overlay.Elements[1]
	if el.Left != 60 || el.Width != 24 || el.FontSize != 12 {
		t.Fatalf("element geometry = %+v", el)
	}
	if el.ID != "p1-g1-r1" {
		t.Fatalf("id = %q", el.ID)
	}
	if got, ok := p.Page(1); !ok || got != st {
		t.Fatal("state not committed")
	}
}

func TestRenderSerializesPerPage(t *testing.T) {
	t.Parallel()
	doc := newFakeDoc(2)
	pg := doc.pages[1]
	pg.gate = make(chan struct{})
	pg.started = make(chan float64, 4)
	p := newPipeline(doc, 1)

	var firstErr error
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, firstErr = p.RenderPage(context.Background(), 2, 1)
	}()
	if s := <-pg.started; s != 1 {
		t.Fatalf("first render scale = %v", s)
	}

	var second *PageRenderState
	var secondErr error
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		second, secondErr = p.RenderPage(context.Background(), 2, 2)
	}()

	<-firstDone
	if !errors.Is(firstErr, ErrRenderCancelled) {
		t.Fatalf("first err = %v, want cancelled", firstErr)
	}
	if s := <-pg.started; s != 2 {
		t.Fatalf("second render scale = %v", s)
	}
	close(pg.gate)
	<-secondDone

	if secondErr != nil {
		t.Fatal(secondErr)
	}
	if second.Viewport.Scale != 2 {
		t.Fatalf("committed scale = %v", second.Viewport.Scale)
	}
	if n := pg.completed.Load(); n != 1 {
		t.Fatalf("completed renders = %d, want 1", n)
	}
	if st, _ := p.Page(2); st.Generation != second.Generation {
		t.Fatalf("committed generation %d, want %d", st.Generation, second.Generation)
	}
}

func TestRenderManyOverlappingRequestsCommitOnce(t *testing.T) {
	t.Parallel()
	doc := newFakeDoc(1)
	p := newPipeline(doc, 1)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(scale float64) {
			defer wg.Done()
			if _, err := p.RenderPage(context.Background(), 1, scale); err == nil {
				ok.Add(1)
			} else if !IsCancelled(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}(float64(i))
	}
	wg.Wait()

	if ok.Load() < 1 {
		t.Fatal("no render completed")
	}
	if p.Busy() {
		t.Fatal("render still in flight")
	}
	st, found := p.Page(1)
	if !found {
		t.Fatal("no committed state")
	}
	if st.Overlay.Generation != st.Generation {
		t.Fatal("overlay generation mismatch")
	}
}

func TestHighlightsAppliedAtConstruction(t *testing.T) {
	t.Parallel()
	p := newPipeline(newFakeDoc(1), 1)
	p.SetHighlights(1, []int{0, 2})

	st, err := p.RenderPage(context.Background(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := st.Overlay.HighlightedIDs(), []string{"p1-g1-r0", "p1-g1-r2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("highlighted = %v, want %v", got, want)
	}

	// A re-render at a new scale keeps the highlight set.
	st, err = p.RenderPage(context.Background(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := st.Overlay.HighlightedIDs(), []string{"p1-g2-r0", "p1-g2-r2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("highlighted after rerender = %v, want %v", got, want)
	}
}

func TestHighlightRejectsStaleGeneration(t *testing.T) {
	t.Parallel()
	p := newPipeline(newFakeDoc(1), 1)
	first, err := p.RenderPage(context.Background(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.RenderPage(context.Background(), 1, 1.25)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Highlight(1, first.Generation, []int{1}); !errors.Is(err, ErrStaleOverlay) {
		t.Fatalf("err = %v, want ErrStaleOverlay", err)
	}
	if got := p.Highlights(1); len(got) != 0 {
		t.Fatalf("stale highlight leaked: %v", got)
	}

	ids, err := p.Highlight(1, second.Generation, []int{1})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"p1-g2-r1"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	// The earlier state handed out is left untouched.
	if len(second.Overlay.HighlightedIDs()) != 0 {
		t.Fatal("committed state mutated in place")
	}

	p.ClearHighlights()
	if st, _ := p.Page(1); len(st.Overlay.HighlightedIDs()) != 0 {
		t.Fatal("highlights not cleared")
	}
}

func TestRenderErrors(t *testing.T) {
	t.Parallel()
	doc := newFakeDoc(2)
	doc.pages[1].fail = errors.New("corrupt stream")
	p := newPipeline(doc, 1)

	var re *RenderError
	_, err := p.RenderPage(context.Background(), 3, 1)
	if !errors.As(err, &re) || re.Retryable() || !errors.Is(err, ErrPageOutOfRange) {
		t.Fatalf("out of range err = %v", err)
	}

	_, err = p.RenderPage(context.Background(), 2, 1)
	if !errors.As(err, &re) || !re.Retryable() || re.Page != 2 {
		t.Fatalf("raster err = %v", err)
	}
	if _, ok := p.Page(2); ok {
		t.Fatal("failed render committed a state")
	}
}

func TestRenderCancelledByCaller(t *testing.T) {
	t.Parallel()
	doc := newFakeDoc(1)
	doc.pages[0].gate = make(chan struct{})
	p := newPipeline(doc, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.RenderPage(ctx, 1, 1); !errors.Is(err, ErrRenderCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if _, ok := p.Page(1); ok {
		t.Fatal("cancelled render committed")
	}
}

func TestRenderAllAndClose(t *testing.T) {
	t.Parallel()
	p := New(newFakeDoc(3), Options{PixelRatio: 1, Concurrency: 2}, infra.Discard())
	if err := p.RenderAll(context.Background(), nil, 1); err != nil {
		t.Fatal(err)
	}
	if got := p.Rendered(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("rendered = %v", got)
	}

	p.Close()
	if len(p.Rendered()) != 0 {
		t.Fatal("states survived close")
	}
	if _, err := p.RenderPage(context.Background(), 1, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRenderAllReportsEveryFailedPage(t *testing.T) {
	t.Parallel()
	doc := newFakeDoc(4)
	doc.pages[1].fail = errors.New("boom")
	doc.pages[3].fail = errors.New("bang")
	p := New(doc, Options{PixelRatio: 1, Concurrency: 2}, infra.Discard())

	err := p.RenderAll(context.Background(), nil, 1)
	if got := FailedPages(err); !reflect.DeepEqual(got, []int{2, 4}) {
		t.Fatalf("failed pages = %v (%v)", got, err)
	}
	var re *RenderError
	if !errors.As(err, &re) || !re.Retryable() {
		t.Fatalf("err = %v, want a retryable *RenderError", err)
	}
	if got := p.Rendered(); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("rendered = %v", got)
	}

	doc.pages[1].fail = nil
	_, err = p.RenderPage(context.Background(), 4, 1)
	if got := FailedPages(err); !reflect.DeepEqual(got, []int{4}) {
		t.Fatalf("single failure pages = %v", got)
	}
	if FailedPages(nil) != nil {
		t.Fatal("nil error has failed pages")
	}
}

func TestCancelWaitsForTask(t *testing.T) {
	t.Parallel()
	doc := newFakeDoc(1)
	doc.pages[0].gate = make(chan struct{})
	doc.pages[0].started = make(chan float64, 1)
	p := newPipeline(doc, 1)

	done := make(chan error, 1)
	go func() {
		_, err := p.RenderPage(context.Background(), 1, 1)
		done <- err
	}()
	<-doc.pages[0].started
	p.Cancel(1)
	if p.Busy() {
		t.Fatal("Cancel returned before the task settled")
	}
	if err := <-done; !errors.Is(err, ErrRenderCancelled) {
		t.Fatalf("err = %v", err)
	}
}
