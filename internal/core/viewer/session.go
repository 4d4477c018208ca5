package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/markdave123-py/docanchor/internal/core"
	"github.com/markdave123-py/docanchor/internal/core/aligner"
	"github.com/markdave123-py/docanchor/internal/core/events"
	extraction "github.com/markdave123-py/docanchor/internal/core/extraction_engine"
	"github.com/markdave123-py/docanchor/internal/core/guard"
	"github.com/markdave123-py/docanchor/internal/core/render"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRendering    State = "rendering"
	StateSearching    State = "searching"
	StateExtracting   State = "extracting"
	StateDisposing    State = "disposing"
)

// Extractor is the part of the extraction pipeline a session drives.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (*extraction.Result, error)
	IsCompleted(externalID string) bool
}

// Deps are the collaborators of a session. Extractor and Bus may be nil.
type Deps struct {
	Guard     *guard.Guard
	Source    core.DocumentSource
	Extractor Extractor
	Bus       events.Publisher
	Log       *logrus.Entry
}

// Options tunes a session.
type Options struct {
	PixelRatio        float64
	DefaultScale      float64
	RenderConcurrency int
}

// ShowRequest opens a document in the session.
//
// DocumentID: external id; also the guard id and extraction key.
// Locator:    where the document source finds the bytes.
// Snippet:    optional reference text to locate and highlight.
// PageHint:   optional 1-based page to search first.
// RenderAll:  render every page instead of only the first.
// Extract:    start text extraction once the document is shown.
type ShowRequest struct {
	DocumentID string
	Locator    string
	Snippet    string
	PageHint   int
	RenderAll  bool
	Extract    bool
}

// ExtractionStatus is the session's view of its extraction job.
type ExtractionStatus struct {
	Running  bool   `json:"running"`
	Progress int    `json:"progress"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Snapshot is the observable state of a session.
type Snapshot struct {
	SessionID         string               `json:"session_id"`
	State             State                `json:"state"`
	IsLoading         bool                 `json:"is_loading"`
	Error             string               `json:"error,omitempty"`
	Retryable         bool                 `json:"retryable"`
	DocumentID        string               `json:"document_id,omitempty"`
	CurrentPage       int                  `json:"current_page"`
	TotalPages        int                  `json:"total_pages"`
	Scale             float64              `json:"scale"`
	Snippet           string               `json:"snippet,omitempty"`
	Match             *aligner.MatchResult `json:"match,omitempty"`
	MatchPage         int                  `json:"match_page,omitempty"`
	HighlightedRunIDs []string             `json:"highlighted_run_ids,omitempty"`
	RenderedPages     []int                `json:"rendered_pages,omitempty"`
	Extraction        *ExtractionStatus    `json:"extraction,omitempty"`
}

// Session owns at most one open document. Commands are serialized; renders
// of different pages inside one command may run concurrently.
type Session struct {
	id   string
	deps Deps
	opts Options
	log  *logrus.Entry

	cmd sync.Mutex

	mu          sync.Mutex
	state       State
	err         error
	last        *ShowRequest
	docID       string
	doc         core.DocumentHandle
	pipeline    *render.Pipeline
	scale       float64
	currentPage int
	snippet     string
	pageHint    int
	match       *aligner.PageMatch
	highlighted []string
	extraction  *ExtractionStatus
}

// NewSession returns an idle session.
func NewSession(id string, deps Deps, opts Options) *Session {
	if opts.PixelRatio <= 0 {
		opts.PixelRatio = 1
	}
	if opts.DefaultScale <= 0 {
		opts.DefaultScale = 1
	}
	if deps.Bus == nil {
		deps.Bus = events.Discard{}
	}
	return &Session{
		id:    id,
		deps:  deps,
		opts:  opts,
		log:   deps.Log.WithField("session_id", id),
		state: StateIdle,
		scale: opts.DefaultScale,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Show loads req's document, replacing any current one, renders it and
// locates the snippet. Render and search problems leave the session Ready
// with the error recorded; only grant and load failures return it to Idle.
func (s *Session) Show(ctx context.Context, req ShowRequest) error {
	if req.DocumentID == "" || req.Locator == "" {
		return fmt.Errorf("%w: document id and locator are required", ErrInvalidRequest)
	}
	s.cmd.Lock()
	defer s.cmd.Unlock()
	return s.show(ctx, req)
}

func (s *Session) show(ctx context.Context, req ShowRequest) error {
	s.mu.Lock()
	switching := s.doc != nil
	r := req
	s.last = &r
	s.mu.Unlock()

	if switching {
		s.dispose()
		s.deps.Guard.ClearAllViewers(ctx)
	}

	log := s.log.WithField("document_id", req.DocumentID)
	s.setState(StateInitializing, req.DocumentID)
	s.setErr(nil)

	doc, err := s.initialize(ctx, req.DocumentID, req.Locator)
	if err != nil {
		log.WithError(err).Error("viewer: initialization failed")
		s.setErr(err)
		s.setState(StateIdle, req.DocumentID)
		return err
	}

	pl := render.New(doc, render.Options{
		PixelRatio:  s.opts.PixelRatio,
		Concurrency: s.opts.RenderConcurrency,
	}, s.log)
	s.mu.Lock()
	s.docID = req.DocumentID
	s.doc = doc
	s.pipeline = pl
	s.currentPage = 1
	s.snippet = req.Snippet
	s.pageHint = req.PageHint
	s.match = nil
	s.highlighted = nil
	s.extraction = nil
	scale := s.scale
	s.mu.Unlock()
	log.WithField("pages", doc.NumPages()).Info("viewer: document ready")

	var pages []int
	if !req.RenderAll {
		pages = []int{1}
	}
	renderErr := s.renderPages(ctx, pages, scale)
	var searchErr error
	if req.Snippet != "" {
		searchErr = s.search(ctx)
	}
	switch {
	case renderErr != nil && searchErr != nil:
		s.setErr(errors.Join(renderErr, searchErr))
	case renderErr != nil:
		s.setErr(renderErr)
	case searchErr != nil:
		s.setErr(searchErr)
	}
	if req.Extract {
		s.startExtraction(req.DocumentID, req.Locator)
	}
	s.setState(StateReady, req.DocumentID)
	return nil
}

// initialize runs the guarded part of Show: grant, load, register. The
// grant is released on every path out.
func (s *Session) initialize(ctx context.Context, docID, locator string) (core.DocumentHandle, error) {
	release, granted := s.deps.Guard.Acquire(ctx, docID)
	defer release()
	if !granted {
		return nil, ErrGrantDenied
	}
	doc, err := s.deps.Source.Load(ctx, locator)
	if err != nil {
		return nil, &LoadError{DocumentID: docID, Err: err}
	}
	s.deps.Guard.RegisterViewer(docID)
	return doc, nil
}

// Hide disposes the current document and returns the session to Idle.
func (s *Session) Hide(ctx context.Context) error {
	s.cmd.Lock()
	defer s.cmd.Unlock()
	s.dispose()
	return nil
}

// dispose cancels renders, closes the handle and unregisters from the guard.
func (s *Session) dispose() {
	s.mu.Lock()
	doc, pl, docID := s.doc, s.pipeline, s.docID
	s.mu.Unlock()
	if doc == nil {
		s.setState(StateIdle, "")
		return
	}
	s.setState(StateDisposing, docID)

	pl.Close()
	if err := doc.Close(); err != nil {
		s.log.WithError(err).WithField("document_id", docID).Warn("viewer: closing document failed")
	}
	s.deps.Guard.UnregisterViewer(docID)

	s.mu.Lock()
	s.doc = nil
	s.pipeline = nil
	s.docID = ""
	s.currentPage = 0
	s.match = nil
	s.highlighted = nil
	s.snippet = ""
	s.pageHint = 0
	s.err = nil
	s.mu.Unlock()
	s.setState(StateIdle, docID)
}

// SetScale re-renders every rendered page at scale.
func (s *Session) SetScale(ctx context.Context, scale float64) error {
	if scale <= 0 {
		return fmt.Errorf("%w: scale must be positive", ErrInvalidRequest)
	}
	s.cmd.Lock()
	defer s.cmd.Unlock()

	pl, err := s.current()
	if err != nil {
		s.mu.Lock()
		s.scale = scale
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.scale = scale
	page := s.currentPage
	s.mu.Unlock()

	pages := pl.Rendered()
	if len(pages) == 0 {
		pages = []int{page}
	}
	err = s.renderPages(ctx, pages, scale)
	s.setErr(err)
	s.setState(StateReady, s.documentID())
	s.refreshHighlighted(pl)
	return err
}

// SetSnippet replaces the snippet and searches for it. An empty snippet
// clears the highlight.
func (s *Session) SetSnippet(ctx context.Context, snippet string) error {
	s.cmd.Lock()
	defer s.cmd.Unlock()
	pl, err := s.current()
	if err != nil {
		return err
	}
	pl.ClearHighlights()
	s.mu.Lock()
	s.snippet = snippet
	s.pageHint = 0
	s.match = nil
	s.highlighted = nil
	s.mu.Unlock()
	if snippet == "" {
		return nil
	}
	err = s.search(ctx)
	s.setErr(err)
	s.setState(StateReady, s.documentID())
	return err
}

// GoToPage makes n the current page, rendering it if needed.
func (s *Session) GoToPage(ctx context.Context, n int) error {
	s.cmd.Lock()
	defer s.cmd.Unlock()
	pl, err := s.current()
	if err != nil {
		return err
	}
	if n < 1 || n > pl.Document().NumPages() {
		return fmt.Errorf("%w: page %d of %d", ErrInvalidRequest, n, pl.Document().NumPages())
	}
	s.mu.Lock()
	scale := s.scale
	s.mu.Unlock()

	if st, ok := pl.Page(n); !ok || st.Viewport.Scale != scale {
		if err := s.renderPages(ctx, []int{n}, scale); err != nil {
			s.setErr(err)
			s.setState(StateReady, s.documentID())
			return err
		}
		s.setState(StateReady, s.documentID())
	}
	s.mu.Lock()
	s.currentPage = n
	s.mu.Unlock()
	return nil
}

// Retry repeats the failed step: the whole Show after a load failure,
// otherwise a render of every page that failed, or of the current page when
// the error names none.
func (s *Session) Retry(ctx context.Context) error {
	s.cmd.Lock()
	defer s.cmd.Unlock()

	s.mu.Lock()
	lastErr, last, loaded := s.err, s.last, s.doc != nil
	page, scale := s.currentPage, s.scale
	s.mu.Unlock()

	if lastErr == nil || !isRetryable(lastErr) {
		return ErrNothingToRetry
	}
	if !loaded {
		if last == nil {
			return ErrNothingToRetry
		}
		return s.show(ctx, *last)
	}
	pages := render.FailedPages(lastErr)
	if len(pages) == 0 {
		pages = []int{page}
	}
	err := s.renderPages(ctx, pages, scale)
	s.setErr(err)
	s.setState(StateReady, s.documentID())
	if err != nil {
		return err
	}
	if pl, cerr := s.current(); cerr == nil {
		s.refreshHighlighted(pl)
	}
	return nil
}

// Page returns the committed render of page n.
func (s *Session) Page(n int) (*render.PageRenderState, bool) {
	s.mu.Lock()
	pl := s.pipeline
	s.mu.Unlock()
	if pl == nil {
		return nil, false
	}
	return pl.Page(n)
}

// Snapshot reports the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID:   s.id,
		State:       s.state,
		IsLoading:   s.state == StateInitializing,
		DocumentID:  s.docID,
		CurrentPage: s.currentPage,
		Scale:       s.scale,
		Snippet:     s.snippet,
	}
	if s.state == StateReady && s.extraction != nil && s.extraction.Running {
		snap.State = StateExtracting
	}
	if s.err != nil {
		snap.Error = s.err.Error()
		snap.Retryable = isRetryable(s.err)
	}
	if s.doc != nil {
		snap.TotalPages = s.doc.NumPages()
	}
	if s.pipeline != nil {
		snap.RenderedPages = s.pipeline.Rendered()
	}
	if s.match != nil {
		m := s.match.MatchResult
		snap.Match = &m
		snap.MatchPage = s.match.PageNumber
	}
	snap.HighlightedRunIDs = append([]string(nil), s.highlighted...)
	if s.extraction != nil {
		x := *s.extraction
		snap.Extraction = &x
	}
	return snap
}

func (s *Session) renderPages(ctx context.Context, pages []int, scale float64) error {
	s.mu.Lock()
	pl := s.pipeline
	s.mu.Unlock()
	if pl == nil {
		return ErrNoDocument
	}
	s.setState(StateRendering, s.documentID())
	var err error
	if len(pages) == 1 {
		_, err = pl.RenderPage(ctx, pages[0], scale)
		if render.IsCancelled(err) {
			err = nil
		}
	} else {
		err = pl.RenderAll(ctx, pages, scale)
	}
	if err != nil && !isRenderError(err) {
		s.log.WithError(err).Error("viewer: render failed")
	}
	return err
}

// search runs the aligner page by page and highlights the first match.
// Finding nothing is not an error.
func (s *Session) search(ctx context.Context) error {
	s.mu.Lock()
	pl, doc, snippet, hint, scale := s.pipeline, s.doc, s.snippet, s.pageHint, s.scale
	s.mu.Unlock()
	if pl == nil {
		return ErrNoDocument
	}
	s.setState(StateSearching, s.documentID())

	log := s.log.WithField("document_id", s.documentID())
	load := func(ctx context.Context, n int) ([]core.TextRun, error) {
		page, err := doc.Page(ctx, n)
		if err != nil {
			return nil, err
		}
		return page.TextRuns(ctx)
	}
	match, err := aligner.SearchPages(ctx, doc.NumPages(), load, snippet, aligner.SearchOptions{
		PageHint: hint,
		OnPageError: func(n int, err error) {
			log.WithError(err).WithField("page", n).Warn("viewer: page skipped during search")
		},
	})
	if err != nil {
		return err
	}
	if match == nil {
		log.Debug("viewer: snippet not found")
		return nil
	}

	pl.SetHighlights(match.PageNumber, match.RunIndices)
	s.mu.Lock()
	s.match = match
	s.currentPage = match.PageNumber
	s.mu.Unlock()
	if _, ok := pl.Page(match.PageNumber); !ok {
		if err := s.renderPages(ctx, []int{match.PageNumber}, scale); err != nil {
			return err
		}
	}
	s.refreshHighlighted(pl)
	log.WithFields(logrus.Fields{"page": match.PageNumber, "runs": len(match.RunIndices), "tier": match.Tier.String()}).Info("viewer: snippet located")
	return nil
}

// refreshHighlighted reads the highlighted element ids of the match page
// and announces them.
func (s *Session) refreshHighlighted(pl *render.Pipeline) {
	s.mu.Lock()
	match := s.match
	s.mu.Unlock()
	if match == nil {
		return
	}
	st, ok := pl.Page(match.PageNumber)
	if !ok {
		return
	}
	ids := st.Overlay.HighlightedIDs()
	s.mu.Lock()
	s.highlighted = ids
	docID := s.docID
	s.mu.Unlock()
	s.deps.Bus.Publish(events.Highlight(s.id, docID, ids))
}

func (s *Session) startExtraction(docID, locator string) {
	ex := s.deps.Extractor
	if ex == nil {
		return
	}
	if ex.IsCompleted(docID) {
		s.mu.Lock()
		s.extraction = &ExtractionStatus{Done: true, Progress: 100}
		s.mu.Unlock()
		return
	}
	st := &ExtractionStatus{Running: true}
	s.mu.Lock()
	s.extraction = st
	s.mu.Unlock()

	go func() {
		_, err := ex.Extract(context.Background(), extraction.Request{
			ExternalID: docID,
			Locator:    locator,
			OnProgress: func(p int) {
				s.mu.Lock()
				st.Progress = p
				s.mu.Unlock()
			},
		})
		s.mu.Lock()
		st.Running = false
		st.Done = err == nil
		if err != nil {
			st.Error = err.Error()
		}
		s.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).WithField("document_id", docID).Warn("viewer: extraction failed")
		}
	}()
}

func (s *Session) current() (*render.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline == nil {
		return nil, ErrNoDocument
	}
	return s.pipeline, nil
}

func (s *Session) documentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docID
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Session) setState(st State, docID string) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		s.deps.Bus.Publish(events.StateChanged(s.id, docID, string(st)))
		s.log.WithField("state", st).Debug("viewer: state changed")
	}
}
