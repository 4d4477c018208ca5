package handlers

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	middleware "github.com/markdave123-py/docanchor/internal/api/middlewares"
	"github.com/markdave123-py/docanchor/internal/core/viewer"
	"github.com/markdave123-py/docanchor/internal/services"
)

// DocumentResolver turns a document id into what the viewer opens.
type DocumentResolver interface {
	Resolve(ctx context.Context, userID, documentID string) (*services.Resolved, error)
}

// ViewerHandler exposes viewer sessions over HTTP.
type ViewerHandler struct {
	sessions *viewer.Manager
	docs     DocumentResolver
	log      *logrus.Entry

	mu     sync.Mutex
	owners map[string]string
}

func NewViewerHandler(sessions *viewer.Manager, docs DocumentResolver, log *logrus.Entry) *ViewerHandler {
	return &ViewerHandler{sessions: sessions, docs: docs, log: log, owners: make(map[string]string)}
}

// Routes mounts the session endpoints.
func (h *ViewerHandler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Route("/{session_id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/show", h.Show)
		r.Post("/hide", h.Hide)
		r.Post("/scale", h.SetScale)
		r.Post("/snippet", h.SetSnippet)
		r.Post("/page", h.GoToPage)
		r.Post("/retry", h.Retry)
		r.Get("/pages/{page}/image", h.PageImage)
		r.Get("/pages/{page}/overlay", h.PageOverlay)
	})
}

type showRequest struct {
	DocumentID string `json:"document_id"`
	Snippet    string `json:"snippet"`
	PageHint   int    `json:"page_hint"`
	RenderAll  bool   `json:"render_all"`
}

type scaleRequest struct {
	Scale float64 `json:"scale"`
}

type snippetRequest struct {
	Snippet string `json:"snippet"`
}

type pageRequest struct {
	Page int `json:"page"`
}

func (h *ViewerHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	s := h.sessions.Create()
	h.mu.Lock()
	h.owners[s.ID()] = userID
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"session_id": s.ID(), "user_id": userID}).Info("viewer session created")
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": s.ID()})
}

func (h *ViewerHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *ViewerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Remove(r.Context(), s.ID()); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.mu.Lock()
	delete(h.owners, s.ID())
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ViewerHandler) Show(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req showRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %v", viewer.ErrInvalidRequest, err))
		return
	}
	if req.DocumentID == "" {
		writeError(w, h.log, fmt.Errorf("%w: document_id is required", viewer.ErrInvalidRequest))
		return
	}
	userID, _ := middleware.UserID(r.Context())
	doc, err := h.docs.Resolve(r.Context(), userID, req.DocumentID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	err = s.Show(r.Context(), viewer.ShowRequest{
		DocumentID: req.DocumentID,
		Locator:    doc.Locator,
		Snippet:    req.Snippet,
		PageHint:   req.PageHint,
		RenderAll:  req.RenderAll,
		Extract:    doc.NeedsExtraction,
	})
	h.reply(w, s, err)
}

func (h *ViewerHandler) Hide(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.reply(w, s, s.Hide(r.Context()))
}

func (h *ViewerHandler) SetScale(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req scaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %v", viewer.ErrInvalidRequest, err))
		return
	}
	h.reply(w, s, s.SetScale(r.Context(), req.Scale))
}

func (h *ViewerHandler) SetSnippet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req snippetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %v", viewer.ErrInvalidRequest, err))
		return
	}
	h.reply(w, s, s.SetSnippet(r.Context(), req.Snippet))
}

func (h *ViewerHandler) GoToPage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req pageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %v", viewer.ErrInvalidRequest, err))
		return
	}
	h.reply(w, s, s.GoToPage(r.Context(), req.Page))
}

func (h *ViewerHandler) Retry(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.reply(w, s, s.Retry(r.Context()))
}

func (h *ViewerHandler) PageImage(w http.ResponseWriter, r *http.Request) {
	s, n, ok := h.sessionPage(w, r)
	if !ok {
		return
	}
	st, ok := s.Page(n)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("page %d is not rendered", n)})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Render-Generation", strconv.FormatUint(st.Generation, 10))
	if err := png.Encode(w, st.Surface.Image()); err != nil {
		h.log.WithError(err).WithField("page", n).Warn("png encode failed")
	}
}

func (h *ViewerHandler) PageOverlay(w http.ResponseWriter, r *http.Request) {
	s, n, ok := h.sessionPage(w, r)
	if !ok {
		return
	}
	st, ok := s.Page(n)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("page %d is not rendered", n)})
		return
	}
	writeJSON(w, http.StatusOK, st.Overlay)
}

// reply answers a command with the session snapshot. Errors the session
// already recorded in its snapshot are still reported with their status.
func (h *ViewerHandler) reply(w http.ResponseWriter, s *viewer.Session, err error) {
	if err != nil {
		writeError(w, h.log.WithField("session_id", s.ID()), err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// session resolves {session_id} and checks it belongs to the caller.
func (h *ViewerHandler) session(w http.ResponseWriter, r *http.Request) (*viewer.Session, bool) {
	id := chi.URLParam(r, "session_id")
	s, err := h.sessions.Get(id)
	if err != nil {
		writeError(w, h.log, err)
		return nil, false
	}
	userID, _ := middleware.UserID(r.Context())
	h.mu.Lock()
	owner := h.owners[id]
	h.mu.Unlock()
	if owner != "" && owner != userID {
		writeError(w, h.log, viewer.ErrSessionNotFound)
		return nil, false
	}
	return s, true
}

func (h *ViewerHandler) sessionPage(w http.ResponseWriter, r *http.Request) (*viewer.Session, int, bool) {
	s, ok := h.session(w, r)
	if !ok {
		return nil, 0, false
	}
	n, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || n < 1 {
		writeError(w, h.log, errors.Join(viewer.ErrInvalidRequest, fmt.Errorf("invalid page %q", chi.URLParam(r, "page"))))
		return nil, 0, false
	}
	return s, n, true
}
