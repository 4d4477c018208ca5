package handlers

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	middleware "github.com/markdave123-py/docanchor/internal/api/middlewares"
	extraction "github.com/markdave123-py/docanchor/internal/core/extraction_engine"
	"github.com/markdave123-py/docanchor/internal/models"
	"github.com/markdave123-py/docanchor/internal/services"
)

// DocumentStore is the part of the document service the handler uses.
type DocumentStore interface {
	DocumentResolver
	Register(ctx context.Context, userID, filename, storageURL, contentType string) (*models.Document, error)
	ExtractedText(ctx context.Context, id string) (*models.DocumentText, error)
}

// ExtractionQueue is the part of the extraction pipeline the handler uses.
type ExtractionQueue interface {
	Enqueue(req extraction.Request) error
	Status(externalID string) (extraction.JobSnapshot, bool)
	Abort(externalID string) bool
}

type DocumentHandler struct {
	docs      DocumentStore
	extractor ExtractionQueue
	log       *logrus.Entry
}

func NewDocumentHandler(docs DocumentStore, extractor ExtractionQueue, log *logrus.Entry) *DocumentHandler {
	return &DocumentHandler{docs: docs, extractor: extractor, log: log}
}

// Routes mounts the document endpoints.
func (h *DocumentHandler) Routes(r chi.Router) {
	r.Post("/", h.RegisterDocument)
	r.Route("/{document_id}", func(r chi.Router) {
		r.Post("/extract", h.Extract)
		r.Get("/extraction", h.ExtractionStatus)
		r.Delete("/extraction", h.AbortExtraction)
		r.Get("/text", h.Text)
	})
}

type registerRequest struct {
	FileName    string `json:"file_name"`
	StorageURL  string `json:"storage_url"`
	ContentType string `json:"content_type"`
}

// RegisterDocument records a document already uploaded to storage.
func (h *DocumentHandler) RegisterDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %v", services.ErrInvalidDocument, err))
		return
	}
	doc, err := h.docs.Register(r.Context(), userID, filepath.Base(req.FileName), req.StorageURL, req.ContentType)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// Extract queues text extraction and answers with the job snapshot.
func (h *DocumentHandler) Extract(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "document_id")
	userID, _ := middleware.UserID(r.Context())
	doc, err := h.docs.Resolve(r.Context(), userID, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.extractor.Enqueue(extraction.Request{ExternalID: id, Locator: doc.Locator}); err != nil {
		writeError(w, h.log.WithField("document_id", id), err)
		return
	}
	snap, _ := h.extractor.Status(id)
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *DocumentHandler) ExtractionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "document_id")
	if !h.authorized(w, r, id) {
		return
	}
	snap, ok := h.extractor.Status(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no extraction job for " + id})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *DocumentHandler) AbortExtraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "document_id")
	if !h.authorized(w, r, id) {
		return
	}
	if !h.extractor.Abort(id) {
		writeJSON(w, http.StatusConflict, errorBody{Error: "no running extraction for " + id})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Text returns the persisted page-delimited text.
func (h *DocumentHandler) Text(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "document_id")
	if !h.authorized(w, r, id) {
		return
	}
	t, err := h.docs.ExtractedText(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *DocumentHandler) authorized(w http.ResponseWriter, r *http.Request, id string) bool {
	userID, _ := middleware.UserID(r.Context())
	if _, err := h.docs.Resolve(r.Context(), userID, id); err != nil {
		writeError(w, h.log, err)
		return false
	}
	return true
}
