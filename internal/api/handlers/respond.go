package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	docsource "github.com/markdave123-py/docanchor/internal/core/document-source"
	extraction "github.com/markdave123-py/docanchor/internal/core/extraction_engine"
	"github.com/markdave123-py/docanchor/internal/core/render"
	"github.com/markdave123-py/docanchor/internal/core/viewer"
	"github.com/markdave123-py/docanchor/internal/services"
)

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps err onto a status; 5xx errors are logged.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	var r interface{ Retryable() bool }
	retry := errors.Is(err, viewer.ErrGrantDenied) || (errors.As(err, &r) && r.Retryable())
	writeJSON(w, status, errorBody{Error: err.Error(), Retryable: retry})
}

func statusFor(err error) int {
	var loadErr *viewer.LoadError
	switch {
	case errors.Is(err, viewer.ErrSessionNotFound),
		errors.Is(err, services.ErrDocumentNotFound),
		errors.Is(err, render.ErrPageOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, viewer.ErrInvalidRequest),
		errors.Is(err, services.ErrInvalidDocument),
		errors.Is(err, extraction.ErrMissingID),
		errors.Is(err, render.ErrInvalidScale),
		errors.Is(err, docsource.ErrUnsupportedLocator):
		return http.StatusBadRequest
	case errors.Is(err, viewer.ErrNoDocument),
		errors.Is(err, viewer.ErrNothingToRetry),
		errors.Is(err, render.ErrStaleOverlay):
		return http.StatusConflict
	case errors.Is(err, viewer.ErrGrantDenied),
		errors.Is(err, extraction.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.As(err, &loadErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
