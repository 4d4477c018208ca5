// Package textstore is the HTTP client of the external text-storage API.
package textstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/markdave123-py/docanchor/internal/core"
)

var _ core.TextStore = (*Client)(nil)

// ErrNoBaseURL is returned by New without a base URL.
var ErrNoBaseURL = errors.New("textstore: base url is empty")

// StatusError is a non-2xx answer of the text-storage API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("textstore: upstream %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed when sent again.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout || e.Status/100 == 5
}

// Client posts extracted text to {base}/documents/{id}/text.
type Client struct {
	base  string
	token string
	hc    *http.Client
	log   *logrus.Entry
}

// New returns a client. hc may be nil.
func New(baseURL, token string, hc *http.Client, log *logrus.Entry) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("textstore: invalid base url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: baseURL, token: token, hc: hc, log: log}, nil
}

func (c *Client) PersistExtractedText(ctx context.Context, documentID string, text core.ExtractedText) error {
	body, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("textstore: encode: %w", err)
	}
	endpoint := c.base + "/documents/" + url.PathEscape(documentID) + "/text"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("textstore: new request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("textstore: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(slurp))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"pages":       text.TotalPages,
		"bytes":       len(body),
		"elapsed":     time.Since(start).String(),
	}).Info("textstore: extracted text stored")
	return nil
}
