package docsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/markdave123-py/docanchor/internal/core"
)

var _ core.DocumentSource = (*Source)(nil)

// ErrNoObjectStore is returned for S3 locators when no client is wired.
var ErrNoObjectStore = errors.New("docsource: object storage not configured")

// ErrDocumentClosed is returned by a handle after Close.
var ErrDocumentClosed = errors.New("docsource: document closed")

var pdfMagic = []byte("%PDF")

// Options configures a Source.
//
// LocalRoot:    directory file:// locators are confined to ("" disables them).
// LinesPerPage: page length of converted documents (0 = fit a Letter page).
// Readability:  passed to docconv for HTML documents.
type Options struct {
	LocalRoot    string
	LinesPerPage int
	Readability  bool
}

// Source opens documents from object storage or the local document root.
type Source struct {
	obj  core.ObjectClient
	opts Options
	log  *logrus.Entry
}

// NewSource returns a Source. obj may be nil when only local
// documents are served.
func NewSource(obj core.ObjectClient, opts Options, log *logrus.Entry) *Source {
	return &Source{obj: obj, opts: opts, log: log}
}

// Load fetches and opens the document at locator.
func (s *Source) Load(ctx context.Context, locator string) (core.DocumentHandle, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	data, err := s.fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Open(loc.Name(), data)
}

// Open parses data. name only steers content-type detection.
func (s *Source) Open(name string, data []byte) (core.DocumentHandle, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("docsource: %s is empty", name)
	}
	id := uuid.NewString()
	log := s.log.WithFields(logrus.Fields{"handle_id": id, "name": name, "bytes": len(data)})

	if bytes.HasPrefix(data, pdfMagic) {
		doc, err := openPDF(id, data)
		if err != nil {
			return nil, err
		}
		log.WithField("pages", doc.NumPages()).Debug("docsource: opened pdf")
		return doc, nil
	}

	mimeType := contentType(name)
	body, err := convertPlain(data, mimeType, s.opts.Readability)
	if err != nil {
		return nil, err
	}
	doc, err := newPlainDocument(id, body, s.opts.LinesPerPage)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"pages": doc.NumPages(), "content_type": mimeType}).Debug("docsource: opened converted document")
	return doc, nil
}

func (s *Source) fetch(ctx context.Context, loc Locator) ([]byte, error) {
	switch loc.Scheme {
	case SchemeS3:
		if s.obj == nil {
			return nil, ErrNoObjectStore
		}
		data, err := s.obj.GetFile(ctx, loc.Bucket, loc.Key)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", loc, err)
		}
		return data, nil
	case SchemeFile:
		full, err := resolveUnder(s.opts.LocalRoot, loc.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", loc, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocator, loc)
}

// contentType maps a file name to a docconv content type; unknown
// extensions are read as plain text.
func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case "", ".txt", ".text", ".md", ".log", ".csv":
		return "text/plain"
	}
	mt := docconv.MimeTypeByExtension(name)
	if mt == "" || mt == "application/octet-stream" {
		return "text/plain"
	}
	return mt
}
