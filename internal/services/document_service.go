package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/markdave123-py/docanchor/internal/core"
	docsource "github.com/markdave123-py/docanchor/internal/core/document-source"
	"github.com/markdave123-py/docanchor/internal/models"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrForbidden        = errors.New("document belongs to another user")
	ErrInvalidDocument  = errors.New("invalid document payload")
)

// Resolved is what the viewer needs to open a document.
type Resolved struct {
	Document        *models.Document
	Locator         string
	NeedsExtraction bool
}

type DocumentService struct {
	db     core.DbClient
	bucket string
	log    *logrus.Entry
}

func NewDocumentService(db core.DbClient, bucket string, log *logrus.Entry) *DocumentService {
	return &DocumentService{db: db, bucket: bucket, log: log}
}

// Register records a document already stored at storageURL. With an empty
// storageURL the document is expected under the default object key.
func (s *DocumentService) Register(ctx context.Context, userID, filename, storageURL, contentType string) (*models.Document, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidDocument)
	}
	docID := uuid.NewString()
	if storageURL == "" {
		storageURL = "s3://" + s.bucket + "/" + s.objectKey(userID, docID, filename)
	}
	if _, err := docsource.ParseLocator(storageURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	doc := &models.Document{
		ID:          docID,
		UserID:      userID,
		FileName:    filename,
		StorageURL:  storageURL,
		ContentType: contentType,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"document_id": docID, "user_id": userID}).Info("document registered")
	return doc, nil
}

func (s *DocumentService) Get(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// Resolve looks up the metadata of id on behalf of userID; an empty
// userID skips the ownership check.
func (s *DocumentService) Resolve(ctx context.Context, userID, id string) (*Resolved, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && doc.UserID != "" && doc.UserID != userID {
		return nil, ErrForbidden
	}
	return &Resolved{
		Document:        doc,
		Locator:         doc.StorageURL,
		NeedsExtraction: !doc.TextExtracted,
	}, nil
}

// MarkExtracted flags id once its text was persisted.
func (s *DocumentService) MarkExtracted(ctx context.Context, id string) error {
	return s.db.SetTextExtracted(ctx, id, true)
}

func (s *DocumentService) ExtractedText(ctx context.Context, id string) (*models.DocumentText, error) {
	t, err := s.db.GetExtractedText(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrDocumentNotFound
	}
	return t, nil
}

// objectKey creates a consistent S3 key layout.
func (s *DocumentService) objectKey(userID, docID, filename string) string {
	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "documents", docID, filename)
}
