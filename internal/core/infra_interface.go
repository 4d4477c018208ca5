package core

import (
	"context"
	"io"

	"github.com/markdave123-py/docanchor/internal/models"
)

// DbClient defines the persistence operations the services need.
// It abstracts Postgres so higher layers never depend on a specific DB.
type DbClient interface {
	TextStore

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	SetTextExtracted(ctx context.Context, id string, extracted bool) error

	GetExtractedText(ctx context.Context, documentID string) (*models.DocumentText, error)

	Close() error
}

// ObjectClient defines read access to the object storage holding documents.
type ObjectClient interface {
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}
