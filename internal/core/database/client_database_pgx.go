package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/docanchor/internal/config"
	"github.com/markdave123-py/docanchor/internal/core"
	"github.com/markdave123-py/docanchor/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

// ErrDocumentNotFound is returned by updates addressing a missing document.
var ErrDocumentNotFound = errors.New("document not found")

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an open handle.
func NewWithDB(db *sql.DB) *DatabaseClient {
	return &DatabaseClient{db: db}
}

// buildDSN appends certificate verification to rawURL when a root
// certificate is configured.
func buildDSN(rawURL, certPath string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if certPath == "" {
		return rawURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping checks the connection.
func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Implementing the db interface for Document

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, user_id, file_name, storage_url, content_type, text_extracted, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, COALESCE($7, now()), COALESCE($8, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.UserID, doc.FileName, doc.StorageURL, doc.ContentType, doc.TextExtracted,
		nullTime(doc.CreatedAt), nullTime(doc.UpdatedAt))
	return err
}

// GetDocumentByID returns nil, nil when no document has id.
func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_url, content_type, text_extracted, created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var d models.Document
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&d.ID, &d.UserID, &d.FileName, &d.StorageURL, &d.ContentType, &d.TextExtracted, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DatabaseClient) SetTextExtracted(ctx context.Context, id string, extracted bool) error {
	const q = `
		UPDATE documents
		SET text_extracted = $2, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, extracted)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}

// Implementing the text store

// PersistExtractedText upserts the text and flags the document in a
// single transaction.
func (c *DatabaseClient) PersistExtractedText(ctx context.Context, documentID string, text core.ExtractedText) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const upsert = `
		INSERT INTO document_texts (document_id, text_by_pages, total_pages, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (document_id) DO UPDATE
		SET text_by_pages = EXCLUDED.text_by_pages,
		    total_pages = EXCLUDED.total_pages,
		    updated_at = now()
	`
	if _, err := tx.ExecContext(ctx, upsert, documentID, text.TextByPages, text.TotalPages); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store text: %w", err)
	}

	const flag = `UPDATE documents SET text_extracted = TRUE, updated_at = now() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, flag, documentID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("flag document: %w", err)
	}
	return tx.Commit()
}

// GetExtractedText returns nil, nil when nothing was stored for documentID.
func (c *DatabaseClient) GetExtractedText(ctx context.Context, documentID string) (*models.DocumentText, error) {
	const q = `
		SELECT document_id, text_by_pages, total_pages, updated_at
		FROM document_texts
		WHERE document_id = $1
	`
	var t models.DocumentText
	err := c.db.QueryRowContext(ctx, q, documentID).Scan(&t.DocumentID, &t.TextByPages, &t.TotalPages, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
