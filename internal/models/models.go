package models

import (
	"time"
)

// Document is the file metadata record the viewer resolves before opening
// a document.
type Document struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	FileName      string    `db:"file_name" json:"file_name"`
	StorageURL    string    `db:"storage_url" json:"storage_url"` // s3:// or virtual-hosted S3 URL
	ContentType   string    `db:"content_type" json:"content_type"`
	TextExtracted bool      `db:"text_extracted" json:"text_extracted"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// DocumentText is the page-delimited text persisted after extraction.
type DocumentText struct {
	DocumentID  string    `db:"document_id" json:"document_id"`
	TextByPages string    `db:"text_by_pages" json:"text_by_pages"`
	TotalPages  int       `db:"total_pages" json:"total_pages"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
