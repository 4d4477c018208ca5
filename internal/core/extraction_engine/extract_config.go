package extraction_engine

import (
	"errors"
	"time"

	"github.com/markdave123-py/docanchor/internal/core"
)

var (
	// ErrPersist wraps a failure of the final persistence call.
	ErrPersist = errors.New("extraction: persist extracted text")
	// ErrAborted is returned when the job was aborted before it finished.
	ErrAborted = errors.New("extraction: aborted")
	// ErrMissingID is returned for requests without an external id.
	ErrMissingID = errors.New("extraction: external id is required")
	// ErrQueueFull is returned by Enqueue when the job queue is full.
	ErrQueueFull = errors.New("extraction: queue full")
	// ErrGrantDenied is returned when the guard did not grant the load.
	ErrGrantDenied = errors.New("extraction: initialization not granted")
)

// ExtractConfig tunes the pipeline.
//
// BatchSize:        pages per batch (e.g., 10).
// RetryDelay:       wait before the single retry of a failed page.
// PersistTimeout:   bound on the final persistence call.
// QueueSize:        capacity of the background job queue.
// SlotPollInterval: how often a job re-checks a busy extraction slot.
type ExtractConfig struct {
	BatchSize        int
	RetryDelay       time.Duration
	PersistTimeout   time.Duration
	QueueSize        int
	SlotPollInterval time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() ExtractConfig {
	return ExtractConfig{
		BatchSize:        10,
		RetryDelay:       250 * time.Millisecond,
		PersistTimeout:   30 * time.Second,
		QueueSize:        64,
		SlotPollInterval: 50 * time.Millisecond,
	}
}

func (c ExtractConfig) withDefaults() ExtractConfig {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.SlotPollInterval <= 0 {
		c.SlotPollInterval = d.SlotPollInterval
	}
	return c
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request asks for the text of one document.
//
// ExternalID: id the text is persisted under; also the single-flight key.
// Locator:    where the DocumentSource finds the document.
// OnProgress: optional, called with percent complete after every page.
type Request struct {
	ExternalID string
	Locator    string
	OnProgress func(percent int)
}

// Result is the outcome of a completed job.
type Result struct {
	ExternalID  string             `json:"external_id"`
	TotalPages  int                `json:"total_pages"`
	FailedPages []int              `json:"failed_pages,omitempty"`
	Text        core.ExtractedText `json:"-"`
	Cached      bool               `json:"cached"`
}

// JobSnapshot is the observable state of a job.
type JobSnapshot struct {
	ExternalID  string    `json:"external_id"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	PagesDone   int       `json:"pages_done"`
	TotalPages  int       `json:"total_pages"`
	FailedPages []int     `json:"failed_pages,omitempty"`
	Error       string    `json:"error,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// job is the in-memory record behind a JobSnapshot.
type job struct {
	snap      JobSnapshot
	cancel    func()
	aborted   bool
	listeners []func(int)
}

func (j *job) active() bool {
	return j.snap.Status == StatusPending || j.snap.Status == StatusRunning
}
