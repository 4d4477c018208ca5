package extraction_engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/markdave123-py/docanchor/internal/core"
	"github.com/markdave123-py/docanchor/internal/core/events"
	"github.com/markdave123-py/docanchor/internal/core/guard"
)

// PersistHook runs after the text of externalID was stored.
type PersistHook func(ctx context.Context, externalID string) error

// Extractor walks documents page by page and persists their text.
//
// source:    opens documents by locator.
// store:     receives the page-delimited text.
// guard:     extraction slot and initialization lock.
// bus:       progress and completion events.
// cfg:       runtime tuning knobs for the pipeline.
// jobs:      in-memory queue of requests for the background workers.
type Extractor struct {
	source core.DocumentSource
	store  core.TextStore
	guard  *guard.Guard
	bus    events.Publisher
	cfg    ExtractConfig
	log    *logrus.Entry

	sf    singleflight.Group
	queue chan Request

	mu          sync.Mutex
	done        map[string]*Result
	jobs        map[string]*job
	onPersisted PersistHook
}

// NewExtractor constructs the extractor with a bounded job queue.
func NewExtractor(source core.DocumentSource, store core.TextStore, g *guard.Guard, bus events.Publisher, cfg ExtractConfig, log *logrus.Entry) *Extractor {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = events.Discard{}
	}
	return &Extractor{
		source: source,
		store:  store,
		guard:  g,
		bus:    bus,
		cfg:    cfg,
		log:    log,
		queue:  make(chan Request, cfg.QueueSize),
		done:   make(map[string]*Result),
		jobs:   make(map[string]*job),
	}
}

// OnPersisted registers a hook run after every successful persistence.
// A hook error is logged and does not fail the job.
func (e *Extractor) OnPersisted(fn PersistHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPersisted = fn
}

// Start runs numWorkers goroutines reading from the job queue.
func (e *Extractor) Start(ctx context.Context, numWorkers int) {
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					e.log.WithField("worker", w).Info("extractor: worker shutting down")
					return
				case req := <-e.queue:
					log := e.log.WithFields(logrus.Fields{"worker": w, "document_id": req.ExternalID})
					log.Info("extractor: processing document")
					if _, err := e.Extract(ctx, req); err != nil {
						log.WithError(err).Error("extractor: job failed")
					}
				}
			}
		}(w)
	}
}

// Enqueue schedules req for the background workers. Requests for a
// document that is already completed or in flight are accepted and
// resolve through the cache or the running job.
func (e *Extractor) Enqueue(req Request) error {
	if req.ExternalID == "" {
		return ErrMissingID
	}
	e.mu.Lock()
	if j, ok := e.jobs[req.ExternalID]; !ok || !j.active() {
		if _, cached := e.done[req.ExternalID]; !cached {
			e.jobs[req.ExternalID] = newJob(req.ExternalID, StatusPending)
		}
	}
	e.mu.Unlock()

	select {
	case e.queue <- req:
		return nil
	default:
		e.mu.Lock()
		if j := e.jobs[req.ExternalID]; j != nil && j.snap.Status == StatusPending {
			j.snap.Status = StatusFailed
			j.snap.Error = ErrQueueFull.Error()
		}
		e.mu.Unlock()
		return ErrQueueFull
	}
}

// Extract runs or joins the job for req.ExternalID and waits for it. A job
// that already completed in this process returns its cached result. ctx
// bounds only the wait; the job itself runs until done or aborted.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	if req.ExternalID == "" {
		return nil, ErrMissingID
	}

	e.mu.Lock()
	if res, ok := e.done[req.ExternalID]; ok {
		e.mu.Unlock()
		if req.OnProgress != nil {
			req.OnProgress(100)
		}
		cp := *res
		cp.Cached = true
		return &cp, nil
	}
	j, ok := e.jobs[req.ExternalID]
	if !ok || !j.active() {
		j = newJob(req.ExternalID, StatusPending)
		e.jobs[req.ExternalID] = j
	}
	if req.OnProgress != nil {
		j.listeners = append(j.listeners, req.OnProgress)
	}
	e.mu.Unlock()

	ch := e.sf.DoChan(req.ExternalID, func() (interface{}, error) {
		return e.run(j, req)
	})
	select {
	case out := <-ch:
		var res *Result
		if out.Err == nil {
			res = out.Val.(*Result)
		}
		e.settleJoined(j, res, out.Err)
		if out.Err != nil {
			return nil, out.Err
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the snapshot of the latest job for externalID.
func (e *Extractor) Status(externalID string) (JobSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[externalID]
	if !ok {
		if res, done := e.done[externalID]; done {
			return JobSnapshot{
				ExternalID: externalID, Status: StatusCompleted, Progress: 100,
				PagesDone: res.TotalPages, TotalPages: res.TotalPages, FailedPages: res.FailedPages,
			}, true
		}
		return JobSnapshot{}, false
	}
	snap := j.snap
	snap.FailedPages = append([]int(nil), j.snap.FailedPages...)
	return snap, true
}

// IsCompleted reports whether externalID has a cached result.
func (e *Extractor) IsCompleted(externalID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.done[externalID]
	return ok
}

// Abort cancels the running job for externalID. It reports whether a job
// was running.
func (e *Extractor) Abort(externalID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[externalID]
	if !ok || !j.active() {
		return false
	}
	j.aborted = true
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

// settleJoined closes out a job record that joined a call which was
// already finishing, so it never stays pending.
func (e *Extractor) settleJoined(j *job, res *Result, err error) {
	e.mu.Lock()
	pending := j.snap.Status == StatusPending
	e.mu.Unlock()
	if pending {
		e.finish(j, res, err)
	}
}

func newJob(id string, st Status) *job {
	return &job{snap: JobSnapshot{ExternalID: id, Status: st, QueuedAt: time.Now().UTC()}}
}

// run executes one job. It owns the extraction slot from claim to return.
func (e *Extractor) run(j *job, req Request) (*Result, error) {
	id := req.ExternalID
	log := e.log.WithField("document_id", id)

	jctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mu.Lock()
	j.cancel = cancel
	if j.aborted {
		cancel()
	}
	j.snap.Status = StatusRunning
	j.snap.StartedAt = time.Now().UTC()
	e.mu.Unlock()

	res, err := e.runClaimed(jctx, j, req, log)
	if err != nil {
		if jctx.Err() != nil && !errors.Is(err, ErrPersist) {
			err = fmt.Errorf("%w: %v", ErrAborted, err)
		}
		e.finish(j, nil, err)
		log.WithError(err).Error("extractor: extraction failed")
		e.bus.Publish(events.Completed(id, id, false, err))
		return nil, err
	}

	e.finish(j, res, nil)
	log.WithFields(logrus.Fields{"pages": res.TotalPages, "failed_pages": len(res.FailedPages)}).Info("extractor: extraction completed")
	e.bus.Publish(events.Completed(id, id, true, nil))
	return res, nil
}

func (e *Extractor) runClaimed(ctx context.Context, j *job, req Request, log *logrus.Entry) (*Result, error) {
	id := req.ExternalID
	if err := e.claimSlot(ctx, id); err != nil {
		return nil, err
	}
	defer e.guard.ClearActiveExtraction(id)

	release, granted := e.guard.Acquire(ctx, id)
	if !granted {
		return nil, ErrGrantDenied
	}
	doc, err := e.source.Load(ctx, req.Locator)
	release()
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	defer doc.Close()

	total := doc.NumPages()
	e.mu.Lock()
	j.snap.TotalPages = total
	e.mu.Unlock()

	text, failed, err := e.extractPages(ctx, doc, j, log)
	if err != nil {
		return nil, err
	}

	extracted := core.ExtractedText{TextByPages: text, TotalPages: total}
	pctx, pcancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
	defer pcancel()
	if err := e.store.PersistExtractedText(pctx, id, extracted); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	e.mu.Lock()
	hook := e.onPersisted
	e.mu.Unlock()
	if hook != nil {
		if err := hook(pctx, id); err != nil {
			log.WithError(err).Warn("extractor: post-persist hook failed")
		}
	}

	return &Result{ExternalID: id, TotalPages: total, FailedPages: failed, Text: extracted}, nil
}

// claimSlot waits until the extraction slot is free and takes it.
func (e *Extractor) claimSlot(ctx context.Context, id string) error {
	t := time.NewTicker(e.cfg.SlotPollInterval)
	defer t.Stop()
	for !e.guard.SetActiveExtraction(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// extractPages walks the document in batches, strictly in page order.
func (e *Extractor) extractPages(ctx context.Context, doc core.DocumentHandle, j *job, log *logrus.Entry) (string, []int, error) {
	total := doc.NumPages()
	var (
		b      strings.Builder
		failed []int
	)
	for start := 1; start <= total; start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize - 1
		if end > total {
			end = total
		}
		for n := start; n <= end; n++ {
			body, err := e.pageWithRetry(ctx, doc, n, log)
			if err != nil {
				if ctx.Err() != nil {
					return "", nil, ctx.Err()
				}
				failed = append(failed, n)
				body = failedMarker(n)
			}
			b.WriteString(pageBlock(n, body))
			e.progress(j, n, total, failed)
		}
		log.WithFields(logrus.Fields{"from": start, "to": end}).Debug("extractor: batch done")
	}
	if total == 0 {
		e.progress(j, 0, 0, nil)
	}
	return b.String(), failed, nil
}

func (e *Extractor) pageWithRetry(ctx context.Context, doc core.DocumentHandle, n int, log *logrus.Entry) (string, error) {
	body, err := pageText(ctx, doc, n)
	if err == nil || ctx.Err() != nil {
		return body, err
	}
	log.WithError(err).WithField("page", n).Warn("extractor: page failed, retrying once")

	t := time.NewTimer(e.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.C:
	}

	body, err = pageText(ctx, doc, n)
	if err != nil && ctx.Err() == nil {
		log.WithError(err).WithField("page", n).Warn("extractor: page failed after retry")
	}
	return body, err
}

func pageText(ctx context.Context, doc core.DocumentHandle, n int) (string, error) {
	page, err := doc.Page(ctx, n)
	if err != nil {
		return "", err
	}
	return page.Text(ctx)
}

func (e *Extractor) progress(j *job, done, total int, failed []int) {
	pct := 100
	if total > 0 {
		pct = done * 100 / total
	}
	e.mu.Lock()
	j.snap.PagesDone = done
	j.snap.Progress = pct
	j.snap.FailedPages = append(j.snap.FailedPages[:0], failed...)
	listeners := append(([]func(int))(nil), j.listeners...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(pct)
	}
	e.bus.Publish(events.Progress(j.snap.ExternalID, j.snap.ExternalID, pct))
}

func (e *Extractor) finish(j *job, res *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j.snap.FinishedAt = time.Now().UTC()
	j.cancel = nil
	if err != nil {
		j.snap.Status = StatusFailed
		j.snap.Error = err.Error()
		return
	}
	j.snap.Status = StatusCompleted
	j.snap.Progress = 100
	e.done[res.ExternalID] = res
}

func pageBlock(n int, body string) string {
	return fmt.Sprintf("[[page %d]]\n%s\n[[/page %d]]\n", n, strings.TrimSpace(body), n)
}

func failedMarker(n int) string {
	return fmt.Sprintf("[[extraction failed for page %d]]", n)
}
