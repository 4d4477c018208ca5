package guard

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/markdave123-py/docanchor/internal/infra"
)

// Options tunes the advisory lock.
//
// PollInterval: wait between checks while another initialization holds the lock.
// PollAttempts: checks before the lock is forcibly cleared.
// Cooldown:     minimum distance between the last viewer cleanup and a new grant.
// SettleDelay:  wait after ClearAllViewers so torn-down handles can settle.
type Options struct {
	PollInterval time.Duration
	PollAttempts int
	Cooldown     time.Duration
	SettleDelay  time.Duration
}

// DefaultOptions mirrors the production timings.
func DefaultOptions() Options {
	return Options{
		PollInterval: 50 * time.Millisecond,
		PollAttempts: 20,
		Cooldown:     500 * time.Millisecond,
		SettleDelay:  300 * time.Millisecond,
	}
}

// State is a point-in-time copy of the guard's bookkeeping.
type State struct {
	RegisteredViewerIDs []string  `json:"registered_viewer_ids"`
	InitializingLock    bool      `json:"initializing_lock"`
	LockHolder          string    `json:"lock_holder,omitempty"`
	ActiveExtractionID  string    `json:"active_extraction_id,omitempty"`
	LastCleanup         time.Time `json:"last_cleanup"`
}

// Guard serializes initialization of the shared rendering resource across
// viewer sessions and the extraction job. It never returns errors: a lock
// held past the wait bound is cleared so callers can always make progress.
type Guard struct {
	opts Options
	log  *logrus.Entry
	now  func() time.Time

	mu               sync.Mutex
	viewers          map[string]struct{}
	initializing     bool
	holder           string
	lease            uint64
	activeExtraction string
	lastCleanup      time.Time
}

// New builds a guard. A nil log discards output.
func New(opts Options, log *logrus.Entry) *Guard {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultOptions().PollAttempts
	}
	if log == nil {
		log = infra.Discard()
	}
	return &Guard{
		opts:    opts,
		log:     log,
		now:     time.Now,
		viewers: make(map[string]struct{}),
	}
}

// RequestInitialization blocks until id may initialize the resource. It
// returns false only when ctx ends first. The caller must later call
// ReleaseInitializationLock; prefer Acquire, which scopes the release.
func (g *Guard) RequestInitialization(ctx context.Context, id string) bool {
	_, ok := g.acquire(ctx, id)
	return ok
}

// Acquire is RequestInitialization with a release bound to this grant.
// Calling release more than once, or after the lock was forcibly handed to
// someone else, does nothing.
func (g *Guard) Acquire(ctx context.Context, id string) (release func(), granted bool) {
	lease, ok := g.acquire(ctx, id)
	if !ok {
		return func() {}, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.releaseLease(lease) })
	}, true
}

// ReleaseInitializationLock clears the lock regardless of holder.
func (g *Guard) ReleaseInitializationLock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initializing = false
	g.holder = ""
}

func (g *Guard) acquire(ctx context.Context, id string) (uint64, bool) {
	g.mu.Lock()
	// Extraction jobs reuse a loaded resource; never make them wait.
	if id != "" && id == g.activeExtraction {
		g.mu.Unlock()
		return 0, true
	}
	if _, ok := g.viewers[id]; ok {
		delete(g.viewers, id)
		g.lastCleanup = g.now()
		g.log.WithField("viewer_id", id).Debug("guard: dropped stale registration before initialization")
	}
	g.mu.Unlock()

	attempts := 0
	for {
		g.mu.Lock()
		if !g.initializing {
			break
		}
		if attempts >= g.opts.PollAttempts {
			g.log.WithFields(logrus.Fields{
				"viewer_id": id,
				"holder":    g.holder,
				"attempts":  attempts,
			}).Warn("guard: initialization lock held past wait bound, forcing release")
			g.initializing = false
			break
		}
		g.mu.Unlock()
		attempts++
		if err := sleep(ctx, g.opts.PollInterval); err != nil {
			return 0, false
		}
	}

	// g.mu is held here.
	g.initializing = true
	g.holder = id
	g.lease++
	lease := g.lease
	var wait time.Duration
	if !g.lastCleanup.IsZero() {
		wait = g.opts.Cooldown - g.now().Sub(g.lastCleanup)
	}
	g.mu.Unlock()

	if wait > 0 {
		if err := sleep(ctx, wait); err != nil {
			g.releaseLease(lease)
			return 0, false
		}
	}
	return lease, true
}

func (g *Guard) releaseLease(lease uint64) {
	if lease == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lease == lease && g.initializing {
		g.initializing = false
		g.holder = ""
	}
}

// RegisterViewer records id as mounted. It reports whether id was new.
func (g *Guard) RegisterViewer(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.viewers[id]; ok {
		return false
	}
	g.viewers[id] = struct{}{}
	return true
}

// UnregisterViewer drops id and stamps the cleanup time either way.
// It reports whether id was registered.
func (g *Guard) UnregisterViewer(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.viewers[id]
	delete(g.viewers, id)
	g.lastCleanup = g.now()
	return ok
}

// IsRegistered reports whether id is currently mounted.
func (g *Guard) IsRegistered(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.viewers[id]
	return ok
}

// SetActiveExtraction claims the extraction priority slot for id, or clears
// it when id is empty. It returns false when another extraction holds it.
func (g *Guard) SetActiveExtraction(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id != "" && g.activeExtraction != "" && g.activeExtraction != id {
		return false
	}
	g.activeExtraction = id
	return true
}

// ClearActiveExtraction clears the slot only if id holds it.
func (g *Guard) ClearActiveExtraction(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activeExtraction != id {
		return false
	}
	g.activeExtraction = ""
	return true
}

// ActiveExtraction returns the id holding the extraction slot, or "".
func (g *Guard) ActiveExtraction() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeExtraction
}

// ClearAllViewers empties the registry and waits out the settle delay.
// Call it before switching documents.
func (g *Guard) ClearAllViewers(ctx context.Context) {
	g.mu.Lock()
	n := len(g.viewers)
	g.viewers = make(map[string]struct{})
	g.lastCleanup = g.now()
	g.mu.Unlock()

	g.log.WithField("cleared", n).Debug("guard: cleared viewer registry")
	_ = sleep(ctx, g.opts.SettleDelay)
}

// Snapshot returns a copy of the current state.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.viewers))
	for id := range g.viewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return State{
		RegisteredViewerIDs: ids,
		InitializingLock:    g.initializing,
		LockHolder:          g.holder,
		ActiveExtractionID:  g.activeExtraction,
		LastCleanup:         g.lastCleanup,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
