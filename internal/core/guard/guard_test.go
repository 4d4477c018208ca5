package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastOptions() Options {
	return Options{
		PollInterval: 5 * time.Millisecond,
		PollAttempts: 20,
		Cooldown:     0,
		SettleDelay:  time.Millisecond,
	}
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	g := New(fastOptions(), nil)
	ctx := context.Background()

	releaseA, ok := g.Acquire(ctx, "doc-a")
	if !ok {
		t.Fatal("first acquire denied")
	}

	var bGranted atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		releaseB, ok := g.Acquire(ctx, "doc-b")
		if ok {
			bGranted.Store(true)
			releaseB()
		}
	}()

	time.Sleep(30 * time.Millisecond)
	if bGranted.Load() {
		t.Fatal("second acquire proceeded while the first still held the lock")
	}

	releaseA()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
	if !bGranted.Load() {
		t.Fatal("second acquire was denied")
	}
}

func TestNoTwoHoldersAtOnce(t *testing.T) {
	g := New(fastOptions(), nil)
	ctx := context.Background()

	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			release, ok := g.Acquire(ctx, id)
			if !ok {
				t.Errorf("acquire %s denied", id)
				return
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			holders.Add(-1)
			release()
		}(id)
	}
	wg.Wait()
	if got := maxHolders.Load(); got != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", got)
	}
}

func TestForcedRecoveryAfterWaitBound(t *testing.T) {
	opts := fastOptions()
	opts.PollAttempts = 3
	g := New(opts, nil)
	ctx := context.Background()

	if !g.RequestInitialization(ctx, "stuck") {
		t.Fatal("first request denied")
	}

	start := time.Now()
	if !g.RequestInitialization(ctx, "next") {
		t.Fatal("request after a stuck holder was denied")
	}
	if waited := time.Since(start); waited < 3*opts.PollInterval {
		t.Fatalf("forced recovery after %v, want at least %v", waited, 3*opts.PollInterval)
	}
	if s := g.Snapshot(); !s.InitializingLock || s.LockHolder != "next" {
		t.Fatalf("state after recovery = %+v", s)
	}
}

func TestStaleReleaseDoesNotUnlockNewHolder(t *testing.T) {
	opts := fastOptions()
	opts.PollAttempts = 1
	g := New(opts, nil)
	ctx := context.Background()

	releaseOld, _ := g.Acquire(ctx, "old")
	releaseNew, ok := g.Acquire(ctx, "new")
	if !ok {
		t.Fatal("new acquire denied")
	}

	releaseOld()
	if s := g.Snapshot(); !s.InitializingLock || s.LockHolder != "new" {
		t.Fatalf("stale release cleared the new lease: %+v", s)
	}
	releaseNew()
	releaseNew()
	if g.Snapshot().InitializingLock {
		t.Fatal("lock still held after release")
	}
}

func TestActiveExtractionBypassesLock(t *testing.T) {
	g := New(fastOptions(), nil)
	ctx := context.Background()

	if !g.RequestInitialization(ctx, "viewer") {
		t.Fatal("viewer request denied")
	}
	if !g.SetActiveExtraction("doc-1") {
		t.Fatal("claiming a free extraction slot failed")
	}
	if g.SetActiveExtraction("doc-2") {
		t.Fatal("second extraction claimed an occupied slot")
	}

	release, ok := g.Acquire(ctx, "doc-1")
	if !ok {
		t.Fatal("extraction request denied")
	}
	if s := g.Snapshot(); s.LockHolder != "viewer" {
		t.Fatalf("extraction request took the lock: %+v", s)
	}
	release()
	if s := g.Snapshot(); s.LockHolder != "viewer" {
		t.Fatalf("extraction release touched the viewer lock: %+v", s)
	}

	if g.ClearActiveExtraction("doc-2") {
		t.Fatal("non-holder cleared the extraction slot")
	}
	if !g.ClearActiveExtraction("doc-1") || g.ActiveExtraction() != "" {
		t.Fatal("holder could not clear the extraction slot")
	}
}

func TestRequestDeniedWhenContextEnds(t *testing.T) {
	opts := fastOptions()
	opts.PollAttempts = 1000
	g := New(opts, nil)

	g.RequestInitialization(context.Background(), "holder")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if g.RequestInitialization(ctx, "waiter") {
		t.Fatal("request granted after its context ended")
	}
	if s := g.Snapshot(); s.LockHolder != "holder" {
		t.Fatalf("denied request changed the holder: %+v", s)
	}
}

func TestCooldownAfterCleanup(t *testing.T) {
	opts := fastOptions()
	opts.Cooldown = 40 * time.Millisecond
	g := New(opts, nil)

	g.RegisterViewer("doc")
	g.UnregisterViewer("doc")

	start := time.Now()
	release, ok := g.Acquire(context.Background(), "doc")
	if !ok {
		t.Fatal("acquire denied")
	}
	defer release()
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Fatalf("grant after %v, want the cooldown to be absorbed", waited)
	}
}

func TestRegistryIsIdempotent(t *testing.T) {
	g := New(fastOptions(), nil)

	if !g.RegisterViewer("a") {
		t.Fatal("first register reported existing")
	}
	if g.RegisterViewer("a") {
		t.Fatal("second register reported new")
	}
	if !g.UnregisterViewer("a") {
		t.Fatal("unregister of a registered id reported missing")
	}
	before := g.Snapshot().LastCleanup
	time.Sleep(time.Millisecond)
	if g.UnregisterViewer("a") {
		t.Fatal("unregister of a missing id reported registered")
	}
	if !g.Snapshot().LastCleanup.After(before) {
		t.Fatal("unregister did not stamp the cleanup time")
	}
}

func TestDuplicateMountIsUnregisteredBeforeGrant(t *testing.T) {
	g := New(fastOptions(), nil)
	g.RegisterViewer("doc")

	release, ok := g.Acquire(context.Background(), "doc")
	if !ok {
		t.Fatal("acquire denied")
	}
	defer release()
	if g.IsRegistered("doc") {
		t.Fatal("stale registration survived a new initialization")
	}
}

func TestClearAllViewers(t *testing.T) {
	g := New(fastOptions(), nil)
	g.RegisterViewer("a")
	g.RegisterViewer("b")

	g.ClearAllViewers(context.Background())
	if ids := g.Snapshot().RegisteredViewerIDs; len(ids) != 0 {
		t.Fatalf("registry after clear = %v", ids)
	}
}
