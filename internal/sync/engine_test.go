package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/publish"
	"gitea.jw6.us/james/calsync/internal/store"
)

// fakeSources is an in-memory SourceRepository for engine tests.
type fakeSources struct {
	mu        gosync.Mutex
	sources   map[int64]store.Source
	errSet    []string
	published [][]byte
}

func newFakeSources(ids ...int64) *fakeSources {
	f := &fakeSources{sources: map[int64]store.Source{}}
	for _, id := range ids {
		f.sources[id] = store.Source{ID: id, Name: "test", ICSPath: "test"}
	}
	return f
}

func (f *fakeSources) List(ctx context.Context) ([]store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Source
	for _, s := range f.sources {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSources) GetByID(ctx context.Context, id int64) (*store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (f *fakeSources) Create(ctx context.Context, src store.Source) (*store.Source, error) {
	return &src, nil
}
func (f *fakeSources) Update(ctx context.Context, src store.Source) error { return nil }
func (f *fakeSources) Delete(ctx context.Context, id int64) error         { return nil }

func (f *fakeSources) SavePublished(ctx context.Context, id int64, body []byte, contentType string, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, body)
	return nil
}

func (f *fakeSources) SetSyncError(ctx context.Context, id int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errSet = append(f.errSet, msg)
	return nil
}

func (f *fakeSources) ListPublished(ctx context.Context) ([]store.Published, error) {
	return nil, nil
}

type fakeDestinations struct{}

func (fakeDestinations) List(ctx context.Context) ([]store.Destination, error) { return nil, nil }
func (fakeDestinations) GetByID(ctx context.Context, id int64) (*store.Destination, error) {
	return nil, store.ErrNotFound
}
func (fakeDestinations) Create(ctx context.Context, d store.Destination) (*store.Destination, error) {
	return &d, nil
}
func (fakeDestinations) Update(ctx context.Context, d store.Destination) error { return nil }
func (fakeDestinations) Delete(ctx context.Context, id int64) error            { return nil }
func (fakeDestinations) SetSyncOK(ctx context.Context, id int64, t time.Time) error {
	return nil
}
func (fakeDestinations) SetSyncError(ctx context.Context, id int64, msg string) error { return nil }

func testEngine(sources *fakeSources) *Engine {
	st := &store.Store{Sources: sources, Destinations: fakeDestinations{}}
	return New(st, publish.New(), time.Second)
}

func TestTryTriggerAtMostOnePerUnit(t *testing.T) {
	sources := newFakeSources(1)
	e := testEngine(sources)
	defer e.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce gosync.Once
	e.sourceCycle = func(ctx context.Context, src store.Source) error {
		startedOnce.Do(func() { close(started) })
		<-release
		return nil
	}

	e.Register(KindSource, 1, 0)

	if got := e.TryTrigger(KindSource, 1); got != TriggerStarted {
		t.Fatalf("first trigger: expected Started, got %v", got)
	}
	<-started

	// Any overlapping trigger observes AlreadyRunning.
	for i := 0; i < 3; i++ {
		if got := e.TryTrigger(KindSource, 1); got != TriggerAlreadyRunning {
			t.Fatalf("overlapping trigger %d: expected AlreadyRunning, got %v", i, got)
		}
	}

	close(release)
	waitForIdle(t, e, 1)

	// Once the cycle finished, a new trigger starts again.
	if got := e.TryTrigger(KindSource, 1); got != TriggerStarted {
		t.Fatalf("post-cycle trigger: expected Started, got %v", got)
	}
	waitForIdle(t, e, 1)
}

func TestTryTriggerUnknownUnit(t *testing.T) {
	e := testEngine(newFakeSources())
	defer e.Stop()

	if got := e.TryTrigger(KindSource, 42); got != TriggerNotFound {
		t.Fatalf("expected NotFound, got %v", got)
	}
}

func TestDifferentUnitsRunConcurrently(t *testing.T) {
	sources := newFakeSources(1, 2)
	e := testEngine(sources)
	defer e.Stop()

	release := make(chan struct{})
	var runningMu gosync.Mutex
	running := map[int64]bool{}
	e.sourceCycle = func(ctx context.Context, src store.Source) error {
		runningMu.Lock()
		running[src.ID] = true
		runningMu.Unlock()
		<-release
		return nil
	}

	e.Register(KindSource, 1, 0)
	e.Register(KindSource, 2, 0)

	if got := e.TryTrigger(KindSource, 1); got != TriggerStarted {
		t.Fatalf("unit 1: expected Started, got %v", got)
	}
	if got := e.TryTrigger(KindSource, 2); got != TriggerStarted {
		t.Fatalf("unit 2 must run while unit 1 is in flight, got %v", got)
	}

	deadline := time.After(2 * time.Second)
	for {
		runningMu.Lock()
		both := running[1] && running[2]
		runningMu.Unlock()
		if both {
			break
		}
		select {
		case <-deadline:
			t.Fatal("both units did not start concurrently")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
}

// Unit deletion must not tear down the operation in progress: the cycle
// finishes it, then observes the cancellation at its next suspension point
// and its status update is discarded.
func TestUnregisterObservedAtNextSuspensionPoint(t *testing.T) {
	sources := newFakeSources(1)
	e := testEngine(sources)
	defer e.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	var sawCancel bool
	e.sourceCycle = func(ctx context.Context, src store.Source) error {
		close(started)
		// Simulates an uninterruptible HTTP roundtrip: it must complete even
		// while the unit is being unregistered.
		<-release
		// Next suspension point: the lifecycle signal shows up here.
		sawCancel = ctx.Err() != nil
		close(finished)
		return ctx.Err()
	}

	e.Register(KindSource, 1, 0)
	if got := e.TryTrigger(KindSource, 1); got != TriggerStarted {
		t.Fatalf("expected Started, got %v", got)
	}
	<-started

	unregistered := make(chan struct{})
	go func() {
		e.Unregister(KindSource, 1)
		close(unregistered)
	}()

	// Unregister blocks on the in-flight cycle; the simulated roundtrip must
	// not have been aborted while it waits.
	select {
	case <-finished:
		t.Fatal("cycle completed before its operation was released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-unregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("unregister did not return after the cycle finished")
	}
	<-finished

	if !sawCancel {
		t.Error("cycle should observe cancellation at its next suspension point")
	}
	if got := e.TryTrigger(KindSource, 1); got != TriggerNotFound {
		t.Errorf("unregistered unit should be NotFound, got %v", got)
	}
	sources.mu.Lock()
	defer sources.mu.Unlock()
	if len(sources.published) != 0 || len(sources.errSet) != 0 {
		t.Error("a deleted unit's status updates must be discarded")
	}
}

func TestRegisterReplacesTimer(t *testing.T) {
	sources := newFakeSources(1)
	e := testEngine(sources)
	defer e.Stop()

	e.Register(KindSource, 1, 3600)
	e.Register(KindSource, 1, 0) // switch to manual-only

	e.mu.Lock()
	u := e.units[unitKey{kind: KindSource, id: 1}]
	e.mu.Unlock()
	if u == nil {
		t.Fatal("unit lost on re-register")
	}
	if u.entryID != 0 {
		t.Errorf("manual-only unit should have no cron entry, got %v", u.entryID)
	}
}

func TestManualTriggerDoesNotRetry(t *testing.T) {
	sources := newFakeSources(1)
	e := testEngine(sources)
	defer e.Stop()

	var attempts int
	var mu gosync.Mutex
	e.sourceCycle = func(ctx context.Context, src store.Source) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	}

	e.Register(KindSource, 1, 0)
	if got := e.TryTrigger(KindSource, 1); got != TriggerStarted {
		t.Fatalf("expected Started, got %v", got)
	}
	waitForIdle(t, e, 1)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("manual trigger must run exactly one attempt, got %d", attempts)
	}
}

// waitForIdle blocks until the unit's running flag clears.
func waitForIdle(t *testing.T, e *Engine, id int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		e.mu.Lock()
		u := e.units[unitKey{kind: KindSource, id: id}]
		e.mu.Unlock()
		if u == nil || !u.running.Load() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("unit never became idle")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
