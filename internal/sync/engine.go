package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/publish"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Kind distinguishes the two unit types the engine schedules.
type Kind string

const (
	KindSource      Kind = "source"
	KindDestination Kind = "destination"
)

// TriggerResult is the outcome of a manual sync request.
type TriggerResult int

const (
	TriggerStarted TriggerResult = iota
	TriggerAlreadyRunning
	TriggerNotFound
)

// Scheduled-cycle retry policy, matching the backoff the service has always
// used: 30s base, 5m cap, 5 attempts.
const (
	retryBase      = 30 * time.Second
	retryCap       = 5 * time.Minute
	maxAttempts    = 5
	unregisterWait = 5 * time.Second
)

// errUnitGone marks a unit that disappeared from the store mid-task; the
// scheduler entry stops permanently instead of retrying.
var errUnitGone = errors.New("unit no longer exists")

type unitKey struct {
	kind Kind
	id   int64
}

func (k unitKey) String() string { return fmt.Sprintf("%s/%d", k.kind, k.id) }

type unit struct {
	key     unitKey
	entryID cron.EntryID
	running atomic.Bool
	// ctx carries the unit's lifecycle. It gates the suspension points of a
	// cycle (store reads and status writes, retry waits) — never the HTTP
	// transport: an in-flight roundtrip always runs to completion under the
	// client timeout, and cancellation is observed between operations.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Engine owns one scheduled task per source and destination. At most one
// cycle is in flight per unit; ticks that land while a cycle runs are
// dropped, manual triggers report AlreadyRunning.
type Engine struct {
	store       *store.Store
	publisher   *publish.Publisher
	cron        *cron.Cron
	httpTimeout time.Duration

	mu    sync.Mutex
	units map[unitKey]*unit

	rootCtx    context.Context
	rootCancel context.CancelFunc
	cycles     sync.WaitGroup

	// Cycle implementations, swappable in tests.
	sourceCycle      func(ctx context.Context, src store.Source) error
	destinationCycle func(ctx context.Context, dest store.Destination) error
}

// New builds an engine. httpTimeout bounds every outbound HTTP request.
func New(st *store.Store, pub *publish.Publisher, httpTimeout time.Duration) *Engine {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       st,
		publisher:   pub,
		cron:        cron.New(),
		httpTimeout: httpTimeout,
		units:       make(map[unitKey]*unit),
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
	}
	e.sourceCycle = e.runSourceCycle
	e.destinationCycle = e.runDestinationCycle
	return e
}

// Start loads the configured units, restores published bodies, and begins
// ticking.
func (e *Engine) Start(ctx context.Context) error {
	published, err := e.store.Sources.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("restore published calendars: %w", err)
	}
	for _, p := range published {
		e.publisher.Set(p.ICSPath, publish.Entry{
			ContentType:  p.ContentType,
			Body:         p.Body,
			LastModified: p.SyncedAt,
		})
	}

	sources, err := e.store.Sources.List(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	for _, src := range sources {
		e.Register(KindSource, src.ID, src.SyncIntervalSecs)
	}

	destinations, err := e.store.Destinations.List(ctx)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	for _, dest := range destinations {
		e.Register(KindDestination, dest.ID, dest.SyncIntervalSecs)
	}

	e.cron.Start()
	log.Printf("[INFO] sync engine started: %d sources, %d destinations", len(sources), len(destinations))
	return nil
}

// Register creates or refreshes the scheduled task for a unit. An interval of
// zero means manual-only: the unit is registered but never ticks. An in-flight
// cycle keeps running with the policy it started with; the new interval takes
// effect from the next tick.
func (e *Engine) Register(kind Kind, id, intervalSecs int64) {
	key := unitKey{kind: kind, id: id}

	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.units[key]
	if ok {
		if u.entryID != 0 {
			e.cron.Remove(u.entryID)
			u.entryID = 0
		}
	} else {
		ctx, cancel := context.WithCancel(e.rootCtx)
		u = &unit{key: key, ctx: ctx, cancel: cancel}
		e.units[key] = u
	}

	if intervalSecs > 0 {
		spec := fmt.Sprintf("@every %ds", intervalSecs)
		entryID, err := e.cron.AddFunc(spec, func() { e.tick(key) })
		if err != nil {
			log.Printf("[ERROR] schedule %s: %v", key, err)
			return
		}
		u.entryID = entryID
	}
}

// Unregister stops a unit's task. The current cycle, if any, runs its
// in-flight operation to completion, observes the cancellation at its next
// suspension point, and has its status update discarded; the wait is bounded
// so record removal proceeds regardless.
func (e *Engine) Unregister(kind Kind, id int64) {
	if u := e.remove(unitKey{kind: kind, id: id}); u != nil {
		waitTimeout(&u.wg, unregisterWait)
	}
}

// remove detaches a unit from the scheduler and cancels its context without
// waiting for the in-flight cycle.
func (e *Engine) remove(key unitKey) *unit {
	e.mu.Lock()
	u, ok := e.units[key]
	if ok {
		if u.entryID != 0 {
			e.cron.Remove(u.entryID)
		}
		delete(e.units, key)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	u.cancel()
	return u
}

// TryTrigger starts a manual cycle for the unit, or reports that one is
// already in flight. Manual cycles run a single attempt with no retry.
func (e *Engine) TryTrigger(kind Kind, id int64) TriggerResult {
	key := unitKey{kind: kind, id: id}

	e.mu.Lock()
	u, ok := e.units[key]
	e.mu.Unlock()
	if !ok {
		return TriggerNotFound
	}

	if !u.running.CompareAndSwap(false, true) {
		return TriggerAlreadyRunning
	}

	u.wg.Add(1)
	e.cycles.Add(1)
	go func() {
		defer e.cycles.Done()
		defer u.wg.Done()
		defer u.running.Store(false)
		e.runAttempt(u)
	}()
	return TriggerStarted
}

// tick is the scheduled entry point. A tick that lands while a cycle is in
// flight is dropped, not queued.
func (e *Engine) tick(key unitKey) {
	e.mu.Lock()
	u, ok := e.units[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	if !u.running.CompareAndSwap(false, true) {
		log.Printf("[WARN] %s: tick dropped, sync already in progress", key)
		return
	}

	u.wg.Add(1)
	e.cycles.Add(1)
	defer e.cycles.Done()
	defer u.wg.Done()
	defer u.running.Store(false)

	// The first run plus maxAttempts-1 retries.
	backoff := retry.WithMaxRetries(maxAttempts-1, retry.WithCappedDuration(retryCap, retry.NewExponential(retryBase)))
	err := retry.Do(u.ctx, backoff, func(ctx context.Context) error {
		if err := e.runAttempt(u); err != nil {
			if errors.Is(err, errUnitGone) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if errors.Is(err, errUnitGone) {
		log.Printf("[INFO] %s: removed from store, stopping task", key)
		e.remove(key)
	} else if err != nil {
		log.Printf("[ERROR] %s: sync failed after retries: %v", key, err)
	}
}

// runAttempt executes one cycle attempt, fetching fresh configuration so
// credential or policy edits apply to the next run.
func (e *Engine) runAttempt(u *unit) error {
	start := time.Now()
	var err error

	switch u.key.kind {
	case KindSource:
		var src *store.Source
		src, err = e.store.Sources.GetByID(u.ctx, u.key.id)
		if errors.Is(err, store.ErrNotFound) {
			return errUnitGone
		}
		if err == nil {
			err = e.sourceCycle(u.ctx, *src)
		}
	case KindDestination:
		var dest *store.Destination
		dest, err = e.store.Destinations.GetByID(u.ctx, u.key.id)
		if errors.Is(err, store.ErrNotFound) {
			return errUnitGone
		}
		if err == nil {
			err = e.destinationCycle(u.ctx, *dest)
		}
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveSyncCycle(string(u.key.kind), status, time.Since(start))
	return err
}

// Stop halts scheduling and waits briefly for in-flight cycles so their
// status writes land before the process exits.
func (e *Engine) Stop() {
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(unregisterWait):
	}
	waitTimeout(&e.cycles, unregisterWait)
	e.rootCancel()
}

func (e *Engine) newHTTPClient() *http.Client {
	return &http.Client{Timeout: e.httpTimeout}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
