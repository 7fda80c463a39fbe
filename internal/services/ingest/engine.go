// Package ingest turns courier status reports into stored events and keeps
// the current state of each package in step with them.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ParcelWatch/internal/broker/messages"
	"github.com/BearBump/ParcelWatch/internal/bus"
	"github.com/BearBump/ParcelWatch/internal/cache"
	"github.com/BearBump/ParcelWatch/internal/metrics"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type EventStore interface {
	GetEventByFingerprint(ctx context.Context, fingerprint string) (*models.StatusEvent, error)
	InsertEvent(ctx context.Context, ev *models.StatusEvent) (bool, error)
}

type StateStore interface {
	GetPackage(ctx context.Context, packageID string) (*models.PackageState, error)
	SavePackage(ctx context.Context, st *models.PackageState, prevLastUpdated *time.Time) error
}

type Publisher interface {
	Publish(topic string, msg messages.Notification) int
}

type Outcome string

const (
	Applied          Outcome = "applied"
	Duplicate        Outcome = "duplicate"
	StoredOutOfOrder Outcome = "out_of_order"
)

type Result struct {
	Outcome   Outcome
	PackageID string
	EventID   string
	// State is the package state written by this call. Set only when Applied.
	State *models.PackageState
	// Repaired marks an Applied result produced from an already stored event
	// whose state write had been lost.
	Repaired bool
}

const (
	DefaultStoreTimeout = 5 * time.Second

	maxSaveAttempts = 3
	cacheTimeout    = time.Second
)

type Engine struct {
	events EventStore
	states StateStore
	pub    Publisher

	cache    cache.BytesCache
	cacheTTL time.Duration

	storeTimeout time.Duration
	now          func() time.Time
	newID        func() string

	locks *keyLock
}

func New(events EventStore, states StateStore, pub Publisher) *Engine {
	return &Engine{
		events:       events,
		states:       states,
		pub:          pub,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
		newID:        uuid.NewString,
		locks:        newKeyLock(),
	}
}

// WithCache makes the engine refresh the cached current state after each
// applied event.
func (e *Engine) WithCache(c cache.BytesCache, ttl time.Duration) *Engine {
	e.cache = c
	e.cacheTTL = ttl
	return e
}

func (e *Engine) WithStoreTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.storeTimeout = d
	}
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Ingest validates r, records it once and applies it to the package state
// unless it is older than what the state already reflects.
func (e *Engine) Ingest(ctx context.Context, r Report) (Result, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	ev, err := Validate(r)
	if err != nil {
		metrics.StatusReportsTotal.WithLabelValues("invalid").Inc()
		return Result{}, err
	}
	ev.Fingerprint = Fingerprint(ev)

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	unlock, err := e.locks.Lock(ctx, ev.PackageID)
	if err != nil {
		metrics.StatusReportsTotal.WithLabelValues("error").Inc()
		return Result{}, &StorageError{Op: "lock package", Err: err}
	}
	defer unlock()

	res, note, err := e.ingest(ctx, ev)
	if err != nil {
		metrics.StatusReportsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	metrics.StatusReportsTotal.WithLabelValues(string(res.Outcome)).Inc()

	if res.Outcome == Applied {
		e.announce(ctx, res.State, note)
	}
	return res, nil
}

func (e *Engine) ingest(ctx context.Context, ev *models.StatusEvent) (Result, *string, error) {
	existing, err := e.events.GetEventByFingerprint(ctx, ev.Fingerprint)
	switch {
	case err == nil:
		return e.duplicate(ctx, existing)
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, nil, &StorageError{Op: "get event", Err: err}
	}

	cur, err := e.loadState(ctx, ev.PackageID)
	if err != nil {
		return Result{}, nil, err
	}

	ev.ID = e.newID()
	ev.ReceivedAt = e.now().UTC()
	inserted, err := e.events.InsertEvent(ctx, ev)
	if err != nil {
		return Result{}, nil, &StorageError{Op: "insert event", Err: err}
	}
	if !inserted {
		// Lost the unique fingerprint race to a concurrent writer.
		existing, err := e.events.GetEventByFingerprint(ctx, ev.Fingerprint)
		if err != nil {
			return Result{}, nil, &StorageError{Op: "get event", Err: err}
		}
		return Result{Outcome: Duplicate, PackageID: existing.PackageID, EventID: existing.ID}, nil, nil
	}

	st, err := e.apply(ctx, ev, cur)
	if err != nil {
		return Result{}, nil, err
	}
	if st == nil {
		slog.Warn("out-of-order status event stored",
			"package_id", ev.PackageID,
			"event_id", ev.ID,
			"event_time", ev.EventTimestamp,
			"status", ev.Status,
		)
		return Result{Outcome: StoredOutOfOrder, PackageID: ev.PackageID, EventID: ev.ID}, nil, nil
	}
	return Result{Outcome: Applied, PackageID: ev.PackageID, EventID: ev.ID, State: st}, ev.Note, nil
}

// duplicate answers a report whose event is already stored. If the state does
// not reflect that event although it is the newest one, the state write of an
// earlier call was lost and is redone here.
func (e *Engine) duplicate(ctx context.Context, existing *models.StatusEvent) (Result, *string, error) {
	dup := Result{Outcome: Duplicate, PackageID: existing.PackageID, EventID: existing.ID}

	cur, err := e.loadState(ctx, existing.PackageID)
	if err != nil {
		return Result{}, nil, err
	}
	if cur != nil && !existing.EventTimestamp.After(cur.LastUpdated) {
		return dup, nil, nil
	}

	st, err := e.apply(ctx, existing, cur)
	if err != nil {
		return Result{}, nil, err
	}
	if st == nil {
		return dup, nil, nil
	}

	metrics.StateRepairsTotal.Inc()
	slog.Warn("package state rebuilt from stored event",
		"package_id", existing.PackageID,
		"event_id", existing.ID,
		"status", existing.Status,
	)
	return Result{
		Outcome:   Applied,
		PackageID: existing.PackageID,
		EventID:   existing.ID,
		State:     st,
		Repaired:  true,
	}, existing.Note, nil
}

// apply writes the state that follows from ev on top of cur. It returns a nil
// state when ev turns out to be older than the stored state.
func (e *Engine) apply(ctx context.Context, ev *models.StatusEvent, cur *models.PackageState) (*models.PackageState, error) {
	for attempt := 1; ; attempt++ {
		if cur != nil && ev.EventTimestamp.Before(cur.LastUpdated) {
			return nil, nil
		}

		next := nextState(cur, ev, e.now().UTC())
		var prev *time.Time
		if cur != nil {
			lu := cur.LastUpdated
			prev = &lu
		}

		err := e.states.SavePackage(ctx, next, prev)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt == maxSaveAttempts {
			return nil, &StorageError{Op: "save package", Err: err}
		}

		slog.Debug("package state changed concurrently, retrying",
			"package_id", ev.PackageID,
			"attempt", attempt,
		)
		cur, err = e.loadState(ctx, ev.PackageID)
		if err != nil {
			return nil, err
		}
	}
}

func nextState(cur *models.PackageState, ev *models.StatusEvent, now time.Time) *models.PackageState {
	st := &models.PackageState{
		PackageID:     ev.PackageID,
		CurrentStatus: ev.Status,
		LastUpdated:   ev.EventTimestamp,
		IsActive:      models.DeriveActive(ev.Status),
		CreatedAt:     ev.EventTimestamp,
		UpdatedAt:     now,
	}
	if cur != nil {
		st.CreatedAt = cur.CreatedAt
		st.CurrentPosition = cur.CurrentPosition
		st.ETA = cur.ETA
	}
	if ev.Position != nil {
		pos := *ev.Position
		st.CurrentPosition = &pos
	}
	if ev.ETA != nil {
		eta := *ev.ETA
		st.ETA = &eta
	}
	return st
}

func (e *Engine) loadState(ctx context.Context, packageID string) (*models.PackageState, error) {
	st, err := e.states.GetPackage(ctx, packageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get package", Err: err}
	}
	return st, nil
}

// announce publishes the update and refreshes the cache. Failures are logged only.
func (e *Engine) announce(ctx context.Context, st *models.PackageState, note *string) {
	if e.pub != nil {
		e.pub.Publish(bus.TopicDispatchers, messages.NewPackageUpdated(st, note))
	}

	if e.cache == nil || e.cacheTTL <= 0 {
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		slog.Error("marshal package state", "package_id", st.PackageID, "error", err.Error())
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
	defer cancel()
	if err := e.cache.Set(cctx, cache.PackageKey(st.PackageID), b, e.cacheTTL); err != nil {
		metrics.DeliveryFailuresTotal.WithLabelValues("cache").Inc()
		slog.Warn("refresh package cache", "package_id", st.PackageID, "error", err.Error())
	}
}
