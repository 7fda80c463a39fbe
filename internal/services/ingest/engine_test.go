package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ParcelWatch/internal/broker/messages"
	"github.com/BearBump/ParcelWatch/internal/bus"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/storage"
	"github.com/BearBump/ParcelWatch/internal/storage/memstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	msgs []messages.Notification
}

func (r *recorder) Publish(topic string, msg messages.Notification) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if topic == bus.TopicDispatchers {
		r.msgs = append(r.msgs, msg)
	}
	return 1
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newTestEngine(t *testing.T) (*Engine, *memstore.Store, *recorder) {
	t.Helper()
	st := memstore.New()
	rec := &recorder{}
	clock := base.Add(time.Hour)
	e := New(st, st, rec).WithClock(func() time.Time { return clock })
	return e, st, rec
}

func report(pkg string, status models.Status, at time.Time) Report {
	return Report{PackageID: pkg, Status: string(status), Timestamp: at.Format(time.RFC3339Nano)}
}

func events(t *testing.T, st *memstore.Store, pkg string) []*models.StatusEvent {
	t.Helper()
	evs, err := st.ListPackageEvents(context.Background(), pkg, 100, 0)
	require.NoError(t, err)
	return evs
}

func state(t *testing.T, st *memstore.Store, pkg string) *models.PackageState {
	t.Helper()
	ps, err := st.GetPackage(context.Background(), pkg)
	require.NoError(t, err)
	return ps
}

func TestIngest_InOrderSequence(t *testing.T) {
	e, st, rec := newTestEngine(t)
	ctx := context.Background()

	r := report("P1", models.StatusCreated, base)
	r.Lat, r.Lon = f64(23.81), f64(90.41)
	res, err := e.Ingest(ctx, r)
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
	require.NotEmpty(t, res.EventID)
	require.False(t, res.Repaired)

	res, err = e.Ingest(ctx, report("P1", models.StatusPickedUp, base.Add(10*time.Minute)))
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)

	res, err = e.Ingest(ctx, report("P1", models.StatusInTransit, base.Add(30*time.Minute)))
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)

	ps := state(t, st, "P1")
	require.Equal(t, models.StatusInTransit, ps.CurrentStatus)
	require.True(t, ps.IsActive)
	require.True(t, ps.LastUpdated.Equal(base.Add(30*time.Minute)))
	require.True(t, ps.CreatedAt.Equal(base))
	require.Equal(t, &models.Position{Lat: 23.81, Lon: 90.41}, ps.CurrentPosition, "position kept when later reports omit it")
	require.Equal(t, res.State, ps)

	require.Len(t, events(t, st, "P1"), 3)
	require.Equal(t, 3, rec.count())
	last := rec.msgs[2].(messages.PackageUpdated)
	require.Equal(t, "IN_TRANSIT", last.Status)
}

func TestIngest_OutOfOrderIsStoredButNotApplied(t *testing.T) {
	e, st, rec := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, report("P1", models.StatusInTransit, base.Add(30*time.Minute)))
	require.NoError(t, err)
	before := state(t, st, "P1")

	r := report("P1", models.StatusPickedUp, base.Add(15*time.Minute))
	r.Lat, r.Lon = f64(1), f64(2)
	res, err := e.Ingest(ctx, r)
	require.NoError(t, err)
	require.Equal(t, StoredOutOfOrder, res.Outcome)
	require.Nil(t, res.State)

	require.Equal(t, before, state(t, st, "P1"))
	require.Len(t, events(t, st, "P1"), 2)
	require.Equal(t, 1, rec.count())
}

func TestIngest_DuplicateIsIdempotent(t *testing.T) {
	e, st, rec := newTestEngine(t)
	ctx := context.Background()

	r := report("P1", models.StatusPickedUp, base)
	r.Note = strPtr("picked up at depot")
	first, err := e.Ingest(ctx, r)
	require.NoError(t, err)
	require.Equal(t, Applied, first.Outcome)
	after := state(t, st, "P1")

	r.ETA = strPtr("2025-03-02T10:00:00Z")
	second, err := e.Ingest(ctx, r)
	require.NoError(t, err)
	require.Equal(t, Duplicate, second.Outcome)
	require.Equal(t, first.EventID, second.EventID)
	require.Equal(t, "P1", second.PackageID)

	require.Equal(t, after, state(t, st, "P1"))
	require.Len(t, events(t, st, "P1"), 1)
	require.Equal(t, 1, rec.count())
}

func TestIngest_EqualTimestampIsApplied(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, report("P1", models.StatusOutForDelivery, base))
	require.NoError(t, err)
	res, err := e.Ingest(ctx, report("P1", models.StatusDelivered, base))
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
	require.Equal(t, models.StatusDelivered, state(t, st, "P1").CurrentStatus)
}

func TestIngest_TerminalStatusDeactivates(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	for i, s := range models.Statuses() {
		pkg := fmt.Sprintf("P-%d", i)
		_, err := e.Ingest(ctx, report(pkg, s, base))
		require.NoError(t, err)
		ps := state(t, st, pkg)
		require.Equal(t, models.DeriveActive(s), ps.IsActive, "status %s", s)
	}
	require.False(t, models.DeriveActive(models.StatusDelivered))
	require.False(t, models.DeriveActive(models.StatusCancelled))
}

func TestIngest_ETAAndPositionReplacedWhenPresent(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	r := report("P1", models.StatusInTransit, base)
	r.ETA = strPtr("2025-03-03T10:00:00Z")
	_, err := e.Ingest(ctx, r)
	require.NoError(t, err)

	r = report("P1", models.StatusOutForDelivery, base.Add(time.Hour))
	r.Lat, r.Lon = f64(5), f64(6)
	_, err = e.Ingest(ctx, r)
	require.NoError(t, err)

	ps := state(t, st, "P1")
	require.Equal(t, time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC), *ps.ETA)
	require.Equal(t, &models.Position{Lat: 5, Lon: 6}, ps.CurrentPosition)
}

func TestIngest_ValidationFailureWritesNothing(t *testing.T) {
	e, st, rec := newTestEngine(t)

	_, err := e.Ingest(context.Background(), Report{PackageID: "P1", Status: "LOST"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Details, 2)

	require.Empty(t, events(t, st, "P1"))
	_, err = st.GetPackage(context.Background(), "P1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, 0, rec.count())
}

func TestIngest_LastUpdatedIsMonotonic(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	offsets := []int{5, 1, 9, 3, 9, 2, 12, 7, 0, 11}
	var prev time.Time
	for _, m := range offsets {
		_, err := e.Ingest(ctx, report("P1", models.StatusInTransit, base.Add(time.Duration(m)*time.Minute)))
		require.NoError(t, err)
		lu := state(t, st, "P1").LastUpdated
		require.False(t, lu.Before(prev))
		prev = lu
	}
	require.True(t, prev.Equal(base.Add(12*time.Minute)))
	require.Len(t, events(t, st, "P1"), 9)
}

func TestIngest_ConcurrentReportsForOnePackage(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Ingest(ctx, report("P1", models.StatusInTransit, base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, events(t, st, "P1"), 50)
	require.True(t, state(t, st, "P1").LastUpdated.Equal(base.Add(49*time.Second)))
	require.Equal(t, 0, e.locks.size())
}

func TestIngest_ConcurrentDuplicatesStoreOneEvent(t *testing.T) {
	e, st, rec := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Ingest(ctx, report("P1", models.StatusCreated, base))
			require.NoError(t, err)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, outcomes[Applied])
	require.Equal(t, 19, outcomes[Duplicate])
	require.Len(t, events(t, st, "P1"), 1)
	require.Equal(t, 1, rec.count())
}

// failingStates fails the first n SavePackage calls with err.
type failingStates struct {
	*memstore.Store
	n   int
	err error
}

func (f *failingStates) SavePackage(ctx context.Context, st *models.PackageState, prev *time.Time) error {
	if f.n > 0 {
		f.n--
		return f.err
	}
	return f.Store.SavePackage(ctx, st, prev)
}

func TestIngest_LostStateWriteIsRepairedOnRetry(t *testing.T) {
	mem := memstore.New()
	states := &failingStates{Store: mem, n: 1, err: errors.New("connection reset")}
	rec := &recorder{}
	e := New(mem, states, rec)
	ctx := context.Background()

	r := report("P1", models.StatusPickedUp, base)
	_, err := e.Ingest(ctx, r)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "save package", serr.Op)
	require.Len(t, events(t, mem, "P1"), 1, "event write is not rolled back")
	require.Equal(t, 0, rec.count())

	res, err := e.Ingest(ctx, r)
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
	require.True(t, res.Repaired)
	require.Equal(t, events(t, mem, "P1")[0].ID, res.EventID)
	require.Equal(t, models.StatusPickedUp, state(t, mem, "P1").CurrentStatus)
	require.Equal(t, 1, rec.count())

	res, err = e.Ingest(ctx, r)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res.Outcome)
	require.Len(t, events(t, mem, "P1"), 1)
}

func TestIngest_ConflictIsRetried(t *testing.T) {
	mem := memstore.New()
	states := &failingStates{Store: mem, n: 2, err: storage.ErrConflict}
	e := New(mem, states, nil)

	res, err := e.Ingest(context.Background(), report("P1", models.StatusCreated, base))
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
}

func TestIngest_PersistentConflictIsStorageError(t *testing.T) {
	mem := memstore.New()
	states := &failingStates{Store: mem, n: maxSaveAttempts, err: storage.ErrConflict}
	e := New(mem, states, nil)

	_, err := e.Ingest(context.Background(), report("P1", models.StatusCreated, base))
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestIngest_LockTimeoutIsStorageError(t *testing.T) {
	e, st, _ := newTestEngine(t)
	e.WithStoreTimeout(20 * time.Millisecond)

	unlock, err := e.locks.Lock(context.Background(), "P1")
	require.NoError(t, err)
	defer unlock()

	_, err = e.Ingest(context.Background(), report("P1", models.StatusCreated, base))
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, events(t, st, "P1"))
}

func TestIngest_CancelledContextIsStorageError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Ingest(ctx, report("P1", models.StatusCreated, base))
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
}

func TestIngest_PublishesOnHub(t *testing.T) {
	st := memstore.New()
	hub := bus.New(8)
	sub := hub.Subscribe(bus.TopicDispatchers)
	defer sub.Close()
	e := New(st, st, hub)

	r := report("P1", models.StatusInTransit, base)
	r.Note = strPtr("on the way")
	_, err := e.Ingest(context.Background(), r)
	require.NoError(t, err)

	env := <-sub.C
	require.Equal(t, messages.EventPackageUpdated, env.EventType)
	msg := env.Payload.(messages.PackageUpdated)
	require.Equal(t, "P1", msg.Package)
	require.Equal(t, "on the way", *msg.Note)
	require.True(t, msg.IsActive)
}

func TestIngest_SeparatorBytesDoNotMergeReports(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	ts := base.Format(time.RFC3339Nano)

	first := report("A", models.StatusCreated, base)
	note := "CREATED\x1f" + ts + "\x1f\x1f\x1f"
	first.Note = &note
	second := report("A\x1fCREATED\x1f"+ts+"\x1f\x1f", models.StatusCreated, base)

	r1, err := e.Ingest(ctx, first)
	require.NoError(t, err)
	require.Equal(t, Applied, r1.Outcome)

	r2, err := e.Ingest(ctx, second)
	require.NoError(t, err)
	require.Equal(t, Applied, r2.Outcome)
	require.Equal(t, second.PackageID, r2.PackageID)
	require.NotEqual(t, r1.EventID, r2.EventID)
	require.Equal(t, models.StatusCreated, state(t, st, second.PackageID).CurrentStatus)
}
