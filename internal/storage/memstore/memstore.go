// Package memstore keeps packages and their events in process memory. It backs
// the "memory" storage driver and the service tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/storage"
)

type Store struct {
	mu sync.RWMutex

	events      map[string]*models.StatusEvent // by fingerprint
	eventsByPkg map[string][]*models.StatusEvent
	packages    map[string]*models.PackageState
}

func New() *Store {
	return &Store{
		events:      make(map[string]*models.StatusEvent),
		eventsByPkg: make(map[string][]*models.StatusEvent),
		packages:    make(map[string]*models.PackageState),
	}
}

func (s *Store) GetEventByFingerprint(ctx context.Context, fingerprint string) (*models.StatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEvent(ev), nil
}

// InsertEvent returns false when an event with the same fingerprint exists.
func (s *Store) InsertEvent(ctx context.Context, ev *models.StatusEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.Fingerprint]; ok {
		return false, nil
	}
	c := cloneEvent(ev)
	s.events[ev.Fingerprint] = c
	s.eventsByPkg[ev.PackageID] = append(s.eventsByPkg[ev.PackageID], c)
	return true, nil
}

func (s *Store) ListPackageEvents(ctx context.Context, packageID string, limit, offset int) ([]*models.StatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = 100
	case limit > storage.MaxEventsPage:
		limit = storage.MaxEventsPage
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	evs := make([]*models.StatusEvent, 0, len(s.eventsByPkg[packageID]))
	for _, ev := range s.eventsByPkg[packageID] {
		evs = append(evs, cloneEvent(ev))
	}
	s.mu.RUnlock()

	// Same order as the Postgres store: event_time DESC, received_at DESC.
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].EventTimestamp.Equal(evs[j].EventTimestamp) {
			return evs[i].ReceivedAt.After(evs[j].ReceivedAt)
		}
		return evs[i].EventTimestamp.After(evs[j].EventTimestamp)
	})
	return page(evs, limit, offset), nil
}

func (s *Store) GetPackage(ctx context.Context, packageID string) (*models.PackageState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[packageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) GetPackagesByIDs(ctx context.Context, ids []string) ([]*models.PackageState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.PackageState, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.packages[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// SavePackage writes st if the stored row still has prevLastUpdated as its
// LastUpdated. A nil prevLastUpdated means the row must not exist yet.
func (s *Store) SavePackage(ctx context.Context, st *models.PackageState, prevLastUpdated *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.packages[st.PackageID]
	switch {
	case prevLastUpdated == nil && ok:
		return storage.ErrConflict
	case prevLastUpdated != nil && (!ok || !cur.LastUpdated.Equal(*prevLastUpdated)):
		return storage.ErrConflict
	}
	s.packages[st.PackageID] = st.Clone()
	return nil
}

// ListStalledPackages returns active packages whose LastUpdated is strictly before cutoff.
func (s *Store) ListStalledPackages(ctx context.Context, cutoff time.Time) ([]*models.PackageState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*models.PackageState
	for _, p := range s.packages {
		if p.IsActive && p.LastUpdated.Before(cutoff) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].PackageID < out[j].PackageID
		}
		return out[i].LastUpdated.Before(out[j].LastUpdated)
	})
	return out, nil
}

func (s *Store) ListPackages(ctx context.Context, f models.PackageFilter) ([]*models.PackageState, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	search := strings.ToLower(f.Search)

	s.mu.RLock()
	var matched []*models.PackageState
	for _, p := range s.packages {
		if f.ActiveOnly && !p.IsActive {
			continue
		}
		if f.UpdatedSince != nil && p.LastUpdated.Before(*f.UpdatedSince) {
			continue
		}
		if f.Status != nil && p.CurrentStatus != *f.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.PackageID), search) {
			continue
		}
		matched = append(matched, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastUpdated.Equal(matched[j].LastUpdated) {
			return matched[i].PackageID < matched[j].PackageID
		}
		return matched[i].LastUpdated.After(matched[j].LastUpdated)
	})
	return page(matched, f.Limit, f.Offset), len(matched), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneEvent(ev *models.StatusEvent) *models.StatusEvent {
	c := *ev
	if ev.Position != nil {
		pos := *ev.Position
		c.Position = &pos
	}
	if ev.Note != nil {
		n := *ev.Note
		c.Note = &n
	}
	if ev.ETA != nil {
		eta := *ev.ETA
		c.ETA = &eta
	}
	return &c
}
