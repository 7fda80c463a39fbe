// Package packages answers dashboard queries over package state and history.
package packages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/ParcelWatch/internal/cache"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/pkg/errors"
)

const (
	// ActiveWindow limits active_only listings to recently updated packages.
	ActiveWindow = 24 * time.Hour

	DefaultLimit = 50
	MaxLimit     = 100

	DefaultEventsLimit = 500
	MaxEventsLimit     = 500
)

var ErrInvalidQuery = errors.New("invalid query")

type Repository interface {
	GetPackage(ctx context.Context, packageID string) (*models.PackageState, error)
	ListPackages(ctx context.Context, f models.PackageFilter) ([]*models.PackageState, int, error)
	ListPackageEvents(ctx context.Context, packageID string, limit, offset int) ([]*models.StatusEvent, error)
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
	now        func() time.Time
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

type ListQuery struct {
	Status string
	// ActiveOnly defaults to true when nil.
	ActiveOnly *bool
	Search     string
	Limit      int
	Offset     int
}

// PackageView is a package state with the milliseconds elapsed since its last update.
type PackageView struct {
	*models.PackageState
	TimeSinceLastUpdate int64 `json:"timeSinceLastUpdate"`
}

type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type Page struct {
	Packages   []PackageView `json:"packages"`
	Pagination Pagination    `json:"pagination"`
}

// EventsQuery pages the event history of a package. Zero Limit means DefaultEventsLimit.
type EventsQuery struct {
	Limit  int
	Offset int
}

type EventsPagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type Detail struct {
	Package          PackageView           `json:"package"`
	Events           []*models.StatusEvent `json:"events"`
	EventsPagination EventsPagination      `json:"eventsPagination"`
}

func (s *Service) view(st *models.PackageState, now time.Time) PackageView {
	return PackageView{PackageState: st, TimeSinceLastUpdate: now.Sub(st.LastUpdated).Milliseconds()}
}

// ListPackages returns packages newest update first.
func (s *Service) ListPackages(ctx context.Context, q ListQuery) (*Page, error) {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, errors.Wrapf(ErrInvalidQuery, "limit must be between 1 and %d", MaxLimit)
	}
	if q.Offset < 0 {
		return nil, errors.Wrap(ErrInvalidQuery, "offset must not be negative")
	}

	now := s.now().UTC()
	f := models.PackageFilter{Search: q.Search, Limit: limit, Offset: q.Offset}
	if q.Status != "" {
		st, err := models.ParseStatus(q.Status)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidQuery, err.Error())
		}
		f.Status = &st
	}
	if q.ActiveOnly == nil || *q.ActiveOnly {
		since := now.Add(-ActiveWindow)
		f.ActiveOnly = true
		f.UpdatedSince = &since
	}

	items, total, err := s.repo.ListPackages(ctx, f)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Packages: make([]PackageView, 0, len(items)),
		Pagination: Pagination{
			Total:   total,
			Limit:   limit,
			Offset:  q.Offset,
			HasMore: q.Offset+len(items) < total,
		},
	}
	for _, it := range items {
		page.Packages = append(page.Packages, s.view(it, now))
	}
	return page, nil
}

// GetPackage returns the current state, from the cache when possible.
func (s *Service) GetPackage(ctx context.Context, packageID string) (*models.PackageState, error) {
	if packageID == "" {
		return nil, errors.Wrap(ErrInvalidQuery, "packageId is required")
	}
	cacheOn := s.cache != nil && s.currentTTL > 0
	key := cache.PackageKey(packageID)

	if cacheOn {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var st models.PackageState
			if json.Unmarshal(b, &st) == nil && st.PackageID == packageID {
				return &st, nil
			}
		}
	}

	st, err := s.repo.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if cacheOn {
		// NX: a state the ingest engine cached meanwhile is newer than st.
		b, _ := json.Marshal(st)
		_, _ = s.cache.SetNX(ctx, key, b, s.currentTTL)
	}
	return st, nil
}

// GetPackageDetail returns the package with one page of its event history,
// newest first.
func (s *Service) GetPackageDetail(ctx context.Context, packageID string, q EventsQuery) (*Detail, error) {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultEventsLimit
	}
	if limit < 1 || limit > MaxEventsLimit {
		return nil, errors.Wrapf(ErrInvalidQuery, "events_limit must be between 1 and %d", MaxEventsLimit)
	}
	if q.Offset < 0 {
		return nil, errors.Wrap(ErrInvalidQuery, "events_offset must not be negative")
	}

	st, err := s.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	// One extra row tells whether another page exists.
	evs, err := s.repo.ListPackageEvents(ctx, packageID, limit+1, q.Offset)
	if err != nil {
		return nil, err
	}
	hasMore := len(evs) > limit
	if hasMore {
		evs = evs[:limit]
	}
	if evs == nil {
		evs = []*models.StatusEvent{}
	}
	return &Detail{
		Package:          s.view(st, s.now().UTC()),
		Events:           evs,
		EventsPagination: EventsPagination{Limit: limit, Offset: q.Offset, HasMore: hasMore},
	}, nil
}
