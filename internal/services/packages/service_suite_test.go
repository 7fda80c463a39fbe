package packages

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	cachemocks "github.com/BearBump/ParcelWatch/internal/cache/mocks"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	packagesmocks "github.com/BearBump/ParcelWatch/internal/services/packages/mocks"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type ServiceSuite struct {
	suite.Suite

	repo  *packagesmocks.MockRepository
	cache *cachemocks.MockBytesCache
	svc   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &packagesmocks.MockRepository{}
	s.cache = &cachemocks.MockBytesCache{}
	s.svc = New(s.repo, s.cache, 10*time.Minute).WithClock(func() time.Time { return now })
}

func (s *ServiceSuite) TestGetPackage_CacheHit_NoDB() {
	st := &models.PackageState{PackageID: "P7", CurrentStatus: models.StatusInTransit, LastUpdated: now, IsActive: true}
	b, _ := json.Marshal(st)
	s.cache.On("Get", mock.Anything, "package:P7:current").Return(b, true, nil).Once()

	out, err := s.svc.GetPackage(context.Background(), "P7")
	s.Require().NoError(err)
	s.Require().Equal("P7", out.PackageID)
	s.Require().Equal(models.StatusInTransit, out.CurrentStatus)

	s.repo.AssertNotCalled(s.T(), "GetPackage", mock.Anything, mock.Anything)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetPackage_CacheMissFillsCache() {
	s.cache.On("Get", mock.Anything, "package:P1:current").Return([]byte(nil), false, nil).Once()
	s.repo.On("GetPackage", mock.Anything, "P1").Return(&models.PackageState{PackageID: "P1"}, nil).Once()
	s.cache.On("SetNX", mock.Anything, "package:P1:current", mock.Anything, 10*time.Minute).Return(false, errors.New("set failed")).Once()

	out, err := s.svc.GetPackage(context.Background(), "P1")
	s.Require().NoError(err)
	s.Require().Equal("P1", out.PackageID)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetPackage_CacheErrorAndBadJSONAreMisses() {
	s.cache.On("Get", mock.Anything, "package:P1:current").Return([]byte(nil), false, errors.New("redis down")).Once()
	s.cache.On("Get", mock.Anything, "package:P2:current").Return([]byte("not-json"), true, nil).Once()
	s.repo.On("GetPackage", mock.Anything, "P1").Return(&models.PackageState{PackageID: "P1"}, nil).Once()
	s.repo.On("GetPackage", mock.Anything, "P2").Return(&models.PackageState{PackageID: "P2"}, nil).Once()
	s.cache.On("SetNX", mock.Anything, mock.Anything, mock.Anything, 10*time.Minute).Return(true, nil).Twice()

	_, err := s.svc.GetPackage(context.Background(), "P1")
	s.Require().NoError(err)
	_, err = s.svc.GetPackage(context.Background(), "P2")
	s.Require().NoError(err)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetPackage_CacheDisabled() {
	svc := New(s.repo, s.cache, 0)
	s.repo.On("GetPackage", mock.Anything, "P1").Return(&models.PackageState{PackageID: "P1"}, nil).Once()

	_, err := svc.GetPackage(context.Background(), "P1")
	s.Require().NoError(err)
	s.cache.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
	s.cache.AssertNotCalled(s.T(), "SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestGetPackage_NotFound() {
	s.cache.On("Get", mock.Anything, "package:nope:current").Return([]byte(nil), false, nil).Once()
	s.repo.On("GetPackage", mock.Anything, "nope").Return(nil, storage.ErrNotFound).Once()

	_, err := s.svc.GetPackage(context.Background(), "nope")
	s.Require().ErrorIs(err, storage.ErrNotFound)

	_, err = s.svc.GetPackage(context.Background(), "")
	s.Require().ErrorIs(err, ErrInvalidQuery)
}

func (s *ServiceSuite) TestListPackages_DefaultsToActiveWindow() {
	since := now.Add(-ActiveWindow)
	s.repo.On("ListPackages", mock.Anything, models.PackageFilter{
		ActiveOnly:   true,
		UpdatedSince: &since,
		Limit:        DefaultLimit,
	}).Return([]*models.PackageState{
		{PackageID: "P1", LastUpdated: now.Add(-90 * time.Second)},
	}, 1, nil).Once()

	page, err := s.svc.ListPackages(context.Background(), ListQuery{})
	s.Require().NoError(err)
	s.Require().Len(page.Packages, 1)
	s.Require().Equal(int64(90_000), page.Packages[0].TimeSinceLastUpdate)
	s.Require().Equal(Pagination{Total: 1, Limit: DefaultLimit, Offset: 0, HasMore: false}, page.Pagination)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestListPackages_FiltersAndHasMore() {
	off := false
	status := models.StatusInTransit
	s.repo.On("ListPackages", mock.Anything, models.PackageFilter{
		Status: &status,
		Search: "abc",
		Limit:  2,
		Offset: 2,
	}).Return([]*models.PackageState{{PackageID: "abc3"}, {PackageID: "abc4"}}, 7, nil).Once()

	page, err := s.svc.ListPackages(context.Background(), ListQuery{
		Status: "IN_TRANSIT", ActiveOnly: &off, Search: "abc", Limit: 2, Offset: 2,
	})
	s.Require().NoError(err)
	s.Require().True(page.Pagination.HasMore)
	s.Require().Equal(7, page.Pagination.Total)
}

func (s *ServiceSuite) TestListPackages_InvalidQuery() {
	for _, q := range []ListQuery{
		{Limit: 101},
		{Limit: -1},
		{Offset: -1},
		{Status: "LOST"},
	} {
		_, err := s.svc.ListPackages(context.Background(), q)
		s.Require().ErrorIs(err, ErrInvalidQuery)
	}
	s.repo.AssertNotCalled(s.T(), "ListPackages", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestGetPackageDetail() {
	s.cache.On("Get", mock.Anything, "package:P1:current").Return([]byte(nil), false, nil).Once()
	s.cache.On("SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()
	s.repo.On("GetPackage", mock.Anything, "P1").Return(&models.PackageState{PackageID: "P1", LastUpdated: now}, nil).Once()
	s.repo.On("ListPackageEvents", mock.Anything, "P1", DefaultEventsLimit+1, 0).Return(nil, nil).Once()

	d, err := s.svc.GetPackageDetail(context.Background(), "P1", EventsQuery{})
	s.Require().NoError(err)
	s.Require().Equal("P1", d.Package.PackageID)
	s.Require().NotNil(d.Events)
	s.Require().Empty(d.Events)
	s.Require().Equal(EventsPagination{Limit: DefaultEventsLimit}, d.EventsPagination)
}

func (s *ServiceSuite) TestGetPackageDetail_PagesEvents() {
	svc := New(s.repo, nil, 0)
	s.repo.On("GetPackage", mock.Anything, "P1").Return(&models.PackageState{PackageID: "P1"}, nil).Twice()
	s.repo.On("ListPackageEvents", mock.Anything, "P1", 3, 4).Return([]*models.StatusEvent{
		{ID: "e5"}, {ID: "e6"}, {ID: "e7"},
	}, nil).Once()
	s.repo.On("ListPackageEvents", mock.Anything, "P1", 3, 6).Return([]*models.StatusEvent{{ID: "e7"}}, nil).Once()

	d, err := svc.GetPackageDetail(context.Background(), "P1", EventsQuery{Limit: 2, Offset: 4})
	s.Require().NoError(err)
	s.Require().Len(d.Events, 2)
	s.Require().Equal("e6", d.Events[1].ID)
	s.Require().True(d.EventsPagination.HasMore)

	d, err = svc.GetPackageDetail(context.Background(), "P1", EventsQuery{Limit: 2, Offset: 6})
	s.Require().NoError(err)
	s.Require().Len(d.Events, 1)
	s.Require().False(d.EventsPagination.HasMore)

	for _, q := range []EventsQuery{{Limit: MaxEventsLimit + 1}, {Limit: -1}, {Offset: -1}} {
		_, err = svc.GetPackageDetail(context.Background(), "P1", q)
		s.Require().ErrorIs(err, ErrInvalidQuery)
	}
	s.repo.AssertExpectations(s.T())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
