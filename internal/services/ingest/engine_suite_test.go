package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/ParcelWatch/internal/bus"
	cachemocks "github.com/BearBump/ParcelWatch/internal/cache/mocks"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	ingestmocks "github.com/BearBump/ParcelWatch/internal/services/ingest/mocks"
)

type EngineSuite struct {
	suite.Suite

	events *ingestmocks.MockEventStore
	states *ingestmocks.MockStateStore
	pub    *ingestmocks.MockPublisher
	cache  *cachemocks.MockBytesCache
	engine *Engine
}

func (s *EngineSuite) SetupTest() {
	s.events = &ingestmocks.MockEventStore{}
	s.states = &ingestmocks.MockStateStore{}
	s.pub = &ingestmocks.MockPublisher{}
	s.cache = &cachemocks.MockBytesCache{}
	s.engine = New(s.events, s.states, s.pub).
		WithCache(s.cache, 10*time.Minute).
		WithClock(func() time.Time { return base.Add(time.Hour) })
}

func (s *EngineSuite) TestApplied_PublishesAndRefreshesCache() {
	s.events.On("GetEventByFingerprint", mock.Anything, mock.Anything).Return(nil, storage.ErrNotFound).Once()
	s.states.On("GetPackage", mock.Anything, "P1").Return(nil, storage.ErrNotFound).Once()
	s.events.On("InsertEvent", mock.Anything, mock.MatchedBy(func(ev *models.StatusEvent) bool {
		return ev.PackageID == "P1" && ev.ID != "" && ev.Fingerprint != "" && ev.ReceivedAt.Equal(base.Add(time.Hour))
	})).Return(true, nil).Once()
	s.states.On("SavePackage", mock.Anything, mock.MatchedBy(func(st *models.PackageState) bool {
		return st.CurrentStatus == models.StatusCreated && st.IsActive && st.CreatedAt.Equal(base)
	}), (*time.Time)(nil)).Return(nil).Once()
	s.pub.On("Publish", bus.TopicDispatchers, mock.Anything).Return(1).Once()
	s.cache.On("Set", mock.Anything, "package:P1:current", mock.Anything, 10*time.Minute).Return(nil).Once()

	res, err := s.engine.Ingest(context.Background(), report("P1", models.StatusCreated, base))
	s.Require().NoError(err)
	s.Require().Equal(Applied, res.Outcome)

	s.events.AssertExpectations(s.T())
	s.states.AssertExpectations(s.T())
	s.pub.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *EngineSuite) TestCacheFailureDoesNotFailIngest() {
	s.events.On("GetEventByFingerprint", mock.Anything, mock.Anything).Return(nil, storage.ErrNotFound).Once()
	s.states.On("GetPackage", mock.Anything, "P1").Return(nil, storage.ErrNotFound).Once()
	s.events.On("InsertEvent", mock.Anything, mock.Anything).Return(true, nil).Once()
	s.states.On("SavePackage", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	s.pub.On("Publish", bus.TopicDispatchers, mock.Anything).Return(0).Once()
	s.cache.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	res, err := s.engine.Ingest(context.Background(), report("P1", models.StatusCreated, base))
	s.Require().NoError(err)
	s.Require().Equal(Applied, res.Outcome)
}

func (s *EngineSuite) TestOutOfOrder_UsesPriorLastUpdatedAndSkipsState() {
	cur := &models.PackageState{
		PackageID:     "P1",
		CurrentStatus: models.StatusInTransit,
		LastUpdated:   base.Add(30 * time.Minute),
		IsActive:      true,
		CreatedAt:     base,
	}
	s.events.On("GetEventByFingerprint", mock.Anything, mock.Anything).Return(nil, storage.ErrNotFound).Once()
	s.states.On("GetPackage", mock.Anything, "P1").Return(cur, nil).Once()
	s.events.On("InsertEvent", mock.Anything, mock.Anything).Return(true, nil).Once()

	res, err := s.engine.Ingest(context.Background(), report("P1", models.StatusPickedUp, base.Add(15*time.Minute)))
	s.Require().NoError(err)
	s.Require().Equal(StoredOutOfOrder, res.Outcome)

	s.states.AssertNotCalled(s.T(), "SavePackage", mock.Anything, mock.Anything, mock.Anything)
	s.pub.AssertNotCalled(s.T(), "Publish", mock.Anything, mock.Anything)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *EngineSuite) TestCASPassesPriorLastUpdated() {
	prior := base.Add(5 * time.Minute)
	cur := &models.PackageState{PackageID: "P1", CurrentStatus: models.StatusCreated, LastUpdated: prior, IsActive: true, CreatedAt: base}
	s.events.On("GetEventByFingerprint", mock.Anything, mock.Anything).Return(nil, storage.ErrNotFound).Once()
	s.states.On("GetPackage", mock.Anything, "P1").Return(cur, nil).Once()
	s.events.On("InsertEvent", mock.Anything, mock.Anything).Return(true, nil).Once()
	s.states.On("SavePackage", mock.Anything, mock.Anything, mock.MatchedBy(func(prev *time.Time) bool {
		return prev != nil && prev.Equal(prior)
	})).Return(nil).Once()
	s.pub.On("Publish", mock.Anything, mock.Anything).Return(1)
	s.cache.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	res, err := s.engine.Ingest(context.Background(), report("P1", models.StatusPickedUp, base.Add(10*time.Minute)))
	s.Require().NoError(err)
	s.Require().Equal(Applied, res.Outcome)
	s.Require().True(res.State.CreatedAt.Equal(base))
	s.states.AssertExpectations(s.T())
}

func (s *EngineSuite) TestLostInsertRaceIsDuplicate() {
	stored := &models.StatusEvent{ID: "ev-1", PackageID: "P1"}
	s.events.On("GetEventByFingerprint", mock.Anything, mock.Anything).Return(nil, storage.ErrNotFound).Once()
	s.states.On("GetPackage", mock.Anything, "P1").Return(nil, storage.ErrNotFound).Once()
	s.events.On("InsertEvent", mock.Anything, mock.Anything).Return(false, nil).Once()
	s.events.On("GetEventByFingerprint", mock.Anything, mock.Anything).Return(stored, nil).Once()

	res, err := s.engine.Ingest(context.Background(), report("P1", models.StatusCreated, base))
	s.Require().NoError(err)
	s.Require().Equal(Duplicate, res.Outcome)
	s.Require().Equal("ev-1", res.EventID)
	s.states.AssertNotCalled(s.T(), "SavePackage", mock.Anything, mock.Anything, mock.Anything)
}

func (s *EngineSuite) TestEventLookupFailure() {
	s.events.On("GetEventByFingerprint", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()

	_, err := s.engine.Ingest(context.Background(), report("P1", models.StatusCreated, base))
	var serr *StorageError
	s.Require().ErrorAs(err, &serr)
	s.Require().Equal("get event", serr.Op)
	s.events.AssertNotCalled(s.T(), "InsertEvent", mock.Anything, mock.Anything)
}

func (s *EngineSuite) TestValidationFailureTouchesNoStore() {
	_, err := s.engine.Ingest(context.Background(), Report{PackageID: "P1"})
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)
	s.events.AssertNotCalled(s.T(), "GetEventByFingerprint", mock.Anything, mock.Anything)
	s.states.AssertNotCalled(s.T(), "GetPackage", mock.Anything, mock.Anything)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}
