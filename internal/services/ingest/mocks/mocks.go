package mocks

import (
	"context"
	"time"

	"github.com/BearBump/ParcelWatch/internal/broker/messages"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) GetEventByFingerprint(ctx context.Context, fingerprint string) (*models.StatusEvent, error) {
	args := m.Called(ctx, fingerprint)
	var ev *models.StatusEvent
	if v := args.Get(0); v != nil {
		ev = v.(*models.StatusEvent)
	}
	return ev, args.Error(1)
}

func (m *MockEventStore) InsertEvent(ctx context.Context, ev *models.StatusEvent) (bool, error) {
	args := m.Called(ctx, ev)
	return args.Bool(0), args.Error(1)
}

type MockStateStore struct {
	mock.Mock
}

func (m *MockStateStore) GetPackage(ctx context.Context, packageID string) (*models.PackageState, error) {
	args := m.Called(ctx, packageID)
	var st *models.PackageState
	if v := args.Get(0); v != nil {
		st = v.(*models.PackageState)
	}
	return st, args.Error(1)
}

func (m *MockStateStore) SavePackage(ctx context.Context, st *models.PackageState, prevLastUpdated *time.Time) error {
	args := m.Called(ctx, st, prevLastUpdated)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, msg messages.Notification) int {
	args := m.Called(topic, msg)
	return args.Int(0)
}
