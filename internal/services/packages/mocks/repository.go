package mocks

import (
	"context"

	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetPackage(ctx context.Context, packageID string) (*models.PackageState, error) {
	args := m.Called(ctx, packageID)
	var st *models.PackageState
	if v := args.Get(0); v != nil {
		st = v.(*models.PackageState)
	}
	return st, args.Error(1)
}

func (m *MockRepository) ListPackages(ctx context.Context, f models.PackageFilter) ([]*models.PackageState, int, error) {
	args := m.Called(ctx, f)
	var out []*models.PackageState
	if v := args.Get(0); v != nil {
		out = v.([]*models.PackageState)
	}
	return out, args.Int(1), args.Error(2)
}

func (m *MockRepository) ListPackageEvents(ctx context.Context, packageID string, limit, offset int) ([]*models.StatusEvent, error) {
	args := m.Called(ctx, packageID, limit, offset)
	var out []*models.StatusEvent
	if v := args.Get(0); v != nil {
		out = v.([]*models.StatusEvent)
	}
	return out, args.Error(1)
}
