package drivemock

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/driveconv/driveconv/internal/drive"
)

// MockStore is a testify mock for drive.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetItem(ctx context.Context, refreshToken, itemID string) (*drive.Item, error) {
	args := m.Called(ctx, refreshToken, itemID)
	item, _ := args.Get(0).(*drive.Item)
	return item, args.Error(1)
}

func (m *MockStore) ListChildren(ctx context.Context, refreshToken, itemID string) ([]drive.Item, error) {
	args := m.Called(ctx, refreshToken, itemID)
	items, _ := args.Get(0).([]drive.Item)
	return items, args.Error(1)
}

func (m *MockStore) GetContent(ctx context.Context, refreshToken, itemID string) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, refreshToken, itemID)
	body, _ := args.Get(0).(io.ReadCloser)
	return body, args.Get(1).(int64), args.Error(2)
}

func (m *MockStore) CreateUploadSession(ctx context.Context, refreshToken, parentID, name string) (string, error) {
	args := m.Called(ctx, refreshToken, parentID, name)
	return args.String(0), args.Error(1)
}

func (m *MockStore) UploadRange(ctx context.Context, uploadURL string, data []byte, offset, totalSize int64) error {
	args := m.Called(ctx, uploadURL, data, offset, totalSize)
	return args.Error(0)
}

// MockTokenSource is a testify mock for drive.TokenSource.
type MockTokenSource struct {
	mock.Mock
}

func (m *MockTokenSource) Exchange(ctx context.Context, refreshToken string) (string, error) {
	args := m.Called(ctx, refreshToken)
	return args.String(0), args.Error(1)
}
