package creditsmock

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRefunder is a testify mock for credits.Refunder.
type MockRefunder struct {
	mock.Mock
}

func (m *MockRefunder) RefundOnFailure(ctx context.Context, userID string, amount float64, taskID string) error {
	args := m.Called(ctx, userID, amount, taskID)
	return args.Error(0)
}
