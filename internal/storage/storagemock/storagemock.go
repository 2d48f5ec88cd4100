package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/driveconv/driveconv/internal/model"
)

// MockTaskRepository is a testify mock for storage.TaskRepository.
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) CreateTask(ctx context.Context, t model.Task) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockTaskRepository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	args := m.Called(ctx, id)
	task, _ := args.Get(0).(*model.Task)
	return task, args.Error(1)
}

func (m *MockTaskRepository) UpdateTask(ctx context.Context, id string, mutate func(t *model.Task) error) error {
	args := m.Called(ctx, id, mutate)
	return args.Error(0)
}

func (m *MockTaskRepository) ListTasksBySession(ctx context.Context, sessionID string) ([]model.Task, error) {
	args := m.Called(ctx, sessionID)
	tasks, _ := args.Get(0).([]model.Task)
	return tasks, args.Error(1)
}

func (m *MockTaskRepository) DeleteSessionTasks(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}
