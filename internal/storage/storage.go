package storage

import (
	"context"

	"github.com/driveconv/driveconv/internal/model"
)

// TaskRepository is the interface for task persistence. Tasks live for the
// process lifetime only.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// UpdateTask applies mutate to the stored task under the repository's
	// entry lock, making multi-field updates atomic with respect to
	// concurrent stage workers.
	UpdateTask(ctx context.Context, id string, mutate func(t *model.Task) error) error
	ListTasksBySession(ctx context.Context, sessionID string) ([]model.Task, error)
	DeleteSessionTasks(ctx context.Context, sessionID string) error
}
