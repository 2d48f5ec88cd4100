package status

import (
	"context"
	"fmt"

	"github.com/driveconv/driveconv/internal/log"
	"github.com/driveconv/driveconv/internal/model"
	"github.com/driveconv/driveconv/internal/progress"
	"github.com/driveconv/driveconv/internal/storage"
)

// ServiceConfig is the configuration for the status service.
type ServiceConfig struct {
	Tracker    *progress.Tracker
	Repository storage.TaskRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Tracker == nil {
		return fmt.Errorf("tracker is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Status"})
	return nil
}

// Service serves progress snapshots to polling clients.
type Service struct {
	tracker *progress.Tracker
	repo    storage.TaskRepository
	logger  log.Logger
}

// NewService creates a new status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tracker: cfg.Tracker,
		repo:    cfg.Repository,
		logger:  cfg.Logger,
	}, nil
}

// Progress returns the current snapshot of one task. Unknown task handles
// wrap model.ErrNotFound.
func (s *Service) Progress(ctx context.Context, taskID string) (*model.Snapshot, error) {
	snap, err := s.tracker.Snapshot(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get snapshot: %w", err)
	}
	return snap, nil
}

// SessionTasks returns the snapshots of every task owned by a session,
// oldest first.
func (s *Service) SessionTasks(ctx context.Context, sessionID string) ([]model.Snapshot, error) {
	tasks, err := s.repo.ListTasksBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("could not list session tasks: %w", err)
	}

	snaps := make([]model.Snapshot, 0, len(tasks))
	for i := range tasks {
		snaps = append(snaps, tasks[i].Snapshot())
	}

	return snaps, nil
}
