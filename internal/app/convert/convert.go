package convert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/driveconv/driveconv/internal/log"
	"github.com/driveconv/driveconv/internal/model"
	"github.com/driveconv/driveconv/internal/progress"
)

// PipelineRunner runs the conversion pipeline for the tasks of one session.
type PipelineRunner interface {
	Run(ctx context.Context, task model.Task, refreshToken string, fileIDs []string)
}

// ServiceConfig is the configuration for the convert submission service.
type ServiceConfig struct {
	Tracker *progress.Tracker
	// NewRunner creates the pipeline runner that owns a session's permit
	// group. Called once per session.
	NewRunner func(sessionID string) (PipelineRunner, error)
	Logger    log.Logger
	Now       func() time.Time
}

func (c *ServiceConfig) defaults() error {
	if c.Tracker == nil {
		return fmt.Errorf("tracker is required")
	}
	if c.NewRunner == nil {
		return fmt.Errorf("runner factory is required")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Convert"})
	return nil
}

// Service handles conversion submission business logic.
type Service struct {
	tracker   *progress.Tracker
	newRunner func(sessionID string) (PipelineRunner, error)
	logger    log.Logger
	now       func() time.Time

	mu      sync.Mutex
	runners map[string]PipelineRunner
}

// NewService creates a new convert service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tracker:   cfg.Tracker,
		newRunner: cfg.NewRunner,
		logger:    cfg.Logger,
		now:       cfg.Now,
		runners:   map[string]PipelineRunner{},
	}, nil
}

// Request is a batch conversion submission.
type Request struct {
	RefreshToken  string
	FileIDs       []string
	SessionID     string
	UserID        string
	EstimatedCost float64
}

func (r *Request) validate() error {
	if r.RefreshToken == "" {
		return fmt.Errorf("refresh token is required: %w", model.ErrNotValid)
	}
	if len(r.FileIDs) == 0 {
		return fmt.Errorf("at least one file id is required: %w", model.ErrNotValid)
	}
	return nil
}

// Convert registers a new conversion task and starts the pipeline in the
// background. The task handle returns immediately.
func (s *Service) Convert(ctx context.Context, req Request) (*model.Task, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	task := model.NewTask(ulid.Make().String(), sessionID, len(req.FileIDs), s.now())
	if req.UserID != "" && req.EstimatedCost > 0 {
		task.Cost = &model.CostInfo{UserID: req.UserID, EstimatedCost: req.EstimatedCost}
	}

	if err := s.tracker.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("could not register task: %w", err)
	}

	runner, err := s.runnerFor(sessionID)
	if err != nil {
		return nil, fmt.Errorf("could not get session runner: %w", err)
	}

	s.logger.Infof("Accepted task %s (%d files, session %s)", task.ID, len(req.FileIDs), sessionID)

	// The pipeline outlives the submission request.
	go runner.Run(context.WithoutCancel(ctx), task, req.RefreshToken, req.FileIDs)

	return &task, nil
}

func (s *Service) runnerFor(sessionID string) (PipelineRunner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runner, ok := s.runners[sessionID]; ok {
		return runner, nil
	}

	runner, err := s.newRunner(sessionID)
	if err != nil {
		return nil, err
	}
	s.runners[sessionID] = runner

	return runner, nil
}
