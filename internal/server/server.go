// Package server exposes the task submission and progress poll endpoints
// over HTTP.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driveconv/driveconv/internal/app/convert"
	"github.com/driveconv/driveconv/internal/app/status"
	"github.com/driveconv/driveconv/internal/log"
	"github.com/driveconv/driveconv/internal/model"
)

// Config is the configuration for the HTTP server.
type Config struct {
	ConvertService *convert.Service
	StatusService  *status.Service
	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler
	Logger         log.Logger
}

func (c *Config) defaults() error {
	if c.ConvertService == nil {
		return fmt.Errorf("convert service is required")
	}
	if c.StatusService == nil {
		return fmt.Errorf("status service is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "server.HTTP"})
	return nil
}

// Server routes HTTP requests to the app services.
type Server struct {
	converts *convert.Service
	statuses *status.Service
	metrics  http.Handler
	logger   log.Logger
	engine   *gin.Engine
}

// New creates the HTTP server and registers all routes.
func New(cfg Config) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		converts: cfg.ConvertService,
		statuses: cfg.StatusService,
		metrics:  cfg.MetricsHandler,
		logger:   cfg.Logger,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")
	v1.POST("/convert", s.submitConversion)
	v1.GET("/progress/:task_id", s.getProgress)
	v1.GET("/sessions/:session_id/tasks", s.listSessionTasks)

	s.engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}
}

type convertRequest struct {
	RefreshToken  string   `json:"refresh_token" binding:"required"`
	FileIDs       []string `json:"file_ids" binding:"required"`
	SessionID     string   `json:"session_id"`
	UserID        string   `json:"user_id"`
	EstimatedCost float64  `json:"estimated_cost"`
}

type convertResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) submitConversion(c *gin.Context) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	task, err := s.converts.Convert(c.Request.Context(), convert.Request{
		RefreshToken:  req.RefreshToken,
		FileIDs:       req.FileIDs,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		EstimatedCost: req.EstimatedCost,
	})
	if err != nil {
		if errors.Is(err, model.ErrNotValid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Errorf("Submission failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start conversion"})
		return
	}

	c.JSON(http.StatusAccepted, convertResponse{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Message:   "Processing started",
	})
}

func (s *Server) getProgress(c *gin.Context) {
	snap, err := s.statuses.Progress(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Errorf("Progress lookup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not get progress"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (s *Server) listSessionTasks(c *gin.Context) {
	snaps, err := s.statuses.SessionTasks(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.logger.Errorf("Session task listing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list tasks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": snaps})
}
