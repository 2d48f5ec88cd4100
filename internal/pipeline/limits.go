package pipeline

import (
	"context"
	"sync"

	"github.com/driveconv/driveconv/internal/model"
)

const defaultPermits = 3

// LimitsConfig holds the per-class permit counts.
type LimitsConfig struct {
	Downloads   int
	Conversions int
	Uploads     int
}

func (c *LimitsConfig) defaults() {
	if c.Downloads <= 0 {
		c.Downloads = defaultPermits
	}
	if c.Conversions <= 0 {
		c.Conversions = defaultPermits
	}
	if c.Uploads <= 0 {
		c.Uploads = defaultPermits
	}
}

// Limits caps simultaneous operations of each class independently. One Limits
// instance belongs to exactly one session's runner, so sessions never share
// or starve each other's quota.
type Limits struct {
	download chan struct{}
	convert  chan struct{}
	upload   chan struct{}
}

// NewLimits creates a permit group with the configured counts.
func NewLimits(cfg LimitsConfig) *Limits {
	cfg.defaults()
	return &Limits{
		download: make(chan struct{}, cfg.Downloads),
		convert:  make(chan struct{}, cfg.Conversions),
		upload:   make(chan struct{}, cfg.Uploads),
	}
}

// Acquire blocks until a permit for op is available or ctx is done. The
// returned release is idempotent so it is safe to defer on every exit path.
func (l *Limits) Acquire(ctx context.Context, op model.StageOp) (release func(), err error) {
	sem := l.semFor(op)

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Limits) semFor(op model.StageOp) chan struct{} {
	switch op {
	case model.StageDownload:
		return l.download
	case model.StageConvert:
		return l.convert
	case model.StageUpload:
		return l.upload
	}
	return nil
}
