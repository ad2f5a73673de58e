// Package scheduler runs the periodic data refresh.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Job is one refresh run.
type Job func(ctx context.Context) error

// Scheduler runs a Job every interval, starting immediately. A run that
// overlaps the previous one is skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	job       Job
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Each run is bounded by timeout when positive.
func New(job Job, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		job:       job,
		interval:  interval,
		timeout:   timeout,
		logger:    logger.With("component", "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return errors.New("scheduler interval must be > 0")
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(s.run)
	if err != nil {
		return err
	}

	s.logger.Info("refresh scheduled", "interval", s.interval)
	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) run() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	s.logger.Debug("refresh started")
	if err := s.job(ctx); err != nil {
		s.logger.Error("refresh failed", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("refresh completed", "duration", time.Since(start))
}

// Stop cancels a running job and stops future runs.
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}
