// Package scheduler runs named jobs on fixed intervals until stopped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrNotStarted     = errors.New("scheduler: not started")
)

// Job is a unit of periodic work. A failing run is logged and the job keeps
// its schedule.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns one goroutine per job.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New validates nothing until Start; jobs with a non-positive interval are
// skipped there.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Start launches every job. The jobs stop when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			s.logger.Warn("scheduler: job skipped", "job", job.Name, "interval", job.Interval)
			continue
		}
		g.Go(func() error {
			s.loop(gctx, job)
			return nil
		})
	}
	s.cancel = cancel
	s.group = g
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels the jobs and waits for in-flight runs to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.group == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		s.logger.Info("scheduler stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job once, in order, and joins their errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if job.Run == nil {
			continue
		}
		if err := s.run(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.run(ctx, job); err != nil {
				s.logger.ErrorContext(ctx, "scheduled job failed", "job", job.Name, "error", err)
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job %s panicked: %v", job.Name, r)
		}
	}()
	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
	}
	return nil
}
