package maintenance

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs vacuum over every table on a cron schedule. A run that
// fires while the previous one is still going is skipped.
type Scheduler struct {
	cron     *cron.Cron
	svc      *Service
	schedule string
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a vacuum scheduler for a standard five-field cron
// schedule.
func NewScheduler(svc *Service, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:     cron.New(),
		svc:      svc,
		schedule: schedule,
		logger:   logger.With("component", "vacuum-scheduler"),
	}
}

// Start registers the schedule and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("vacuum scheduler started", "schedule", s.schedule)
	return nil
}

// Stop stops the cron loop and waits for a running vacuum to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("vacuum scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous vacuum still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.svc.Vacuum(ctx, ""); err != nil {
		s.logger.Warn("scheduled vacuum failed", "error", err)
	}
}
