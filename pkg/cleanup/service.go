// Package cleanup runs scheduled data retention jobs.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// FactStore deletes expired daily facts; satisfied by *memory.Store.
type FactStore interface {
	CleanupExpiredDailyFacts(ctx context.Context) (int64, error)
}

// Service runs the daily-fact retention sweep on a cron schedule. Sessions
// and summaries expire through MongoDB TTL indexes and need no sweep here;
// daily facts live inside profile documents, which TTL indexes cannot
// reach, so they are pulled out explicitly.
type Service struct {
	store    FactStore
	schedule string

	cron *cron.Cron
}

// NewService creates a cleanup service. The schedule is standard cron
// syntax, evaluated in UTC.
func NewService(store FactStore, schedule string) *Service {
	return &Service{
		store:    store,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the job and launches the scheduler.
func (s *Service) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.runOnce)
	if err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("Cleanup service started", "schedule", s.schedule)
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Cleanup service stopped")
}

// RunNow triggers one sweep outside the schedule.
func (s *Service) RunNow(ctx context.Context) (int64, error) {
	return s.store.CleanupExpiredDailyFacts(ctx)
}

func (s *Service) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	count, err := s.store.CleanupExpiredDailyFacts(ctx)
	if err != nil {
		slog.Error("Retention: daily fact cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed expired daily facts", "count", count)
	}
}
