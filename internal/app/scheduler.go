/**
 * @description
 * Cron scheduler setup for the backfill and expiry jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron specs for the scheduled jobs.
type ScheduleConfig struct {
	BackfillSchedule    string
	ExpirySweepSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config ScheduleConfig
}

// NewScheduler creates a new scheduler instance. A run that is still going when its
// next tick fires is skipped rather than overlapped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg ScheduleConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.BackfillSchedule, s.jobs.RunBackfill); err != nil {
		s.logger.Error("failed to schedule backfill job", "error", err)
		return err
	}
	s.logger.Info("scheduled backfill job", "schedule", s.config.BackfillSchedule)

	if _, err := s.cron.AddFunc(s.config.ExpirySweepSchedule, s.jobs.RunExpirySweep); err != nil {
		s.logger.Error("failed to schedule expiry sweep job", "error", err)
		return err
	}
	s.logger.Info("scheduled expiry sweep job", "schedule", s.config.ExpirySweepSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
