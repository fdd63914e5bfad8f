package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/ingest"
	"github.com/livescore-pipeline/internal/scoring"
	"github.com/robfig/cron/v3"
)

// SmartStarter aligns polling with live fixtures
type SmartStarter interface {
	SmartStart(ctx context.Context) domain.PollingStatus
}

// Refresher pulls the day's schedule
type Refresher interface {
	Refresh(ctx context.Context) (ingest.Result, error)
}

// Sweeper finishes scoring work an earlier run left behind
type Sweeper interface {
	Sweep(ctx context.Context) (scoring.SweepResult, error)
}

// SupervisorConfig holds the cron specs of the supervisor jobs
type SupervisorConfig struct {
	SmartStartSpec  string
	ScheduleSpec    string
	ScheduleEnabled bool
	SweepSpec       string
	Location        *time.Location
	JobTimeout      time.Duration
}

// Supervisor runs SmartStart, the schedule refresh and the scoring sweep on cron schedules
type Supervisor struct {
	cron      *cron.Cron
	poller    SmartStarter
	refresher Refresher
	sweeper   Sweeper
	cfg       SupervisorConfig
	logger    *slog.Logger
}

// NewSupervisor validates the cron specs and registers the jobs. refresher and sweeper may be nil.
func NewSupervisor(cfg SupervisorConfig, poller SmartStarter, refresher Refresher, sweeper Sweeper, logger *slog.Logger) (*Supervisor, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}

	cl := cronLogger{logger: logger}
	s := &Supervisor{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		poller:    poller,
		refresher: refresher,
		sweeper:   sweeper,
		cfg:       cfg,
		logger:    logger,
	}

	if _, err := s.cron.AddFunc(cfg.SmartStartSpec, s.smartStart); err != nil {
		return nil, fmt.Errorf("smart start schedule %q: %w", cfg.SmartStartSpec, err)
	}
	if cfg.ScheduleEnabled && refresher != nil {
		if _, err := s.cron.AddFunc(cfg.ScheduleSpec, s.refreshSchedule); err != nil {
			return nil, fmt.Errorf("schedule refresh schedule %q: %w", cfg.ScheduleSpec, err)
		}
	}
	if s.sweepEnabled() {
		if _, err := s.cron.AddFunc(cfg.SweepSpec, s.sweep); err != nil {
			return nil, fmt.Errorf("scoring sweep schedule %q: %w", cfg.SweepSpec, err)
		}
	}
	return s, nil
}

// Start runs every job once in the background and then on their schedules
func (s *Supervisor) Start() {
	go func() {
		if s.cfg.ScheduleEnabled && s.refresher != nil {
			s.refreshSchedule()
		}
		if s.sweepEnabled() {
			s.sweep()
		}
		s.smartStart()
	}()

	s.cron.Start()
	s.logger.Info("supervisor started",
		"smart_start", s.cfg.SmartStartSpec,
		"schedule", s.cfg.ScheduleSpec,
		"schedule_enabled", s.cfg.ScheduleEnabled,
		"sweep", s.cfg.SweepSpec,
	)
}

// Stop stops the scheduler and waits for running jobs
func (s *Supervisor) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) smartStart() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	status := s.poller.SmartStart(ctx)
	s.logger.Debug("smart start check", "active", status.IsActive, "live", status.CurrentlyLive)
}

func (s *Supervisor) refreshSchedule() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if _, err := s.refresher.Refresh(ctx); err != nil {
		if errors.Is(err, domain.ErrBudgetExhausted) {
			s.logger.Warn("schedule refresh skipped, fixtures budget exhausted")
			return
		}
		s.logger.Error("schedule refresh failed", "error", err)
	}
}

func (s *Supervisor) sweepEnabled() bool {
	return s.sweeper != nil && s.cfg.SweepSpec != ""
}

func (s *Supervisor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx); err != nil {
		s.logger.Error("scoring sweep failed", "error", err)
	}
}

// cronLogger routes scheduler logs through slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
