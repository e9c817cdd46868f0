// Package scheduler fires the daily discovery run. It owns nothing but the
// clock: every tick is handed to the run coordinator, which decides whether
// a run actually starts.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/scanrun"
)

const (
	triggerTimeout = 30 * time.Second
	stopTimeout    = 10 * time.Second
)

// Trigger starts a run in the background.
type Trigger interface {
	Trigger(ctx context.Context) (scanrun.TriggerResult, error)
}

var _ Trigger = (*scanrun.Coordinator)(nil)

// Config describes the daily schedule.
type Config struct {
	Enabled bool
	Hour    int
	Minute  int
	// Location defaults to time.Local.
	Location *time.Location
}

// Status reports the schedule and the next time it fires.
type Status struct {
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	Schedule    string     `json:"schedule"`
	NextRun     *time.Time `json:"next_run"`
	LastTrigger *time.Time `json:"last_trigger,omitempty"`
}

// Scheduler triggers a scan run once a day.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	cfg      Config
	trigger  Trigger
	logger   *logging.Logger
	now      func() time.Time

	mu          sync.RWMutex
	running     bool
	entryID     cron.EntryID
	lastTrigger *time.Time
	ctx         context.Context
	cancel      context.CancelFunc
}

// CronSpec renders a daily hour/minute pair as a standard cron expression.
func CronSpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// New creates a scheduler, rejecting an out-of-range hour or minute.
func New(trigger Trigger, cfg Config) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	spec := CronSpec(cfg.Hour, cfg.Minute)
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %02d:%02d: %w", cfg.Hour, cfg.Minute, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(cfg.Location)),
		schedule: schedule,
		spec:     spec,
		cfg:      cfg,
		trigger:  trigger,
		logger:   logging.Default().WithComponent("scheduler"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// WithLogger replaces the scheduler's logger.
func (s *Scheduler) WithLogger(logger *logging.Logger) *Scheduler {
	s.logger = logger.WithComponent("scheduler")
	return s
}

// Start registers the daily entry and starts the cron loop. A disabled
// schedule starts nothing.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if !s.cfg.Enabled {
		s.logger.Info("Scheduled scans disabled")
		return nil
	}

	id, err := s.cron.AddFunc(s.spec, s.fire)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started",
		"schedule", s.scheduleString(),
		"next_run", s.schedule.Next(s.now().In(s.cfg.Location)))
	return nil
}

// Stop stops the cron loop and waits briefly for an in-progress tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cron.Remove(s.entryID)
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("Timed out waiting for scheduler tick to finish")
	}
	s.logger.Info("Scheduler stopped")
}

// Status returns the schedule state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Enabled:     s.cfg.Enabled,
		Running:     s.running,
		Schedule:    s.scheduleString(),
		LastTrigger: s.lastTrigger,
	}
	if s.cfg.Enabled {
		next := s.schedule.Next(s.now().In(s.cfg.Location))
		status.NextRun = &next
	}
	return status
}

func (s *Scheduler) scheduleString() string {
	return fmt.Sprintf("%02d:%02d", s.cfg.Hour, s.cfg.Minute)
}

// fire is the cron callback. Overlap with a manual run is resolved by the
// coordinator, which reports the run already in progress.
func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(s.ctx, triggerTimeout)
	defer cancel()

	now := s.now()
	s.mu.Lock()
	s.lastTrigger = &now
	s.mu.Unlock()

	result, err := s.trigger.Trigger(ctx)
	if err != nil {
		s.logger.Error("Scheduled scan failed to start", "error", err)
		return
	}
	s.logger.Info("Scheduled scan triggered",
		"status", result.Status,
		"scan_id", result.RunID.String())
}
