// Package scanrun coordinates discovery pipeline runs: it records each run,
// keeps at most one running at a time, executes the scan, probe and
// reconcile stages, and trims the run history.
package scanrun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/discovery"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/inventory"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
	"github.com/anstrom/neondeck/internal/probe"
	"github.com/anstrom/neondeck/internal/workers"
)

const (
	// DefaultHistoryLimit is how many runs are kept after pruning.
	DefaultHistoryLimit = 30
	// DefaultListLimit is the page size of ListRuns when none is given.
	DefaultListLimit = 10
	maxListLimit     = 100

	// StaleRunMessage is recorded on runs found running at startup.
	StaleRunMessage = "interrupted: process restarted before the run completed"

	// JobType identifies scan runs in the worker pool.
	JobType = "scan_run"

	// finalizeTimeout bounds the terminal write, which uses its own
	// context so a canceled run is still recorded.
	finalizeTimeout = 10 * time.Second
)

// Trigger outcomes.
const (
	TriggerStarted = "started"
	TriggerRunning = "running"
)

// Coordinator states reported by Status.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// RunStore persists run records. db.ScanRunRepository implements it.
type RunStore interface {
	Create(ctx context.Context, run *db.ScanRun) error
	Complete(ctx context.Context, id uuid.UUID, counts db.RunCounts) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ScanRun, error)
	GetRunning(ctx context.Context) (*db.ScanRun, error)
	GetLatest(ctx context.Context) (*db.ScanRun, error)
	List(ctx context.Context, limit int) ([]*db.ScanRun, error)
	PruneKeep(ctx context.Context, keep int) (int64, error)
	FailStale(ctx context.Context, message string) (int64, error)
}

// Scanner finds hosts with open candidate ports.
type Scanner interface {
	Scan(ctx context.Context, networks []string, ports []int) []discovery.HostResult
}

// Prober confirms web services on candidate ports.
type Prober interface {
	ProbeMultiple(ctx context.Context, candidates []probe.Candidate) []probe.Service
}

// Reconciler merges probe results into the inventory.
type Reconciler interface {
	Reconcile(ctx context.Context, probed []probe.Service) (inventory.Summary, error)
}

// Executor runs jobs in the background. *workers.Pool implements it.
type Executor interface {
	Submit(job workers.Job) error
}

var (
	_ RunStore          = (*db.ScanRunRepository)(nil)
	_ Scanner           = (*discovery.Scanner)(nil)
	_ Prober            = (*probe.Prober)(nil)
	_ Reconciler        = (*inventory.Reconciler)(nil)
	_ Executor          = (*workers.Pool)(nil)
	_ workers.Retrier   = (*runJob)(nil)
	_ workers.Discarder = (*runJob)(nil)
)

// RunConfig is the configuration a run executes with. It is read once per
// run and stored on the run record.
type RunConfig struct {
	Networks []string `json:"networks"`
	Ports    []int    `json:"ports"`
}

// TriggerResult is returned by Trigger.
type TriggerResult struct {
	Status  string    `json:"status"`
	Message string    `json:"message"`
	RunID   uuid.UUID `json:"scan_id"`
}

// State is the coordinator's current state.
type State struct {
	Status    string      `json:"status"`
	RunID     *uuid.UUID  `json:"scan_id,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	LastRun   *db.ScanRun `json:"last_run,omitempty"`
}

// Options configures a Coordinator.
type Options struct {
	Store      RunStore
	Scanner    Scanner
	Prober     Prober
	Reconciler Reconciler
	Executor   Executor
	// Config supplies the run configuration, read once per run.
	Config func() RunConfig
	// Events receives lifecycle events; optional.
	Events Publisher
	// HistoryLimit defaults to DefaultHistoryLimit.
	HistoryLimit int
	Logger       *logging.Logger
}

// Coordinator is the single entry point for starting runs. It holds no
// per-run state beyond what the store records.
type Coordinator struct {
	store        RunStore
	scanner      Scanner
	prober       Prober
	reconciler   Reconciler
	executor     Executor
	config       func() RunConfig
	events       Publisher
	historyLimit int
	logger       *logging.Logger
	metrics      *metrics.PrometheusMetrics

	// mu serializes the running check and insert within this process; the
	// database index covers other processes.
	mu sync.Mutex
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Events == nil {
		opts.Events = NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Coordinator{
		store:        opts.Store,
		scanner:      opts.Scanner,
		prober:       opts.Prober,
		reconciler:   opts.Reconciler,
		executor:     opts.Executor,
		config:       opts.Config,
		events:       opts.Events,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger.WithComponent("scanrun"),
		metrics:      metrics.GetGlobalMetrics(),
	}
}

// Trigger starts a run in the background and returns at once. When a run
// is already running its ID is returned instead and nothing is started.
func (c *Coordinator) Trigger(ctx context.Context) (TriggerResult, error) {
	run, cfg, existing, err := c.begin(ctx)
	if err != nil {
		return TriggerResult{}, err
	}
	if existing != nil {
		return alreadyRunning(existing.ID), nil
	}

	if err := c.executor.Submit(&runJob{c: c, run: run, cfg: cfg}); err != nil {
		c.finalize(run, inventory.Summary{}, fmt.Errorf("failed to schedule run: %w", err), time.Now())
		return TriggerResult{}, errors.WrapScanError(errors.CodeServiceUnavailable, "Could not schedule scan", err)
	}

	return TriggerResult{
		Status:  TriggerStarted,
		Message: "Scan started",
		RunID:   run.ID,
	}, nil
}

// runJob executes one recorded run on the worker pool. Runs are never
// retried; the record is terminal once Execute returns.
type runJob struct {
	c   *Coordinator
	run *db.ScanRun
	cfg RunConfig
}

func (j *runJob) Execute(ctx context.Context) error { return j.c.Execute(ctx, j.run, j.cfg) }

func (j *runJob) ID() string { return j.run.ID.String() }

func (j *runJob) Type() string { return JobType }

func (j *runJob) ShouldRetry(error) bool { return false }

// Discard fails a run that shutdown dropped from the queue before it
// started.
func (j *runJob) Discard(err error) {
	j.c.finalize(j.run, inventory.Summary{}, fmt.Errorf("discarded before start: %w", err), time.Now())
}

// RunNow executes a run on the calling goroutine and returns its final
// record. An already running run is reported as a conflict.
func (c *Coordinator) RunNow(ctx context.Context) (*db.ScanRun, error) {
	run, cfg, existing, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, errors.ErrConflict(fmt.Sprintf("scan %s is already running", existing.ID))
	}

	runErr := c.Execute(ctx, run, cfg)

	lookupCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	final, err := c.store.GetByID(lookupCtx, run.ID)
	if err != nil {
		return nil, err
	}
	return final, runErr
}

// begin records a new running run, or returns the run already in
// progress.
func (c *Coordinator) begin(ctx context.Context) (run *db.ScanRun, cfg RunConfig, existing *db.ScanRun, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err = c.store.GetRunning(ctx)
	if err != nil {
		return nil, cfg, nil, err
	}
	if existing != nil {
		c.logger.Info("Scan already running", "run_id", existing.ID)
		return nil, cfg, existing, nil
	}

	cfg = c.config()
	snapshot, err := db.NewJSONB(cfg)
	if err != nil {
		return nil, cfg, nil, err
	}

	run = &db.ScanRun{ScanConfig: snapshot}
	if err := c.store.Create(ctx, run); err != nil {
		if !errors.IsConflict(err) {
			return nil, cfg, nil, err
		}
		// Another process won the insert.
		existing, lookupErr := c.store.GetRunning(ctx)
		if lookupErr != nil {
			return nil, cfg, nil, lookupErr
		}
		if existing == nil {
			return nil, cfg, nil, err
		}
		return nil, cfg, existing, nil
	}

	c.logger.Info("Scan run started",
		"run_id", run.ID,
		"networks", cfg.Networks,
		"ports", len(cfg.Ports))
	c.events.Publish(newEvent(EventRunStarted, run))
	return run, cfg, nil, nil
}

// Execute runs the pipeline for a recorded run and always moves the run
// to a terminal state before returning, including on panic or
// cancellation.
func (c *Coordinator) Execute(ctx context.Context, run *db.ScanRun, cfg RunConfig) (err error) {
	if run.IsTerminal() {
		return fmt.Errorf("scan run %s already %s", run.ID, run.Status)
	}

	start := time.Now()
	logger := c.logger.WithRunID(run.ID.String())
	var summary inventory.Summary

	c.metrics.SetActiveRuns(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
		c.metrics.SetActiveRuns(0)
		c.finalize(run, summary, err, start)
	}()

	hosts := c.scanner.Scan(ctx, cfg.Networks, cfg.Ports)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("canceled during discovery: %w", err)
	}
	candidates := discovery.Candidates(hosts)
	logger.Info("Discovery finished", "hosts", len(hosts), "endpoints", len(candidates))

	services := c.prober.ProbeMultiple(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("canceled during probing: %w", err)
	}
	logger.Info("Probing finished", "services", len(services))

	summary, err = c.reconciler.Reconcile(ctx, services)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	return nil
}

// finalize writes the terminal state of a run and prunes history after a
// success.
func (c *Coordinator) finalize(run *db.ScanRun, summary inventory.Summary, runErr error, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	logger := c.logger.WithRunID(run.ID.String())
	duration := time.Since(start)
	now := time.Now().UTC()
	run.CompletedAt = &now

	if runErr != nil {
		msg := runErr.Error()
		run.Status = db.RunStatusFailed
		run.ErrorMessage = &msg
		if err := c.store.Fail(ctx, run.ID, msg); err != nil {
			logger.Error("Failed to record failed run", "error", err)
		}
		logger.Error("Scan run failed", "error", runErr, "duration", duration)
		c.metrics.RecordRun(db.RunStatusFailed, duration)
		c.events.Publish(newEvent(EventRunFailed, run))
		return
	}

	counts := summary.Counts()
	if err := c.store.Complete(ctx, run.ID, counts); err != nil {
		logger.Error("Failed to record completed run", "error", err)
		run.Status = db.RunStatusFailed
		if failErr := c.store.Fail(ctx, run.ID, "failed to record completion: "+err.Error()); failErr != nil {
			logger.Error("Failed to record failed run", "error", failErr)
		}
		c.metrics.RecordRun(db.RunStatusFailed, duration)
		return
	}
	run.Status = db.RunStatusCompleted
	run.ServicesFound = counts.ServicesFound
	run.NewServices = counts.NewServices
	run.RemovedServices = counts.RemovedServices

	logger.Info("Scan run completed",
		"services_found", counts.ServicesFound,
		"new_services", counts.NewServices,
		"removed_services", counts.RemovedServices,
		"duration", duration.Round(time.Millisecond))
	c.metrics.RecordRun(db.RunStatusCompleted, duration)

	if pruned, err := c.store.PruneKeep(ctx, c.historyLimit); err != nil {
		logger.Warn("Failed to prune run history", "error", err)
	} else if pruned > 0 {
		logger.Debug("Pruned run history", "deleted", pruned, "kept", c.historyLimit)
	}
	c.events.Publish(newEvent(EventRunCompleted, run))
}

// Status reports whether a run is in progress, plus the latest run.
func (c *Coordinator) Status(ctx context.Context) (State, error) {
	running, err := c.store.GetRunning(ctx)
	if err != nil {
		return State{}, err
	}
	if running != nil {
		return State{
			Status:    StateRunning,
			RunID:     &running.ID,
			StartedAt: &running.StartedAt,
			LastRun:   running,
		}, nil
	}

	latest, err := c.store.GetLatest(ctx)
	if err != nil {
		return State{}, err
	}
	return State{Status: StateIdle, LastRun: latest}, nil
}

// ListRuns returns recent runs, newest first. Non-positive limits use
// DefaultListLimit.
func (c *Coordinator) ListRuns(ctx context.Context, limit int) ([]*db.ScanRun, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	runs, err := c.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*db.ScanRun{}
	}
	return runs, nil
}

// RecoverStale fails runs left running by a previous process. Call it at
// startup, before any run can be triggered.
func (c *Coordinator) RecoverStale(ctx context.Context) (int64, error) {
	n, err := c.store.FailStale(ctx, StaleRunMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Warn("Marked interrupted runs as failed", "count", n)
	}
	return n, nil
}

// Config returns the configuration the next run would use.
func (c *Coordinator) Config() RunConfig {
	return c.config()
}

func alreadyRunning(id uuid.UUID) TriggerResult {
	return TriggerResult{
		Status:  TriggerRunning,
		Message: "Scan already in progress",
		RunID:   id,
	}
}

// DecodeConfig reads the configuration snapshot stored on a run.
func DecodeConfig(run *db.ScanRun) (RunConfig, error) {
	var cfg RunConfig
	if len(run.ScanConfig) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(run.ScanConfig, &cfg)
	return cfg, err
}
