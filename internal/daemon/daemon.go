// Package daemon runs the NeonDeck background service. It assembles the
// discovery pipeline, the daily scheduler and the API server, and handles
// signals, the PID file and periodic health checks.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/neondeck/internal/api"
	"github.com/anstrom/neondeck/internal/config"
	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
	"github.com/anstrom/neondeck/internal/scanrun"
	"github.com/anstrom/neondeck/internal/scheduler"
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

const systemMetricsInterval = 15 * time.Second

// Daemon represents the main daemon process.
type Daemon struct {
	config     *config.Config
	configPath string
	version    string
	pidFile    string
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics

	database  *db.DB
	pipeline  *Pipeline
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	apiCancel context.CancelFunc
	apiErr    chan error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.RWMutex
}

// New creates a new daemon instance. configPath is re-read on SIGHUP and
// may be empty.
func New(cfg *config.Config, configPath, version string) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:     cfg,
		configPath: configPath,
		version:    version,
		pidFile:    cfg.Daemon.PIDFile,
		logger:     logging.Default().WithComponent("daemon"),
		metrics:    metrics.GetGlobalMetrics(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// WithLogger replaces the daemon's logger. Call before Start.
func (d *Daemon) WithLogger(logger *logging.Logger) *Daemon {
	d.logger = logger.WithComponent("daemon")
	return d
}

// Start brings up every component and blocks until shutdown.
func (d *Daemon) Start() error {
	d.logger.Info("Starting neondeck daemon", "version", d.version, "pid", os.Getpid())

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initDatabase(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := d.initPipeline(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize discovery pipeline: %w", err)
	}

	if err := d.initScheduler(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	d.logger.Info("Daemon started successfully")
	return d.run()
}

// Stop stops the daemon gracefully.
func (d *Daemon) Stop() error {
	d.logger.Info("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		d.logger.Info("Daemon stopped gracefully")
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, forcing exit")
	}
	return nil
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails when the PID file names a live process and
// removes it otherwise.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers handles shutdown, reload and status dump signals.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-sigChan:
				d.logger.Info("Received signal", "signal", sig.String())

				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					d.logger.Info("Initiating graceful shutdown")
					d.cancel()
					return
				case syscall.SIGHUP:
					if err := d.reloadConfiguration(); err != nil {
						d.logger.Error("Configuration reload failed", "error", err)
					}
				case syscall.SIGUSR1:
					d.dumpStatus()
				}
			}
		}
	}()
}

func (d *Daemon) initDatabase() error {
	d.logger.Info("Connecting to database")

	dbConfig := d.config.GetDatabaseConfig()
	database, err := db.ConnectAndMigrate(d.ctx, &dbConfig)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	d.database = database
	d.logger.Info("Database connection established")
	return nil
}

func (d *Daemon) initPipeline() error {
	pipeline, err := NewPipeline(d.ctx, d.database, PipelineOptions{
		Discovery:      d.config.DiscoveryConfig(),
		Probe:          d.config.ProbeConfig(),
		Workers:        d.config.Workers,
		HistoryLimit:   d.config.Scanning.MaxHistory,
		RunConfig:      d.runConfig,
		AllowedOrigins: d.config.API.CORS.AllowedOrigins,
	}, d.logger)
	if err != nil {
		return err
	}
	d.pipeline = pipeline
	return nil
}

// runConfig returns the networks and ports of the current configuration,
// which SIGHUP may replace between runs.
func (d *Daemon) runConfig() scanrun.RunConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.RunConfig()
}

func (d *Daemon) initScheduler() error {
	sched, err := scheduler.New(d.pipeline.Coordinator, scheduler.Config{
		Enabled: d.config.Scanning.ScheduleEnabled,
		Hour:    d.config.Scanning.ScanHour,
		Minute:  d.config.Scanning.ScanMinute,
	})
	if err != nil {
		return err
	}
	sched.WithLogger(d.logger)
	if err := sched.Start(); err != nil {
		return err
	}
	d.scheduler = sched
	return nil
}

func (d *Daemon) initAPIServer() error {
	if !d.config.IsAPIEnabled() {
		d.logger.Info("API server disabled, skipping initialization")
		return nil
	}

	apiServer, err := api.New(d.config, api.Dependencies{
		Database:   d.database,
		Services:   d.pipeline.Manager,
		Categories: d.pipeline.Categories,
		Runs:       d.pipeline.Coordinator,
		Schedule:   d.scheduler,
		Events:     d.pipeline.Events,
		Metrics:    d.metrics,
		Logger:     d.logger,
		Version:    d.version,
	})
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}

	d.apiServer = apiServer
	return nil
}

// run executes the main daemon loop.
func (d *Daemon) run() error {
	defer close(d.done)
	defer d.cleanup()

	go d.metrics.StartPeriodicUpdates(d.ctx, systemMetricsInterval)

	if d.apiServer != nil {
		var apiCtx context.Context
		apiCtx, d.apiCancel = context.WithCancel(context.Background())
		d.apiErr = make(chan error, 1)
		go func() {
			d.apiErr <- d.apiServer.Start(apiCtx)
			close(d.apiErr)
		}()
	}

	interval := d.config.Daemon.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	apiErrs := d.apiErr
	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info("Shutdown signal received")
			return nil

		case err := <-apiErrs:
			apiErrs = nil
			if err != nil {
				d.logger.Error("API server error", "error", err)
				d.cancel()
				return err
			}

		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

// performHealthCheck pings the database and records pool statistics.
func (d *Daemon) performHealthCheck() {
	if d.database == nil {
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()

	if err := d.database.Ping(ctx); err != nil {
		d.logger.Error("Database health check failed", "error", err)
		return
	}
	d.metrics.SetActiveConnections(d.database.Stats().InUse)
}

// cleanup stops components: scheduler, worker pool (an in-flight run is
// cancelled and recorded as failed), API server, database, PID file.
func (d *Daemon) cleanup() {
	d.logger.Info("Performing cleanup")
	d.cancel()

	if d.scheduler != nil {
		d.scheduler.Stop()
	}

	if d.pipeline != nil {
		d.pipeline.Close()
	}

	if d.apiCancel != nil {
		d.apiCancel()
		if err := <-d.apiErr; err != nil {
			d.logger.Error("Error stopping API server", "error", err)
		}
	}

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.Error("Error closing database", "error", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Error removing PID file", "error", err)
		} else {
			d.logger.Info("Removed PID file", "path", d.pidFile)
		}
	}

	d.logger.Info("Cleanup completed")
}

// reloadConfiguration re-reads the config file. Only the scan networks and
// ports take effect without a restart; they apply from the next run.
func (d *Daemon) reloadConfiguration() error {
	d.logger.Info("Reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}

	d.mu.Lock()
	old := d.config.Scanning
	d.config.Scanning.Networks = newConfig.Scanning.Networks
	d.config.Scanning.Ports = newConfig.Scanning.Ports
	d.mu.Unlock()

	if old.ScanHour != newConfig.Scanning.ScanHour || old.ScanMinute != newConfig.Scanning.ScanMinute ||
		old.ScheduleEnabled != newConfig.Scanning.ScheduleEnabled {
		d.logger.Warn("Schedule changes take effect after restart",
			"current", d.config.ScheduleString(),
			"configured", newConfig.ScheduleString())
	}

	d.logger.Info("Configuration reloaded",
		"networks", strings.Join(newConfig.Scanning.Networks, ","),
		"ports", len(newConfig.Scanning.Ports))
	return nil
}

// dumpStatus logs a snapshot of the daemon state.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
	}

	switch {
	case d.database == nil:
		fields = append(fields, "database", "not configured")
	case d.database.Ping(d.ctx) != nil:
		fields = append(fields, "database", "disconnected")
	default:
		fields = append(fields, "database", "connected")
	}

	if d.pipeline != nil {
		fields = append(fields,
			"active_jobs", d.pipeline.Pool.Active(),
			"event_subscribers", d.pipeline.Events.ClientCount())
		if state, err := d.pipeline.Coordinator.Status(d.ctx); err == nil {
			fields = append(fields, "scan_status", state.Status)
		}
	}

	if d.scheduler != nil {
		status := d.scheduler.Status()
		fields = append(fields, "schedule_enabled", status.Enabled, "schedule", status.Schedule)
		if status.NextRun != nil {
			fields = append(fields, "next_run", status.NextRun.Format(time.RFC3339))
		}
	}

	if d.apiServer != nil {
		fields = append(fields, "api_address", d.apiServer.Address())
	} else {
		fields = append(fields, "api", "disabled")
	}

	d.logger.Info("Daemon status", fields...)
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning checks if the daemon is running.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}
