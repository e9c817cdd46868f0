// Package workers runs background jobs on a fixed set of goroutines. Scan
// runs are submitted here so the goroutine that triggered them, usually an
// HTTP handler or the scheduler, returns immediately.
package workers

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = stderrors.New("worker pool is shut down")
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = stderrors.New("job queue is full")
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job. ctx is canceled when the pool shuts down.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Retrier is implemented by jobs that decide for themselves whether a
// failed attempt may run again. Other jobs are retried only while
// errors.IsRetryable reports true.
type Retrier interface {
	ShouldRetry(err error) bool
}

// Discarder is implemented by jobs that must be told when the pool drops
// them unstarted at shutdown.
type Discarder interface {
	Discard(err error)
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int `yaml:"size"`
	// QueueSize is the maximum number of jobs waiting for a worker.
	QueueSize int `yaml:"queue_size"`
	// MaxRetries is the number of extra attempts for a job that failed
	// with a retryable error.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the delay between attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// ShutdownTimeout bounds how long Shutdown waits for running jobs.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            2,
		QueueSize:       16,
		MaxRetries:      0,
		RetryDelay:      time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config  Config
	jobs    chan Job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics

	// mu guards closed and sends on jobs so Submit never races Shutdown.
	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	active    int32
}

// New creates a new worker pool with the given configuration.
func New(config Config) *Pool {
	defaults := DefaultConfig()
	if config.Size <= 0 {
		config.Size = defaults.Size
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:  config,
		jobs:    make(chan Job, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logging.Default().WithComponent("workers"),
		metrics: metrics.GetGlobalMetrics(),
	}
}

// WithLogger replaces the pool's logger. Call before Start.
func (p *Pool) WithLogger(logger *logging.Logger) *Pool {
	p.logger = logger.WithComponent("workers")
	return p
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.work(i)
		}
		p.metrics.SetWorkerPoolSize(p.config.Size)
	})
}

// Submit queues a job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.logger.Debug("Job submitted to worker pool",
			"job_id", job.ID(),
			"job_type", job.Type())
		return nil
	default:
		return ErrQueueFull
	}
}

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int {
	return int(atomic.LoadInt32(&p.active))
}

// Shutdown stops accepting jobs, cancels the context of running jobs and
// waits up to ShutdownTimeout for the workers to exit. Queued jobs that
// have not started are discarded; a Discarder learns of it through Discard.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Shutting down worker pool", "active_jobs", p.Active())
	p.cancel()

	// Workers stuck in a long job cannot drain the queue themselves.
	for job := range p.jobs {
		p.discard(job)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("Worker pool shutdown completed")
	case <-time.After(p.config.ShutdownTimeout):
		err = stderrors.New("worker pool shutdown timed out")
		p.logger.Warn("Worker pool shutdown timeout, jobs still running", "active_jobs", p.Active())
	}

	p.metrics.SetWorkerPoolSize(0)
	return err
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", "worker_id", id)
	defer p.logger.Debug("Worker stopped", "worker_id", id)

	for job := range p.jobs {
		if p.ctx.Err() != nil {
			p.discard(job)
			continue
		}
		p.execute(id, job)
	}
}

func (p *Pool) discard(job Job) {
	p.logger.Debug("Discarding queued job", "job_id", job.ID(), "job_type", job.Type())
	p.metrics.RecordJobDiscarded(job.Type())
	if d, ok := job.(Discarder); ok {
		d.Discard(ErrPoolClosed)
	}
}

func shouldRetry(job Job, err error) bool {
	if r, ok := job.(Retrier); ok {
		return r.ShouldRetry(err)
	}
	return errors.IsRetryable(err)
}

// execute runs a job, retrying retryable failures up to MaxRetries times.
func (p *Pool) execute(workerID int, job Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	var (
		err     error
		retries int
	)
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		retries = attempt
		if err = p.runOnce(job); err == nil || p.ctx.Err() != nil || !shouldRetry(job, err) {
			break
		}
		if attempt < p.config.MaxRetries {
			p.logger.Debug("Job failed, retrying",
				"job_id", job.ID(),
				"job_type", job.Type(),
				"attempt", attempt+1,
				"error", err)
			select {
			case <-time.After(p.config.RetryDelay):
			case <-p.ctx.Done():
			}
		}
	}
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		p.logger.Error("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"retries", retries,
			"worker_id", workerID,
			"error", err)
	} else {
		p.logger.Debug("Job completed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"duration", duration,
			"worker_id", workerID)
	}
	p.metrics.RecordJob(job.Type(), status, duration)
}

// runOnce converts a panicking job into an error so one bad job cannot
// take a worker down.
func (p *Pool) runOnce(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return job.Execute(p.ctx)
}

// PanicError reports a job that panicked.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return "job panicked: " + toString(e.Value)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case error:
		return t.Error()
	case string:
		return t
	default:
		return "non-error panic value"
	}
}
