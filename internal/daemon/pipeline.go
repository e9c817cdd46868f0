package daemon

import (
	"context"
	"fmt"

	"github.com/anstrom/neondeck/internal/api/handlers"
	"github.com/anstrom/neondeck/internal/categorizer"
	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/discovery"
	"github.com/anstrom/neondeck/internal/inventory"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/probe"
	"github.com/anstrom/neondeck/internal/scanrun"
	"github.com/anstrom/neondeck/internal/workers"
)

// Pipeline is the assembled discovery pipeline over one database.
type Pipeline struct {
	Services    *db.ServiceRepository
	Categories  *db.CategoryRepository
	Runs        *db.ScanRunRepository
	Manager     *inventory.Manager
	Coordinator *scanrun.Coordinator
	Pool        *workers.Pool
	Events      *handlers.RunEventHub
}

// PipelineOptions configures NewPipeline.
type PipelineOptions struct {
	Discovery    discovery.Config
	Probe        probe.Config
	Workers      workers.Config
	HistoryLimit int
	// RunConfig is read at the start of every run.
	RunConfig func() scanrun.RunConfig
	// AllowedOrigins restricts browser websocket subscribers.
	AllowedOrigins []string
}

// NewPipeline seeds the default categories, starts the worker pool and
// fails runs a previous process left running.
func NewPipeline(ctx context.Context, database *db.DB, opts PipelineOptions, logger *logging.Logger) (*Pipeline, error) {
	if opts.RunConfig == nil {
		return nil, fmt.Errorf("run configuration source is required")
	}

	p := &Pipeline{
		Services:   db.NewServiceRepository(database),
		Categories: db.NewCategoryRepository(database),
		Runs:       db.NewScanRunRepository(database),
	}

	seeded, err := p.Categories.SeedDefaults(ctx, DefaultCategories())
	if err != nil {
		return nil, fmt.Errorf("failed to seed categories: %w", err)
	}
	if seeded > 0 {
		logger.Info("Seeded default categories", "count", seeded)
	}

	p.Pool = workers.New(opts.Workers).WithLogger(logger)
	p.Pool.Start()

	p.Events = handlers.NewRunEventHub(logger, opts.AllowedOrigins)

	p.Manager = inventory.NewManager(p.Services, p.Categories).WithLogger(logger)
	p.Coordinator = scanrun.New(scanrun.Options{
		Store:        p.Runs,
		Scanner:      discovery.NewScanner(opts.Discovery).WithLogger(logger),
		Prober:       probe.New(opts.Probe).WithLogger(logger),
		Reconciler:   inventory.NewReconciler(p.Services, p.Categories, categorizer.New()).WithLogger(logger),
		Executor:     p.Pool,
		Config:       opts.RunConfig,
		Events:       p.Events,
		HistoryLimit: opts.HistoryLimit,
		Logger:       logger,
	})

	if _, err := p.Coordinator.RecoverStale(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	return p, nil
}

// Close stops the worker pool and disconnects event subscribers. Running
// jobs have their context cancelled.
func (p *Pipeline) Close() {
	if p.Pool != nil {
		if err := p.Pool.Shutdown(); err != nil {
			logging.Warn("Worker pool did not stop cleanly", "error", err)
		}
	}
	if p.Events != nil {
		p.Events.Close()
	}
}

// DefaultCategories converts the categorizer's built-in table to rows.
func DefaultCategories() []db.Category {
	defaults := categorizer.Defaults()
	out := make([]db.Category, 0, len(defaults))
	for _, c := range defaults {
		out = append(out, db.Category{
			Name:       c.Name,
			Icon:       c.Icon,
			Color:      c.Color,
			OrderIndex: c.Order,
		})
	}
	return out
}
