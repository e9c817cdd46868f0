package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
)

const scanRunColumns = `id, started_at, completed_at, status, services_found, new_services,
	removed_services, error_message, scan_config`

// ScanRunRepository handles scan run history.
type ScanRunRepository struct {
	db *DB
}

// NewScanRunRepository creates a new scan run repository.
func NewScanRunRepository(db *DB) *ScanRunRepository {
	return &ScanRunRepository{db: db}
}

// Create inserts a run in the running state. When another run is already
// running the partial unique index rejects the insert with a conflict error.
func (r *ScanRunRepository) Create(ctx context.Context, run *ScanRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = RunStatusRunning

	query := `
		INSERT INTO scan_runs (id, started_at, status, scan_config)
		VALUES ($1, $2, $3, $4)`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query, run.ID, run.StartedAt, run.Status, run.ScanConfig)
	return observe("create scan run", start, err)
}

// Complete moves a running run to completed with its counts.
func (r *ScanRunRepository) Complete(ctx context.Context, id uuid.UUID, counts RunCounts) error {
	query := `
		UPDATE scan_runs
		SET status = 'completed', completed_at = NOW(),
		    services_found = $2, new_services = $3, removed_services = $4
		WHERE id = $1 AND status = 'running'`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query, id, counts.ServicesFound, counts.NewServices, counts.RemovedServices)
	return observe("complete scan run", start, err)
}

// Fail moves a running run to failed with message.
func (r *ScanRunRepository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE scan_runs
		SET status = 'failed', completed_at = NOW(), error_message = $2
		WHERE id = $1 AND status = 'running'`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query, id, message)
	return observe("fail scan run", start, err)
}

// GetByID retrieves a run.
func (r *ScanRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*ScanRun, error) {
	start := time.Now()
	var run ScanRun
	if err := r.db.GetContext(ctx, &run, `SELECT `+scanRunColumns+` FROM scan_runs WHERE id = $1`, id); err != nil {
		return nil, observe("get scan run", start, err)
	}
	_ = observe("get scan run", start, nil)
	return &run, nil
}

// GetRunning returns the running run, or nil when none is running.
func (r *ScanRunRepository) GetRunning(ctx context.Context) (*ScanRun, error) {
	query := `SELECT ` + scanRunColumns + ` FROM scan_runs WHERE status = 'running'
		ORDER BY started_at DESC LIMIT 1`

	start := time.Now()
	var run ScanRun
	if err := r.db.GetContext(ctx, &run, query); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			_ = observe("get running scan run", start, nil)
			return nil, nil
		}
		return nil, observe("get running scan run", start, err)
	}
	_ = observe("get running scan run", start, nil)
	return &run, nil
}

// GetLatest returns the most recently started run, or nil when there is none.
func (r *ScanRunRepository) GetLatest(ctx context.Context) (*ScanRun, error) {
	query := `SELECT ` + scanRunColumns + ` FROM scan_runs ORDER BY started_at DESC LIMIT 1`

	start := time.Now()
	var run ScanRun
	if err := r.db.GetContext(ctx, &run, query); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			_ = observe("get latest scan run", start, nil)
			return nil, nil
		}
		return nil, observe("get latest scan run", start, err)
	}
	_ = observe("get latest scan run", start, nil)
	return &run, nil
}

// List returns up to limit runs, newest first.
func (r *ScanRunRepository) List(ctx context.Context, limit int) ([]*ScanRun, error) {
	query := `SELECT ` + scanRunColumns + ` FROM scan_runs ORDER BY started_at DESC LIMIT $1`

	start := time.Now()
	var runs []*ScanRun
	if err := r.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, observe("list scan runs", start, err)
	}
	_ = observe("list scan runs", start, nil)
	return runs, nil
}

// PruneKeep deletes every run except the keep most recent by started_at.
func (r *ScanRunRepository) PruneKeep(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM scan_runs
		WHERE id NOT IN (
			SELECT id FROM scan_runs ORDER BY started_at DESC LIMIT $1
		)`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, observe("prune scan runs", start, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, observe("prune scan runs", start, err)
	}
	_ = observe("prune scan runs", start, nil)
	return n, nil
}

// FailStale marks every run still in the running state as failed.
func (r *ScanRunRepository) FailStale(ctx context.Context, message string) (int64, error) {
	query := `
		UPDATE scan_runs
		SET status = 'failed', completed_at = NOW(), error_message = $1
		WHERE status = 'running'`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, message)
	if err != nil {
		return 0, observe("fail stale scan runs", start, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, observe("fail stale scan runs", start, err)
	}
	_ = observe("fail stale scan runs", start, nil)
	return n, nil
}
