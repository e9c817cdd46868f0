package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/anstrom/neondeck/internal/errors"
)

const serviceSelect = `
	SELECT s.id, s.name, s.url, s.description, s.favicon_url, s.category_id,
	       c.name AS category_name, s.ip_address, s.port, s.protocol, s.status,
	       s.response_time_ms, s.last_seen, s.first_discovered, s.is_manual,
	       s.is_category_manual, s.is_hidden, s.extra_data, s.created_at, s.updated_at
	FROM services s
	LEFT JOIN categories c ON c.id = s.category_id`

// ServiceRepository handles service persistence.
type ServiceRepository struct {
	db *DB
}

// NewServiceRepository creates a new service repository.
func NewServiceRepository(db *DB) *ServiceRepository {
	return &ServiceRepository{db: db}
}

// ListAll returns every service, hidden ones included.
func (r *ServiceRepository) ListAll(ctx context.Context) ([]*Service, error) {
	start := time.Now()
	var services []*Service
	err := r.db.SelectContext(ctx, &services, serviceSelect+` ORDER BY s.created_at, s.id`)
	if err != nil {
		return nil, observe("list all services", start, err)
	}
	_ = observe("list all services", start, nil)
	return services, nil
}

// List returns services matching filter ordered by name.
func (r *ServiceRepository) List(ctx context.Context, filter ServiceFilter) ([]*Service, error) {
	var (
		conditions []string
		args       []interface{}
	)
	addArg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeHidden {
		conditions = append(conditions, "s.is_hidden = false")
	}
	if filter.CategoryID != nil {
		conditions = append(conditions, "s.category_id = "+addArg(*filter.CategoryID))
	}
	if filter.Status != "" {
		conditions = append(conditions, "s.status = "+addArg(filter.Status))
	}
	if filter.Search != "" {
		p := addArg("%" + filter.Search + "%")
		conditions = append(conditions,
			fmt.Sprintf("(s.name ILIKE %s OR s.url ILIKE %s OR s.description ILIKE %s)", p, p, p))
	}

	query := serviceSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY s.name"

	start := time.Now()
	var services []*Service
	if err := r.db.SelectContext(ctx, &services, query, args...); err != nil {
		return nil, observe("list services", start, err)
	}
	_ = observe("list services", start, nil)
	return services, nil
}

// GetByID retrieves a service by ID.
func (r *ServiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	start := time.Now()
	var service Service
	if err := r.db.GetContext(ctx, &service, serviceSelect+` WHERE s.id = $1`, id); err != nil {
		return nil, observe("get service", start, err)
	}
	_ = observe("get service", start, nil)
	return &service, nil
}

// GetByURL retrieves a service by its URL.
func (r *ServiceRepository) GetByURL(ctx context.Context, url string) (*Service, error) {
	start := time.Now()
	var service Service
	if err := r.db.GetContext(ctx, &service, serviceSelect+` WHERE s.url = $1`, url); err != nil {
		return nil, observe("get service by url", start, err)
	}
	_ = observe("get service by url", start, nil)
	return &service, nil
}

// Create inserts a new service. A duplicate URL yields a conflict error.
func (r *ServiceRepository) Create(ctx context.Context, service *Service) error {
	query := `
		INSERT INTO services (
			id, name, url, description, favicon_url, category_id, ip_address, port,
			protocol, status, response_time_ms, last_seen, is_manual,
			is_category_manual, is_hidden, extra_data
		) VALUES (
			:id, :name, :url, :description, :favicon_url, :category_id, :ip_address, :port,
			:protocol, :status, :response_time_ms, :last_seen, :is_manual,
			:is_category_manual, :is_hidden, :extra_data
		)
		RETURNING first_discovered, created_at, updated_at`

	if service.ID == uuid.Nil {
		service.ID = uuid.New()
	}
	if service.Status == "" {
		service.Status = StatusActive
	}
	if service.ExtraData == nil {
		service.ExtraData = JSONB(`{}`)
	}

	start := time.Now()
	rows, err := r.db.NamedQueryContext(ctx, query, service)
	if err != nil {
		return observe("create service", start, err)
	}
	defer func() { _ = rows.Close() }()

	if rows.Next() {
		if err := rows.Scan(&service.FirstDiscovered, &service.CreatedAt, &service.UpdatedAt); err != nil {
			return observe("scan created service", start, err)
		}
	}
	return observe("create service", start, rows.Err())
}

// Touch records a fresh sighting: last_seen, response time and status=active.
// No other column is written.
func (r *ServiceRepository) Touch(ctx context.Context, id uuid.UUID, seenAt time.Time, responseTimeMS *int) error {
	query := `
		UPDATE services
		SET last_seen = $2, response_time_ms = $3, status = 'active'
		WHERE id = $1`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, id, seenAt, responseTimeMS)
	if err != nil {
		return observe("touch service", start, err)
	}
	return r.expectOne(result.RowsAffected, "Service not found", start, "touch service")
}

// MarkInactive sets status=inactive on the given services and returns how
// many rows actually changed state.
func (r *ServiceRepository) MarkInactive(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE services
		SET status = 'inactive'
		WHERE id = ANY($1::uuid[]) AND status <> 'inactive'`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, pq.Array(uuidStrings(ids)))
	if err != nil {
		return 0, observe("mark services inactive", start, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, observe("mark services inactive", start, err)
	}
	_ = observe("mark services inactive", start, nil)
	return n, nil
}

// Update applies a partial update and returns the updated service.
func (r *ServiceRepository) Update(ctx context.Context, id uuid.UUID, patch ServicePatch) (*Service, error) {
	var (
		sets []string
		args []interface{}
	)
	set := func(column string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	switch {
	case patch.ClearCategory:
		sets = append(sets, "category_id = NULL")
	case patch.CategoryID != nil:
		set("category_id", *patch.CategoryID)
	}
	if patch.CategoryManual {
		sets = append(sets, "is_category_manual = true")
	}
	if patch.IsManual != nil {
		set("is_manual", *patch.IsManual)
	}

	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE services SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, observe("update service", start, err)
	}
	if err := r.expectOne(result.RowsAffected, "Service not found", start, "update service"); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Hide soft-deletes a service. Hidden services are never touched by scans.
func (r *ServiceRepository) Hide(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	result, err := r.db.ExecContext(ctx, `UPDATE services SET is_hidden = true WHERE id = $1`, id)
	if err != nil {
		return observe("hide service", start, err)
	}
	return r.expectOne(result.RowsAffected, "Service not found", start, "hide service")
}

// Restore brings a hidden service back as a manual entry with new
// user-provided fields.
func (r *ServiceRepository) Restore(ctx context.Context, id uuid.UUID, restore ServiceRestore) (*Service, error) {
	query := `
		UPDATE services
		SET name = $2, description = $3, category_id = $4,
		    is_manual = true, is_hidden = false,
		    is_category_manual = (is_category_manual OR $4::uuid IS NOT NULL)
		WHERE id = $1`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, id, restore.Name, restore.Description, restore.CategoryID)
	if err != nil {
		return nil, observe("restore service", start, err)
	}
	if err := r.expectOne(result.RowsAffected, "Service not found", start, "restore service"); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *ServiceRepository) expectOne(rowsAffected func() (int64, error), notFound string,
	start time.Time, operation string) error {
	n, err := rowsAffected()
	if err != nil {
		return observe(operation, start, err)
	}
	_ = observe(operation, start, nil)
	if n == 0 {
		return errors.NewDatabaseError(errors.CodeNotFound, notFound).WithOperation(operation)
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
