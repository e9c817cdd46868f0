package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
)

// CategoryPatch holds optional category updates.
type CategoryPatch struct {
	Name       *string
	Icon       *string
	Color      *string
	OrderIndex *int
}

// CategoryRepository handles category persistence.
type CategoryRepository struct {
	db *DB
}

// NewCategoryRepository creates a new category repository.
func NewCategoryRepository(db *DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

// List returns all categories in display order.
func (r *CategoryRepository) List(ctx context.Context) ([]*Category, error) {
	start := time.Now()
	var categories []*Category
	query := `SELECT id, name, icon, color, order_index, created_at FROM categories ORDER BY order_index, name`
	if err := r.db.SelectContext(ctx, &categories, query); err != nil {
		return nil, observe("list categories", start, err)
	}
	_ = observe("list categories", start, nil)
	return categories, nil
}

// ListWithCounts returns categories with the number of visible services.
func (r *CategoryRepository) ListWithCounts(ctx context.Context) ([]*CategoryWithCount, error) {
	query := `
		SELECT c.id, c.name, c.icon, c.color, c.order_index, c.created_at,
		       COUNT(s.id) FILTER (WHERE s.is_hidden = false) AS service_count
		FROM categories c
		LEFT JOIN services s ON s.category_id = c.id
		GROUP BY c.id
		ORDER BY c.order_index, c.name`

	start := time.Now()
	var categories []*CategoryWithCount
	if err := r.db.SelectContext(ctx, &categories, query); err != nil {
		return nil, observe("list categories with counts", start, err)
	}
	_ = observe("list categories with counts", start, nil)
	return categories, nil
}

// GetByID retrieves a category with its visible service count.
func (r *CategoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*CategoryWithCount, error) {
	query := `
		SELECT c.id, c.name, c.icon, c.color, c.order_index, c.created_at,
		       (SELECT COUNT(*) FROM services s WHERE s.category_id = c.id AND s.is_hidden = false)
		       AS service_count
		FROM categories c
		WHERE c.id = $1`

	start := time.Now()
	var category CategoryWithCount
	if err := r.db.GetContext(ctx, &category, query, id); err != nil {
		return nil, observe("get category", start, err)
	}
	_ = observe("get category", start, nil)
	return &category, nil
}

// Create inserts a category. Duplicate names yield a conflict error.
func (r *CategoryRepository) Create(ctx context.Context, category *Category) error {
	if category.ID == uuid.Nil {
		category.ID = uuid.New()
	}
	query := `
		INSERT INTO categories (id, name, icon, color, order_index)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	start := time.Now()
	err := r.db.QueryRowxContext(ctx, query,
		category.ID, category.Name, category.Icon, category.Color, category.OrderIndex,
	).Scan(&category.CreatedAt)
	return observe("create category", start, err)
}

// Update applies a partial update to a category.
func (r *CategoryRepository) Update(ctx context.Context, id uuid.UUID, patch CategoryPatch) (*CategoryWithCount, error) {
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
	if patch.Icon != nil {
		set("icon", *patch.Icon)
	}
	if patch.Color != nil {
		set("color", *patch.Color)
	}
	if patch.OrderIndex != nil {
		set("order_index", *patch.OrderIndex)
	}
	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE categories SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, observe("update category", start, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, observe("update category", start, err)
	}
	_ = observe("update category", start, nil)
	if n == 0 {
		return nil, errors.ErrNotFound("Category")
	}
	return r.GetByID(ctx, id)
}

// Delete removes a category. Services in it keep existing with a NULL
// category_id via the foreign key's ON DELETE SET NULL.
func (r *CategoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	result, err := r.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return observe("delete category", start, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return observe("delete category", start, err)
	}
	_ = observe("delete category", start, nil)
	if n == 0 {
		return errors.ErrNotFound("Category")
	}
	return nil
}

// SeedDefaults inserts defaults when the categories table is empty and
// returns the number of rows inserted.
func (r *CategoryRepository) SeedDefaults(ctx context.Context, defaults []Category) (int, error) {
	start := time.Now()
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM categories`); err != nil {
		return 0, observe("count categories", start, err)
	}
	if count > 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, observe("seed categories", start, err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO categories (id, name, icon, color, order_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING`
	for _, c := range defaults {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, query, id, c.Name, c.Icon, c.Color, c.OrderIndex); err != nil {
			return 0, observe("seed categories", start, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, observe("seed categories", start, err)
	}

	_ = observe("seed categories", start, nil)
	logging.InfoDatabase("Seeded default categories", "count", len(defaults))
	return len(defaults), nil
}
