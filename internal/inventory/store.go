// Package inventory maintains the persisted service inventory. The
// Reconciler merges scan results into it; the Manager serves manual edits.
package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/db"
)

// ServiceStore is the persistence the inventory needs for services.
// db.ServiceRepository implements it.
type ServiceStore interface {
	ListAll(ctx context.Context) ([]*db.Service, error)
	List(ctx context.Context, filter db.ServiceFilter) ([]*db.Service, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.Service, error)
	GetByURL(ctx context.Context, url string) (*db.Service, error)
	Create(ctx context.Context, service *db.Service) error
	Touch(ctx context.Context, id uuid.UUID, seenAt time.Time, responseTimeMS *int) error
	MarkInactive(ctx context.Context, ids []uuid.UUID) (int64, error)
	Update(ctx context.Context, id uuid.UUID, patch db.ServicePatch) (*db.Service, error)
	Hide(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID, restore db.ServiceRestore) (*db.Service, error)
}

// CategoryStore resolves category names to IDs. db.CategoryRepository
// implements it.
type CategoryStore interface {
	List(ctx context.Context) ([]*db.Category, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.CategoryWithCount, error)
}

var (
	_ ServiceStore  = (*db.ServiceRepository)(nil)
	_ CategoryStore = (*db.CategoryRepository)(nil)
)
