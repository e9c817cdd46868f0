package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
)

const (
	defaultCategoryIcon  = "folder"
	defaultCategoryColor = "#00d9ff"
)

// CategoryStore is the persistence surface the category endpoints need.
type CategoryStore interface {
	ListWithCounts(ctx context.Context) ([]*db.CategoryWithCount, error)
	Create(ctx context.Context, category *db.Category) error
	Update(ctx context.Context, id uuid.UUID, patch db.CategoryPatch) (*db.CategoryWithCount, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

var _ CategoryStore = (*db.CategoryRepository)(nil)

// CreateCategoryRequest is the body of POST /api/categories.
type CreateCategoryRequest struct {
	Name       string  `json:"name" validate:"required,max=100"`
	Icon       *string `json:"icon" validate:"omitempty,max=50"`
	Color      *string `json:"color" validate:"omitempty,hexcolor,max=7"`
	OrderIndex *int    `json:"order_index"`
}

// UpdateCategoryRequest is the body of PATCH /api/categories/{id}.
type UpdateCategoryRequest struct {
	Name       *string `json:"name" validate:"omitempty,max=100"`
	Icon       *string `json:"icon" validate:"omitempty,max=50"`
	Color      *string `json:"color" validate:"omitempty,hexcolor,max=7"`
	OrderIndex *int    `json:"order_index"`
}

// CategoryHandler serves category CRUD.
type CategoryHandler struct {
	store  CategoryStore
	logger *logging.Logger
}

// NewCategoryHandler creates a new category handler.
func NewCategoryHandler(store CategoryStore, logger *logging.Logger) *CategoryHandler {
	return &CategoryHandler{
		store:  store,
		logger: logger.WithComponent("api.categories"),
	}
}

// ListCategories handles GET /api/categories.
func (h *CategoryHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.store.ListWithCounts(r.Context())
	if err != nil {
		handleError(w, r, h.logger, "list categories", err)
		return
	}
	if categories == nil {
		categories = []*db.CategoryWithCount{}
	}
	writeJSON(w, r, http.StatusOK, categories)
}

// CreateCategory handles POST /api/categories.
func (h *CategoryHandler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CreateCategoryRequest
	if err := parseJSON(r, &req); err != nil {
		handleError(w, r, h.logger, "create category", err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required", errors.CodeValidation)
		return
	}

	category := &db.Category{
		Name:  name,
		Icon:  defaultCategoryIcon,
		Color: defaultCategoryColor,
	}
	if req.Icon != nil {
		category.Icon = *req.Icon
	}
	if req.Color != nil {
		category.Color = *req.Color
	}
	if req.OrderIndex != nil {
		category.OrderIndex = *req.OrderIndex
	}

	if err := h.store.Create(r.Context(), category); err != nil {
		if errors.IsConflict(err) {
			writeError(w, r, http.StatusConflict, "Category already exists", errors.CodeConflict)
			return
		}
		handleError(w, r, h.logger, "create category", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, &db.CategoryWithCount{Category: *category})
}

// UpdateCategory handles PATCH /api/categories/{id}.
func (h *CategoryHandler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		handleError(w, r, h.logger, "update category", err)
		return
	}

	var req UpdateCategoryRequest
	if err := parseJSON(r, &req); err != nil {
		handleError(w, r, h.logger, "update category", err)
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			writeError(w, r, http.StatusBadRequest, "name cannot be empty", errors.CodeValidation)
			return
		}
		req.Name = &trimmed
	}

	category, err := h.store.Update(r.Context(), id, db.CategoryPatch{
		Name:       req.Name,
		Icon:       req.Icon,
		Color:      req.Color,
		OrderIndex: req.OrderIndex,
	})
	if err != nil {
		if errors.IsConflict(err) {
			writeError(w, r, http.StatusConflict, "Category already exists", errors.CodeConflict)
			return
		}
		handleError(w, r, h.logger, "update category", err)
		return
	}
	writeJSON(w, r, http.StatusOK, category)
}

// DeleteCategory handles DELETE /api/categories/{id}. Services in the
// category become uncategorized.
func (h *CategoryHandler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		handleError(w, r, h.logger, "delete category", err)
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		handleError(w, r, h.logger, "delete category", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status": "deleted",
		"id":     id,
	})
}
