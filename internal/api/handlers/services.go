package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/inventory"
	"github.com/anstrom/neondeck/internal/logging"
)

// ServiceManager is the inventory surface the service endpoints need.
type ServiceManager interface {
	ListServices(ctx context.Context, filter db.ServiceFilter) ([]*db.Service, error)
	GetService(ctx context.Context, id uuid.UUID) (*db.Service, error)
	CreateService(ctx context.Context, in inventory.NewService) (*db.Service, error)
	UpdateService(ctx context.Context, id uuid.UUID, changes inventory.ServiceChanges) (*db.Service, error)
	HideService(ctx context.Context, id uuid.UUID) error
}

var _ ServiceManager = (*inventory.Manager)(nil)

// CreateServiceRequest is the body of POST /api/services.
type CreateServiceRequest struct {
	Name        string     `json:"name" validate:"required,max=255"`
	URL         string     `json:"url" validate:"required,http_url,max=500"`
	Description *string    `json:"description"`
	FaviconURL  *string    `json:"favicon_url"`
	CategoryID  *uuid.UUID `json:"category_id"`
}

// UpdateServiceRequest is the body of PATCH /api/services/{id}. Sending
// "category_id": null removes the category.
type UpdateServiceRequest struct {
	Name        *string      `json:"name" validate:"omitempty,max=255"`
	Description *string      `json:"description"`
	CategoryID  optionalUUID `json:"category_id"`
}

// ServiceHandler serves the service inventory.
type ServiceHandler struct {
	manager ServiceManager
	logger  *logging.Logger
}

// NewServiceHandler creates a new service handler.
func NewServiceHandler(manager ServiceManager, logger *logging.Logger) *ServiceHandler {
	return &ServiceHandler{
		manager: manager,
		logger:  logger.WithComponent("api.services"),
	}
}

// ListServices handles GET /api/services?category_id=&status=&search=.
func (h *ServiceHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := db.ServiceFilter{
		Status: strings.TrimSpace(query.Get("status")),
		Search: strings.TrimSpace(query.Get("search")),
	}
	if raw := query.Get("category_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid category_id: "+raw, errors.CodeValidation)
			return
		}
		filter.CategoryID = &id
	}

	services, err := h.manager.ListServices(r.Context(), filter)
	if err != nil {
		handleError(w, r, h.logger, "list services", err)
		return
	}
	if services == nil {
		services = []*db.Service{}
	}
	writeJSON(w, r, http.StatusOK, services)
}

// GetService handles GET /api/services/{id}.
func (h *ServiceHandler) GetService(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		handleError(w, r, h.logger, "get service", err)
		return
	}

	service, err := h.manager.GetService(r.Context(), id)
	if err != nil {
		handleError(w, r, h.logger, "get service", err)
		return
	}
	writeJSON(w, r, http.StatusOK, service)
}

// CreateService handles POST /api/services. Re-adding a hidden URL restores
// it; a visible duplicate is a conflict.
func (h *ServiceHandler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req CreateServiceRequest
	if err := parseJSON(r, &req); err != nil {
		handleError(w, r, h.logger, "create service", err)
		return
	}

	service, err := h.manager.CreateService(r.Context(), inventory.NewService{
		Name:        req.Name,
		URL:         req.URL,
		Description: req.Description,
		FaviconURL:  req.FaviconURL,
		CategoryID:  req.CategoryID,
	})
	if err != nil {
		handleError(w, r, h.logger, "create service", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, service)
}

// UpdateService handles PATCH /api/services/{id}.
func (h *ServiceHandler) UpdateService(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		handleError(w, r, h.logger, "update service", err)
		return
	}

	var req UpdateServiceRequest
	if err := parseJSON(r, &req); err != nil {
		handleError(w, r, h.logger, "update service", err)
		return
	}

	changes := inventory.ServiceChanges{
		Name:        req.Name,
		Description: req.Description,
	}
	if req.CategoryID.Set {
		if req.CategoryID.Value == nil {
			changes.ClearCategory = true
		} else {
			changes.CategoryID = req.CategoryID.Value
		}
	}

	service, err := h.manager.UpdateService(r.Context(), id, changes)
	if err != nil {
		handleError(w, r, h.logger, "update service", err)
		return
	}
	writeJSON(w, r, http.StatusOK, service)
}

// DeleteService handles DELETE /api/services/{id}. The row is hidden, not
// removed, so later scans do not bring it back.
func (h *ServiceHandler) DeleteService(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		handleError(w, r, h.logger, "delete service", err)
		return
	}

	if err := h.manager.HideService(r.Context(), id); err != nil {
		handleError(w, r, h.logger, "delete service", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status": "hidden",
		"id":     id,
	})
}
