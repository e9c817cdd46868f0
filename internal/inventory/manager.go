package inventory

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
)

// NewService is a user-supplied service.
type NewService struct {
	Name        string
	URL         string
	Description *string
	FaviconURL  *string
	CategoryID  *uuid.UUID
}

// ServiceChanges is a user edit of an existing service. Nil fields are left
// unchanged; ClearCategory removes the category.
type ServiceChanges struct {
	Name          *string
	Description   *string
	CategoryID    *uuid.UUID
	ClearCategory bool
}

// Manager implements the manual inventory operations.
type Manager struct {
	services   ServiceStore
	categories CategoryStore
	logger     *logging.Logger
}

// NewManager creates a manager over the given stores.
func NewManager(services ServiceStore, categories CategoryStore) *Manager {
	return &Manager{
		services:   services,
		categories: categories,
		logger:     logging.Default().WithComponent("inventory"),
	}
}

// WithLogger replaces the manager's logger.
func (m *Manager) WithLogger(logger *logging.Logger) *Manager {
	m.logger = logger.WithComponent("inventory")
	return m
}

// ListServices returns visible services matching the filter.
func (m *Manager) ListServices(ctx context.Context, filter db.ServiceFilter) ([]*db.Service, error) {
	return m.services.List(ctx, filter)
}

// GetService returns a visible service. Hidden services read as not found.
func (m *Manager) GetService(ctx context.Context, id uuid.UUID) (*db.Service, error) {
	svc, err := m.services.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.IsHidden {
		return nil, errors.ErrNotFound("service")
	}
	return svc, nil
}

// CreateService adds a manual service. If the URL belongs to a hidden
// service, that record is restored with the supplied fields. If it belongs
// to a visible service the call fails with a conflict.
func (m *Manager) CreateService(ctx context.Context, in NewService) (*db.Service, error) {
	if err := validateNewService(&in); err != nil {
		return nil, err
	}
	if err := m.checkCategory(ctx, in.CategoryID); err != nil {
		return nil, err
	}

	existing, err := m.services.GetByURL(ctx, in.URL)
	switch {
	case err == nil && existing.IsHidden:
		restored, err := m.services.Restore(ctx, existing.ID, db.ServiceRestore{
			Name:        in.Name,
			Description: in.Description,
			CategoryID:  in.CategoryID,
		})
		if err != nil {
			return nil, err
		}
		m.logger.Info("Restored hidden service", "id", restored.ID, "url", restored.URL)
		return restored, nil
	case err == nil:
		return nil, errors.ErrConflict(fmt.Sprintf("This URL is already in use by service: '%s'", existing.Name))
	case !errors.IsNotFound(err):
		return nil, err
	}

	svc := &db.Service{
		Name:             in.Name,
		URL:              in.URL,
		Description:      in.Description,
		FaviconURL:       in.FaviconURL,
		CategoryID:       in.CategoryID,
		Status:           db.StatusActive,
		IsManual:         true,
		IsCategoryManual: in.CategoryID != nil,
	}
	if err := m.services.Create(ctx, svc); err != nil {
		// Lost a race with a scan or another request.
		if errors.IsConflict(err) {
			return nil, errors.ErrConflict("This URL is already in use by another service")
		}
		return nil, err
	}
	m.logger.Info("Created manual service", "id", svc.ID, "url", svc.URL)

	return m.services.GetByID(ctx, svc.ID)
}

// UpdateService applies a user edit. Editing name or description marks the
// service manual; setting or clearing the category marks the category as
// user-chosen.
func (m *Manager) UpdateService(ctx context.Context, id uuid.UUID, changes ServiceChanges) (*db.Service, error) {
	if _, err := m.GetService(ctx, id); err != nil {
		return nil, err
	}

	patch := db.ServicePatch{
		Description:   changes.Description,
		ClearCategory: changes.ClearCategory,
	}
	if changes.Name != nil {
		name := strings.TrimSpace(*changes.Name)
		if name == "" {
			return nil, errors.ErrValidation("name must not be empty")
		}
		if len(name) > db.MaxNameLength {
			return nil, errors.ErrValidation(fmt.Sprintf("name exceeds %d characters", db.MaxNameLength))
		}
		patch.Name = &name
	}
	if changes.CategoryID != nil && !changes.ClearCategory {
		if err := m.checkCategory(ctx, changes.CategoryID); err != nil {
			return nil, err
		}
		patch.CategoryID = changes.CategoryID
	}
	if changes.CategoryID != nil || changes.ClearCategory {
		patch.CategoryManual = true
	}
	if patch.Name != nil || patch.Description != nil {
		manual := true
		patch.IsManual = &manual
	}

	return m.services.Update(ctx, id, patch)
}

// HideService soft-deletes a service so scans never bring it back.
func (m *Manager) HideService(ctx context.Context, id uuid.UUID) error {
	if err := m.services.Hide(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Hid service", "id", id)
	return nil
}

func (m *Manager) checkCategory(ctx context.Context, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	if _, err := m.categories.GetByID(ctx, *id); err != nil {
		if errors.IsNotFound(err) {
			return errors.ErrValidation("category does not exist")
		}
		return err
	}
	return nil
}

func validateNewService(in *NewService) error {
	in.Name = strings.TrimSpace(in.Name)
	in.URL = strings.TrimSpace(in.URL)

	if in.Name == "" {
		return errors.ErrValidation("name is required")
	}
	if len(in.Name) > db.MaxNameLength {
		return errors.ErrValidation(fmt.Sprintf("name exceeds %d characters", db.MaxNameLength))
	}
	if len(in.URL) > db.MaxURLLength {
		return errors.ErrValidation(fmt.Sprintf("url exceeds %d characters", db.MaxURLLength))
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.ErrValidation("url must be an absolute http or https URL")
	}
	if in.FaviconURL != nil && len(*in.FaviconURL) > db.MaxFaviconURLLength {
		in.FaviconURL = nil
	}
	return nil
}
