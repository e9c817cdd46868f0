package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/inventory"
)

// MockServiceManager is a mock implementation of ServiceManager.
type MockServiceManager struct {
	mock.Mock
}

func (m *MockServiceManager) ListServices(ctx context.Context, filter db.ServiceFilter) ([]*db.Service, error) {
	args := m.Called(ctx, filter)
	services, _ := args.Get(0).([]*db.Service)
	return services, args.Error(1)
}

func (m *MockServiceManager) GetService(ctx context.Context, id uuid.UUID) (*db.Service, error) {
	args := m.Called(ctx, id)
	service, _ := args.Get(0).(*db.Service)
	return service, args.Error(1)
}

func (m *MockServiceManager) CreateService(ctx context.Context, in inventory.NewService) (*db.Service, error) {
	args := m.Called(ctx, in)
	service, _ := args.Get(0).(*db.Service)
	return service, args.Error(1)
}

func (m *MockServiceManager) UpdateService(
	ctx context.Context, id uuid.UUID, changes inventory.ServiceChanges,
) (*db.Service, error) {
	args := m.Called(ctx, id, changes)
	service, _ := args.Get(0).(*db.Service)
	return service, args.Error(1)
}

func (m *MockServiceManager) HideService(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func testService(name, url string) *db.Service {
	now := time.Now().UTC()
	return &db.Service{
		ID:              uuid.New(),
		Name:            name,
		URL:             url,
		Status:          db.StatusActive,
		FirstDiscovered: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestServiceHandler_ListServices(t *testing.T) {
	categoryID := uuid.New()

	tests := []struct {
		name           string
		query          string
		setup          func(m *MockServiceManager)
		expectedStatus int
		expectedCount  int
	}{
		{
			name:  "no filters",
			query: "",
			setup: func(m *MockServiceManager) {
				m.On("ListServices", mock.Anything, db.ServiceFilter{}).
					Return([]*db.Service{testService("Grafana", "http://10.0.0.5:3000")}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedCount:  1,
		},
		{
			name:  "all filters",
			query: "?category_id=" + categoryID.String() + "&status=active&search=graf",
			setup: func(m *MockServiceManager) {
				m.On("ListServices", mock.Anything, db.ServiceFilter{
					CategoryID: &categoryID,
					Status:     "active",
					Search:     "graf",
				}).Return([]*db.Service{}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedCount:  0,
		},
		{
			name:           "invalid category id",
			query:          "?category_id=abc",
			setup:          func(m *MockServiceManager) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:  "nil result renders empty array",
			query: "",
			setup: func(m *MockServiceManager) {
				m.On("ListServices", mock.Anything, db.ServiceFilter{}).Return(nil, nil)
			},
			expectedStatus: http.StatusOK,
			expectedCount:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &MockServiceManager{}
			tt.setup(manager)
			handler := NewServiceHandler(manager, createTestLogger())

			rr := httptest.NewRecorder()
			handler.ListServices(rr, newRequest(t, http.MethodGet, "/api/services"+tt.query, nil, nil))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusOK {
				var services []map[string]interface{}
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &services))
				assert.NotNil(t, services)
				assert.Len(t, services, tt.expectedCount)
				assert.Equal(t, "[", rr.Body.String()[:1])
			}
			manager.AssertExpectations(t)
		})
	}
}

func TestServiceHandler_GetService(t *testing.T) {
	service := testService("Grafana", "http://10.0.0.5:3000")

	t.Run("found", func(t *testing.T) {
		manager := &MockServiceManager{}
		manager.On("GetService", mock.Anything, service.ID).Return(service, nil)
		handler := NewServiceHandler(manager, createTestLogger())

		rr := httptest.NewRecorder()
		handler.GetService(rr, newRequest(t, http.MethodGet, "/", nil, map[string]string{"id": service.ID.String()}))

		assert.Equal(t, http.StatusOK, rr.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "Grafana", body["name"])
		assert.Equal(t, "http://10.0.0.5:3000", body["url"])
	})

	t.Run("not found", func(t *testing.T) {
		manager := &MockServiceManager{}
		manager.On("GetService", mock.Anything, service.ID).Return(nil, errors.ErrNotFound("service"))
		handler := NewServiceHandler(manager, createTestLogger())

		rr := httptest.NewRecorder()
		handler.GetService(rr, newRequest(t, http.MethodGet, "/", nil, map[string]string{"id": service.ID.String()}))

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "service not found", decodeError(t, rr).Detail)
	})

	t.Run("bad id", func(t *testing.T) {
		handler := NewServiceHandler(&MockServiceManager{}, createTestLogger())

		rr := httptest.NewRecorder()
		handler.GetService(rr, newRequest(t, http.MethodGet, "/", nil, map[string]string{"id": "7"}))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestServiceHandler_CreateService(t *testing.T) {
	categoryID := uuid.New()
	description := "Dashboards"

	tests := []struct {
		name           string
		body           interface{}
		setup          func(m *MockServiceManager)
		expectedStatus int
	}{
		{
			name: "created",
			body: map[string]interface{}{
				"name":        "Grafana",
				"url":         "http://10.0.0.5:3000",
				"description": description,
				"category_id": categoryID.String(),
			},
			setup: func(m *MockServiceManager) {
				m.On("CreateService", mock.Anything, inventory.NewService{
					Name:        "Grafana",
					URL:         "http://10.0.0.5:3000",
					Description: &description,
					CategoryID:  &categoryID,
				}).Return(testService("Grafana", "http://10.0.0.5:3000"), nil)
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "duplicate url",
			body: map[string]interface{}{"name": "Grafana", "url": "http://10.0.0.5:3000"},
			setup: func(m *MockServiceManager) {
				m.On("CreateService", mock.Anything, mock.Anything).
					Return(nil, errors.ErrConflict("Service with this URL already exists"))
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "missing url",
			body:           map[string]interface{}{"name": "Grafana"},
			setup:          func(m *MockServiceManager) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "non-http url",
			body:           map[string]interface{}{"name": "Files", "url": "ftp://10.0.0.5"},
			setup:          func(m *MockServiceManager) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "empty body",
			body:           nil,
			setup:          func(m *MockServiceManager) {},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &MockServiceManager{}
			tt.setup(manager)
			handler := NewServiceHandler(manager, createTestLogger())

			rr := httptest.NewRecorder()
			handler.CreateService(rr, newRequest(t, http.MethodPost, "/api/services", tt.body, nil))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			manager.AssertExpectations(t)
		})
	}
}

func TestServiceHandler_UpdateService(t *testing.T) {
	id := uuid.New()
	categoryID := uuid.New()
	name := "Renamed"

	tests := []struct {
		name            string
		body            string
		expectedChanges inventory.ServiceChanges
	}{
		{
			name:            "rename only",
			body:            `{"name":"Renamed"}`,
			expectedChanges: inventory.ServiceChanges{Name: &name},
		},
		{
			name:            "set category",
			body:            `{"category_id":"` + categoryID.String() + `"}`,
			expectedChanges: inventory.ServiceChanges{CategoryID: &categoryID},
		},
		{
			name:            "clear category",
			body:            `{"category_id":null}`,
			expectedChanges: inventory.ServiceChanges{ClearCategory: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &MockServiceManager{}
			manager.On("UpdateService", mock.Anything, id, tt.expectedChanges).
				Return(testService("Renamed", "http://10.0.0.5:3000"), nil)
			handler := NewServiceHandler(manager, createTestLogger())

			rr := httptest.NewRecorder()
			handler.UpdateService(rr, newRequest(t, http.MethodPatch, "/", tt.body, map[string]string{"id": id.String()}))

			assert.Equal(t, http.StatusOK, rr.Code)
			manager.AssertExpectations(t)
		})
	}

	t.Run("name too long", func(t *testing.T) {
		handler := NewServiceHandler(&MockServiceManager{}, createTestLogger())
		body := `{"name":"` + strings.Repeat("x", 256) + `"}`

		rr := httptest.NewRecorder()
		handler.UpdateService(rr, newRequest(t, http.MethodPatch, "/", body, map[string]string{"id": id.String()}))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, decodeError(t, rr).Detail, "name must be at most 255 characters")
	})

	t.Run("not found", func(t *testing.T) {
		manager := &MockServiceManager{}
		manager.On("UpdateService", mock.Anything, id, mock.Anything).Return(nil, errors.ErrNotFound("service"))
		handler := NewServiceHandler(manager, createTestLogger())

		rr := httptest.NewRecorder()
		handler.UpdateService(rr, newRequest(t, http.MethodPatch, "/", `{"name":"x"}`, map[string]string{"id": id.String()}))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestServiceHandler_DeleteService(t *testing.T) {
	id := uuid.New()

	t.Run("hidden", func(t *testing.T) {
		manager := &MockServiceManager{}
		manager.On("HideService", mock.Anything, id).Return(nil)
		handler := NewServiceHandler(manager, createTestLogger())

		rr := httptest.NewRecorder()
		handler.DeleteService(rr, newRequest(t, http.MethodDelete, "/", nil, map[string]string{"id": id.String()}))

		assert.Equal(t, http.StatusOK, rr.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "hidden", body["status"])
		assert.Equal(t, id.String(), body["id"])
	})

	t.Run("not found", func(t *testing.T) {
		manager := &MockServiceManager{}
		manager.On("HideService", mock.Anything, id).Return(errors.ErrNotFound("service"))
		handler := NewServiceHandler(manager, createTestLogger())

		rr := httptest.NewRecorder()
		handler.DeleteService(rr, newRequest(t, http.MethodDelete, "/", nil, map[string]string{"id": id.String()}))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
