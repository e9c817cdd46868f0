package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDB is a mock implementation of the database interface.
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestHealthHandler_Health(t *testing.T) {
	tests := []struct {
		name           string
		database       func() DatabasePinger
		expectedStatus int
		expectedHealth string
		expectedCheck  string
	}{
		{
			name: "healthy system",
			database: func() DatabasePinger {
				db := &MockDB{}
				db.On("Ping", mock.Anything).Return(nil)
				return db
			},
			expectedStatus: http.StatusOK,
			expectedHealth: StatusHealthy,
			expectedCheck:  "ok",
		},
		{
			name: "database down",
			database: func() DatabasePinger {
				db := &MockDB{}
				db.On("Ping", mock.Anything).Return(errors.New("connection refused"))
				return db
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: StatusUnhealthy,
			expectedCheck:  StatusUnhealthy,
		},
		{
			name:           "no database",
			database:       func() DatabasePinger { return nil },
			expectedStatus: http.StatusOK,
			expectedHealth: StatusHealthy,
			expectedCheck:  StatusNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(tt.database(), "1.2.3", createTestLogger())

			rr := httptest.NewRecorder()
			handler.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedHealth, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			assert.Equal(t, tt.expectedCheck, resp.Checks["database"])
			assert.NotEmpty(t, resp.Uptime)
		})
	}
}

func TestHealthHandler_Index(t *testing.T) {
	handler := NewHealthHandler(nil, "dev", createTestLogger())

	rr := httptest.NewRecorder()
	handler.Index(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "NeonDeck API", body["message"])
	assert.Equal(t, "dev", body["version"])
	endpoints, ok := body["endpoints"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/api/services", endpoints["services"])
}
