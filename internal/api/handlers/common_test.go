package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/neondeck/internal/api/middleware"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
)

func createTestLogger() *logging.Logger {
	return logging.Discard()
}

// newRequest builds a request with optional JSON body and mux path vars.
func newRequest(t *testing.T, method, target string, body interface{}, vars map[string]string) *http.Request {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body == nil {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/json")
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedDetail string
		expectedCode   string
	}{
		{
			name:           "not found",
			err:            errors.ErrNotFound("service"),
			expectedStatus: http.StatusNotFound,
			expectedDetail: "service not found",
			expectedCode:   string(errors.CodeNotFound),
		},
		{
			name:           "conflict",
			err:            errors.ErrConflict("Service with this URL already exists"),
			expectedStatus: http.StatusConflict,
			expectedDetail: "Service with this URL already exists",
			expectedCode:   string(errors.CodeConflict),
		},
		{
			name:           "validation",
			err:            errors.ErrValidation("name is required"),
			expectedStatus: http.StatusBadRequest,
			expectedDetail: "name is required",
			expectedCode:   string(errors.CodeValidation),
		},
		{
			name:           "database unavailable",
			err:            errors.ErrDatabaseConnection(stderrors.New("refused")),
			expectedStatus: http.StatusServiceUnavailable,
			expectedDetail: "Failed to connect to database",
			expectedCode:   string(errors.CodeDatabaseConnection),
		},
		{
			name:           "timeout",
			err:            errors.NewDatabaseError(errors.CodeDatabaseTimeout, "Database operation timed out"),
			expectedStatus: http.StatusGatewayTimeout,
			expectedDetail: "Database operation timed out",
			expectedCode:   string(errors.CodeDatabaseTimeout),
		},
		{
			name:           "unexpected error hides detail",
			err:            stderrors.New("pq: relation does not exist"),
			expectedStatus: http.StatusInternalServerError,
			expectedDetail: "Internal server error",
			expectedCode:   string(errors.CodeUnknown),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/services", nil)

			handleError(rr, req, createTestLogger(), "test", tt.err)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			resp := decodeError(t, rr)
			assert.Equal(t, tt.expectedDetail, resp.Detail)
			assert.Equal(t, tt.expectedCode, resp.Code)
			assert.False(t, resp.Timestamp.IsZero())
		})
	}
}

func TestParseJSON(t *testing.T) {
	t.Run("valid body", func(t *testing.T) {
		req := newRequest(t, http.MethodPost, "/", `{"name":"Grafana","url":"http://10.0.0.5:3000"}`, nil)
		var dest CreateServiceRequest
		require.NoError(t, parseJSON(req, &dest))
		assert.Equal(t, "Grafana", dest.Name)
		assert.Equal(t, "http://10.0.0.5:3000", dest.URL)
	})

	t.Run("empty body", func(t *testing.T) {
		req := newRequest(t, http.MethodPost, "/", nil, nil)
		var dest CreateServiceRequest
		err := parseJSON(req, &dest)
		require.Error(t, err)
		assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
		assert.Equal(t, "request body is empty", errors.Message(err))
	})

	t.Run("malformed JSON", func(t *testing.T) {
		req := newRequest(t, http.MethodPost, "/", `{"name":`, nil)
		var dest CreateServiceRequest
		err := parseJSON(req, &dest)
		require.Error(t, err)
		assert.True(t, strings.HasPrefix(errors.Message(err), "invalid JSON"))
	})

	t.Run("unknown field", func(t *testing.T) {
		req := newRequest(t, http.MethodPost, "/", `{"name":"a","url":"http://a","bogus":1}`, nil)
		var dest CreateServiceRequest
		err := parseJSON(req, &dest)
		require.Error(t, err)
		assert.Contains(t, errors.Message(err), "bogus")
	})

	t.Run("validation failure uses json names", func(t *testing.T) {
		req := newRequest(t, http.MethodPost, "/", `{"url":"not a url"}`, nil)
		var dest CreateServiceRequest
		err := parseJSON(req, &dest)
		require.Error(t, err)
		msg := errors.Message(err)
		assert.Contains(t, msg, "name is required")
		assert.Contains(t, msg, "url must be an absolute http(s) URL")
	})

	t.Run("body too large", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := newRequest(t, http.MethodPost, "/", `{"name":"`+strings.Repeat("a", 100)+`"}`, nil)
		req.Body = http.MaxBytesReader(rr, req.Body, 16)
		var dest CreateServiceRequest
		err := parseJSON(req, &dest)
		require.Error(t, err)
		assert.Contains(t, errors.Message(err), "too large")
	})
}

func TestValidationMessage(t *testing.T) {
	type colorReq struct {
		Color string `json:"color" validate:"hexcolor"`
		Name  string `json:"name" validate:"max=3"`
	}
	err := validate.Struct(colorReq{Color: "teal", Name: "toolong"})
	require.Error(t, err)

	msg := validationMessage(err)
	assert.Contains(t, msg, "color must be a hex color")
	assert.Contains(t, msg, "name must be at most 3 characters")

	assert.Equal(t, "plain", validationMessage(stderrors.New("plain")))
}

func TestExtractUUIDFromPath(t *testing.T) {
	id := uuid.New()

	got, err := extractUUIDFromPath(newRequest(t, http.MethodGet, "/", nil, map[string]string{"id": id.String()}))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = extractUUIDFromPath(newRequest(t, http.MethodGet, "/", nil, map[string]string{"id": "42"}))
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))

	_, err = extractUUIDFromPath(newRequest(t, http.MethodGet, "/", nil, nil))
	require.Error(t, err)
}

func TestGetQueryParamInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=5&bad=x", nil)

	n, err := getQueryParamInt(req, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = getQueryParamInt(req, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = getQueryParamInt(req, "bad", 10)
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
}

func TestOptionalUUID(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name      string
		body      string
		wantSet   bool
		wantValue *uuid.UUID
		wantErr   bool
	}{
		{name: "absent", body: `{}`},
		{name: "explicit null", body: `{"category_id":null}`, wantSet: true},
		{name: "value", body: `{"category_id":"` + id.String() + `"}`, wantSet: true, wantValue: &id},
		{name: "garbage", body: `{"category_id":"nope"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req UpdateServiceRequest
			err := json.Unmarshal([]byte(tt.body), &req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSet, req.CategoryID.Set)
			assert.Equal(t, tt.wantValue, req.CategoryID.Value)
		})
	}
}

func TestWriteErrorIncludesRequestID(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDKey, "req_abc"))

	writeError(rr, req, http.StatusTeapot, "short and stout", errors.CodeValidation)

	assert.Equal(t, http.StatusTeapot, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, "req_abc", resp.RequestID)
	assert.Equal(t, "short and stout", resp.Detail)
}
