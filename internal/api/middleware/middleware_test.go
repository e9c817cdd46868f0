package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
)

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		path      string
		requestID string
	}{
		{name: "GET request", method: "GET", path: "/api/services"},
		{name: "POST request", method: "POST", path: "/api/scan/trigger"},
		{name: "health is logged at debug", method: "GET", path: "/health"},
		{name: "caller supplied request id", method: "GET", path: "/api/services", requestID: "abc-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requestID := GetRequestID(r)
				if tt.requestID != "" {
					assert.Equal(t, tt.requestID, requestID)
				} else {
					assert.True(t, strings.HasPrefix(requestID, "req_"), requestID)
				}

				startTime, ok := r.Context().Value(StartTimeKey).(time.Time)
				require.True(t, ok)
				assert.True(t, time.Since(startTime) < time.Second)

				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("test response"))
			})

			handler := Logging(logging.Discard())(testHandler)

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			if tt.requestID != "" {
				req.Header.Set("X-Request-ID", tt.requestID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "test response", w.Body.String())
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	pm := metrics.NewPrometheusMetrics()

	router := mux.NewRouter()
	router.Use(Metrics(pm))
	router.HandleFunc("/api/services/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods("GET")

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/services/"+id, http.NoBody))
		assert.Equal(t, http.StatusNotFound, w.Code)
	}

	families, err := pm.GetRegistry().Gather()
	require.NoError(t, err)

	var found bool
	for _, family := range families {
		if family.GetName() != "neondeck_api_requests_total" {
			continue
		}
		found = true
		require.Len(t, family.GetMetric(), 1, "one series per route, not per path")
		metric := family.GetMetric()[0]
		assert.Equal(t, 3.0, metric.GetCounter().GetValue())

		labels := map[string]string{}
		for _, l := range metric.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		assert.Equal(t, "/api/services/{id}", labels["path"])
		assert.Equal(t, "404", labels["status"])
	}
	assert.True(t, found)
}

func TestRecoveryMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		panicValue  interface{}
		shouldPanic bool
	}{
		{name: "string panic", panicValue: "something went wrong", shouldPanic: true},
		{name: "error panic", panicValue: fmt.Errorf("test error"), shouldPanic: true},
		{name: "no panic", shouldPanic: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.shouldPanic {
					panic(tt.panicValue)
				}
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("success"))
			})

			handler := Recovery(logging.Discard())(testHandler)

			req := httptest.NewRequest("GET", "/test", http.NoBody)
			req = req.WithContext(context.WithValue(req.Context(), RequestIDKey, "test-req-123"))
			w := httptest.NewRecorder()

			assert.NotPanics(t, func() {
				handler.ServeHTTP(w, req)
			})

			if tt.shouldPanic {
				assert.Equal(t, http.StatusInternalServerError, w.Code)
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

				var response map[string]interface{}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
				assert.Equal(t, "Internal server error", response["error"])
				assert.Equal(t, "test-req-123", response["request_id"])
			} else {
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, "success", w.Body.String())
			}
		})
	}
}

func TestContentTypeMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		wantStatus  int
	}{
		{"GET ignores content type", "GET", "text/plain", http.StatusOK},
		{"POST json", "POST", "application/json", http.StatusOK},
		{"POST json with charset", "POST", "application/json; charset=utf-8", http.StatusOK},
		{"POST without content type", "POST", "", http.StatusOK},
		{"POST form", "POST", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"PATCH text", "PATCH", "text/plain", http.StatusUnsupportedMediaType},
		{"DELETE ignores content type", "DELETE", "text/plain", http.StatusOK},
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/services", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			ContentType()(ok).ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest("GET", "/", http.NoBody))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestGetRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/", http.NoBody)
	assert.Equal(t, "unknown", GetRequestID(req))

	req = req.WithContext(context.WithValue(req.Context(), RequestIDKey, "req_1"))
	assert.Equal(t, "req_1", GetRequestID(req))
}

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateRequestID()
		assert.True(t, strings.HasPrefix(id, "req_"))
		assert.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.1"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.1",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.1, 10.0.0.1, 172.16.0.1"},
			remoteAddr: "127.0.0.1:12345",
			expectedIP: "192.168.1.1",
		},
		{
			name:       "X-Real-IP header",
			headers:    map[string]string{"X-Real-IP": "203.0.113.1"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "203.0.113.1",
		},
		{
			name:       "RemoteAddr fallback",
			remoteAddr: "198.51.100.1:54321",
			expectedIP: "198.51.100.1",
		},
		{
			name:       "IPv6 RemoteAddr",
			remoteAddr: "[2001:db8::1]:443",
			expectedIP: "2001:db8::1",
		},
		{
			name:       "invalid RemoteAddr",
			remoteAddr: "invalid",
			expectedIP: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			for key, value := range tt.headers {
				req.Header.Set(key, value)
			}
			assert.Equal(t, tt.expectedIP, getClientIP(req))
		})
	}
}

func TestResponseWriter(t *testing.T) {
	t.Run("captures status code and size", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		wrapper := wrap(recorder)

		wrapper.WriteHeader(http.StatusCreated)
		assert.Equal(t, http.StatusCreated, wrapper.statusCode)

		n, err := wrapper.Write([]byte("test response data"))
		require.NoError(t, err)
		assert.Equal(t, 18, n)

		_, err = wrapper.Write([]byte(" more"))
		require.NoError(t, err)
		assert.Equal(t, 23, wrapper.size)
	})

	t.Run("wrapping twice reuses the wrapper", func(t *testing.T) {
		first := wrap(httptest.NewRecorder())
		assert.Same(t, first, wrap(first))
	})

	t.Run("hijack without support fails", func(t *testing.T) {
		_, _, err := wrap(httptest.NewRecorder()).Hijack()
		assert.Error(t, err)
	})
}
