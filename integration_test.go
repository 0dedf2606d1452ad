package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHealthEndpointIntegration tests the /api/v1/health endpoint with full routing
func TestHealthEndpointIntegration(t *testing.T) {
	router := setupRouter(newTestApp(t))

	// Create a test request
	req, _ := http.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()

	// Serve the request
	router.ServeHTTP(w, req)

	// Assert status code
	assert.Equal(t, http.StatusOK, w.Code, "Expected status 200 OK")

	// Parse and verify response
	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err, "Response should be valid JSON")
	assert.Equal(t, true, response["success"])
	assert.Equal(t, "Evently API is running", response["message"])
}

// TestHealthEndpointMethod tests that only GET method is allowed
func TestHealthEndpointMethod(t *testing.T) {
	router := setupRouter(newTestApp(t))

	for _, method := range []string{"POST", "PUT", "DELETE"} {
		req, _ := http.NewRequest(method, "/api/v1/health", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code, "%s should not be allowed", method)
	}
}

// TestAPIV1Prefix tests that the endpoint requires /api/v1 prefix
func TestAPIV1Prefix(t *testing.T) {
	router := setupRouter(newTestApp(t))

	// Test without /api/v1 prefix (should fail)
	req, _ := http.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "Endpoint should require /api/v1 prefix")

	// Test with correct prefix (should succeed)
	req, _ = http.NewRequest("GET", "/api/v1/health", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "Endpoint should work with /api/v1 prefix")
}

func TestDatabaseStatusEndpoint(t *testing.T) {
	router := setupRouter(newTestApp(t))

	req, _ := http.NewRequest("GET", "/api/v1/database/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "Response body: %s", w.Body.String())

	var response struct {
		Success bool     `json:"success"`
		Tables  []string `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, response.Success)
	assert.Subset(t, response.Tables, []string{"users", "conversations", "chat_messages", "quick_replies"})
}

// TestAdminRoutesRequireToken checks the console and operator routes sit behind JWT validation
func TestAdminRoutesRequireToken(t *testing.T) {
	router := setupRouter(newTestApp(t))

	paths := []struct{ method, path string }{
		{"GET", "/api/v1/admin/conversations"},
		{"POST", "/api/v1/admin/conversations/abc/messages"},
		{"DELETE", "/api/v1/admin/conversations/abc"},
		{"GET", "/api/v1/admin/presence"},
		{"GET", "/api/v1/users/me"},
	}
	for _, p := range paths {
		req, _ := http.NewRequest(p.method, p.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s should require a token", p.method, p.path)
		assert.Contains(t, w.Body.String(), "INVALID_TOKEN")
	}
}

func TestChatRoutesAreRateLimited(t *testing.T) {
	a := newTestApp(t)
	router := setupRouter(a)

	limited := 0
	for i := 0; i < a.cfg.ChatRateLimitBurst+5; i++ {
		req, _ := http.NewRequest("GET", "/api/v1/chat/quick-replies", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited, "bursts beyond the limit should be rejected")

	req, _ := http.NewRequest("GET", "/api/v1/chat/quick-replies", nil)
	req.RemoteAddr = "198.51.100.2:4000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "other clients keep their own budget")
}

func TestMetricsEndpoint(t *testing.T) {
	router := setupRouter(newTestApp(t))

	req, _ := http.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}

func TestCORSPreflight(t *testing.T) {
	router := setupRouter(newTestApp(t))

	req, _ := http.NewRequest("OPTIONS", "/api/v1/chat/conversations", nil)
	req.Header.Set("Origin", "https://evently.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Less(t, w.Code, 300)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
