package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Blazingkevin/trustless-escrow/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory configuration.
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		PlatformFeeBps:    100,
		SweepInterval:     time.Minute,
		ReconcileInterval: time.Minute,
		AdminSecret:       "test-admin-secret",
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
		WebhookWorkers:    2,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.dispatcher.Close()
	})
	return s
}

func doJSON(s *Server, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// registerAccount claims an address and returns its API key.
func registerAccount(t *testing.T, s *Server, address, name string) string {
	t.Helper()
	w := doJSON(s, "POST", "/v1/treasury/accounts", "", map[string]string{
		"address": address,
		"name":    name,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Registration failed with %d: %s", w.Code, w.Body.String())
	}
	key, _ := decode(t, w)["apiKey"].(string)
	if key == "" {
		t.Fatal("Expected apiKey in registration response")
	}
	return key
}

// ---------------------------------------------------------------------------
// Health endpoints
// ---------------------------------------------------------------------------

func TestHealthzEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if status := decode(t, w)["status"]; status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", status)
	}
}

func TestReadyzBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Run() has not been called, so the server is not ready.
	w := doJSON(s, "GET", "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration
// ---------------------------------------------------------------------------

func TestEscrowRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/v1/escrows",
		"GET:/v1/escrows/stats",
		"GET:/v1/escrows/:id",
		"GET:/v1/escrows/:id/milestones",
		"POST:/v1/escrows",
		"POST:/v1/escrows/milestones",
		"POST:/v1/escrows/:id/release",
		"POST:/v1/escrows/:id/refund",
		"POST:/v1/escrows/:id/extend",
		"POST:/v1/escrows/:id/claim",
		"POST:/v1/escrows/:id/dispute",
		"POST:/v1/escrows/:id/resolve",
		"POST:/v1/escrows/:id/milestones/:index/complete",
		"POST:/v1/escrows/:id/milestones/:index/release",
		"GET:/v1/escrows/templates",
		"POST:/v1/escrows/templates",
		"POST:/v1/escrows/templates/:id/instantiate",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Escrow route %s not registered", e)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/",
		"GET:/healthz",
		"GET:/readyz",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/treasury/accounts",
		"GET:/v1/treasury/balance",
		"POST:/v1/treasury/deposits",
		"POST:/v1/treasury/allowances",
		"POST:/v1/treasury/withdrawals",
		"GET:/v1/treasury/keys",
		"POST:/v1/webhooks",
		"DELETE:/v1/webhooks/:id",
		"POST:/v1/admin/pause",
		"PUT:/v1/admin/fee",
		"GET:/v1/admin/fees",
		"GET:/v1/admin/reconciliation",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Dashboard page
// ---------------------------------------------------------------------------

func TestDashboardEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for dashboard, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Expected HTML content type, got %q", ct)
	}
}

// ---------------------------------------------------------------------------
// Auth wiring
// ---------------------------------------------------------------------------

func TestAccountRegistration(t *testing.T) {
	s := newTestServer(t)

	key := registerAccount(t, s, "0xaaaa000000000000000000000000000000000001", "TestClient")

	w := doJSON(s, "GET", "/v1/treasury/whoami", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from whoami, got %d: %s", w.Code, w.Body.String())
	}
	if addr := decode(t, w)["address"]; addr != "0xaaaa000000000000000000000000000000000001" {
		t.Errorf("Expected registered address, got %v", addr)
	}
}

func TestProtectedRouteRequiresKey(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/escrows", "", map[string]interface{}{
		"freelancer": "0xbbbb000000000000000000000000000000000002",
		"amount":     "10",
		"deadline":   time.Now().Add(24 * time.Hour).Unix(),
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}
}

func TestPublicReadsNeedNoKey(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/escrows", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for public list, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Full escrow flow through the wired stack
// ---------------------------------------------------------------------------

func TestEscrowFlowEndToEnd(t *testing.T) {
	s := newTestServer(t)

	clientAddr := "0xaaaa000000000000000000000000000000000001"
	freelancerAddr := "0xbbbb000000000000000000000000000000000002"
	clientKey := registerAccount(t, s, clientAddr, "Client")
	freelancerKey := registerAccount(t, s, freelancerAddr, "Freelancer")

	// On-ramp the client.
	w := doJSON(s, "POST", "/v1/treasury/deposits", clientKey, map[string]string{
		"asset":  "native",
		"amount": "100",
		"txHash": "0xdeposit1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Deposit failed with %d: %s", w.Code, w.Body.String())
	}

	// Fund an escrow. The 1% platform fee comes off the top.
	w = doJSON(s, "POST", "/v1/escrows", clientKey, map[string]interface{}{
		"freelancer":    freelancerAddr,
		"asset":         "native",
		"amount":        "100",
		"attachedValue": "100",
		"deadline":      time.Now().Add(72 * time.Hour).Unix(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create failed with %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)["escrow"].(map[string]interface{})
	if created["totalAmount"] != "99" {
		t.Errorf("Expected net total 99, got %v", created["totalAmount"])
	}
	if created["id"].(float64) != 0 {
		t.Errorf("Expected first escrow id 0, got %v", created["id"])
	}

	// Client approves the work.
	w = doJSON(s, "POST", "/v1/escrows/0/release", clientKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Release failed with %d: %s", w.Code, w.Body.String())
	}
	released := decode(t, w)["escrow"].(map[string]interface{})
	if released["status"] != "resolved" {
		t.Errorf("Expected resolved, got %v", released["status"])
	}

	// The freelancer got paid.
	w = doJSON(s, "GET", "/v1/treasury/balance?asset=native", freelancerKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Balance read failed with %d: %s", w.Code, w.Body.String())
	}
	balance := decode(t, w)["balance"].(map[string]interface{})
	if balance["available"] != "99" {
		t.Errorf("Expected freelancer balance 99, got %v", balance["available"])
	}
}

// ---------------------------------------------------------------------------
// Admin wiring
// ---------------------------------------------------------------------------

func TestAdminPauseBlocksMutations(t *testing.T) {
	s := newTestServer(t)

	clientAddr := "0xaaaa000000000000000000000000000000000001"
	clientKey := registerAccount(t, s, clientAddr, "Client")

	// Wrong secret is rejected.
	w := doJSON(s, "POST", "/v1/admin/pause", "", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 without admin secret, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/v1/admin/pause", nil)
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Pause failed with %d: %s", rec.Code, rec.Body.String())
	}

	// Mutations now fail closed; reads still work.
	w = doJSON(s, "POST", "/v1/escrows", clientKey, map[string]interface{}{
		"freelancer": "0xbbbb000000000000000000000000000000000002",
		"amount":     "10",
		"deadline":   time.Now().Add(24 * time.Hour).Unix(),
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while paused, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "GET", "/v1/escrows", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected reads to keep working while paused, got %d", w.Code)
	}
}

func TestAdminReconciliationEndpoint(t *testing.T) {
	s := newTestServer(t)

	clientAddr := "0xaaaa000000000000000000000000000000000001"
	clientKey := registerAccount(t, s, clientAddr, "Client")

	w := doJSON(s, "POST", "/v1/treasury/deposits", clientKey, map[string]string{
		"asset":  "native",
		"amount": "100",
		"txHash": "0xdeposit1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Deposit failed with %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "POST", "/v1/escrows", clientKey, map[string]interface{}{
		"freelancer":    "0xbbbb000000000000000000000000000000000002",
		"asset":         "native",
		"amount":        "100",
		"attachedValue": "100",
		"deadline":      time.Now().Add(72 * time.Hour).Unix(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create failed with %d: %s", w.Code, w.Body.String())
	}

	// Custody pool holds the gross deposit: 99 committed plus 1 fee.
	req := httptest.NewRequest("GET", "/v1/admin/reconciliation", nil)
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Reconciliation failed with %d: %s", rec.Code, rec.Body.String())
	}

	report := decode(t, rec)["report"].(map[string]interface{})
	if report["healthy"] != true {
		t.Errorf("Expected healthy books, got %s", rec.Body.String())
	}
	pool := report["pool"].([]interface{})
	if len(pool) != 1 {
		t.Fatalf("Expected one pool check, got %d", len(pool))
	}
	check := pool[0].(map[string]interface{})
	if check["asset"] != "native" || check["committed"] != "99" || check["fees"] != "1" {
		t.Errorf("Unexpected pool check: %+v", check)
	}
}

// ---------------------------------------------------------------------------
// 404
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
