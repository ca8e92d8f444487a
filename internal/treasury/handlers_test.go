package treasury

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

const (
	hAlice = "0x1111111111111111111111111111111111111111"
	hBob   = "0x2222222222222222222222222222222222222222"
	hToken = "0x3333333333333333333333333333333333333333"
)

// setupTreasuryRouter wires the handler behind a stub auth middleware
// that trusts the X-Caller-Address header, the way the real middleware
// resolves API keys.
func setupTreasuryRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc, _ := newTestTreasury()
	handler := NewHandler(svc)

	router := gin.New()
	authGroup := router.Group("/v1")
	authGroup.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Caller-Address"); addr != "" {
			c.Set("callerAddress", addr)
		}
		c.Next()
	})
	handler.RegisterRoutes(authGroup)
	return router, svc
}

func doTreasuryJSON(router *gin.Engine, method, path, caller string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Caller-Address", caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_DepositAndBalance(t *testing.T) {
	router, _ := setupTreasuryRouter()

	w := doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hAlice, gin.H{"amount": "25"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Status string `json:"status"`
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Status != "credited" {
		t.Errorf("Expected status credited, got %s", created.Status)
	}
	if !strings.HasPrefix(created.TxHash, "dev:") {
		t.Errorf("Expected generated dev tx hash, got %q", created.TxHash)
	}

	w = doTreasuryJSON(router, "GET", "/v1/treasury/balance?asset=native", hAlice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var single struct {
		Balance Balance `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &single); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if single.Balance.Available != "25" {
		t.Errorf("Expected available 25, got %s", single.Balance.Available)
	}

	w = doTreasuryJSON(router, "GET", "/v1/treasury/balance", hAlice, nil)
	var all struct {
		Balances []Balance `json:"balances"`
		Count    int       `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &all); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if all.Count != 1 || all.Balances[0].Asset != NativeAsset {
		t.Errorf("Unexpected balances payload: %+v", all)
	}
}

func TestHandler_DepositValidation(t *testing.T) {
	router, _ := setupTreasuryRouter()

	w := doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hAlice, gin.H{"amount": "-5"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative amount, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "validation_failed") {
		t.Errorf("Expected validation_failed, got %s", w.Body.String())
	}

	w = doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hAlice, gin.H{"amount": "5", "asset": "bogus"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bogus asset, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/v1/treasury/deposits", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Address", hAlice)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", w2.Code)
	}
}

func TestHandler_DuplicateDeposit(t *testing.T) {
	router, _ := setupTreasuryRouter()

	body := gin.H{"amount": "10", "txHash": "0xsame"}
	w := doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hAlice, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}

	w = doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hAlice, body)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "duplicate_deposit") {
		t.Errorf("Expected duplicate_deposit, got %s", w.Body.String())
	}
}

func TestHandler_Allowances(t *testing.T) {
	router, _ := setupTreasuryRouter()

	w := doTreasuryJSON(router, "POST", "/v1/treasury/allowances", hAlice, gin.H{
		"asset":  hToken,
		"amount": "50",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Allowance Allowance `json:"allowance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Allowance.Remaining != "50" || resp.Allowance.Asset != hToken {
		t.Errorf("Unexpected allowance: %+v", resp.Allowance)
	}

	w = doTreasuryJSON(router, "GET", "/v1/treasury/allowances", hAlice, nil)
	var list struct {
		Allowances []Allowance `json:"allowances"`
		Count      int         `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("Expected 1 allowance, got %d", list.Count)
	}

	// The native asset is attached at escrow creation, never approved.
	w = doTreasuryJSON(router, "POST", "/v1/treasury/allowances", hAlice, gin.H{
		"asset":  "native",
		"amount": "50",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for native approve, got %d: %s", w.Code, w.Body.String())
	}

	// Missing asset fails validation before reaching the service.
	w = doTreasuryJSON(router, "POST", "/v1/treasury/allowances", hAlice, gin.H{"amount": "50"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing asset, got %d", w.Code)
	}
}

func TestHandler_HistoryEndpoint(t *testing.T) {
	router, _ := setupTreasuryRouter()

	doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hAlice, gin.H{"amount": "10"})
	doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hAlice, gin.H{"amount": "20"})
	doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hBob, gin.H{"amount": "99"})

	w := doTreasuryJSON(router, "GET", "/v1/treasury/history?limit=1", hAlice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Entries []Entry `json:"entries"`
		Count   int     `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("Expected 1 entry with limit=1, got %d", resp.Count)
	}
	if resp.Entries[0].Amount != "20" {
		t.Errorf("Expected newest entry first (20), got %s", resp.Entries[0].Amount)
	}
	if resp.Entries[0].Account != hAlice {
		t.Errorf("Expected only the caller's entries, got %s", resp.Entries[0].Account)
	}
}

func TestHandler_Withdrawal(t *testing.T) {
	router, _ := setupTreasuryRouter()

	doTreasuryJSON(router, "POST", "/v1/treasury/deposits", hAlice, gin.H{"amount": "50"})

	w := doTreasuryJSON(router, "POST", "/v1/treasury/withdrawals", hAlice, gin.H{"amount": "20"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 without executor, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Withdrawal WithdrawalReceipt `json:"withdrawal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Withdrawal.Status != "pending" || resp.Withdrawal.Amount != "20" {
		t.Errorf("Unexpected receipt: %+v", resp.Withdrawal)
	}

	w = doTreasuryJSON(router, "GET", "/v1/treasury/balance?asset=native", hAlice, nil)
	if !strings.Contains(w.Body.String(), `"available":"30"`) {
		t.Errorf("Expected available 30 after withdrawal, got %s", w.Body.String())
	}

	w = doTreasuryJSON(router, "POST", "/v1/treasury/withdrawals", hAlice, gin.H{"amount": "1000"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for overdraft, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "insufficient_funds") {
		t.Errorf("Expected insufficient_funds, got %s", w.Body.String())
	}

	w = doTreasuryJSON(router, "POST", "/v1/treasury/withdrawals", hAlice, gin.H{"amount": "1", "to": "not-an-address"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad destination, got %d", w.Code)
	}
}
