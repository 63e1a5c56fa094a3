package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shplabs/shpbridge/internal/gateway"
)

func setupTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	admin := r.Group("/v1/admin")
	h.RegisterAdminRoutes(admin)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_DepositAccepted(t *testing.T) {
	svc := newTestService(NewMemoryStore(), newMockLedger(), newMockPayments())
	r := setupTestRouter(svc)

	w := postJSON(t, r, "/v1/deposit", gin.H{
		"requestId": "dep-http-1",
		"userId":    "user1",
		"rail":      "mobile_money",
		"phone":     "0712345678",
		"amount":    "150.00",
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Settlement struct {
			RequestID string `json:"requestId"`
			Phase     string `json:"phase"`
			Amount    string `json:"amount"`
			Party     string `json:"party"`
		} `json:"settlement"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Settlement.Phase != string(PhaseCompleted) {
		t.Errorf("Expected completed, got %s", resp.Settlement.Phase)
	}
	if resp.Settlement.Amount != "150.00" {
		t.Errorf("Expected amount 150.00, got %s", resp.Settlement.Amount)
	}
	// Local 07 numbers are normalized before hitting the gateway.
	if resp.Settlement.Party != "254712345678" {
		t.Errorf("Expected normalized phone, got %s", resp.Settlement.Party)
	}
}

func TestHandler_DepositValidation(t *testing.T) {
	store := NewMemoryStore()
	ledger := newMockLedger()
	payments := newMockPayments()
	svc := newTestService(store, ledger, payments)
	r := setupTestRouter(svc)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing request id", gin.H{"userId": "u", "rail": "bank", "account": "12345678", "amount": "10"}},
		{"bad rail", gin.H{"requestId": "r1", "userId": "u", "rail": "paypal", "amount": "10"}},
		{"bad phone", gin.H{"requestId": "r2", "userId": "u", "rail": "mobile_money", "phone": "12345", "amount": "10"}},
		{"bad account", gin.H{"requestId": "r3", "userId": "u", "rail": "bank", "account": "12", "amount": "10"}},
		{"missing amount", gin.H{"requestId": "r7", "userId": "u", "rail": "bank", "account": "12345678"}},
		{"zero amount", gin.H{"requestId": "r4", "userId": "u", "rail": "bank", "account": "12345678", "amount": "0"}},
		{"negative amount", gin.H{"requestId": "r5", "userId": "u", "rail": "bank", "account": "12345678", "amount": "-5"}},
		{"too many decimals", gin.H{"requestId": "r6", "userId": "u", "rail": "bank", "account": "12345678", "amount": "1.005"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(t, r, "/v1/deposit", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	// Rejected requests must leave no trace: nothing persisted, no
	// gateway or ledger activity.
	if n := payments.initiateCount(); n != 0 {
		t.Errorf("Expected no gateway calls for rejected requests, got %d", n)
	}
	if len(ledger.mints) != 0 {
		t.Errorf("Expected no mints for rejected requests, got %d", len(ledger.mints))
	}
	if _, err := store.Get(context.Background(), "r7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rejected request was persisted: %v", err)
	}
}

func TestHandler_DepositKYCBlocked(t *testing.T) {
	svc := newTestService(NewMemoryStore(), newMockLedger(), newMockPayments())
	r := setupTestRouter(svc)

	w := postJSON(t, r, "/v1/deposit", gin.H{
		"requestId": "dep-http-kyc",
		"userId":    "unverified",
		"rail":      "bank",
		"account":   "12345678",
		"amount":    "500000.01",
	})

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["error"] != "kyc_required" {
		t.Errorf("Expected kyc_required, got %v", resp["error"])
	}
}

func TestHandler_TransferSelfRejected(t *testing.T) {
	svc := newTestService(NewMemoryStore(), newMockLedger(), newMockPayments())
	r := setupTestRouter(svc)

	w := postJSON(t, r, "/v1/transfer", gin.H{
		"requestId":  "tr-self",
		"fromUserId": "alice",
		"toUserId":   "alice",
		"amount":     "10",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandler_TransferWithoutAmountRejected(t *testing.T) {
	store := NewMemoryStore()
	ledger := newMockLedger()
	svc := newTestService(store, ledger, newMockPayments())
	r := setupTestRouter(svc)

	w := postJSON(t, r, "/v1/transfer", gin.H{
		"requestId":  "tr-noamount",
		"fromUserId": "alice",
		"toUserId":   "bob",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if len(ledger.transfers) != 0 {
		t.Errorf("Expected no ledger calls, got %d", len(ledger.transfers))
	}
	if _, err := store.Get(context.Background(), "tr-noamount"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rejected transfer was persisted: %v", err)
	}
}

func TestHandler_GetSettlement(t *testing.T) {
	svc := newTestService(NewMemoryStore(), newMockLedger(), newMockPayments())
	r := setupTestRouter(svc)

	postJSON(t, r, "/v1/withdrawal", gin.H{
		"requestId": "wd-http-1",
		"userId":    "user1",
		"rail":      "bank",
		"account":   "12345678",
		"amount":    "300",
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/settlement/wd-http-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/settlement/nope", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_HistoryRequiresUser(t *testing.T) {
	svc := newTestService(NewMemoryStore(), newMockLedger(), newMockPayments())
	r := setupTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without userId, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/history?userId=user1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestHandler_ReconciliationFlow(t *testing.T) {
	store := NewMemoryStore()
	ledger := newMockLedger()
	ledger.setTxState("0xmint_dep-http-stuck", TxStateFailed)
	svc := newTestService(store, ledger, newMockPayments())
	r := setupTestRouter(svc)

	w := postJSON(t, r, "/v1/deposit", gin.H{
		"requestId": "dep-http-stuck",
		"userId":    "user1",
		"rail":      "mobile_money",
		"phone":     "254712345678",
		"amount":    "100",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for reconciliation-required, got %d: %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	lw := httptest.NewRecorder()
	r.ServeHTTP(lw, req)
	if lw.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", lw.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(lw.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("Expected 1 queued settlement, got %d", list.Count)
	}

	rw := postJSON(t, r, "/v1/admin/reconciliation/dep-http-stuck/resolve", gin.H{
		"note": "refunded collection manually",
	})
	if rw.Code != http.StatusOK {
		t.Fatalf("Expected 200 on resolve, got %d: %s", rw.Code, rw.Body.String())
	}

	s, err := store.Get(req.Context(), "dep-http-stuck")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Phase != PhaseReconciled {
		t.Errorf("Expected reconciled, got %s", s.Phase)
	}

	// Resolving twice conflicts.
	rw = postJSON(t, r, "/v1/admin/reconciliation/dep-http-stuck/resolve", gin.H{"note": "again"})
	if rw.Code != http.StatusConflict {
		t.Errorf("Expected 409 on double resolve, got %d", rw.Code)
	}
}

func TestHandler_WithdrawalDeclines(t *testing.T) {
	payments := newMockPayments()
	payments.initiateStatus = gateway.PaymentFailed
	svc := newTestService(NewMemoryStore(), newMockLedger(), payments)
	r := setupTestRouter(svc)

	w := postJSON(t, r, "/v1/deposit", gin.H{
		"requestId": "dep-http-declined",
		"userId":    "user1",
		"rail":      "mobile_money",
		"phone":     "254712345678",
		"amount":    "100",
	})
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for declined payment, got %d: %s", w.Code, w.Body.String())
	}
}
