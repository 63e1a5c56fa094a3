package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/shplabs/shpbridge/internal/chain"
	"github.com/shplabs/shpbridge/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockEthClient implements chain.EthClient for testing
type mockEthClient struct{}

func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (m *mockEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (m *mockEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: 1, BlockNumber: big.NewInt(1)}, nil
}

func (m *mockEthClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (m *mockEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	// 1M tokens in 18-decimal units
	supply := new(big.Int).Mul(big.NewInt(1_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return supply.FillBytes(make([]byte, 32)), nil
}

func (m *mockEthClient) Close() {}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		RPCURL:          "http://localhost:8545",
		ChainID:         1,
		PrivateKey:      "0000000000000000000000000000000000000000000000000000000000000001",
		BridgeContract:  "0x0000000000000000000000000000000000000b01",
		KYCThreshold:    "500000",
		GrowthThreshold: 5.0,
		VolumeThreshold: 100_000_000,
	}
}

// newTestServer creates a server with a mock chain client
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := testConfig()
	c, err := chain.New(chain.Config{
		RPCURL:         cfg.RPCURL,
		PrivateKey:     cfg.PrivateKey,
		ChainID:        cfg.ChainID,
		BridgeContract: cfg.BridgeContract,
	}, chain.WithClient(&mockEthClient{}))
	if err != nil {
		t.Fatalf("Failed to create chain client: %v", err)
	}

	s, err := New(cfg, WithChain(c))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func TestInvalidKYCThresholdRejected(t *testing.T) {
	cfg := testConfig()
	cfg.KYCThreshold = "half a million"

	c, err := chain.New(chain.Config{
		RPCURL:         cfg.RPCURL,
		PrivateKey:     cfg.PrivateKey,
		ChainID:        cfg.ChainID,
		BridgeContract: cfg.BridgeContract,
	}, chain.WithClient(&mockEthClient{}))
	if err != nil {
		t.Fatalf("Failed to create chain client: %v", err)
	}

	if _, err := New(cfg, WithChain(c)); err == nil {
		t.Fatal("Expected error for unparseable KYC threshold")
	}
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/deposit",
		"POST:/v1/withdrawal",
		"POST:/v1/transfer",
		"GET:/v1/settlement/:requestId",
		"GET:/v1/history",
		"GET:/v1/peg/status",
		"GET:/v1/rebase/events",
		"GET:/v1/admin/reconciliation",
		"POST:/v1/admin/reconciliation/:requestId/resolve",
		"POST:/v1/admin/oracle/run",
		"POST:/v1/admin/rebase/run",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Platform info tests
// ---------------------------------------------------------------------------

func TestPlatformEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/platform", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Platform struct {
			OperatorAddress string   `json:"operatorAddress"`
			Rails           []string `json:"rails"`
			KYCThreshold    string   `json:"kycThreshold"`
		} `json:"platform"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Platform.OperatorAddress == "" {
		t.Error("Expected operatorAddress in platform response")
	}
	// No rails configured in test config
	if len(resp.Platform.Rails) != 0 {
		t.Errorf("Expected no rails, got %v", resp.Platform.Rails)
	}
	if resp.Platform.KYCThreshold != "500000" {
		t.Errorf("Expected kycThreshold 500000, got %q", resp.Platform.KYCThreshold)
	}
}

// ---------------------------------------------------------------------------
// Settlement flow through the full stack
// ---------------------------------------------------------------------------

func TestTransferThroughServer(t *testing.T) {
	s := newTestServer(t)

	// Transfers have no off-chain leg, so they complete against the mock
	// chain even with no rails configured.
	body := `{"requestId":"srv-xfer-1","fromUserId":"alice","toUserId":"bob","amount":"250.00"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/transfer", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Settlement struct {
			RequestID string `json:"requestId"`
			Phase     string `json:"phase"`
			Amount    string `json:"amount"`
		} `json:"settlement"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Settlement.Phase != "completed" {
		t.Errorf("Expected phase completed, got %q", resp.Settlement.Phase)
	}
	if resp.Settlement.Amount != "250.00" {
		t.Errorf("Expected amount 250.00, got %q", resp.Settlement.Amount)
	}

	// Status lookup sees the same settlement
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/settlement/srv-xfer-1", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on status lookup, got %d", w.Code)
	}
}

func TestDepositWithoutRailFails(t *testing.T) {
	s := newTestServer(t)

	body := `{"requestId":"srv-dep-1","userId":"alice","rail":"mobile_money","phone":"0712345678","amount":"100.00"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/deposit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	// No rails registered in the test config, so the collect leg fails
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Request ID param validation
// ---------------------------------------------------------------------------

func TestInvalidRequestIDParamRejected(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/settlement/bad%20id!", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
