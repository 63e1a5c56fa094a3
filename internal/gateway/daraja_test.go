package gateway

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newDarajaTestServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok_123",
			"expires_in":   "3599",
		})
	})
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	return httptest.NewServer(mux)
}

func testDarajaConfig(baseURL string) DarajaConfig {
	return DarajaConfig{
		BaseURL:     baseURL,
		AppKey:      "key",
		AppSecret:   "secret",
		ShortCode:   "174379",
		PassKey:     "passkey",
		CallbackURL: "https://bridge.example/callbacks/mpesa",
	}
}

func TestDaraja_STKPush(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]interface{}

	srv := newDarajaTestServer(t, map[string]http.HandlerFunc{
		"/mpesa/stkpush/v1/processrequest": func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			json.NewDecoder(r.Body).Decode(&gotPayload)
			json.NewEncoder(w).Encode(map[string]string{
				"CheckoutRequestID":   "ws_CO_29082026001",
				"ResponseCode":        "0",
				"ResponseDescription": "Success",
			})
		},
	})
	defer srv.Close()

	d := NewDaraja(testDarajaConfig(srv.URL))
	res, err := d.InitiatePayment(context.Background(), PaymentRequest{
		RequestID: "dep-1",
		Direction: DirectionCollect,
		Party:     "254712345678",
		Amount:    big.NewInt(150_000), // 1500 KES
		Narrative: "SHP deposit",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.GatewayRef != "ws_CO_29082026001" {
		t.Errorf("expected checkout request ID as gateway ref, got %s", res.GatewayRef)
	}
	if res.Status != PaymentPending {
		t.Errorf("STK push result should be pending, got %s", res.Status)
	}
	if gotAuth != "Bearer tok_123" {
		t.Errorf("expected bearer token, got %s", gotAuth)
	}
	if gotPayload["Amount"] != float64(1500) {
		t.Errorf("expected whole-shilling amount 1500, got %v", gotPayload["Amount"])
	}
	if gotPayload["AccountReference"] != "dep-1" {
		t.Errorf("requestId should ride in AccountReference, got %v", gotPayload["AccountReference"])
	}
}

func TestDaraja_STKPushDeclined(t *testing.T) {
	srv := newDarajaTestServer(t, map[string]http.HandlerFunc{
		"/mpesa/stkpush/v1/processrequest": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{
				"ResponseCode":        "1",
				"ResponseDescription": "Insufficient balance",
			})
		},
	})
	defer srv.Close()

	d := NewDaraja(testDarajaConfig(srv.URL))
	_, err := d.InitiatePayment(context.Background(), PaymentRequest{
		RequestID: "dep-2",
		Direction: DirectionCollect,
		Party:     "254712345678",
		Amount:    big.NewInt(10_000),
	})
	if err == nil {
		t.Fatal("expected error for declined push")
	}
}

func TestDaraja_B2CPayout(t *testing.T) {
	srv := newDarajaTestServer(t, map[string]http.HandlerFunc{
		"/mpesa/b2c/v1/paymentrequest": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{
				"ConversationID":      "AG_20260829_001",
				"ResponseCode":        "0",
				"ResponseDescription": "Accept the service request successfully.",
			})
		},
	})
	defer srv.Close()

	d := NewDaraja(testDarajaConfig(srv.URL))
	res, err := d.InitiatePayment(context.Background(), PaymentRequest{
		RequestID: "wd-1",
		Direction: DirectionPayout,
		Party:     "254712345678",
		Amount:    big.NewInt(500_000),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.GatewayRef != "AG_20260829_001" {
		t.Errorf("expected conversation ID as gateway ref, got %s", res.GatewayRef)
	}
}

func TestDaraja_PollSTKStatus(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
		want PaymentStatus
	}{
		{"success", map[string]string{"ResultCode": "0"}, PaymentSucceeded},
		{"cancelled by user", map[string]string{"ResultCode": "1032"}, PaymentFailed},
		{"still processing", map[string]string{"errorCode": "500.001.1001"}, PaymentPending},
		{"no result yet", map[string]string{}, PaymentPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newDarajaTestServer(t, map[string]http.HandlerFunc{
				"/mpesa/stkpushquery/v1/query": func(w http.ResponseWriter, r *http.Request) {
					json.NewEncoder(w).Encode(tt.body)
				},
			})
			defer srv.Close()

			d := NewDaraja(testDarajaConfig(srv.URL))
			status, err := d.PollStatus(context.Background(), "ws_CO_29082026001")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, status)
			}
		})
	}
}

func TestDaraja_TokenCached(t *testing.T) {
	var tokenCalls int
	srv := newDarajaTestServer(t, map[string]http.HandlerFunc{
		"/mpesa/stkpushquery/v1/query": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"ResultCode": "0"})
		},
	})
	defer srv.Close()

	// Wrap the mux to count token fetches.
	base := srv.Config.Handler
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			tokenCalls++
		}
		base.ServeHTTP(w, r)
	})

	d := NewDaraja(testDarajaConfig(srv.URL))
	for i := 0; i < 3; i++ {
		if _, err := d.PollStatus(context.Background(), "ws_CO_1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if tokenCalls != 1 {
		t.Errorf("expected 1 token fetch, got %d", tokenCalls)
	}
}
