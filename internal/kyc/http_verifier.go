package kyc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPVerifier queries an external KYC provider over HTTP.
// The provider is expected to serve GET {baseURL}/users/{userID}/status
// returning {"verified": bool}.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPVerifier creates a verifier backed by a KYC provider API.
func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (v *HTTPVerifier) IsVerified(ctx context.Context, userID string) (bool, error) {
	url := fmt.Sprintf("%s/users/%s/status", v.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("kyc provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown user = unverified, not an error.
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("kyc provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode kyc response: %w", err)
	}
	return body.Verified, nil
}
