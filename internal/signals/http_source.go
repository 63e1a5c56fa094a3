package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shplabs/shpbridge/internal/retry"
)

// HTTPSource fetches metrics from an external stats API exposing
// GET {base}/metrics/{metric} with a JSON body {"value": <number>}.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source against the given base URL.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch implements Source. Transient upstream failures are retried;
// client errors (4xx) are not.
func (s *HTTPSource) Fetch(ctx context.Context, metric Metric) (float64, error) {
	var value float64
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		v, err := s.fetchOnce(ctx, metric)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *HTTPSource) fetchOnce(ctx context.Context, metric Metric) (float64, error) {
	url := fmt.Sprintf("%s/metrics/%s", s.baseURL, metric)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, retry.Permanent(&FetchError{Metric: metric, Err: err})
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, &FetchError{Metric: metric, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		ferr := &FetchError{Metric: metric, Err: fmt.Errorf("status %d", resp.StatusCode)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return 0, retry.Permanent(ferr)
		}
		return 0, ferr
	}

	var body struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, &FetchError{Metric: metric, Err: err}
	}
	return body.Value, nil
}
