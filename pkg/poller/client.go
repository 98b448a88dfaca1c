package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient fetches snapshots from the scoring API status endpoint.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient builds a client for the API at baseURL, authenticating with a bearer token.
func NewHTTPClient(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "status_client").Logger(),
	}
}

type statusEnvelope struct {
	Success bool     `json:"success"`
	Data    Snapshot `json:"data"`
	Message string   `json:"message"`
}

// Fetch implements Fetcher.
func (c *HTTPClient) Fetch(ctx context.Context, submissionID uint) (Snapshot, error) {
	url := fmt.Sprintf("%s/api/v2/scoring/submissions/%d/status", c.baseURL, submissionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Snapshot{}, ErrNotFound
	}

	var envelope statusEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		c.logger.Debug().Int("status", resp.StatusCode).Uint("submission_id", submissionID).Msg("status request rejected")
		return Snapshot{}, fmt.Errorf("status request failed with %d: %s", resp.StatusCode, envelope.Message)
	}

	return envelope.Data, nil
}
