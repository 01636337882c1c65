package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/pkg/httpretry"
)

// Client is the entitlement service API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new entitlement API client.
func NewClient(cfg config.EntitlementConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 2),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// CheckResult is the billing verdict for one (customer, feature) pair.
type CheckResult struct {
	Allowed   bool   `json:"allowed"`
	Unlimited bool   `json:"unlimited"`
	Balance   *int64 `json:"balance"`
}

type checkRequest struct {
	CustomerID string `json:"customer_id"`
	FeatureID  string `json:"feature_id"`
}

type trackRequest struct {
	CustomerID string `json:"customer_id"`
	FeatureID  string `json:"feature_id"`
	Value      int    `json:"value"`
}

// Check asks whether the customer may consume the feature.
func (c *Client) Check(ctx context.Context, customerID, featureID string) (*CheckResult, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/check", checkRequest{
		CustomerID: customerID,
		FeatureID:  featureID,
	})
	if err != nil {
		return nil, err
	}

	var result CheckResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse check response: %w", err)
	}
	return &result, nil
}

// Track records usage against the feature meter.
func (c *Client) Track(ctx context.Context, customerID, featureID string, value int) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/track", trackRequest{
		CustomerID: customerID,
		FeatureID:  featureID,
		Value:      value,
	})
	return err
}

// doRequest performs an authenticated request to the entitlement API
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
