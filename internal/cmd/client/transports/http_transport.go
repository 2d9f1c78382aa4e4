package transports

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPTransport checks /v1/healthz on the admin HTTP endpoint.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport constructs a transport; a nil client uses http.DefaultClient.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: baseURL, client: client}
}

// Check implements HealthTransport.
func (t *HTTPTransport) Check(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/healthz", nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode health: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return body.Status, nil
	case http.StatusServiceUnavailable:
		return body.Error, ErrNotServing
	default:
		return "", fmt.Errorf("http error: %s", resp.Status)
	}
}
