package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPGateway implements Gateway over the gateway service's JSON API.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGateway creates a gateway client with a pooled transport.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type statusResponse struct {
	Connected bool `json:"connected"`
}

// SendMessage posts one message to the gateway. Non-2xx responses are
// returned as errors carrying the status code and body so the classifier
// can map them onto the failure taxonomy.
func (g *HTTPGateway) SendMessage(ctx context.Context, destination, payload string) error {
	body, err := json.Marshal(sendRequest{To: destination, Message: payload})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	return nil
}

// IsChannelConnected probes the gateway's channel status endpoint.
// Any transport or decode failure is reported as not connected.
func (g *HTTPGateway) IsChannelConnected(ctx context.Context, channelRef string) bool {
	u := fmt.Sprintf("%s/status?channel=%s", g.baseURL, url.QueryEscape(channelRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Connected
}
