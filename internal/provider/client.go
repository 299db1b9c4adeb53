package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Job status values reported by the provider's best-effort status endpoint.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotConfigured is returned by Submit when the gateway has no credentials.
// Callers treat it like any other submission failure: compensate and fail the
// job.
var ErrNotConfigured = errors.New("provider gateway not configured")

// maxArtifactSize bounds artifact downloads (transient URLs serve finished
// renders, not streams).
const maxArtifactSize = 512 << 20

// Client talks to the external generation service. All calls are bounded by
// the HTTP client timeouts; a hung submission surfaces as an error, never an
// indefinitely pending job.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dlClient   *http.Client
}

func NewClient(baseURL, apiKey string, submitTimeout, downloadTimeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: submitTimeout},
		dlClient:   &http.Client{Timeout: downloadTimeout},
	}
}

type submitRequest struct {
	Model      string         `json:"model"`
	Input      map[string]any `json:"input"`
	WebhookURL string         `json:"webhook_url"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

// Submit hands the job to the provider's queue and returns its correlation
// id. The provider will eventually call the webhook once, more than once, or
// never.
func (c *Client) Submit(ctx context.Context, modelID string, params map[string]any, callbackURL string) (string, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(submitRequest{Model: modelID, Input: params, WebhookURL: callbackURL})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit generation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("provider rejected submission: status %d: %s", resp.StatusCode, snippet)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.RequestID == "" {
		return "", errors.New("provider returned empty request id")
	}
	return out.RequestID, nil
}

// FetchStatus queries the provider for the current state of a request. Best
// effort: the sweeper treats any error as unknown.
func (c *Client) FetchStatus(ctx context.Context, externalRequestID string) (string, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return "", ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/generations/"+externalRequestID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch status: status %d", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return out.Status, nil
}

// Download fetches a finished artifact from the provider's transient URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.dlClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
	if err != nil {
		return nil, "", fmt.Errorf("read artifact body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return data, contentType, nil
}
