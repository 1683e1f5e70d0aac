package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kyler505/previewd/internal/httpx"
)

// CaptureClient invokes the capture service for one URL and returns the
// rendered image as a base64 data URL.
type CaptureClient interface {
	Capture(ctx context.Context, rawURL, requestID string) (string, error)
}

// WorkerClient is the HTTP CaptureClient talking to the captured service.
type WorkerClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewWorkerClient builds a client with the worker call timeout baked in.
func NewWorkerClient(baseURL, token string, timeout time.Duration) *WorkerClient {
	if timeout == 0 {
		timeout = 8 * time.Second
	}
	return &WorkerClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type workerResponse struct {
	OK    bool   `json:"ok"`
	Image string `json:"image"`
	Error string `json:"error"`
}

// Capture calls GET /capture on the worker, forwarding the correlation id.
func (c *WorkerClient) Capture(ctx context.Context, rawURL, requestID string) (string, error) {
	endpoint := fmt.Sprintf("%s/capture?url=%s", c.baseURL, url.QueryEscape(rawURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build capture request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if requestID != "" {
		req.Header.Set(httpx.HeaderRequestID, requestID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call capture worker: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var body workerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode capture response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !body.OK {
		if body.Error != "" {
			return "", fmt.Errorf("capture worker: %s", body.Error)
		}
		return "", fmt.Errorf("capture worker returned status %d", resp.StatusCode)
	}
	if body.Image == "" {
		return "", fmt.Errorf("capture worker returned empty image")
	}
	return body.Image, nil
}
