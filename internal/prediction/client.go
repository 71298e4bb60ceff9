package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Prediction job statuses reported by the external service.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// ClientConfig contains external prediction service configuration
type ClientConfig struct {
	Endpoint      string
	APIToken      string
	ModelVersion  string
	SubmitTimeout time.Duration
	MaxConcurrent int
}

// Input is the model input for one prediction job.
type Input struct {
	Command    string `json:"command"`
	Audio      string `json:"audio"`
	ShopDomain string `json:"shop_domain,omitempty"`
}

type submitRequest struct {
	Version string `json:"version"`
	Input   Input  `json:"input"`
}

// Prediction is the service's view of a job: an id to poll by, a status,
// and eventually an output. Output stays raw until normalization because
// the service may return a structured payload or a pre-serialized string.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Terminal reports whether the status will never change again.
func (p *Prediction) Terminal() bool {
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalSubmits    uint64        `json:"total_submits"`
	TotalPolls      uint64        `json:"total_polls"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// Client is the HTTP client for the external prediction service.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	semaphore  chan struct{} // Bounds in-flight external calls

	totalSubmits    uint64
	totalPolls      uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// NewClient creates a prediction service client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIToken == "" {
		return nil, fmt.Errorf("API token cannot be empty")
	}

	if config.ModelVersion == "" {
		return nil, fmt.Errorf("model version cannot be empty")
	}

	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: config.SubmitTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Submit creates a prediction job. The service may complete synchronously,
// in which case the returned prediction is already terminal.
func (c *Client) Submit(ctx context.Context, input Input) (*Prediction, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	c.totalSubmits++
	c.mu.Unlock()

	body, err := json.Marshal(submitRequest{
		Version: c.config.ModelVersion,
		Input:   input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	startTime := time.Now()
	pred, err := c.do(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	c.record(err == nil, time.Since(startTime))
	if err != nil {
		return nil, fmt.Errorf("prediction submit failed: %w", err)
	}
	return pred, nil
}

// Poll fetches the current state of a prediction job. A non-success HTTP
// status is returned as an error; the dispatcher treats it as transient.
func (c *Client) Poll(ctx context.Context, pred *Prediction) (*Prediction, error) {
	c.mu.Lock()
	c.totalPolls++
	c.mu.Unlock()

	url := pred.URLs.Get
	if url == "" {
		url = strings.TrimRight(c.config.Endpoint, "/") + "/" + pred.ID
	}

	startTime := time.Now()
	next, err := c.do(ctx, http.MethodGet, url, nil)
	c.record(err == nil, time.Since(startTime))
	if err != nil {
		return nil, fmt.Errorf("prediction poll failed: %w", err)
	}
	return next, nil
}

// do performs one authenticated request and decodes the prediction body.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (*Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "voice-relay/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var pred Prediction
	if err := json.Unmarshal(respBody, &pred); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &pred, nil
}

func (c *Client) record(success bool, responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.successRequests++
	} else {
		c.failedRequests++
	}

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalSubmits:    c.totalSubmits,
		TotalPolls:      c.totalPolls,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}
