// Package opa provides a policy.Evaluator backed by the Open Policy Agent
// data API.
package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/domain/policy"
	policyport "github.com/Strob0t/agentwire/internal/port/policy"
	"github.com/Strob0t/agentwire/internal/resilience"
)

// ErrUndefined is returned when OPA has no document at the requested path.
var ErrUndefined = errors.New("opa: policy result undefined")

// Client evaluates wire policies through POST /v1/data/<path>.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// Compile-time interface check.
var _ policyport.Evaluator = (*Client)(nil)

// NewClient creates a client for the OPA server at baseURL. Every
// evaluation is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: awotel.HTTPClient(&http.Client{Timeout: timeout}),
	}
}

// SetBreaker attaches a circuit breaker to all evaluations.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type dataRequest struct {
	Input policy.Input `json:"input"`
}

type dataResponse struct {
	Result *policy.Decision `json:"result"`
}

// Evaluate asks OPA for the decision document at path.
func (c *Client) Evaluate(ctx context.Context, path string, in policy.Input) (policy.Decision, error) {
	body, err := json.Marshal(dataRequest{Input: in})
	if err != nil {
		return policy.Decision{}, fmt.Errorf("marshal opa input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var decision policy.Decision
	call := func(ctx context.Context) error {
		data, err := c.post(ctx, "/v1/data/"+strings.Trim(path, "/"), body)
		if err != nil {
			return err
		}
		var resp dataResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("unmarshal opa result: %w", err)
		}
		if resp.Result == nil {
			return fmt.Errorf("%s: %w", path, ErrUndefined)
		}
		decision = *resp.Result
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return policy.Decision{}, fmt.Errorf("opa evaluate %s: %w", path, err)
	}
	return decision, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("opa returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// Health reports whether the OPA server answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("opa health: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opa health: status %d", resp.StatusCode)
	}
	return nil
}
