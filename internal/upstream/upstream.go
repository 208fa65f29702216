// Package upstream implements the fallible RPC clients the orchestrator
// calls through the executor: the analytics-fetch API and the embedding
// service. Both satisfy internal/queue's Endpoint interface so they can be
// dispatched through the request queue, and both are thin enough to be
// wrapped directly as pipeline.Worker functions for the parallel fetch∥embed
// step.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/queue"
)

// AnalyticsConfig configures the upstream analytics API client.
type AnalyticsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// AnalyticsClient calls the upstream web-traffic analytics API.
type AnalyticsClient struct {
	cfg    AnalyticsConfig
	client *http.Client
}

// NewAnalyticsClient creates an AnalyticsClient with sane request timeouts.
func NewAnalyticsClient(cfg AnalyticsConfig) *AnalyticsClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &AnalyticsClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// analyticsRequest mirrors the upstream's documented request shape.
type analyticsRequest struct {
	PropertyID string   `json:"property_id"`
	DateRange  string   `json:"date_range,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
	Metrics    []string `json:"metrics,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Offset     int      `json:"offset,omitempty"`
}

// analyticsResponse mirrors the upstream's documented response shape.
type analyticsResponse struct {
	Rows             []map[string]any `json:"rows"`
	DimensionHeaders []string         `json:"dimension_headers"`
	MetricHeaders    []string         `json:"metric_headers"`
	CacheHit         bool             `json:"cache_hit"`
}

// ErrDailyQuotaExhausted signals the upstream's daily quota is spent; unlike
// a transient rate limit this is not retried by the worker.
var ErrDailyQuotaExhausted = fmt.Errorf("%w: daily quota exhausted", domain.ErrUpstreamQuotaExhausted)

// Invoke satisfies internal/queue.Endpoint. params must contain the keys of
// analyticsRequest (property_id required, the rest optional).
func (c *AnalyticsClient) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	req := analyticsRequest{
		PropertyID: stringParam(params, "property_id"),
		DateRange:  stringParam(params, "date_range"),
		Dimensions: stringSliceParam(params, "dimensions"),
		Metrics:    stringSliceParam(params, "metrics"),
		Limit:      intParam(params, "limit"),
		Offset:     intParam(params, "offset"),
	}
	if req.PropertyID == "" {
		return nil, fmt.Errorf("%w: property_id is required", domain.ErrValidationFailure)
	}

	resp, err := c.doFetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"rows":              resp.Rows,
		"dimension_headers": resp.DimensionHeaders,
		"metric_headers":    resp.MetricHeaders,
		"cache_hit":         resp.CacheHit,
	}, nil
}

// Worker adapts Invoke into a pipeline.Worker function for the orchestrator's
// direct fetch∥embed parallel step, bypassing the queue.
func (c *AnalyticsClient) Worker(params map[string]any) func(ctx context.Context) (map[string]any, error) {
	return func(ctx context.Context) (map[string]any, error) {
		return c.Invoke(ctx, params)
	}
}

func (c *AnalyticsClient) doFetch(ctx context.Context, req analyticsRequest) (*analyticsResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode analytics request: %v", domain.ErrValidationFailure, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build analytics request: %v", domain.ErrUpstreamTransient, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: analytics request: %v", domain.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &queue.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusPaymentRequired || resp.Header.Get("X-Quota-Exhausted") == "true":
		return nil, ErrDailyQuotaExhausted
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: analytics auth rejected", domain.ErrAuthenticationFailure)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: invalid property or request: %d", domain.ErrValidationFailure, resp.StatusCode)
	case resp.StatusCode >= 500:
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: analytics upstream %d: %s", domain.ErrUpstreamTransient, resp.StatusCode, string(payload))
	}

	var decoded analyticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode analytics response: %v", domain.ErrUpstreamTransient, err)
	}
	return &decoded, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := time.ParseDuration(h + "s"); err == nil {
			return secs
		}
	}
	return 0
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]string)
	if ok {
		return raw
	}
	if anySlice, ok := params[key].([]any); ok {
		out := make([]string, 0, len(anySlice))
		for _, v := range anySlice {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
