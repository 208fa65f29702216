package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/queue"
)

// EmbeddingConfig configures the embedding-service client.
type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// ExpectedDimension, when non-zero, is checked against every response;
	// a mismatch is a validation failure (spec's embedding-dimension rule).
	ExpectedDimension int
}

// EmbeddingClient calls the embedding service that turns text into
// fixed-dimension vectors.
type EmbeddingClient struct {
	cfg    EmbeddingConfig
	client *http.Client
}

// NewEmbeddingClient creates an EmbeddingClient.
func NewEmbeddingClient(cfg EmbeddingConfig) *EmbeddingClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &EmbeddingClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type embedRequest struct {
	Inputs []string `json:"inputs"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// Invoke satisfies internal/queue.Endpoint. params["texts"] must be a
// []string (or []any of strings); the result carries "vectors" as [][]float32.
func (c *EmbeddingClient) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	texts := stringSliceParam(params, "texts")
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: at least one text input is required", domain.ErrValidationFailure)
	}

	vectors, err := c.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"vectors": vectors}, nil
}

// Embed is the typed entry point the orchestrator uses directly for the
// single-query embedding call in the fetch∥embed step.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *EmbeddingClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Inputs: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: encode embed request: %v", domain.ErrValidationFailure, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build embed request: %v", domain.ErrUpstreamTransient, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: embed request: %v", domain.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &queue.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: embedding auth rejected", domain.ErrAuthenticationFailure)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: invalid embed request: %d", domain.ErrValidationFailure, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: embedding upstream %d", domain.ErrUpstreamTransient, resp.StatusCode)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode embed response: %v", domain.ErrUpstreamTransient, err)
	}
	if len(decoded.Vectors) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", domain.ErrValidationFailure, len(texts), len(decoded.Vectors))
	}
	dimension := c.cfg.ExpectedDimension
	for _, v := range decoded.Vectors {
		if dimension == 0 {
			dimension = len(v)
		}
		if len(v) != dimension || isZeroOrNaN(v) {
			return nil, fmt.Errorf("%w: embedding dimension mismatch or invalid vector", domain.ErrValidationFailure)
		}
	}
	return decoded.Vectors, nil
}

func isZeroOrNaN(v []float32) bool {
	allZero := true
	for _, f := range v {
		if f != f { // NaN
			return true
		}
		if f != 0 {
			allZero = false
		}
	}
	return allZero
}
