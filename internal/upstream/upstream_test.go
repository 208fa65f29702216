package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/queue"
)

func TestAnalyticsClientInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(analyticsResponse{
			Rows:             []map[string]any{{"sessions": 100}},
			DimensionHeaders: []string{"date"},
			MetricHeaders:    []string{"sessions"},
		})
	}))
	defer srv.Close()

	c := NewAnalyticsClient(AnalyticsConfig{BaseURL: srv.URL})
	result, err := c.Invoke(context.Background(), map[string]any{"property_id": "p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["rows"] == nil {
		t.Fatal("expected rows in result")
	}
}

func TestAnalyticsClientMissingPropertyID(t *testing.T) {
	c := NewAnalyticsClient(AnalyticsConfig{BaseURL: "http://unused"})
	if _, err := c.Invoke(context.Background(), map[string]any{}); !errors.Is(err, domain.ErrValidationFailure) {
		t.Fatalf("expected ErrValidationFailure, got %v", err)
	}
}

func TestAnalyticsClientRateLimitedReturnsRetryableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewAnalyticsClient(AnalyticsConfig{BaseURL: srv.URL})
	_, err := c.Invoke(context.Background(), map[string]any{"property_id": "p1"})

	var rle *queue.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected a *queue.RateLimitedError, got %v", err)
	}
}

func TestAnalyticsClientQuotaExhaustedIsNotRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Quota-Exhausted", "true")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewAnalyticsClient(AnalyticsConfig{BaseURL: srv.URL})
	_, err := c.Invoke(context.Background(), map[string]any{"property_id": "p1"})

	var rle *queue.RateLimitedError
	if errors.As(err, &rle) {
		t.Fatal("quota exhaustion must not be treated as a retryable rate limit")
	}
	if !errors.Is(err, domain.ErrUpstreamQuotaExhausted) {
		t.Fatalf("expected ErrUpstreamQuotaExhausted, got %v", err)
	}
}

func TestEmbeddingClientDimensionMismatchIsValidationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{0.1, 0.2}}})
	}))
	defer srv.Close()

	c := NewEmbeddingClient(EmbeddingConfig{BaseURL: srv.URL, ExpectedDimension: 3})
	_, err := c.Embed(context.Background(), "hello")
	if !errors.Is(err, domain.ErrValidationFailure) {
		t.Fatalf("expected ErrValidationFailure for dimension mismatch, got %v", err)
	}
}

func TestEmbeddingClientZeroVectorIsValidationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{0, 0, 0}}})
	}))
	defer srv.Close()

	c := NewEmbeddingClient(EmbeddingConfig{BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), "hello")
	if !errors.Is(err, domain.ErrValidationFailure) {
		t.Fatalf("expected ErrValidationFailure for a zero vector, got %v", err)
	}
}

func TestEmbeddingClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	c := NewEmbeddingClient(EmbeddingConfig{BaseURL: srv.URL})
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3-dimensional vector, got %d", len(vec))
	}
}
