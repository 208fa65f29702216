package synthesis

import (
	"testing"
	"time"

	"github.com/oriys/orbiq/internal/domain"
)

func TestSynthesizeWithFreshData(t *testing.T) {
	fetched := map[string]any{
		"dimension_headers": []string{"date"},
		"metric_headers":    []string{"sessions", "conversions"},
		"rows": []map[string]any{
			{"date": "20260101", "sessions": 120.0, "conversions": 8.0},
			{"date": "20260102", "sessions": 140.0, "conversions": 9.0},
		},
	}
	citations := []domain.Citation{
		{PropertyID: "p1", RecordDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), SimilarityScore: 0.91},
	}

	report := Synthesize("how are sessions trending", fetched, nil, citations, 0.9)

	if report.AnswerText == "" {
		t.Fatal("expected non-empty answer text for fresh data")
	}
	if len(report.MetricCards) != 2 {
		t.Fatalf("expected 2 metric cards, got %d", len(report.MetricCards))
	}
	if report.MetricCards[0].Label != "sessions" || report.MetricCards[0].Value != 120.0 {
		t.Fatalf("unexpected first metric card: %+v", report.MetricCards[0])
	}
	if len(report.Charts) != 1 {
		t.Fatalf("expected 1 chart, got %d", len(report.Charts))
	}
	if report.Charts[0].Type != "line" {
		t.Fatalf("expected a line chart, got %q", report.Charts[0].Type)
	}
	if report.Confidence != 0.9 {
		t.Fatalf("expected confidence to pass through unchanged, got %v", report.Confidence)
	}
	if report.SchemaVersion != domain.CurrentReportSchemaVersion {
		t.Fatalf("expected current schema version, got %d", report.SchemaVersion)
	}
}

func TestSynthesizeFallsBackToHistoricalContext(t *testing.T) {
	citations := []domain.Citation{
		{PropertyID: "p1", RecordDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), SimilarityScore: 0.8},
		{PropertyID: "p1", RecordDate: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), SimilarityScore: 0.75},
	}

	report := Synthesize("how are sessions trending", map[string]any{}, nil, citations, 0.77)

	if report.MetricCards != nil {
		t.Fatalf("expected no metric cards without fresh rows, got %+v", report.MetricCards)
	}
	if report.Charts != nil {
		t.Fatalf("expected no charts without fresh rows, got %+v", report.Charts)
	}
	if report.AnswerText == "" {
		t.Fatal("expected an answer built from historical context")
	}
}

func TestSynthesizeWithNoDataAtAll(t *testing.T) {
	report := Synthesize("how are sessions trending", map[string]any{}, nil, nil, 0)

	if report.AnswerText == "" {
		t.Fatal("expected a fallback answer even with no data")
	}
	if report.MetricCards != nil || report.Charts != nil || report.Citations != nil {
		t.Fatal("expected empty report payload when nothing was retrieved")
	}
}
