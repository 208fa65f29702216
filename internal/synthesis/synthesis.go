// Package synthesis implements the default report synthesizer the daemon
// wires into the orchestrator. It is a deterministic, template-based
// transform over its inputs: no model call, no network I/O. A deployment
// wanting LLM-backed prose can swap in its own orchestrator.Synthesizer
// without touching the core pipeline.
package synthesis

import (
	"fmt"
	"strings"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/storage"
)

// maxContextCitations bounds how many historical citations are quoted in
// the answer text, keeping it readable regardless of top-k.
const maxContextCitations = 2

// Synthesize builds a Report from fetched data, retrieved historical
// context, and their citations. It satisfies orchestrator.Synthesizer.
func Synthesize(query string, fetchedData map[string]any, documents []storage.Document, citations []domain.Citation, confidence float64) domain.Report {
	rows, _ := fetchedData["rows"].([]map[string]any)
	metricHeaders := stringSlice(fetchedData["metric_headers"])
	dimensionHeaders := stringSlice(fetchedData["dimension_headers"])

	return domain.Report{
		AnswerText:    answerText(query, rows, metricHeaders, citations),
		Charts:        charts(rows, dimensionHeaders, metricHeaders),
		MetricCards:   metricCards(rows, metricHeaders),
		Citations:     citations,
		Confidence:    confidence,
		SchemaVersion: domain.CurrentReportSchemaVersion,
	}
}

func answerText(query string, rows []map[string]any, metricHeaders []string, citations []domain.Citation) string {
	var b strings.Builder

	if len(rows) == 0 {
		fmt.Fprintf(&b, "I don't have fresh data to answer %q, ", query)
		if len(citations) == 0 {
			b.WriteString("and no sufficiently relevant historical data either.")
			return b.String()
		}
		b.WriteString("so here is what historical data shows instead:")
	} else {
		fmt.Fprintf(&b, "Based on the current data for %q:", query)
	}

	if len(rows) > 0 {
		first := rows[0]
		for _, header := range metricHeaders {
			fmt.Fprintf(&b, "\n- %s: %v", header, first[header])
		}
	}

	if len(citations) > 0 {
		b.WriteString("\n\nHistorical context:")
		for i, c := range citations {
			if i >= maxContextCitations {
				break
			}
			fmt.Fprintf(&b, "\n- %s on %s (similarity %.2f)", c.PropertyID, c.RecordDate.Format("2006-01-02"), c.SimilarityScore)
		}
	}

	return b.String()
}

func metricCards(rows []map[string]any, metricHeaders []string) []domain.MetricCard {
	if len(rows) == 0 {
		return nil
	}
	first := rows[0]
	cards := make([]domain.MetricCard, 0, len(metricHeaders))
	for _, header := range metricHeaders {
		value, ok := numericField(first[header])
		if !ok {
			continue
		}
		cards = append(cards, domain.MetricCard{Label: header, Value: value})
	}
	return cards
}

func charts(rows []map[string]any, dimensionHeaders, metricHeaders []string) []domain.Chart {
	if len(rows) == 0 || len(dimensionHeaders) == 0 || len(metricHeaders) == 0 {
		return nil
	}

	dimension := dimensionHeaders[0]
	points := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		point := map[string]any{dimension: row[dimension]}
		for _, metric := range metricHeaders {
			point[metric] = row[metric]
		}
		points = append(points, point)
	}

	return []domain.Chart{{
		Type: "line",
		Spec: map[string]any{
			"x_field":  dimension,
			"y_fields": metricHeaders,
			"points":   points,
		},
	}}
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func numericField(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case int:
		return float64(vv), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(vv, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
