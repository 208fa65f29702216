package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/orbiq/internal/circuitbreaker"
	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/storage"
	"github.com/oriys/orbiq/internal/tenant"
)

type fakeAnalytics struct {
	result map[string]any
	err    error
}

func (f *fakeAnalytics) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type fakeRepository struct {
	documents []storage.Document
	citations []domain.Citation
	err       error
	stored    int
}

func (f *fakeRepository) TopKSimilar(ctx context.Context, scope domain.FilterScope, embedding []float32, k int, minSimilarity float64) ([]storage.Document, []domain.Citation, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.documents, f.citations, nil
}

func (f *fakeRepository) StoreFetchedMetrics(ctx context.Context, scope domain.FilterScope, recordID, propertyID string, recordDate time.Time, rawValues map[string]any) error {
	f.stored++
	return nil
}

func (f *fakeRepository) StoreEmbeddingRecord(ctx context.Context, scope domain.FilterScope, recordID, propertyID, sourceText string, embedding []float32, schemaVersion int) error {
	f.stored++
	return nil
}

type fakeCache struct {
	reports map[string]domain.Report
}

func newFakeCache() *fakeCache { return &fakeCache{reports: make(map[string]domain.Report)} }

func (f *fakeCache) Get(ctx context.Context, key string) (domain.Report, bool, error) {
	r, ok := f.reports[key]
	return r, ok, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, report domain.Report) error {
	f.reports[key] = report
	return nil
}

func staticSynthesizer(answer string) Synthesizer {
	return func(query string, fetchedData map[string]any, documents []storage.Document, citations []domain.Citation, confidence float64) domain.Report {
		return domain.Report{
			AnswerText: answer,
			Citations:  citations,
			Confidence: confidence,
		}
	}
}

func newGateWithMembership(tenantID, userID string, role domain.Role) *tenant.Gate {
	store := tenant.NewInMemoryMemberships(domain.TenantMembership{
		UserID:     userID,
		TenantID:   tenantID,
		Role:       role,
		AcceptedAt: time.Now(),
	})
	return tenant.NewGate(store)
}

func testRequest(tenantID, userID string) Request {
	return Request{
		Principal:  domain.Principal{UserID: userID},
		TenantID:   tenantID,
		QueryID:    "q1",
		Query:      "how many sessions last week",
		PropertyID: "p1",
	}
}

func TestRunUnauthorizedEmitsErrorAndStops(t *testing.T) {
	gate := tenant.NewGate(tenant.NewInMemoryMemberships())
	o := New(DefaultConfig(), gate, circuitbreaker.NewRegistry(circuitbreaker.Config{}),
		&fakeAnalytics{}, &fakeEmbedder{}, &fakeRepository{}, nil, staticSynthesizer("x"))

	var events []Event
	o.Run(context.Background(), testRequest("t1", "u1"), func(e Event) { events = append(events, e) })

	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("expected a single Error event, got %+v", events)
	}
}

func TestRunHappyPathEmitsResult(t *testing.T) {
	gate := newGateWithMembership("t1", "u1", domain.RoleMember)
	analytics := &fakeAnalytics{result: map[string]any{"rows": []map[string]any{{"sessions": 42}}}}
	embedder := &fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}
	repo := &fakeRepository{
		documents: []storage.Document{{RecordID: "r1"}},
		citations: []domain.Citation{{SourceRecordID: "r1", SimilarityScore: 0.9}},
	}

	o := New(DefaultConfig(), gate, circuitbreaker.NewRegistry(circuitbreaker.Config{}),
		analytics, embedder, repo, nil, staticSynthesizer("answer"))
	// Run persistence synchronously so the assertion below is deterministic.
	o.persistFunc = func(fn func()) { fn() }

	var events []Event
	o.Run(context.Background(), testRequest("t1", "u1"), func(e Event) { events = append(events, e) })

	last := events[len(events)-1]
	if last.Kind != EventResult {
		t.Fatalf("expected the final event to be Result, got %s", last.Kind)
	}
	if last.Report == nil || last.Report.AnswerText != "answer" {
		t.Fatalf("expected the synthesized report to be returned, got %+v", last.Report)
	}
	if repo.stored == 0 {
		t.Fatal("expected fresh-data persistence to have been scheduled")
	}
}

func TestRunFetchFailureWithHighConfidenceDegradesGracefully(t *testing.T) {
	gate := newGateWithMembership("t1", "u1", domain.RoleMember)
	analytics := &fakeAnalytics{err: errors.New("upstream down")}
	embedder := &fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}
	repo := &fakeRepository{
		citations: []domain.Citation{{SourceRecordID: "r1", SimilarityScore: 0.95}},
	}

	o := New(DefaultConfig(), gate, circuitbreaker.NewRegistry(circuitbreaker.Config{}),
		analytics, embedder, repo, nil, staticSynthesizer("answer"))

	var events []Event
	o.Run(context.Background(), testRequest("t1", "u1"), func(e Event) { events = append(events, e) })

	var sawWarning bool
	var result *Event
	for i, e := range events {
		if e.Kind == EventWarning {
			sawWarning = true
		}
		if e.Kind == EventResult {
			result = &events[i]
		}
	}
	if !sawWarning || result == nil {
		t.Fatalf("expected a warning then a result on high-confidence degradation, got %+v", events)
	}
	if dataSource := result.Metadata["data_source"]; dataSource != "cached" {
		t.Fatalf("expected data_source=cached when serving degraded historical data, got %v", dataSource)
	}
}

func TestRunFetchFailureWithLowConfidenceEmitsError(t *testing.T) {
	gate := newGateWithMembership("t1", "u1", domain.RoleMember)
	analytics := &fakeAnalytics{err: errors.New("upstream down")}
	embedder := &fakeEmbedder{err: errors.New("embed down")}
	repo := &fakeRepository{}

	o := New(DefaultConfig(), gate, circuitbreaker.NewRegistry(circuitbreaker.Config{}),
		analytics, embedder, repo, nil, staticSynthesizer("answer"))

	var events []Event
	o.Run(context.Background(), testRequest("t1", "u1"), func(e Event) { events = append(events, e) })

	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Fatalf("expected the stream to end in Error, got %s", last.Kind)
	}
}

func TestRunCacheFastPathShortCircuits(t *testing.T) {
	gate := newGateWithMembership("t1", "u1", domain.RoleMember)
	reportCache := newFakeCache()
	key := reportCacheKey("t1", "how many sessions last week", "p1")
	reportCache.reports[key] = domain.Report{AnswerText: "cached answer"}

	analytics := &fakeAnalytics{err: errors.New("should not be called")}
	o := New(DefaultConfig(), gate, circuitbreaker.NewRegistry(circuitbreaker.Config{}),
		analytics, &fakeEmbedder{}, &fakeRepository{}, reportCache, staticSynthesizer("x"))

	var events []Event
	o.Run(context.Background(), testRequest("t1", "u1"), func(e Event) { events = append(events, e) })

	var sawCachedResult bool
	for _, e := range events {
		if e.Kind == EventResult && e.Cached {
			sawCachedResult = true
		}
	}
	if !sawCachedResult {
		t.Fatalf("expected a cached Result event, got %+v", events)
	}
}

func TestRunShutdownInterleaveStopsCleanly(t *testing.T) {
	gate := newGateWithMembership("t1", "u1", domain.RoleMember)
	o := New(DefaultConfig(), gate, circuitbreaker.NewRegistry(circuitbreaker.Config{}),
		&fakeAnalytics{result: map[string]any{}}, &fakeEmbedder{vector: []float32{0.1}}, &fakeRepository{}, nil, staticSynthesizer("x"))

	signal := make(chan domain.ShutdownNotice, 1)
	signal <- domain.ShutdownNotice{Message: "bye", ReconnectDelaySeconds: 5}

	req := testRequest("t1", "u1")
	req.ShutdownSignal = signal

	var events []Event
	o.Run(context.Background(), req, func(e Event) { events = append(events, e) })

	last := events[len(events)-1]
	if last.Kind != EventShutdown {
		t.Fatalf("expected the stream to end in Shutdown, got %s", last.Kind)
	}
}

func TestStatusLabelThresholds(t *testing.T) {
	cases := []struct {
		avg   float64
		label string
	}{
		{0.9, "high_confidence"},
		{0.75, "medium_confidence"},
		{0.6, "low_confidence"},
		{0.1, "no_relevant_context"},
	}
	for _, c := range cases {
		if got := statusLabel(c.avg); got != c.label {
			t.Errorf("statusLabel(%v) = %s, want %s", c.avg, got, c.label)
		}
	}
}
