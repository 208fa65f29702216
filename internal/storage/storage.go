// Package storage implements the repository adapters backing the
// orchestrator's tenant-filtered relational and vector-similarity queries.
// Every tenant-partitioned read and write accepts a bound FilterScope and
// refuses to execute without one (Membership, which runs before a scope
// exists, takes the user and tenant directly); the core never post-filters
// results itself.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/tenant"
)

// Document is one tenant-scoped record returned by a similarity search,
// paired with the similarity score that produced it.
type Document struct {
	RecordID        string
	PropertyID      string
	RecordDate      time.Time
	RawValues       map[string]any
	SimilarityScore float64
}

// Repository is the pgx-backed implementation of the data-plane query
// surface the orchestrator and tenant gate depend on.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository opens a connection pool against dsn and ensures the schema
// this service depends on exists.
func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: create postgres pool: %w", err)
	}

	r := &Repository{pool: pool}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

func (r *Repository) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS memberships (
			user_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			role TEXT NOT NULL,
			accepted_at TIMESTAMPTZ,
			PRIMARY KEY (user_id, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS fetched_metric_records (
			record_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			property_id TEXT NOT NULL,
			record_date TIMESTAMPTZ NOT NULL,
			raw_values JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetched_metric_records_tenant ON fetched_metric_records(tenant_id, property_id)`,
		`CREATE TABLE IF NOT EXISTS embedding_records (
			record_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			property_id TEXT NOT NULL,
			record_date TIMESTAMPTZ NOT NULL,
			source_text TEXT NOT NULL,
			embedding vector(1536) NOT NULL,
			schema_version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embedding_records_tenant ON embedding_records(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS cached_reports (
			tenant_id TEXT NOT NULL,
			query_hash TEXT NOT NULL,
			property_id TEXT NOT NULL,
			report JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, query_hash, property_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: ensure schema: %w", err)
		}
	}
	return nil
}

func requireScope(scope domain.FilterScope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: filter scope not bound", domain.ErrValidationFailure)
	}
	return nil
}

// Membership implements tenant.MembershipStore against the memberships
// table, so a Repository can back the Gate directly in production.
func (r *Repository) Membership(ctx context.Context, userID, tenantID string) (domain.TenantMembership, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, tenant_id, role, accepted_at FROM memberships WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID)

	var m domain.TenantMembership
	var role string
	var acceptedAt *time.Time
	if err := row.Scan(&m.UserID, &m.TenantID, &role, &acceptedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.TenantMembership{}, false, nil
		}
		return domain.TenantMembership{}, false, fmt.Errorf("%w: membership lookup: %v", domain.ErrRepositoryFailure, err)
	}
	m.Role = domain.Role(role)
	if acceptedAt != nil {
		m.AcceptedAt = *acceptedAt
	}
	return m, true, nil
}

var _ tenant.MembershipStore = (*Repository)(nil)

// TopKSimilar performs a pgvector cosine-distance nearest-neighbor search
// scoped to scope.TenantID, returning matches at or above minSimilarity.
func (r *Repository) TopKSimilar(ctx context.Context, scope domain.FilterScope, embedding []float32, k int, minSimilarity float64) ([]Document, []domain.Citation, error) {
	if err := requireScope(scope); err != nil {
		return nil, nil, err
	}

	vec := encodeVector(embedding)
	rows, err := r.pool.Query(ctx,
		`SELECT record_id, property_id, record_date, raw_values, 1 - (embedding <=> $1) AS similarity
		 FROM embedding_records
		 WHERE tenant_id = $2 AND 1 - (embedding <=> $1) >= $3
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		vec, scope.TenantID, minSimilarity, k)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: top_k_similar: %v", domain.ErrRepositoryFailure, err)
	}
	defer rows.Close()

	var docs []Document
	var citations []domain.Citation
	for rows.Next() {
		var d Document
		var rawValues []byte
		if err := rows.Scan(&d.RecordID, &d.PropertyID, &d.RecordDate, &rawValues, &d.SimilarityScore); err != nil {
			return nil, nil, fmt.Errorf("%w: scan top_k_similar row: %v", domain.ErrRepositoryFailure, err)
		}
		if len(rawValues) > 0 {
			if err := json.Unmarshal(rawValues, &d.RawValues); err != nil {
				return nil, nil, fmt.Errorf("%w: decode raw_values: %v", domain.ErrRepositoryFailure, err)
			}
		}
		docs = append(docs, d)
		citations = append(citations, domain.Citation{
			SourceRecordID:  d.RecordID,
			PropertyID:      d.PropertyID,
			RecordDate:      d.RecordDate,
			RawValues:       d.RawValues,
			SimilarityScore: d.SimilarityScore,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: top_k_similar iteration: %v", domain.ErrRepositoryFailure, err)
	}
	return docs, citations, nil
}

// StoreFetchedMetrics persists one fresh analytics-fetch result row under
// scope.TenantID.
func (r *Repository) StoreFetchedMetrics(ctx context.Context, scope domain.FilterScope, recordID, propertyID string, recordDate time.Time, rawValues map[string]any) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	encoded, err := json.Marshal(rawValues)
	if err != nil {
		return fmt.Errorf("%w: encode raw_values: %v", domain.ErrValidationFailure, err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO fetched_metric_records (record_id, tenant_id, property_id, record_date, raw_values)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (record_id) DO UPDATE SET raw_values = EXCLUDED.raw_values`,
		recordID, scope.TenantID, propertyID, recordDate, encoded)
	if err != nil {
		return fmt.Errorf("%w: store_fetched_metrics: %v", domain.ErrRepositoryFailure, err)
	}
	return nil
}

// StoreEmbeddingRecord persists one (re)computed embedding for future
// similarity search. Callers schedule this as a background task; its
// failure must not affect the user-facing pipeline outcome.
func (r *Repository) StoreEmbeddingRecord(ctx context.Context, scope domain.FilterScope, recordID, propertyID, sourceText string, embedding []float32, schemaVersion int) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO embedding_records (record_id, tenant_id, property_id, record_date, source_text, embedding, schema_version)
		 VALUES ($1, $2, $3, NOW(), $4, $5, $6)
		 ON CONFLICT (record_id) DO UPDATE SET embedding = EXCLUDED.embedding, source_text = EXCLUDED.source_text, schema_version = EXCLUDED.schema_version`,
		recordID, scope.TenantID, propertyID, sourceText, encodeVector(embedding), schemaVersion)
	if err != nil {
		return fmt.Errorf("%w: store_embedding_record: %v", domain.ErrRepositoryFailure, err)
	}
	return nil
}

// GetCachedReport returns a previously-synthesized report for (query,
// propertyID) under scope.TenantID, if one exists.
func (r *Repository) GetCachedReport(ctx context.Context, scope domain.FilterScope, queryHash, propertyID string) (domain.Report, bool, error) {
	if err := requireScope(scope); err != nil {
		return domain.Report{}, false, err
	}
	row := r.pool.QueryRow(ctx,
		`SELECT report FROM cached_reports WHERE tenant_id = $1 AND query_hash = $2 AND property_id = $3`,
		scope.TenantID, queryHash, propertyID)

	var encoded []byte
	if err := row.Scan(&encoded); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Report{}, false, nil
		}
		return domain.Report{}, false, fmt.Errorf("%w: get_cached_report: %v", domain.ErrRepositoryFailure, err)
	}
	var report domain.Report
	if err := json.Unmarshal(encoded, &report); err != nil {
		return domain.Report{}, false, fmt.Errorf("%w: decode cached report: %v", domain.ErrRepositoryFailure, err)
	}
	return report, true, nil
}

// StoreCachedReport persists a synthesized report for later cache hits.
func (r *Repository) StoreCachedReport(ctx context.Context, scope domain.FilterScope, queryHash, propertyID string, report domain.Report) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("%w: encode report: %v", domain.ErrValidationFailure, err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO cached_reports (tenant_id, query_hash, property_id, report)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, query_hash, property_id) DO UPDATE SET report = EXCLUDED.report, created_at = NOW()`,
		scope.TenantID, queryHash, propertyID, encoded)
	if err != nil {
		return fmt.Errorf("%w: store_cached_report: %v", domain.ErrRepositoryFailure, err)
	}
	return nil
}

// encodeVector renders a float32 slice in pgvector's textual input format,
// e.g. "[0.1,0.2,0.3]".
func encodeVector(v []float32) string {
	out := make([]byte, 0, len(v)*8+2)
	out = append(out, '[')
	for i, f := range v {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, []byte(fmt.Sprintf("%g", f))...)
	}
	out = append(out, ']')
	return string(out)
}
