package domain

import "context"

// AliasIndex durably maps external identifiers to canonical paper ids.
type AliasIndex interface {
	// Resolve returns the canonical id for a normalized alias, or "" when
	// the alias is unknown.
	Resolve(ctx context.Context, a Alias) (string, error)

	// Record upserts aliases for a paper. An alias already pointing at a
	// different paper is left untouched and counted; the returned count is
	// the number of such conflicts.
	Record(ctx context.Context, paperID string, aliases []Alias) (int, error)

	AliasesOf(ctx context.Context, paperID string) ([]AliasRow, error)
}

// AliasRow is a stored alias mapping.
type AliasRow struct {
	Kind      Kind   `db:"kind" json:"kind"`
	Value     string `db:"value" json:"value"`
	PaperID   string `db:"paper_id" json:"paper_id"`
	CreatedAt string `db:"created_at" json:"created_at"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

// GraphStore is the durable paper tier.
type GraphStore interface {
	// GetPaper returns nil, nil when the paper is not stored.
	GetPaper(ctx context.Context, paperID string) (*StoredPaper, error)

	// UpsertPaper merges a record into the store. Only fields present in
	// rec are updated and an existing full status is never downgraded.
	UpsertPaper(ctx context.Context, rec Record, status IngestStatus) error

	// UpsertStubs stores neighbor summaries discovered through relation
	// pages without touching existing full records.
	UpsertStubs(ctx context.Context, recs []Record) error

	// MergeEdges records citation edges between paperID and the items'
	// papers, direction chosen by kind. Edge attributes are last-writer-wins.
	MergeEdges(ctx context.Context, paperID string, kind RelationKind, items []Record) error

	StoreRelationBlob(ctx context.Context, paperID string, kind RelationKind, total int, items []Record) error

	// GetRelationSlice returns nil, nil when no blob is stored.
	GetRelationSlice(ctx context.Context, paperID string, kind RelationKind, offset, limit int) (*RelationSlice, error)

	// GetIngestProgress returns nil, nil when no run was recorded.
	GetIngestProgress(ctx context.Context, paperID string, kind RelationKind) (*IngestProgress, error)
	SetIngestProgress(ctx context.Context, p *IngestProgress) error

	// SearchByTitleNorm serves the optional prefer-local search mode.
	SearchByTitleNorm(ctx context.Context, norm string, limit int) ([]Record, int, error)
}

// Upstream is the typed client surface the orchestrators depend on.
type Upstream interface {
	FetchPaper(ctx context.Context, id string, fields string) (Record, error)

	// FetchBatch preserves input order; unresolvable ids yield nil entries.
	FetchBatch(ctx context.Context, ids []string, fields string) ([]Record, error)

	FetchRelations(ctx context.Context, paperID string, kind RelationKind, offset, limit int, fields string) (*RelationPage, error)

	Search(ctx context.Context, q SearchQuery) (*SearchPage, error)

	// MatchTitle returns the single best title match.
	MatchTitle(ctx context.Context, query string, fields string) (Record, error)
}
