// Package graphstore is the durable tier: paper records, citation edges,
// merged relation blobs and ingestion progress, on PostgreSQL.
package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS papers (
	paper_id                   TEXT PRIMARY KEY,
	corpus_id                  BIGINT,
	title                      TEXT,
	title_norm                 TEXT,
	year                       INT,
	venue                      TEXT,
	citation_count             INT NOT NULL DEFAULT 0,
	reference_count            INT NOT NULL DEFAULT 0,
	influential_citation_count INT NOT NULL DEFAULT 0,
	is_open_access             BOOLEAN,
	ingest_status              TEXT NOT NULL DEFAULT 'stub',
	record                     JSONB NOT NULL DEFAULT '{}'::jsonb,
	fetched_at                 TIMESTAMPTZ,
	metadata_updated_at        TIMESTAMPTZ,
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_papers_title_norm ON papers (title_norm text_pattern_ops);
CREATE INDEX IF NOT EXISTS idx_papers_corpus ON papers (corpus_id);

CREATE TABLE IF NOT EXISTS cites (
	citing_paper_id TEXT NOT NULL,
	cited_paper_id  TEXT NOT NULL,
	is_influential  BOOLEAN NOT NULL DEFAULT false,
	contexts        JSONB,
	intents         JSONB,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (citing_paper_id, cited_paper_id)
);
CREATE INDEX IF NOT EXISTS idx_cites_cited ON cites (cited_paper_id);

CREATE TABLE IF NOT EXISTS relation_blobs (
	paper_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	total      INT NOT NULL,
	item_count INT NOT NULL,
	complete   BOOLEAN NOT NULL DEFAULT false,
	items      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (paper_id, kind)
);

CREATE TABLE IF NOT EXISTS ingest_progress (
	paper_id       TEXT NOT NULL,
	kind           TEXT NOT NULL,
	state          TEXT NOT NULL,
	pages_fetched  INT NOT NULL DEFAULT 0,
	items_merged   INT NOT NULL DEFAULT 0,
	expected_total INT NOT NULL DEFAULT 0,
	truncated      BOOLEAN NOT NULL DEFAULT false,
	error          TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (paper_id, kind)
);
`

// EnsureSchema creates the tables on first start. Statements are
// idempotent so every instance can run it.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure graph schema: %w", err)
	}
	return nil
}
