package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"github.com/tyqqj0/Paper-Parser/internal/alias"
	"github.com/tyqqj0/Paper-Parser/internal/domain"
)

// Store implements domain.GraphStore on PostgreSQL. Relation blobs are
// zstd-compressed JSON arrays; everything else is plain columns plus a JSONB
// superset record.
type Store struct {
	db  *pgxpool.Pool
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func New(db *pgxpool.Pool) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

func (s *Store) GetPaper(ctx context.Context, paperID string) (*domain.StoredPaper, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		recJSON []byte
		status  string
		fetched *time.Time
		updated *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT record, ingest_status, fetched_at, metadata_updated_at
		 FROM papers WHERE paper_id = $1`, paperID).
		Scan(&recJSON, &status, &fetched, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get paper %s: %w", paperID, err)
	}

	var rec domain.Record
	if err := json.Unmarshal(recJSON, &rec); err != nil {
		return nil, fmt.Errorf("decode paper %s record: %w", paperID, err)
	}
	p := &domain.StoredPaper{Record: rec, IngestStatus: domain.IngestStatus(status)}
	if fetched != nil {
		p.FetchedAt = *fetched
	}
	if updated != nil {
		p.MetadataUpdatedAt = *updated
	}
	return p, nil
}

// upsertQuery merges one record into papers. A full fetch overwrites what it
// brings and advances the timestamps; a stub only fills gaps and an existing
// full row is never downgraded.
const upsertQuery = `
INSERT INTO papers (paper_id, corpus_id, title, title_norm, year, venue,
	citation_count, reference_count, influential_citation_count,
	is_open_access, ingest_status, record, fetched_at, metadata_updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
	CASE WHEN $11 = 'full' THEN now() END,
	CASE WHEN $11 = 'full' THEN now() END)
ON CONFLICT (paper_id) DO UPDATE SET
	corpus_id  = COALESCE(EXCLUDED.corpus_id, papers.corpus_id),
	title      = COALESCE(EXCLUDED.title, papers.title),
	title_norm = COALESCE(EXCLUDED.title_norm, papers.title_norm),
	year       = COALESCE(EXCLUDED.year, papers.year),
	venue      = COALESCE(EXCLUDED.venue, papers.venue),
	citation_count = CASE WHEN EXCLUDED.ingest_status = 'full'
		THEN EXCLUDED.citation_count
		ELSE GREATEST(papers.citation_count, EXCLUDED.citation_count) END,
	reference_count = CASE WHEN EXCLUDED.ingest_status = 'full'
		THEN EXCLUDED.reference_count
		ELSE GREATEST(papers.reference_count, EXCLUDED.reference_count) END,
	influential_citation_count = CASE WHEN EXCLUDED.ingest_status = 'full'
		THEN EXCLUDED.influential_citation_count
		ELSE GREATEST(papers.influential_citation_count, EXCLUDED.influential_citation_count) END,
	is_open_access = COALESCE(EXCLUDED.is_open_access, papers.is_open_access),
	ingest_status = CASE WHEN papers.ingest_status = 'full' OR EXCLUDED.ingest_status = 'full'
		THEN 'full' ELSE 'stub' END,
	record = CASE WHEN EXCLUDED.ingest_status = 'full'
		THEN papers.record || EXCLUDED.record
		ELSE EXCLUDED.record || papers.record END,
	fetched_at = CASE WHEN EXCLUDED.ingest_status = 'full'
		THEN now() ELSE papers.fetched_at END,
	metadata_updated_at = CASE WHEN EXCLUDED.ingest_status = 'full'
		THEN now() ELSE papers.metadata_updated_at END
`

func upsertArgs(rec domain.Record, status domain.IngestStatus) ([]any, error) {
	id := rec.PaperID()
	if id == "" {
		return nil, fmt.Errorf("record has no paperId")
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", id, err)
	}
	var titleNorm any
	title, hasTitle := rec.Str("title")
	if hasTitle && title != "" {
		titleNorm = alias.TitleNorm(title)
	}
	return []any{
		id,
		nullableInt(rec, "corpusId"),
		nullableStr(rec, "title"),
		titleNorm,
		nullableInt(rec, "year"),
		nullableStr(rec, "venue"),
		rec.CitationCount(),
		rec.ReferenceCount(),
		intOrZero(rec, "influentialCitationCount"),
		nullableBool(rec, "isOpenAccess"),
		string(status),
		recJSON,
	}, nil
}

func (s *Store) UpsertPaper(ctx context.Context, rec domain.Record, status domain.IngestStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args, err := upsertArgs(rec, status)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertQuery, args...); err != nil {
		return fmt.Errorf("upsert paper %s: %w", rec.PaperID(), err)
	}
	return nil
}

func (s *Store) UpsertStubs(ctx context.Context, recs []domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, rec := range recs {
		if rec.PaperID() == "" {
			continue
		}
		args, err := upsertArgs(rec, domain.IngestStub)
		if err != nil {
			return err
		}
		batch.Queue(upsertQuery, args...)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %d stubs: %w", batch.Len(), err)
	}
	return nil
}

const mergeEdgeQuery = `
INSERT INTO cites (citing_paper_id, cited_paper_id, is_influential, contexts, intents)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (citing_paper_id, cited_paper_id) DO UPDATE SET
	is_influential = EXCLUDED.is_influential,
	contexts   = COALESCE(EXCLUDED.contexts, cites.contexts),
	intents    = COALESCE(EXCLUDED.intents, cites.intents),
	updated_at = now()
`

// MergeEdges records one edge per (citing, cited) pair. Citation items cite
// paperID; reference items are cited by it. Re-merging a pair overwrites the
// edge attributes with the latest page's.
func (s *Store) MergeEdges(ctx context.Context, paperID string, kind domain.RelationKind, items []domain.Record) error {
	if len(items) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, it := range items {
		neighbor := it.PaperID()
		if neighbor == "" || neighbor == paperID {
			continue
		}
		citing, cited := neighbor, paperID
		if kind == domain.RelationReferences {
			citing, cited = paperID, neighbor
		}
		influential, _ := it["isInfluential"].(bool)
		batch.Queue(mergeEdgeQuery, citing, cited, influential,
			jsonOrNil(it["contexts"]), jsonOrNil(it["intents"]))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("merge %d %s edges for %s: %w", batch.Len(), kind, paperID, err)
	}
	return nil
}

func (s *Store) StoreRelationBlob(ctx context.Context, paperID string, kind domain.RelationKind, total int, items []domain.Record) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s blob for %s: %w", kind, paperID, err)
	}
	compressed := s.enc.EncodeAll(raw, nil)

	_, err = s.db.Exec(ctx, `
		INSERT INTO relation_blobs (paper_id, kind, total, item_count, complete, items, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (paper_id, kind) DO UPDATE SET
			total = EXCLUDED.total,
			item_count = EXCLUDED.item_count,
			complete = EXCLUDED.complete,
			items = EXCLUDED.items,
			updated_at = now()`,
		paperID, kind, total, len(items), len(items) >= total, compressed)
	if err != nil {
		return fmt.Errorf("store %s blob for %s: %w", kind, paperID, err)
	}
	return nil
}

func (s *Store) GetRelationSlice(ctx context.Context, paperID string, kind domain.RelationKind, offset, limit int) (*domain.RelationSlice, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		sl         domain.RelationSlice
		compressed []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT total, item_count, complete, items, updated_at
		 FROM relation_blobs WHERE paper_id = $1 AND kind = $2`, paperID, kind).
		Scan(&sl.Total, &sl.ItemCount, &sl.Complete, &compressed, &sl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s blob for %s: %w", kind, paperID, err)
	}

	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s blob for %s: %w", kind, paperID, err)
	}
	var items []domain.Record
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s blob for %s: %w", kind, paperID, err)
	}

	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	sl.Items = items[offset:end]
	return &sl, nil
}

func (s *Store) GetIngestProgress(ctx context.Context, paperID string, kind domain.RelationKind) (*domain.IngestProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p := &domain.IngestProgress{PaperID: paperID, Kind: kind}
	var state string
	err := s.db.QueryRow(ctx,
		`SELECT state, pages_fetched, items_merged, expected_total, truncated, error, updated_at
		 FROM ingest_progress WHERE paper_id = $1 AND kind = $2`, paperID, kind).
		Scan(&state, &p.PagesFetched, &p.ItemsMerged, &p.ExpectedTotal, &p.Truncated, &p.Error, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s ingest progress for %s: %w", kind, paperID, err)
	}
	p.State = domain.IngestState(state)
	return p, nil
}

func (s *Store) SetIngestProgress(ctx context.Context, p *domain.IngestProgress) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO ingest_progress (paper_id, kind, state, pages_fetched, items_merged, expected_total, truncated, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (paper_id, kind) DO UPDATE SET
			state = EXCLUDED.state,
			pages_fetched = EXCLUDED.pages_fetched,
			items_merged = EXCLUDED.items_merged,
			expected_total = EXCLUDED.expected_total,
			truncated = EXCLUDED.truncated,
			error = EXCLUDED.error,
			updated_at = now()`,
		p.PaperID, p.Kind, p.State, p.PagesFetched, p.ItemsMerged, p.ExpectedTotal, p.Truncated, p.Error)
	if err != nil {
		return fmt.Errorf("set %s ingest progress for %s: %w", p.Kind, p.PaperID, err)
	}
	return nil
}

// SearchByTitleNorm serves the optional prefer-local search mode with a
// title-prefix match over fully fetched papers, most cited first.
func (s *Store) SearchByTitleNorm(ctx context.Context, norm string, limit int) ([]domain.Record, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if norm == "" {
		return nil, 0, nil
	}
	var total int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM papers
		 WHERE title_norm LIKE $1 || '%' AND ingest_status = 'full'`, norm).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count title matches: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT record FROM papers
		 WHERE title_norm LIKE $1 || '%' AND ingest_status = 'full'
		 ORDER BY citation_count DESC LIMIT $2`, norm, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("search title matches: %w", err)
	}
	defer rows.Close()

	var recs []domain.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, fmt.Errorf("scan title match: %w", err)
		}
		var rec domain.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, 0, fmt.Errorf("decode title match: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

// Ping reports store reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func nullableStr(rec domain.Record, key string) any {
	if v, ok := rec.Str(key); ok && v != "" {
		return v
	}
	return nil
}

func nullableInt(rec domain.Record, key string) any {
	if v, ok := rec.Int(key); ok {
		return v
	}
	return nil
}

func intOrZero(rec domain.Record, key string) int {
	v, _ := rec.Int(key)
	return v
}

func nullableBool(rec domain.Record, key string) any {
	if v, ok := rec[key].(bool); ok {
		return v
	}
	return nil
}

func jsonOrNil(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
