// Package ingestor pages large citation and reference lists out of the
// upstream, merges them into one deduplicated blob in the graph store and
// publishes the merged view to the hot cache. Papers below the relation
// threshold never get here; their inline relations are enough.
package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/hotcache"
	"github.com/tyqqj0/Paper-Parser/internal/metrics"
	"github.com/tyqqj0/Paper-Parser/internal/tasks"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

type Config struct {
	PageSize    int
	PageCap     int // runs hitting it are marked complete but truncated
	LockTTL     time.Duration
	RelationTTL time.Duration
	TaskTTL     time.Duration
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.PageCap <= 0 {
		c.PageCap = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.RelationTTL <= 0 {
		c.RelationTTL = time.Hour
	}
	if c.TaskTTL <= 0 {
		c.TaskTTL = 10 * time.Minute
	}
}

type Ingestor struct {
	cache    hotcache.Store
	keys     hotcache.Keys
	graph    domain.GraphStore
	upstream domain.Upstream
	pool     *tasks.Pool
	cfg      Config
}

func New(cache hotcache.Store, keys hotcache.Keys, graph domain.GraphStore, upstream domain.Upstream, pool *tasks.Pool, cfg Config) *Ingestor {
	cfg.defaults()
	return &Ingestor{
		cache:    cache,
		keys:     keys,
		graph:    graph,
		upstream: upstream,
		pool:     pool,
		cfg:      cfg,
	}
}

// Trigger enqueues an ingest run on the task pool. Duplicate triggers for a
// running (paper, kind) pair are absorbed by the ingest lock.
func (g *Ingestor) Trigger(paperID string, kind domain.RelationKind) {
	g.pool.Submit("ingest_"+string(kind), func(ctx context.Context) error {
		return g.Ingest(ctx, paperID, kind)
	})
}

// Ingest runs one full pagination pass. It is safe to re-run from any point:
// stubs, edges and pages are upserts and the blob replaces atomically. A run
// already holding the lock turns this call into a no-op.
func (g *Ingestor) Ingest(ctx context.Context, paperID string, kind domain.RelationKind) error {
	if !kind.Valid() {
		return fmt.Errorf("ingest %s: unknown relation kind %q", paperID, kind)
	}
	lockKey := g.keys.IngestLock(paperID, kind)
	owner := []byte(uuid.NewString())
	won, err := g.cache.SetNX(ctx, lockKey, owner, g.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire ingest lock for %s/%s: %w", paperID, kind, err)
	}
	if !won {
		log.WithFields(log.Fields{"paper": paperID, "kind": kind}).Debug("ingest already running")
		return nil
	}
	defer func() {
		if _, err := g.cache.DeleteIfEqual(context.WithoutCancel(ctx), lockKey, owner); err != nil {
			log.WithFields(log.Fields{"paper": paperID, "kind": kind, "err": err}).Warn("release ingest lock")
		}
	}()

	progress := &domain.IngestProgress{
		PaperID: paperID,
		Kind:    kind,
		State:   domain.IngestStateRunning,
	}
	g.saveProgress(ctx, progress)

	// accumulator keyed by neighbor id, last writer wins; id-less items get
	// synthetic keys so upstream duplicates of them are kept verbatim
	var (
		positions = map[string]int{}
		merged    []domain.Record
		total     = 0
	)

	for page := 0; ; page++ {
		if page >= g.cfg.PageCap {
			progress.Truncated = true
			break
		}
		offset := page * g.cfg.PageSize
		p, err := g.upstream.FetchRelations(ctx, paperID, kind, offset, g.cfg.PageSize, s2.RelationFields)
		if err != nil {
			return g.fail(ctx, progress, fmt.Errorf("fetch %s page %d for %s: %w", kind, page, paperID, err))
		}
		metrics.IngestPages.Inc()
		if p.Total > 0 {
			total = p.Total
		}

		g.cachePage(ctx, paperID, kind, page, p)

		for i, item := range p.Items {
			key := item.PaperID()
			if key == "" {
				key = fmt.Sprintf("_anon:%d:%d", page, i)
			}
			if pos, seen := positions[key]; seen {
				merged[pos] = item
				continue
			}
			positions[key] = len(merged)
			merged = append(merged, item)
		}

		if err := g.graph.UpsertStubs(ctx, p.Items); err != nil {
			return g.fail(ctx, progress, fmt.Errorf("persist stubs: %w", err))
		}
		if err := g.graph.MergeEdges(ctx, paperID, kind, p.Items); err != nil {
			return g.fail(ctx, progress, fmt.Errorf("merge edges: %w", err))
		}

		progress.PagesFetched = page + 1
		progress.ItemsMerged = len(merged)
		progress.ExpectedTotal = total
		g.saveProgress(ctx, progress)

		if p.Next == nil || len(p.Items) == 0 {
			break
		}
		if total > 0 && (page+1)*g.cfg.PageSize >= total {
			break
		}
	}
	if total < len(merged) {
		total = len(merged)
	}
	if err := g.graph.StoreRelationBlob(ctx, paperID, kind, total, merged); err != nil {
		return g.fail(ctx, progress, fmt.Errorf("store %s blob: %w", kind, err))
	}
	g.publishView(ctx, paperID, kind, total, merged)

	progress.State = domain.IngestStateComplete
	progress.ItemsMerged = len(merged)
	progress.ExpectedTotal = total
	progress.Error = ""
	g.saveProgress(ctx, progress)
	metrics.IngestRuns.WithLabelValues(string(domain.IngestStateComplete)).Inc()

	log.WithFields(log.Fields{
		"paper":     paperID,
		"kind":      kind,
		"pages":     progress.PagesFetched,
		"items":     len(merged),
		"total":     total,
		"truncated": progress.Truncated,
	}).Info("relation ingest complete")
	return nil
}

func (g *Ingestor) fail(ctx context.Context, progress *domain.IngestProgress, err error) error {
	progress.State = domain.IngestStateFailed
	progress.Error = err.Error()
	g.saveProgress(ctx, progress)
	metrics.IngestRuns.WithLabelValues(string(domain.IngestStateFailed)).Inc()
	return err
}

// saveProgress writes progress durably and mirrors it to the cache so the
// read path can surface running and failed states cheaply.
func (g *Ingestor) saveProgress(ctx context.Context, p *domain.IngestProgress) {
	p.UpdatedAt = time.Now().UTC()
	if err := g.graph.SetIngestProgress(ctx, p); err != nil {
		log.WithFields(log.Fields{"paper": p.PaperID, "kind": p.Kind, "err": err}).Warn("persist ingest progress")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	key := g.keys.IngestProgress(p.PaperID, p.Kind)
	if err := g.cache.Set(ctx, key, raw, hotcache.Fuzz(g.cfg.TaskTTL)); err != nil {
		log.WithFields(log.Fields{"paper": p.PaperID, "kind": p.Kind, "err": err}).Warn("mirror ingest progress")
	}
}

func (g *Ingestor) cachePage(ctx context.Context, paperID string, kind domain.RelationKind, page int, p *domain.RelationPage) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	key := g.keys.RelationPage(paperID, kind, page)
	if err := g.cache.Set(ctx, key, raw, hotcache.Fuzz(g.cfg.RelationTTL)); err != nil {
		log.WithFields(log.Fields{"paper": paperID, "kind": kind, "page": page, "err": err}).Warn("cache relation page")
	}
}

func (g *Ingestor) publishView(ctx context.Context, paperID string, kind domain.RelationKind, total int, items []domain.Record) {
	view := domain.RelationView{Total: total, Fetched: len(items), Items: items}
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	key := g.keys.RelationView(paperID, kind)
	if err := g.cache.Set(ctx, key, raw, hotcache.Fuzz(g.cfg.RelationTTL)); err != nil {
		log.WithFields(log.Fields{"paper": paperID, "kind": kind, "err": err}).Warn("publish relation view")
	}
}
