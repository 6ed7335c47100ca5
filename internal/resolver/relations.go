package resolver

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/alias"
	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/hotcache"
	"github.com/tyqqj0/Paper-Parser/internal/metrics"
	"github.com/tyqqj0/Paper-Parser/internal/projector"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

// RelationResult is the envelope for citation and reference queries,
// upstream-shaped with the service's own status annotations on top.
type RelationResult struct {
	Total        int             `json:"total"`
	Offset       int             `json:"offset"`
	Next         *int            `json:"next,omitempty"`
	Data         []domain.Record `json:"data"`
	IngestStatus string          `json:"ingestStatus,omitempty"`
	Stale        bool            `json:"data_may_be_outdated,omitempty"`
}

// GetRelations serves one slice of a paper's citations or references:
// merged view, then durable blob, then cached page, then a direct upstream
// page fetch that may also kick off a full background ingest.
func (r *Resolver) GetRelations(ctx context.Context, rawRef string, kind domain.RelationKind, offset, limit int, fieldExpr string) (*RelationResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown relation kind %q", domain.ErrBadRequest, kind)
	}
	if offset < 0 || limit <= 0 || limit > 1000 {
		return nil, fmt.Errorf("%w: offset must be >= 0 and limit in 1..1000", domain.ErrBadRequest)
	}
	tree, err := r.d.Projector.Parse(fieldExpr)
	if err != nil {
		return nil, err
	}
	ref, err := alias.ParseRef(rawRef)
	if err != nil {
		return nil, err
	}

	id := ref.PaperID
	if id == "" {
		id, err = r.resolveAliasID(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	if id == "" {
		// unknown alias: resolving the paper fixes identity and may already
		// inline enough relations for the first page
		rec, err := r.resolveFull(ctx, ref)
		if err != nil {
			return nil, err
		}
		id = rec.PaperID()
	}

	if res := r.relationsFromView(ctx, id, kind, offset, limit); res != nil {
		return r.finishRelations(ctx, res, id, kind, tree), nil
	}
	if res := r.relationsFromBlob(ctx, id, kind, offset, limit); res != nil {
		return r.finishRelations(ctx, res, id, kind, tree), nil
	}
	if res := r.relationsFromCachedPage(ctx, id, kind, offset, limit); res != nil {
		return r.finishRelations(ctx, res, id, kind, tree), nil
	}

	res, err := r.relationsFromUpstream(ctx, id, kind, offset, limit)
	if err != nil {
		return nil, err
	}
	return r.finishRelations(ctx, res, id, kind, tree), nil
}

func (r *Resolver) relationsFromView(ctx context.Context, id string, kind domain.RelationKind, offset, limit int) *RelationResult {
	raw, ok, err := r.d.Cache.Get(ctx, r.d.Keys.RelationView(id, kind))
	if err != nil || !ok {
		return nil
	}
	var view domain.RelationView
	if err := json.Unmarshal(raw, &view); err != nil {
		log.WithFields(log.Fields{"paper": id, "kind": kind}).Warn("corrupt relation view, ignoring")
		return nil
	}
	if !view.Covers(offset, limit) {
		return nil
	}
	metrics.CacheHits.WithLabelValues("view").Inc()
	return &RelationResult{Total: view.Total, Offset: offset, Data: view.Slice(offset, limit)}
}

func (r *Resolver) relationsFromBlob(ctx context.Context, id string, kind domain.RelationKind, offset, limit int) *RelationResult {
	sl, err := r.d.Graph.GetRelationSlice(ctx, id, kind, offset, limit)
	if err != nil {
		log.WithFields(log.Fields{"paper": id, "kind": kind, "err": err}).Warn("graph blob read failed, degrading")
		return nil
	}
	if sl == nil {
		return nil
	}
	covered := offset >= sl.Total || sl.Complete || offset+limit <= sl.ItemCount
	if !covered {
		return nil
	}
	metrics.CacheHits.WithLabelValues("blob").Inc()
	res := &RelationResult{Total: sl.Total, Offset: offset, Data: sl.Items}
	if res.Data == nil {
		res.Data = []domain.Record{}
	}
	r.cacheRange(ctx, id, kind, offset, limit, res)
	return res
}

func (r *Resolver) relationsFromCachedPage(ctx context.Context, id string, kind domain.RelationKind, offset, limit int) *RelationResult {
	var key string
	if offset%r.cfg.RelationPageSize == 0 && limit == r.cfg.RelationPageSize {
		key = r.d.Keys.RelationPage(id, kind, offset/r.cfg.RelationPageSize)
	} else {
		key = r.d.Keys.RelationRange(id, kind, offset, limit)
	}
	raw, ok, err := r.d.Cache.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}
	var page domain.RelationPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil
	}
	metrics.CacheHits.WithLabelValues("page").Inc()
	return &RelationResult{Total: page.Total, Offset: offset, Next: page.Next, Data: page.Items}
}

func (r *Resolver) relationsFromUpstream(ctx context.Context, id string, kind domain.RelationKind, offset, limit int) (*RelationResult, error) {
	metrics.CacheMisses.Inc()
	page, err := r.d.Upstream.FetchRelations(ctx, id, kind, offset, limit, s2.RelationFields)
	if err != nil {
		if s2.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		}
		if s2.IsDegraded(err) {
			if sl, gerr := r.d.Graph.GetRelationSlice(ctx, id, kind, offset, limit); gerr == nil && sl != nil {
				metrics.StaleServed.Inc()
				log.WithFields(log.Fields{"paper": id, "kind": kind, "err": err}).Warn("upstream degraded, serving stale relation blob")
				return &RelationResult{Total: sl.Total, Offset: offset, Data: sl.Items, Stale: true}, nil
			}
		}
		return nil, err
	}

	total := page.Total
	if total == 0 {
		// some envelopes omit total; overlay the paper's own count
		if stored, err := r.d.Graph.GetPaper(ctx, id); err == nil && stored != nil {
			if n, ok := stored.Record.Int(kind.CountField()); ok {
				total = n
			}
		}
		if total < offset+len(page.Items) {
			total = offset + len(page.Items)
		}
	}

	res := &RelationResult{Total: total, Offset: offset, Next: page.Next, Data: page.Items}
	if res.Data == nil {
		res.Data = []domain.Record{}
	}

	raw, err := json.Marshal(domain.RelationPage{Total: total, Offset: offset, Next: page.Next, Items: page.Items})
	if err == nil {
		var key string
		if offset%r.cfg.RelationPageSize == 0 && limit == r.cfg.RelationPageSize {
			key = r.d.Keys.RelationPage(id, kind, offset/r.cfg.RelationPageSize)
		} else {
			key = r.d.Keys.RelationRange(id, kind, offset, limit)
		}
		if err := r.d.Cache.Set(ctx, key, raw, hotcache.Fuzz(r.cfg.RelationTTL)); err != nil {
			log.WithFields(log.Fields{"paper": id, "kind": kind, "err": err}).Warn("cache relation page")
		}
	}

	if total >= r.cfg.RelationThreshold {
		r.d.Ingest.Trigger(id, kind)
	}
	return res, nil
}

func (r *Resolver) cacheRange(ctx context.Context, id string, kind domain.RelationKind, offset, limit int, res *RelationResult) {
	raw, err := json.Marshal(domain.RelationPage{Total: res.Total, Offset: offset, Items: res.Data})
	if err != nil {
		return
	}
	key := r.d.Keys.RelationRange(id, kind, offset, limit)
	if err := r.d.Cache.Set(ctx, key, raw, hotcache.Fuzz(r.cfg.RelationTTL)); err != nil {
		log.WithFields(log.Fields{"paper": id, "kind": kind, "err": err}).Warn("cache relation range")
	}
}

// finishRelations projects the items and annotates a failed background
// ingest so callers know the slice may stay partial.
func (r *Resolver) finishRelations(ctx context.Context, res *RelationResult, id string, kind domain.RelationKind, tree *projector.Tree) *RelationResult {
	res.Data = projector.ApplyAll(res.Data, tree)
	if raw, ok, err := r.d.Cache.Get(ctx, r.d.Keys.IngestProgress(id, kind)); err == nil && ok {
		var p domain.IngestProgress
		if err := json.Unmarshal(raw, &p); err == nil && p.State == domain.IngestStateFailed {
			res.IngestStatus = string(domain.IngestStateFailed)
		}
	}
	return res
}
