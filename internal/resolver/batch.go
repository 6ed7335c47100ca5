package resolver

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/alias"
	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/metrics"
	"github.com/tyqqj0/Paper-Parser/internal/projector"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

// GetPapersBatch resolves up to BatchMaxIDs references in input order. Hot
// hits are served from one batched cache read; every miss goes upstream in a
// single batch call. Unresolvable entries stay nil so the JSON response
// carries explicit nulls in their positions.
func (r *Resolver) GetPapersBatch(ctx context.Context, rawRefs []string, fieldExpr string) ([]domain.Record, error) {
	if len(rawRefs) == 0 {
		return nil, fmt.Errorf("%w: empty id list", domain.ErrBadRequest)
	}
	if len(rawRefs) > r.cfg.BatchMaxIDs {
		return nil, fmt.Errorf("%w: max %d ids per batch, got %d", domain.ErrBadRequest, r.cfg.BatchMaxIDs, len(rawRefs))
	}
	tree, err := r.d.Projector.Parse(fieldExpr)
	if err != nil {
		return nil, err
	}

	refs := make([]domain.Ref, len(rawRefs))
	ids := make([]string, len(rawRefs))
	for i, raw := range rawRefs {
		ref, err := alias.ParseRef(raw)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
		if ref.IsCanonical() {
			ids[i] = ref.PaperID
		}
	}

	// resolve alias refs to ids where known; unknown ones go upstream by
	// their prefixed form
	for i := range refs {
		if ids[i] == "" {
			id, err := r.resolveAliasID(ctx, refs[i])
			if err != nil {
				return nil, err
			}
			ids[i] = id
		}
	}

	results := make([]domain.Record, len(rawRefs))
	misses := make([]int, 0, len(rawRefs))

	keys := make([]string, len(rawRefs))
	for i, id := range ids {
		if id != "" {
			keys[i] = r.d.Keys.PaperFull(id)
		} else {
			// unresolved aliases cannot be in the hot tier
			keys[i] = r.d.Keys.Negative(refs[i].Key())
		}
	}
	cached, err := r.d.Cache.MGet(ctx, keys)
	if err != nil {
		log.WithField("err", err).Warn("batch hot cache read failed, degrading")
		cached = make([][]byte, len(keys))
	}
	for i := range rawRefs {
		if ids[i] == "" {
			if cached[i] != nil {
				// negative entry: leave the position null without refetching
				metrics.CacheHits.WithLabelValues("negative").Inc()
				continue
			}
			misses = append(misses, i)
			continue
		}
		if cached[i] != nil {
			var rec domain.Record
			if err := json.Unmarshal(cached[i], &rec); err == nil {
				metrics.CacheHits.WithLabelValues("hot").Inc()
				results[i] = rec
				continue
			}
		}
		misses = append(misses, i)
	}

	if len(misses) > 0 {
		fetchIDs := make([]string, len(misses))
		for j, i := range misses {
			if ids[i] != "" {
				fetchIDs[j] = ids[i]
			} else {
				fetchIDs[j] = refs[i].UpstreamID()
			}
		}
		metrics.CacheMisses.Inc()
		recs, err := r.d.Upstream.FetchBatch(ctx, fetchIDs, s2.FullFields)
		if err != nil {
			return nil, err
		}
		for j, i := range misses {
			if j >= len(recs) || recs[j] == nil {
				continue
			}
			rec := recs[j]
			if rec.PaperID() == "" {
				continue
			}
			r.capInline(rec)
			r.cacheRecord(ctx, rec)
			r.persistAsync(rec, inboundAliases(refs[i]))
			results[i] = rec
		}
	}

	for i, rec := range results {
		if rec != nil {
			results[i] = projector.Apply(rec, tree)
		}
	}
	return results, nil
}
