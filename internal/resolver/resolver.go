// Package resolver is the read path: alias resolution, the tiered lookup
// through hot cache and graph store, single-flight coordination of upstream
// fetches and the asynchronous write fan-out that keeps the tiers coherent.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/alias"
	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/hotcache"
	"github.com/tyqqj0/Paper-Parser/internal/metrics"
	"github.com/tyqqj0/Paper-Parser/internal/projector"
	"github.com/tyqqj0/Paper-Parser/internal/tasks"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

// StaleKey is injected into responses served from an out-of-date graph copy
// because the upstream could not answer.
const StaleKey = "data_may_be_outdated"

// IngestTrigger starts a background relation ingest. Satisfied by
// ingestor.Ingestor; an interface here keeps the packages decoupled and the
// resolver testable.
type IngestTrigger interface {
	Trigger(paperID string, kind domain.RelationKind)
}

type Config struct {
	PaperTTL          time.Duration
	RelationTTL       time.Duration
	NegativeTTL       time.Duration
	FreshnessWindow   time.Duration
	LockTTL           time.Duration
	LockPollInterval  time.Duration
	LockWaitMax       time.Duration
	BatchMaxIDs       int
	RelationThreshold int
	RelationPageSize  int
	RelationInlineCap int
}

func (c *Config) defaults() {
	if c.PaperTTL <= 0 {
		c.PaperTTL = time.Hour
	}
	if c.RelationTTL <= 0 {
		c.RelationTTL = time.Hour
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 5 * time.Minute
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = 500 * time.Millisecond
	}
	if c.LockWaitMax <= 0 {
		c.LockWaitMax = 4 * time.Second
	}
	if c.BatchMaxIDs <= 0 {
		c.BatchMaxIDs = 500
	}
	if c.RelationThreshold <= 0 {
		c.RelationThreshold = 100
	}
	if c.RelationPageSize <= 0 {
		c.RelationPageSize = 100
	}
	if c.RelationInlineCap <= 0 {
		c.RelationInlineCap = 100
	}
}

// Deps are the tiers and collaborators the resolver orchestrates.
type Deps struct {
	Cache     hotcache.Store
	Keys      hotcache.Keys
	Graph     domain.GraphStore
	Aliases   domain.AliasIndex
	Upstream  domain.Upstream
	Projector *projector.Projector
	Pool      *tasks.Pool
	Ingest    IngestTrigger
}

type Resolver struct {
	d   Deps
	cfg Config
	now func() time.Time
}

func New(d Deps, cfg Config) *Resolver {
	cfg.defaults()
	return &Resolver{d: d, cfg: cfg, now: time.Now}
}

// GetPaper resolves one paper reference and projects it to the requested
// fields.
func (r *Resolver) GetPaper(ctx context.Context, rawRef, fieldExpr string) (domain.Record, error) {
	tree, err := r.d.Projector.Parse(fieldExpr)
	if err != nil {
		return nil, err
	}
	ref, err := alias.ParseRef(rawRef)
	if err != nil {
		return nil, err
	}
	rec, err := r.resolveFull(ctx, ref)
	if err != nil {
		return nil, err
	}
	return withStaleFlag(projector.Apply(rec, tree), rec), nil
}

// WarmCache runs the full read path without projecting, so a later request
// hits the hot tier. Returns the canonical id.
func (r *Resolver) WarmCache(ctx context.Context, rawRef string) (string, error) {
	ref, err := alias.ParseRef(rawRef)
	if err != nil {
		return "", err
	}
	rec, err := r.resolveFull(ctx, ref)
	if err != nil {
		return "", err
	}
	return rec.PaperID(), nil
}

// InvalidateCache drops every hot-cache entry of the paper: the record, its
// relation views and pages, progress mirrors, plus the negative and ref
// entries of the given reference. The graph store and aliases stay.
func (r *Resolver) InvalidateCache(ctx context.Context, rawRef string) (int, error) {
	ref, err := alias.ParseRef(rawRef)
	if err != nil {
		return 0, err
	}
	id := ref.PaperID
	if id == "" {
		id, err = r.resolveAliasID(ctx, ref)
		if err != nil {
			return 0, err
		}
		if id == "" {
			return 0, fmt.Errorf("%w: no paper known for %s", domain.ErrNotFound, ref.Key())
		}
	}
	deleted, err := r.d.Cache.DeletePrefix(ctx, r.d.Keys.PaperPrefix(id))
	if err != nil {
		return 0, fmt.Errorf("invalidate %s: %w", id, err)
	}
	extra := []string{r.d.Keys.Negative(id), r.d.Keys.Negative(ref.Key())}
	if !ref.IsCanonical() {
		extra = append(extra, r.d.Keys.Ref(ref.Alias))
	}
	if err := r.d.Cache.Delete(ctx, extra...); err != nil {
		log.WithFields(log.Fields{"paper": id, "err": err}).Warn("invalidate ref entries")
	}
	return deleted, nil
}

// resolveFull walks the tiers for the complete superset record.
func (r *Resolver) resolveFull(ctx context.Context, ref domain.Ref) (domain.Record, error) {
	id := ref.PaperID
	if id == "" {
		var err error
		id, err = r.resolveAliasID(ctx, ref)
		if err != nil {
			return nil, err
		}
	}

	if rec, err := r.readTiers(ctx, ref, id); rec != nil || err != nil {
		return rec, err
	}

	// single-flight: one upstream fetch per reference; losers poll for the
	// winner's cache write and fetch redundantly only after the wait budget
	lockKey := r.d.Keys.PaperLock(lockName(ref, id))
	owner := []byte(uuid.NewString())
	won, err := r.d.Cache.SetNX(ctx, lockKey, owner, r.cfg.LockTTL)
	if err != nil {
		log.WithField("err", err).Warn("acquire fetch lock, fetching without coordination")
		won = true
		owner = nil
	}
	if !won {
		if rec, err := r.waitForFlight(ctx, ref, id); rec != nil || err != nil {
			return rec, err
		}
	}
	defer r.releaseLock(ctx, lockKey, owner)

	return r.fetchAndCache(ctx, ref, id)
}

// readTiers serves from the hot cache or a fresh graph copy. (nil, nil)
// means every local tier missed.
func (r *Resolver) readTiers(ctx context.Context, ref domain.Ref, id string) (domain.Record, error) {
	if id != "" {
		raw, ok, err := r.d.Cache.Get(ctx, r.d.Keys.PaperFull(id))
		if err != nil {
			log.WithFields(log.Fields{"paper": id, "err": err}).Warn("hot cache read failed, degrading")
		} else if ok {
			var rec domain.Record
			if err := json.Unmarshal(raw, &rec); err == nil {
				metrics.CacheHits.WithLabelValues("hot").Inc()
				return rec, nil
			}
			log.WithField("paper", id).Warn("corrupt hot cache entry, ignoring")
		}
	}

	for _, key := range negativeKeys(ref, id) {
		if _, ok, err := r.d.Cache.Get(ctx, r.d.Keys.Negative(key)); err == nil && ok {
			metrics.CacheHits.WithLabelValues("negative").Inc()
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, ref.Key())
		}
	}

	if id != "" {
		stored, err := r.d.Graph.GetPaper(ctx, id)
		if err != nil {
			log.WithFields(log.Fields{"paper": id, "err": err}).Warn("graph store read failed, degrading")
		} else if stored != nil && stored.IngestStatus == domain.IngestFull && stored.Fresh(r.now(), r.cfg.FreshnessWindow) {
			metrics.CacheHits.WithLabelValues("graph").Inc()
			r.cacheRecord(ctx, stored.Record)
			return stored.Record, nil
		}
	}
	return nil, nil
}

// waitForFlight polls the result keys while another fetch is in flight.
// (nil, nil) after the budget means the caller should fetch redundantly.
func (r *Resolver) waitForFlight(ctx context.Context, ref domain.Ref, id string) (domain.Record, error) {
	deadline := r.now().Add(r.cfg.LockWaitMax)
	ticker := time.NewTicker(r.cfg.LockPollInterval)
	defer ticker.Stop()

	for r.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if id == "" && !ref.IsCanonical() {
			if raw, ok, err := r.d.Cache.Get(ctx, r.d.Keys.Ref(ref.Alias)); err == nil && ok {
				id = string(raw)
			}
		}
		if id != "" {
			if raw, ok, err := r.d.Cache.Get(ctx, r.d.Keys.PaperFull(id)); err == nil && ok {
				var rec domain.Record
				if err := json.Unmarshal(raw, &rec); err == nil {
					metrics.FlightWaits.WithLabelValues("hit").Inc()
					return rec, nil
				}
			}
		}
		for _, key := range negativeKeys(ref, id) {
			if _, ok, err := r.d.Cache.Get(ctx, r.d.Keys.Negative(key)); err == nil && ok {
				metrics.FlightWaits.WithLabelValues("hit").Inc()
				return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, ref.Key())
			}
		}
	}
	metrics.FlightWaits.WithLabelValues("timeout").Inc()
	return nil, nil
}

// fetchAndCache is the winner's path: upstream fetch, synchronous hot-cache
// write, asynchronous persistence fan-out.
func (r *Resolver) fetchAndCache(ctx context.Context, ref domain.Ref, id string) (domain.Record, error) {
	metrics.CacheMisses.Inc()
	fetchID := id
	if fetchID == "" {
		fetchID = ref.UpstreamID()
	}
	rec, err := r.d.Upstream.FetchPaper(ctx, fetchID, s2.FullFields)
	if err != nil {
		if s2.IsNotFound(err) {
			r.cacheNegative(ctx, ref, id)
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, ref.Key())
		}
		if s2.IsDegraded(err) && id != "" {
			if stale := r.staleCopy(ctx, id); stale != nil {
				metrics.StaleServed.Inc()
				log.WithFields(log.Fields{"paper": id, "err": err}).Warn("upstream degraded, serving stale graph copy")
				return stale, nil
			}
		}
		return nil, err
	}

	canonical := rec.PaperID()
	if canonical == "" {
		return nil, fmt.Errorf("upstream record for %s has no paperId", ref.Key())
	}
	r.capInline(rec)
	r.cacheRecord(ctx, rec)
	if !ref.IsCanonical() {
		if err := r.d.Cache.Set(ctx, r.d.Keys.Ref(ref.Alias), []byte(canonical), hotcache.Fuzz(r.cfg.PaperTTL)); err != nil {
			log.WithFields(log.Fields{"paper": canonical, "err": err}).Warn("cache ref entry")
		}
	}
	r.persistAsync(rec, inboundAliases(ref))
	return rec, nil
}

// staleCopy returns the graph record regardless of freshness, tagged stale.
func (r *Resolver) staleCopy(ctx context.Context, id string) domain.Record {
	stored, err := r.d.Graph.GetPaper(ctx, id)
	if err != nil || stored == nil || stored.IngestStatus != domain.IngestFull {
		return nil
	}
	out := stored.Record.Clone()
	out[StaleKey] = true
	return out
}

// persistAsync fans the fetched record out to the durable tiers and kicks
// off relation ingestion for papers above the threshold. Failures here cost
// freshness only; the hot cache already serves the record.
func (r *Resolver) persistAsync(rec domain.Record, extra []domain.Alias) {
	id := rec.PaperID()
	r.d.Pool.Submit("persist_paper", func(ctx context.Context) error {
		if err := r.d.Graph.UpsertPaper(ctx, rec, domain.IngestFull); err != nil {
			log.WithFields(log.Fields{"paper": id, "err": err}).Warn("persist paper")
		}
		aliases := append(alias.ExtractAliases(rec), extra...)
		if _, err := r.d.Aliases.Record(ctx, id, aliases); err != nil {
			log.WithFields(log.Fields{"paper": id, "err": err}).Warn("record aliases")
		}
		for _, kind := range []domain.RelationKind{domain.RelationCitations, domain.RelationReferences} {
			if count, _ := rec.Int(kind.CountField()); count >= r.cfg.RelationThreshold {
				r.d.Ingest.Trigger(id, kind)
			}
		}
		return nil
	})
}

// resolveAliasID maps an alias ref to the canonical id via the hot ref entry
// and then the durable index. "" means the alias is not yet known.
func (r *Resolver) resolveAliasID(ctx context.Context, ref domain.Ref) (string, error) {
	if raw, ok, err := r.d.Cache.Get(ctx, r.d.Keys.Ref(ref.Alias)); err == nil && ok {
		metrics.CacheHits.WithLabelValues("ref").Inc()
		return string(raw), nil
	}
	id, err := r.d.Aliases.Resolve(ctx, ref.Alias)
	if err != nil {
		log.WithFields(log.Fields{"ref": ref.Key(), "err": err}).Warn("alias index read failed, degrading")
		return "", nil
	}
	if id != "" {
		if err := r.d.Cache.Set(ctx, r.d.Keys.Ref(ref.Alias), []byte(id), hotcache.Fuzz(r.cfg.PaperTTL)); err != nil {
			log.WithFields(log.Fields{"ref": ref.Key(), "err": err}).Warn("cache ref entry")
		}
	}
	return id, nil
}

func (r *Resolver) cacheRecord(ctx context.Context, rec domain.Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := r.d.Keys.PaperFull(rec.PaperID())
	if err := r.d.Cache.Set(ctx, key, raw, hotcache.Fuzz(r.cfg.PaperTTL)); err != nil {
		log.WithFields(log.Fields{"paper": rec.PaperID(), "err": err}).Warn("hot cache write failed")
	}
}

func (r *Resolver) cacheNegative(ctx context.Context, ref domain.Ref, id string) {
	for _, key := range negativeKeys(ref, id) {
		if err := r.d.Cache.Set(ctx, r.d.Keys.Negative(key), []byte("1"), hotcache.Fuzz(r.cfg.NegativeTTL)); err != nil {
			log.WithFields(log.Fields{"ref": key, "err": err}).Warn("cache negative entry")
		}
	}
}

func (r *Resolver) releaseLock(ctx context.Context, lockKey string, owner []byte) {
	if owner == nil {
		return
	}
	if _, err := r.d.Cache.DeleteIfEqual(context.WithoutCancel(ctx), lockKey, owner); err != nil {
		log.WithFields(log.Fields{"lock": lockKey, "err": err}).Warn("release fetch lock")
	}
}

// capInline bounds the inline relation lists carried on the superset record;
// larger lists are the ingestor's job.
func (r *Resolver) capInline(rec domain.Record) {
	for _, key := range []string{"citations", "references"} {
		if list, ok := rec[key].([]any); ok && len(list) > r.cfg.RelationInlineCap {
			rec[key] = list[:r.cfg.RelationInlineCap]
		}
	}
}

// lockName keys the single-flight token by canonical id when known so alias
// spellings of one paper share a flight.
func lockName(ref domain.Ref, id string) string {
	if id != "" {
		return id
	}
	return ref.Key()
}

func negativeKeys(ref domain.Ref, id string) []string {
	keys := []string{ref.Key()}
	if id != "" && id != ref.Key() {
		keys = append(keys, id)
	}
	return keys
}

// inboundAliases returns the request's own alias so it is recorded even when
// the upstream does not echo it in externalIds.
func inboundAliases(ref domain.Ref) []domain.Alias {
	if ref.IsCanonical() {
		return nil
	}
	return []domain.Alias{ref.Alias}
}

// withStaleFlag carries the stale marker through projection.
func withStaleFlag(projected, full domain.Record) domain.Record {
	if stale, ok := full[StaleKey].(bool); ok && stale {
		projected[StaleKey] = true
	}
	return projected
}
