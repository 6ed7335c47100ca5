// Package search caches relevance-search pages by query fingerprint. Field
// expressions stay out of the fingerprint: pages are cached as supersets and
// projected per request.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/alias"
	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/hotcache"
	"github.com/tyqqj0/Paper-Parser/internal/metrics"
	"github.com/tyqqj0/Paper-Parser/internal/projector"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

type Config struct {
	SearchTTL       time.Duration
	PreferLocal     bool
	LocalMinResults int
}

func (c *Config) defaults() {
	if c.SearchTTL <= 0 {
		c.SearchTTL = 30 * time.Minute
	}
	if c.LocalMinResults <= 0 {
		c.LocalMinResults = 3
	}
}

// Result mirrors the upstream search envelope. Papers duplicates Data under
// the legacy key older clients still read.
type Result struct {
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Next   *int            `json:"next,omitempty"`
	Data   []domain.Record `json:"data"`
	Papers []domain.Record `json:"papers"`
}

type Coordinator struct {
	cache    hotcache.Store
	keys     hotcache.Keys
	graph    domain.GraphStore
	upstream domain.Upstream
	proj     *projector.Projector
	cfg      Config
}

func New(cache hotcache.Store, keys hotcache.Keys, graph domain.GraphStore, upstream domain.Upstream, proj *projector.Projector, cfg Config) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cache:    cache,
		keys:     keys,
		graph:    graph,
		upstream: upstream,
		proj:     proj,
		cfg:      cfg,
	}
}

// Fingerprint canonicalizes a query so trivially different spellings share a
// cache entry. The field expression is deliberately excluded.
func Fingerprint(q domain.SearchQuery) string {
	var b strings.Builder
	b.WriteString(strings.Join(strings.Fields(strings.ToLower(q.Query)), " "))
	b.WriteByte(0)
	filters := make([]string, 0, len(q.Filters))
	for k, v := range q.Filters {
		filters = append(filters, k+"="+v)
	}
	sort.Strings(filters)
	b.WriteString(strings.Join(filters, "&"))
	fmt.Fprintf(&b, "\x00%d\x00%d", q.Offset, q.Limit)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Search serves one page of results, cached by fingerprint, projected to the
// query's field expression.
func (c *Coordinator) Search(ctx context.Context, q domain.SearchQuery) (*Result, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, fmt.Errorf("%w: empty search query", domain.ErrBadRequest)
	}
	tree, err := c.proj.Parse(q.Fields)
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	key := c.keys.Search(Fingerprint(q))
	if raw, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		var page domain.SearchPage
		if err := json.Unmarshal(raw, &page); err == nil {
			metrics.CacheHits.WithLabelValues("search").Inc()
			return project(&page, tree), nil
		}
		log.WithField("key", key).Warn("corrupt search cache entry, ignoring")
	}

	if c.cfg.PreferLocal {
		if res := c.searchLocal(ctx, q, tree); res != nil {
			return res, nil
		}
	}

	metrics.CacheMisses.Inc()
	page, err := c.upstream.Search(ctx, domain.SearchQuery{
		Query:   q.Query,
		Filters: q.Filters,
		Offset:  q.Offset,
		Limit:   q.Limit,
		Fields:  s2.SearchFields,
	})
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(page); err == nil {
		if err := c.cache.Set(ctx, key, raw, hotcache.Fuzz(c.cfg.SearchTTL)); err != nil {
			log.WithField("err", err).Warn("cache search page")
		}
	}
	return project(page, tree), nil
}

// searchLocal answers from the graph store's title index when it holds
// enough matches. Best effort only; ranking differs from the upstream's.
func (c *Coordinator) searchLocal(ctx context.Context, q domain.SearchQuery, tree *projector.Tree) *Result {
	norm := alias.TitleNorm(q.Query)
	if norm == "" {
		return nil
	}
	recs, total, err := c.graph.SearchByTitleNorm(ctx, norm, q.Limit)
	if err != nil {
		log.WithField("err", err).Warn("local title search failed, falling through")
		return nil
	}
	if len(recs) < c.cfg.LocalMinResults {
		return nil
	}
	metrics.CacheHits.WithLabelValues("local").Inc()
	return project(&domain.SearchPage{Total: total, Offset: q.Offset, Items: recs}, tree)
}

// MatchTitle returns the single closest title match, cached like a search
// page under a distinct fingerprint space.
func (c *Coordinator) MatchTitle(ctx context.Context, query, fieldExpr string) (domain.Record, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty match query", domain.ErrBadRequest)
	}
	tree, err := c.proj.Parse(fieldExpr)
	if err != nil {
		return nil, err
	}

	key := c.keys.Search("match:" + Fingerprint(domain.SearchQuery{Query: query}))
	if raw, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		var rec domain.Record
		if err := json.Unmarshal(raw, &rec); err == nil {
			metrics.CacheHits.WithLabelValues("search").Inc()
			return projector.Apply(rec, tree), nil
		}
	}

	metrics.CacheMisses.Inc()
	rec, err := c.upstream.MatchTitle(ctx, query, s2.SearchFields)
	if err != nil {
		if s2.IsNotFound(err) {
			return nil, fmt.Errorf("%w: no title match for %q", domain.ErrNotFound, query)
		}
		return nil, err
	}
	if raw, err := json.Marshal(rec); err == nil {
		if err := c.cache.Set(ctx, key, raw, hotcache.Fuzz(c.cfg.SearchTTL)); err != nil {
			log.WithField("err", err).Warn("cache title match")
		}
	}
	return projector.Apply(rec, tree), nil
}

func project(page *domain.SearchPage, tree *projector.Tree) *Result {
	items := projector.ApplyAll(page.Items, tree)
	if items == nil {
		items = []domain.Record{}
	}
	return &Result{
		Total:  page.Total,
		Offset: page.Offset,
		Next:   page.Next,
		Data:   items,
		Papers: items,
	}
}
