package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/hotcache"
	"github.com/tyqqj0/Paper-Parser/internal/projector"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

type fakeUpstream struct {
	searchCalls atomic.Int32
	matchCalls  atomic.Int32
	page        *domain.SearchPage
	match       domain.Record
	matchErr    error
}

func (f *fakeUpstream) Search(ctx context.Context, q domain.SearchQuery) (*domain.SearchPage, error) {
	f.searchCalls.Add(1)
	return f.page, nil
}

func (f *fakeUpstream) MatchTitle(ctx context.Context, query string, fields string) (domain.Record, error) {
	f.matchCalls.Add(1)
	if f.matchErr != nil {
		return nil, f.matchErr
	}
	return f.match, nil
}

func (f *fakeUpstream) FetchPaper(ctx context.Context, id string, fields string) (domain.Record, error) {
	return nil, errors.New("not used")
}

func (f *fakeUpstream) FetchBatch(ctx context.Context, ids []string, fields string) ([]domain.Record, error) {
	return nil, errors.New("not used")
}

func (f *fakeUpstream) FetchRelations(ctx context.Context, id string, kind domain.RelationKind, offset, limit int, fields string) (*domain.RelationPage, error) {
	return nil, errors.New("not used")
}

type fakeGraph struct {
	domain.GraphStore // panics on anything unexpected

	titleRecs  []domain.Record
	titleTotal int
	lastNorm   string
}

func (g *fakeGraph) SearchByTitleNorm(ctx context.Context, norm string, limit int) ([]domain.Record, int, error) {
	g.lastNorm = norm
	return g.titleRecs, g.titleTotal, nil
}

func newCoordinator(up *fakeUpstream, graph *fakeGraph, cfg Config) *Coordinator {
	return New(hotcache.NewMemory(), hotcache.NewKeys("test"), graph, up, projector.New(), cfg)
}

func searchPage() *domain.SearchPage {
	return &domain.SearchPage{
		Total:  2,
		Offset: 0,
		Items: []domain.Record{
			{"paperId": "p1", "title": "Attention Is All You Need", "abstract": "Transformers."},
			{"paperId": "p2", "title": "BERT", "abstract": "Pretraining."},
		},
	}
}

func TestFingerprintCanonicalization(t *testing.T) {
	base := Fingerprint(domain.SearchQuery{Query: "graph neural networks", Limit: 10})

	require.Equal(t, base, Fingerprint(domain.SearchQuery{Query: "  Graph   Neural NETWORKS ", Limit: 10}),
		"case and whitespace variants share a fingerprint")
	require.NotEqual(t, base, Fingerprint(domain.SearchQuery{Query: "graph neural networks", Limit: 20}))
	require.NotEqual(t, base, Fingerprint(domain.SearchQuery{Query: "graph neural networks", Limit: 10, Offset: 10}))
	require.NotEqual(t, base, Fingerprint(domain.SearchQuery{Query: "graph neural nets", Limit: 10}))

	require.Equal(t, base, Fingerprint(domain.SearchQuery{Query: "graph neural networks", Limit: 10, Fields: "title,year"}),
		"field expressions stay out of the fingerprint")

	withFilters := Fingerprint(domain.SearchQuery{
		Query: "graph neural networks", Limit: 10,
		Filters: map[string]string{"year": "2020", "venue": "NeurIPS"},
	})
	require.NotEqual(t, base, withFilters)
	require.Equal(t, withFilters, Fingerprint(domain.SearchQuery{
		Query: "graph neural networks", Limit: 10,
		Filters: map[string]string{"venue": "NeurIPS", "year": "2020"},
	}), "filter order does not matter")
}

func TestSearchCachesByFingerprint(t *testing.T) {
	up := &fakeUpstream{page: searchPage()}
	c := newCoordinator(up, &fakeGraph{}, Config{})

	res, err := c.Search(context.Background(), domain.SearchQuery{Query: "attention", Limit: 10, Fields: "title"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Data, 2)
	require.Equal(t, res.Data, res.Papers, "legacy papers key mirrors data")
	require.Equal(t, "Attention Is All You Need", res.Data[0]["title"])
	require.NotContains(t, res.Data[0], "abstract", "projection narrows cached supersets")

	// same page, different field expression: cache hit, fuller projection
	res2, err := c.Search(context.Background(), domain.SearchQuery{Query: " ATTENTION ", Limit: 10, Fields: "title,abstract"})
	require.NoError(t, err)
	require.Equal(t, "Transformers.", res2.Data[0]["abstract"])
	require.EqualValues(t, 1, up.searchCalls.Load(), "second request served from cache")
}

func TestSearchEmptyQuery(t *testing.T) {
	c := newCoordinator(&fakeUpstream{}, &fakeGraph{}, Config{})
	_, err := c.Search(context.Background(), domain.SearchQuery{Query: "   "})
	require.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestSearchPreferLocal(t *testing.T) {
	up := &fakeUpstream{page: searchPage()}
	graph := &fakeGraph{
		titleRecs: []domain.Record{
			{"paperId": "l1", "title": "Attention One"},
			{"paperId": "l2", "title": "Attention Two"},
			{"paperId": "l3", "title": "Attention Three"},
		},
		titleTotal: 3,
	}
	c := newCoordinator(up, graph, Config{PreferLocal: true, LocalMinResults: 3})

	res, err := c.Search(context.Background(), domain.SearchQuery{Query: "Attention!", Limit: 10, Fields: "title"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Equal(t, "attention", graph.lastNorm, "query is title-normalized before the index lookup")
	require.Zero(t, up.searchCalls.Load())
}

func TestSearchLocalTooThinFallsThrough(t *testing.T) {
	up := &fakeUpstream{page: searchPage()}
	graph := &fakeGraph{
		titleRecs:  []domain.Record{{"paperId": "l1", "title": "Attention One"}},
		titleTotal: 1,
	}
	c := newCoordinator(up, graph, Config{PreferLocal: true, LocalMinResults: 3})

	res, err := c.Search(context.Background(), domain.SearchQuery{Query: "attention", Limit: 10, Fields: "title"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total, "upstream page served when the local index is too thin")
	require.EqualValues(t, 1, up.searchCalls.Load())
}

func TestMatchTitleCachedAndProjected(t *testing.T) {
	up := &fakeUpstream{match: domain.Record{
		"paperId": "m1", "title": "Deep Residual Learning", "year": float64(2016), "abstract": "ResNets.",
	}}
	c := newCoordinator(up, &fakeGraph{}, Config{})

	rec, err := c.MatchTitle(context.Background(), "deep residual learning", "title,year")
	require.NoError(t, err)
	require.Equal(t, "m1", rec.PaperID())
	require.Equal(t, "Deep Residual Learning", rec["title"])
	require.NotContains(t, rec, "abstract")

	_, err = c.MatchTitle(context.Background(), "deep residual learning", "title")
	require.NoError(t, err)
	require.EqualValues(t, 1, up.matchCalls.Load())
}

func TestMatchTitleNotFound(t *testing.T) {
	up := &fakeUpstream{matchErr: &s2.APIError{Kind: s2.KindNotFound, Status: 404, Message: "no match"}}
	c := newCoordinator(up, &fakeGraph{}, Config{})

	_, err := c.MatchTitle(context.Background(), "gibberish query", "title")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMatchTitleEmptyQuery(t *testing.T) {
	c := newCoordinator(&fakeUpstream{}, &fakeGraph{}, Config{})
	_, err := c.MatchTitle(context.Background(), "", "title")
	require.ErrorIs(t, err, domain.ErrBadRequest)
}
