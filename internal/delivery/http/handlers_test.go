package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/resolver"
	"github.com/tyqqj0/Paper-Parser/internal/search"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

const hexID = "649def34f8be52c8b66281af98ae884c09aef38b"

type fakePapers struct {
	rec    domain.Record
	relRes *resolver.RelationResult
	batch  []domain.Record
	err    error

	gotRef    string
	gotFields string
	gotKind   domain.RelationKind
	gotOffset int
	gotLimit  int
	gotIDs    []string
	warmedRef string
	purgedRef string
}

func (f *fakePapers) GetPaper(ctx context.Context, rawRef, fieldExpr string) (domain.Record, error) {
	f.gotRef, f.gotFields = rawRef, fieldExpr
	return f.rec, f.err
}

func (f *fakePapers) GetPapersBatch(ctx context.Context, rawRefs []string, fieldExpr string) ([]domain.Record, error) {
	f.gotIDs, f.gotFields = rawRefs, fieldExpr
	return f.batch, f.err
}

func (f *fakePapers) GetRelations(ctx context.Context, rawRef string, kind domain.RelationKind, offset, limit int, fieldExpr string) (*resolver.RelationResult, error) {
	f.gotRef, f.gotKind, f.gotOffset, f.gotLimit, f.gotFields = rawRef, kind, offset, limit, fieldExpr
	return f.relRes, f.err
}

func (f *fakePapers) InvalidateCache(ctx context.Context, rawRef string) (int, error) {
	f.purgedRef = rawRef
	return 7, f.err
}

func (f *fakePapers) WarmCache(ctx context.Context, rawRef string) (string, error) {
	f.warmedRef = rawRef
	return hexID, f.err
}

type fakeSearch struct {
	res      *search.Result
	match    domain.Record
	err      error
	gotQuery domain.SearchQuery
}

func (f *fakeSearch) Search(ctx context.Context, q domain.SearchQuery) (*search.Result, error) {
	f.gotQuery = q
	return f.res, f.err
}

func (f *fakeSearch) MatchTitle(ctx context.Context, query, fieldExpr string) (domain.Record, error) {
	f.gotQuery = domain.SearchQuery{Query: query, Fields: fieldExpr}
	return f.match, f.err
}

type fakeProxy struct {
	gotPath  string
	gotQuery url.Values
}

func (f *fakeProxy) Raw(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	f.gotPath, f.gotQuery = path, query
	return []byte(`{"proxied":true}`), nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func okPing(context.Context) error   { return nil }
func downPing(context.Context) error { return errors.New("connection refused") }

type env struct {
	papers   *fakePapers
	searcher *fakeSearch
	proxy    *fakeProxy
	router   http.Handler
}

func newEnv() *env {
	e := &env{
		papers:   &fakePapers{rec: domain.Record{"paperId": hexID, "title": "T"}},
		searcher: &fakeSearch{res: &search.Result{Total: 1, Data: []domain.Record{{"paperId": "p1"}}}},
		proxy:    &fakeProxy{},
	}
	handler := NewHandler(e.papers, e.searcher, e.proxy,
		map[string]Pinger{"postgres": pingFunc(okPing), "redis": pingFunc(okPing)},
		pingFunc(okPing))
	e.router = NewRouter(handler, nil)
	return e
}

func (e *env) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestGetPaperRoute(t *testing.T) {
	e := newEnv()
	w := e.do(t, http.MethodGet, "/api/v1/paper/"+hexID+"?fields=title,year", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, hexID, e.papers.gotRef)
	require.Equal(t, "title,year", e.papers.gotFields)

	var rec domain.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Equal(t, hexID, rec.PaperID())
}

func TestGetPaperSlashBearingRef(t *testing.T) {
	e := newEnv()
	w := e.do(t, http.MethodGet, "/api/v1/paper/DOI:10.18653/v1/N18-3011?fields=title", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "DOI:10.18653/v1/N18-3011", e.papers.gotRef)
}

func TestRelationsRoutes(t *testing.T) {
	e := newEnv()
	e.papers.relRes = &resolver.RelationResult{Total: 42, Offset: 10, Data: []domain.Record{{"paperId": "n1"}}}

	w := e.do(t, http.MethodGet, "/api/v1/paper/DOI:10.18653/v1/N18-3011/citations?offset=10&limit=5&fields=title", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "DOI:10.18653/v1/N18-3011", e.papers.gotRef)
	require.Equal(t, domain.RelationCitations, e.papers.gotKind)
	require.Equal(t, 10, e.papers.gotOffset)
	require.Equal(t, 5, e.papers.gotLimit)

	w = e.do(t, http.MethodGet, "/api/v1/paper/"+hexID+"/references", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, domain.RelationReferences, e.papers.gotKind)
	require.Equal(t, 0, e.papers.gotOffset, "offset defaults to 0")
	require.Equal(t, 100, e.papers.gotLimit, "limit defaults to 100")
}

func TestCacheRoutes(t *testing.T) {
	e := newEnv()

	w := e.do(t, http.MethodPost, "/api/v1/paper/"+hexID+"/cache/warm", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, hexID, e.papers.warmedRef)

	w = e.do(t, http.MethodDelete, "/api/v1/paper/"+hexID+"/cache", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, hexID, e.papers.purgedRef)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.EqualValues(t, 7, resp["deleted"])
}

func TestMethodNotAllowedInSubtree(t *testing.T) {
	e := newEnv()
	w := e.do(t, http.MethodPut, "/api/v1/paper/"+hexID, "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestInvalidPaginationParam(t *testing.T) {
	e := newEnv()
	w := e.do(t, http.MethodGet, "/api/v1/paper/"+hexID+"/citations?limit=ten", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", domain.ErrBadRequest, http.StatusBadRequest},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"alias conflict", domain.ErrAliasConflict, http.StatusConflict},
		{"deadline", context.DeadlineExceeded, http.StatusRequestTimeout},
		{"rate limited", &s2.APIError{Kind: s2.KindRateLimited, Status: 429}, http.StatusTooManyRequests},
		{"unavailable", &s2.APIError{Kind: s2.KindUnavailable, Status: 503}, http.StatusBadGateway},
		{"transport", &s2.APIError{Kind: s2.KindTransport}, http.StatusBadGateway},
		{"unauthorized", &s2.APIError{Kind: s2.KindUnauthorized, Status: 401}, http.StatusUnauthorized},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv()
			e.papers.err = tc.err
			e.papers.rec = nil
			w := e.do(t, http.MethodGet, "/api/v1/paper/"+hexID, "")
			require.Equal(t, tc.want, w.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.NotEmpty(t, resp.Error)
		})
	}
}

func TestBatchRoute(t *testing.T) {
	e := newEnv()
	e.papers.batch = []domain.Record{{"paperId": "p1"}, nil, {"paperId": "p3"}}

	w := e.do(t, http.MethodPost, "/api/v1/paper/batch",
		`{"ids":["p1","DOI:10.1/x","p3"],"fields":"title"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"p1", "DOI:10.1/x", "p3"}, e.papers.gotIDs)
	require.Equal(t, "title", e.papers.gotFields)

	var recs []domain.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 3)
	require.Nil(t, recs[1], "unresolvable ids stay explicit nulls")
}

func TestBatchRejectsBadBody(t *testing.T) {
	e := newEnv()
	w := e.do(t, http.MethodPost, "/api/v1/paper/batch", `{"ids": not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchRouteForwardsFilters(t *testing.T) {
	e := newEnv()
	w := e.do(t, http.MethodGet,
		"/api/v1/paper/search?query=attention&year=2020-2023&venue=NeurIPS&offset=20&limit=50&fields=title", "")
	require.Equal(t, http.StatusOK, w.Code)
	q := e.searcher.gotQuery
	require.Equal(t, "attention", q.Query)
	require.Equal(t, "2020-2023", q.Filters["year"])
	require.Equal(t, "NeurIPS", q.Filters["venue"])
	require.Equal(t, 20, q.Offset)
	require.Equal(t, 50, q.Limit)
	require.Equal(t, "title", q.Fields)
}

func TestMatchRoute(t *testing.T) {
	e := newEnv()
	e.searcher.match = domain.Record{"paperId": "m1", "title": "Best"}
	w := e.do(t, http.MethodGet, "/api/v1/paper/search/match?query=best+title&fields=title", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "best title", e.searcher.gotQuery.Query)

	var rec domain.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Equal(t, "m1", rec.PaperID())
}

func TestAuthorProxyPassthrough(t *testing.T) {
	e := newEnv()
	w := e.do(t, http.MethodGet, "/api/v1/author/1741101/papers?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "author/1741101/papers", e.proxy.gotPath)
	require.Equal(t, "10", e.proxy.gotQuery.Get("limit"))
	require.JSONEq(t, `{"proxied":true}`, w.Body.String())
}

func TestHealthStates(t *testing.T) {
	build := func(backends map[string]Pinger, upstream Pinger) http.Handler {
		papers := &fakePapers{}
		handler := NewHandler(papers, &fakeSearch{}, &fakeProxy{}, backends, upstream)
		return NewRouter(handler, nil)
	}

	t.Run("all up", func(t *testing.T) {
		router := build(map[string]Pinger{"postgres": pingFunc(okPing)}, pingFunc(okPing))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("backend down degrades", func(t *testing.T) {
		router := build(map[string]Pinger{"postgres": pingFunc(downPing)}, pingFunc(okPing))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, "degraded", resp["status"])
	})

	t.Run("upstream down only annotates", func(t *testing.T) {
		router := build(map[string]Pinger{"postgres": pingFunc(okPing)}, pingFunc(downPing))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		backends := resp["backends"].(map[string]any)
		require.Contains(t, backends["upstream"], "down")
	})
}
