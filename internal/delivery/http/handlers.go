package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/resolver"
	"github.com/tyqqj0/Paper-Parser/internal/search"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

// PaperService is the resolver surface the handlers consume.
type PaperService interface {
	GetPaper(ctx context.Context, rawRef, fieldExpr string) (domain.Record, error)
	GetPapersBatch(ctx context.Context, rawRefs []string, fieldExpr string) ([]domain.Record, error)
	GetRelations(ctx context.Context, rawRef string, kind domain.RelationKind, offset, limit int, fieldExpr string) (*resolver.RelationResult, error)
	InvalidateCache(ctx context.Context, rawRef string) (int, error)
	WarmCache(ctx context.Context, rawRef string) (string, error)
}

// SearchService is the search coordinator surface.
type SearchService interface {
	Search(ctx context.Context, q domain.SearchQuery) (*search.Result, error)
	MatchTitle(ctx context.Context, query, fieldExpr string) (domain.Record, error)
}

// Proxy forwards allowlisted requests to the upstream verbatim.
type Proxy interface {
	Raw(ctx context.Context, method, path string, query url.Values) ([]byte, error)
}

// Pinger is a backend reachability probe for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	papers   PaperService
	searcher SearchService
	proxy    Proxy
	backends map[string]Pinger
	upstream Pinger
}

func NewHandler(papers PaperService, searcher SearchService, proxy Proxy, backends map[string]Pinger, upstream Pinger) *Handler {
	return &Handler{
		papers:   papers,
		searcher: searcher,
		proxy:    proxy,
		backends: backends,
		upstream: upstream,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps the service error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAliasConflict):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	default:
		if kind, ok := s2.KindOf(err); ok {
			switch kind {
			case s2.KindBadRequest:
				status = http.StatusBadRequest
			case s2.KindUnauthorized:
				status = http.StatusUnauthorized
			case s2.KindNotFound:
				status = http.StatusNotFound
			case s2.KindTimeout:
				status = http.StatusRequestTimeout
			case s2.KindRateLimited:
				status = http.StatusTooManyRequests
			case s2.KindUnavailable, s2.KindTransport:
				status = http.StatusBadGateway
			}
		}
	}
	if status >= 500 {
		log.WithField("err", err).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// PaperSubtree demuxes everything under /api/v1/paper/ whose reference may
// itself contain slashes (DOIs, URLs): the action is recognized by a known
// suffix, the rest of the path is the reference.
func (h *Handler) PaperSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/paper/")
	if unescaped, err := url.PathUnescape(rest); err == nil {
		rest = unescaped
	}

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(rest, "/citations"):
		h.relations(w, r, strings.TrimSuffix(rest, "/citations"), domain.RelationCitations)
	case r.Method == http.MethodGet && strings.HasSuffix(rest, "/references"):
		h.relations(w, r, strings.TrimSuffix(rest, "/references"), domain.RelationReferences)
	case r.Method == http.MethodPost && strings.HasSuffix(rest, "/cache/warm"):
		h.warmCache(w, r, strings.TrimSuffix(rest, "/cache/warm"))
	case r.Method == http.MethodDelete && strings.HasSuffix(rest, "/cache"):
		h.invalidateCache(w, r, strings.TrimSuffix(rest, "/cache"))
	case r.Method == http.MethodGet:
		h.getPaper(w, r, rest)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	}
}

func (h *Handler) getPaper(w http.ResponseWriter, r *http.Request, ref string) {
	rec, err := h.papers.GetPaper(r.Context(), ref, r.URL.Query().Get("fields"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) relations(w http.ResponseWriter, r *http.Request, ref string, kind domain.RelationKind) {
	offset, limit, err := pageParams(r, 0, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.papers.GetRelations(r.Context(), ref, kind, offset, limit, r.URL.Query().Get("fields"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	IDs    []string `json:"ids"`
	Fields string   `json:"fields"`
}

func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	fields := req.Fields
	if fields == "" {
		fields = r.URL.Query().Get("fields")
	}
	recs, err := h.papers.GetPapersBatch(r.Context(), req.IDs, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// searchFilters are the upstream filter parameters forwarded verbatim.
var searchFilters = [...]string{"year", "venue", "fieldsOfStudy", "openAccessPdf", "publicationTypes", "publicationDateOrYear", "minCitationCount"}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit, err := pageParams(r, 0, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	filters := map[string]string{}
	for _, f := range searchFilters {
		if v := q.Get(f); v != "" {
			filters[f] = v
		}
	}
	res, err := h.searcher.Search(r.Context(), domain.SearchQuery{
		Query:   q.Get("query"),
		Filters: filters,
		Offset:  offset,
		Limit:   limit,
		Fields:  q.Get("fields"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) MatchTitle(w http.ResponseWriter, r *http.Request) {
	rec, err := h.searcher.MatchTitle(r.Context(), r.URL.Query().Get("query"), r.URL.Query().Get("fields"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) invalidateCache(w http.ResponseWriter, r *http.Request, ref string) {
	deleted, err := h.papers.InvalidateCache(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handler) warmCache(w http.ResponseWriter, r *http.Request, ref string) {
	paperID, err := h.papers.WarmCache(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paper_id": paperID, "warmed": true})
}

// Autocomplete passes through to the upstream; results are not cached.
func (h *Handler) Autocomplete(w http.ResponseWriter, r *http.Request) {
	h.passthrough(w, r, "paper/autocomplete")
}

// AuthorProxy forwards author queries verbatim; the service does not cache
// author-centric data.
func (h *Handler) AuthorProxy(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	h.passthrough(w, r, rest)
}

func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, path string) {
	body, err := h.proxy.Raw(r.Context(), http.MethodGet, path, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, p := range h.backends {
		if err := p.Ping(ctx); err != nil {
			status[name] = "down: " + err.Error()
			healthy = false
		} else {
			status[name] = "ok"
		}
	}
	if h.upstream != nil {
		// upstream being down degrades but does not fail the service; stale
		// copies still serve
		if err := h.upstream.Ping(ctx); err != nil {
			status["upstream"] = "down: " + err.Error()
		} else {
			status["upstream"] = "ok"
		}
	}

	code := http.StatusOK
	overall := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": overall, "backends": status})
}

func pageParams(r *http.Request, defOffset, defLimit int) (int, int, error) {
	offset, err := intParam(r, "offset", defOffset)
	if err != nil {
		return 0, 0, err
	}
	limit, err := intParam(r, "limit", defLimit)
	if err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s parameter %q", domain.ErrBadRequest, name, v)
	}
	return n, nil
}
