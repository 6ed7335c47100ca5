// Package s2 is the typed client for the Semantic Scholar Graph API: the
// only upstream this service talks to. All calls are rate limited through a
// shared token bucket and retried with exponential backoff where a retry
// can help.
package s2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
	"github.com/tyqqj0/Paper-Parser/internal/metrics"
)

const defaultBaseURL = "https://api.semanticscholar.org/graph/v1"

// HealthProbeID is a stable, well-known paper used to probe upstream health.
const HealthProbeID = "649def34f8be52c8b66281af98ae884c09aef38b"

// Config carries the client knobs. Zero values get sensible defaults; a
// RateLimit of 0 disables throttling (tests).
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RateLimit     int // requests per RateWindow
	RateWindow    time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Client communicates with the Graph API.
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	limiter       *rate.Limiter
	retryAttempts int
	retryBackoff  time.Duration
}

func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts < 3 {
		attempts = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		limit = rate.Limit(float64(cfg.RateLimit) / window.Seconds())
	}
	return &Client{
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		httpClient:    &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(limit, 1),
		retryAttempts: attempts,
		retryBackoff:  backoff,
	}
}

// FetchPaper fetches one paper by any identifier the upstream accepts
// (40-hex id or a prefixed external id, slashes and all).
func (c *Client) FetchPaper(ctx context.Context, id string, fields string) (domain.Record, error) {
	params := url.Values{}
	if fields != "" {
		params.Set("fields", fields)
	}
	body, err := c.do(ctx, "fetch_paper", http.MethodGet, "/paper/"+id, params, nil)
	if err != nil {
		return nil, err
	}
	var rec domain.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode paper response: %w", err)
	}
	return rec, nil
}

// FetchBatch fetches up to 500 papers in one call. The result preserves
// input order; ids the upstream cannot resolve yield nil entries.
func (c *Client) FetchBatch(ctx context.Context, ids []string, fields string) ([]domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 500 {
		return nil, &APIError{Kind: KindBadRequest, Message: fmt.Sprintf("max 500 ids per batch, got %d", len(ids))}
	}
	params := url.Values{}
	if fields != "" {
		params.Set("fields", fields)
	}
	payload, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{IDs: ids})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, "fetch_batch", http.MethodPost, "/paper/batch", params, payload)
	if err != nil {
		return nil, err
	}
	var recs []domain.Record
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return recs, nil
}

// relationEnvelope keys carried from the edge onto the flattened item.
var edgeFields = [...]string{"contexts", "intents", "isInfluential"}

// FetchRelations fetches one page of citations or references. Items are
// flattened: neighbor paper fields at the top level plus the edge
// attributes. Total is zero unless the upstream reports one; callers
// overlay the paper's own relation count.
func (c *Client) FetchRelations(ctx context.Context, paperID string, kind domain.RelationKind, offset, limit int, fields string) (*domain.RelationPage, error) {
	if !kind.Valid() {
		return nil, &APIError{Kind: KindBadRequest, Message: fmt.Sprintf("unknown relation kind %q", kind)}
	}
	params := url.Values{}
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(limit))
	if fields != "" {
		params.Set("fields", fields)
	}
	body, err := c.do(ctx, "fetch_"+string(kind), http.MethodGet, "/paper/"+paperID+"/"+string(kind), params, nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Total  int              `json:"total"`
		Offset int              `json:"offset"`
		Next   *int             `json:"next"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", kind, err)
	}
	page := &domain.RelationPage{
		Total:  raw.Total,
		Offset: raw.Offset,
		Next:   raw.Next,
		Items:  make([]domain.Record, 0, len(raw.Data)),
	}
	for _, env := range raw.Data {
		page.Items = append(page.Items, flattenRelationItem(env, kind))
	}
	return page, nil
}

func flattenRelationItem(env map[string]any, kind domain.RelationKind) domain.Record {
	item := domain.Record{}
	if inner, ok := env[kind.EnvelopeKey()].(map[string]any); ok {
		for k, v := range inner {
			item[k] = v
		}
	}
	for _, k := range edgeFields {
		if v, ok := env[k]; ok {
			item[k] = v
		}
	}
	return item
}

// Search runs a relevance search. Filters are forwarded verbatim.
func (c *Client) Search(ctx context.Context, q domain.SearchQuery) (*domain.SearchPage, error) {
	params := url.Values{}
	params.Set("query", q.Query)
	params.Set("offset", strconv.Itoa(q.Offset))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Fields != "" {
		params.Set("fields", q.Fields)
	}
	for k, v := range q.Filters {
		params.Set(k, v)
	}
	body, err := c.do(ctx, "search", http.MethodGet, "/paper/search", params, nil)
	if err != nil {
		return nil, err
	}
	var page domain.SearchPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &page, nil
}

// MatchTitle returns the single closest title match.
func (c *Client) MatchTitle(ctx context.Context, query string, fields string) (domain.Record, error) {
	params := url.Values{}
	params.Set("query", query)
	if fields != "" {
		params.Set("fields", fields)
	}
	body, err := c.do(ctx, "match_title", http.MethodGet, "/paper/search/match", params, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Data []domain.Record `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode match response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, &APIError{Kind: KindNotFound, Message: "no title match"}
	}
	return result.Data[0], nil
}

// Raw forwards an arbitrary Graph API request and returns the body
// untouched. The pass-through proxy routes go through here so they share
// the limiter and retry policy.
func (c *Client) Raw(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, "raw", method, "/"+path, query, nil)
}

// Health probes the upstream with a minimal fetch of a well-known paper.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.FetchPaper(ctx, HealthProbeID, "paperId")
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload []byte) ([]byte, error) {
	var lastErr *APIError
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			metrics.UpstreamRetries.Inc()
			if err := sleep(ctx, c.backoff(attempt, lastErr)); err != nil {
				return nil, lastErr
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &APIError{Kind: KindTimeout, Message: "canceled while waiting for rate limiter: " + err.Error()}
		}

		body, apiErr := c.once(ctx, method, path, query, payload)
		if apiErr == nil {
			metrics.UpstreamRequests.WithLabelValues(op, "200").Inc()
			return body, nil
		}
		metrics.UpstreamRequests.WithLabelValues(op, apiErr.code()).Inc()
		if !apiErr.Retryable() {
			return nil, apiErr
		}
		lastErr = apiErr
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, *APIError) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, &APIError{Kind: KindBadRequest, Message: err.Error()}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return nil, &APIError{Kind: KindTimeout, Message: err.Error()}
		}
		return nil, &APIError{Kind: KindTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Message: "read response: " + err.Error()}
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		apiErr.Kind = KindBadRequest
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr.Kind = KindUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		apiErr.Kind = KindNotFound
	case resp.StatusCode == http.StatusRequestTimeout:
		apiErr.Kind = KindTimeout
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		apiErr.Kind = KindUnavailable
	default:
		apiErr.Kind = KindBadRequest
	}
	return nil, apiErr
}

// backoff doubles per attempt with jitter; an upstream Retry-After wins.
func (c *Client) backoff(attempt int, last *APIError) time.Duration {
	if last != nil && last.RetryAfter > 0 {
		return last.RetryAfter
	}
	d := c.retryBackoff << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *APIError) code() string {
	if e.Status != 0 {
		return strconv.Itoa(e.Status)
	}
	return string(e.Kind)
}

// errorMessage pulls the upstream's error string out of the body, falling
// back to a truncated dump.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return truncateStr(string(body), 300)
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
