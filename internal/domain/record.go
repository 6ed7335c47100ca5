package domain

import (
	"encoding/json"
	"time"
)

// Record is a schema-free paper record as returned by the upstream Graph
// API. Nested values are maps, slices and JSON scalars; numeric leaves may
// be float64 (decoded JSON) or Go integers (records built in process).
type Record map[string]any

func (r Record) PaperID() string {
	s, _ := r["paperId"].(string)
	return s
}

func (r Record) Title() string {
	s, _ := r["title"].(string)
	return s
}

func (r Record) ExternalIDs() map[string]any {
	m, _ := r["externalIds"].(map[string]any)
	return m
}

func (r Record) CitationCount() int {
	n, _ := r.Int("citationCount")
	return n
}

func (r Record) ReferenceCount() int {
	n, _ := r.Int("referenceCount")
	return n
}

// Int reads a numeric field regardless of how it was decoded.
func (r Record) Int(key string) (int, bool) {
	switch v := r[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func (r Record) Str(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

// Clone returns a copy whose top-level map is independent of r. Nested
// values are shared; callers only use it to add or replace top-level keys.
func (r Record) Clone() Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StoredPaper is a Graph Store row: the full record plus bookkeeping the
// store maintains outside the record itself.
type StoredPaper struct {
	Record            Record       `json:"record"`
	IngestStatus      IngestStatus `json:"ingest_status"`
	FetchedAt         time.Time    `json:"fetched_at"`
	MetadataUpdatedAt time.Time    `json:"metadata_updated_at"`
}

// Fresh reports whether the stored copy is recent enough to serve without
// consulting the upstream.
func (p *StoredPaper) Fresh(now time.Time, window time.Duration) bool {
	if p == nil || p.MetadataUpdatedAt.IsZero() {
		return false
	}
	return now.Sub(p.MetadataUpdatedAt) < window
}

// IngestStatus tracks how much of a paper the Graph Store holds. Neighbor
// papers discovered through relation pages are stored as stubs until a
// direct fetch upgrades them.
type IngestStatus string

const (
	IngestStub IngestStatus = "stub"
	IngestFull IngestStatus = "full"
)

// RelationPage is one upstream page of citations or references. Items are
// flattened: neighbor paper fields at the top level together with the edge
// attributes (contexts, intents, isInfluential).
type RelationPage struct {
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
	Next   *int     `json:"next,omitempty"`
	Items  []Record `json:"data"`
}

// RelationView is the merged, cache-resident form of a paper's relations.
// Fetched may trail Total when ingestion is still running or was truncated.
type RelationView struct {
	Total   int      `json:"total"`
	Fetched int      `json:"fetched"`
	Items   []Record `json:"items"`
}

// Covers reports whether the view can serve the requested slice without
// falling through to a deeper tier.
func (v *RelationView) Covers(offset, limit int) bool {
	if v == nil {
		return false
	}
	if offset >= v.Total {
		return true
	}
	return offset+limit <= v.Fetched
}

// Slice returns the items for [offset, offset+limit), clamped.
func (v *RelationView) Slice(offset, limit int) []Record {
	if offset >= len(v.Items) {
		return []Record{}
	}
	end := offset + limit
	if end > len(v.Items) {
		end = len(v.Items)
	}
	return v.Items[offset:end]
}

// RelationSlice is a window into a durable relation blob.
type RelationSlice struct {
	Total     int       `json:"total"`
	ItemCount int       `json:"item_count"`
	Items     []Record  `json:"items"`
	Complete  bool      `json:"complete"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchQuery is a relevance search against the upstream.
type SearchQuery struct {
	Query   string
	Filters map[string]string
	Offset  int
	Limit   int
	Fields  string
}

// SearchPage is one page of search results.
type SearchPage struct {
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
	Next   *int     `json:"next,omitempty"`
	Items  []Record `json:"data"`
}
