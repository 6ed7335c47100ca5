package domain

import "time"

// Kind is an external identifier namespace. Values are normalized per kind
// before storage or lookup (see internal/alias).
type Kind string

const (
	KindDOI       Kind = "DOI"
	KindArXiv     Kind = "ARXIV"
	KindCorpusID  Kind = "CORPUS_ID"
	KindMAG       Kind = "MAG"
	KindACL       Kind = "ACL"
	KindPMID      Kind = "PMID"
	KindPMCID     Kind = "PMCID"
	KindURL       Kind = "URL"
	KindTitleNorm Kind = "TITLE_NORM"
)

// Alias is a normalized (kind, value) pair pointing at a canonical paper id.
type Alias struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// upstream identifier prefixes; TITLE_NORM has none and is never sent.
var upstreamPrefixes = map[Kind]string{
	KindDOI:      "DOI",
	KindArXiv:    "ARXIV",
	KindCorpusID: "CorpusId",
	KindMAG:      "MAG",
	KindACL:      "ACL",
	KindPMID:     "PMID",
	KindPMCID:    "PMCID",
	KindURL:      "URL",
}

// Ref is a parsed inbound paper reference: either a canonical 40-hex id or
// a normalized alias.
type Ref struct {
	PaperID string
	Alias   Alias
}

func (r Ref) IsCanonical() bool { return r.PaperID != "" }

// UpstreamID renders the ref in the identifier syntax the upstream accepts.
func (r Ref) UpstreamID() string {
	if r.PaperID != "" {
		return r.PaperID
	}
	p, ok := upstreamPrefixes[r.Alias.Kind]
	if !ok {
		return r.Alias.Value
	}
	return p + ":" + r.Alias.Value
}

// Key is a stable string form used for lock and negative-cache keys.
func (r Ref) Key() string {
	if r.PaperID != "" {
		return r.PaperID
	}
	return string(r.Alias.Kind) + ":" + r.Alias.Value
}

// RelationKind selects one of the two citation graph directions.
type RelationKind string

const (
	RelationCitations  RelationKind = "citations"
	RelationReferences RelationKind = "references"
)

func (k RelationKind) Valid() bool {
	return k == RelationCitations || k == RelationReferences
}

// EnvelopeKey is the upstream wrapper key holding the neighbor paper in a
// raw relation item.
func (k RelationKind) EnvelopeKey() string {
	if k == RelationCitations {
		return "citingPaper"
	}
	return "citedPaper"
}

// CountField is the record field holding the relation total.
func (k RelationKind) CountField() string {
	if k == RelationCitations {
		return "citationCount"
	}
	return "referenceCount"
}

// IngestState tracks a segmented relation ingestion run.
type IngestState string

const (
	IngestStatePending  IngestState = "pending"
	IngestStateRunning  IngestState = "running"
	IngestStateComplete IngestState = "complete"
	IngestStateFailed   IngestState = "failed"
)

type IngestProgress struct {
	PaperID       string       `json:"paper_id"`
	Kind          RelationKind `json:"kind"`
	State         IngestState  `json:"state"`
	PagesFetched  int          `json:"pages_fetched"`
	ItemsMerged   int          `json:"items_merged"`
	ExpectedTotal int          `json:"expected_total"`
	Truncated     bool         `json:"truncated,omitempty"`
	Error         string       `json:"error,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
