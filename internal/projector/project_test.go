package projector

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
)

func testRecord(t *testing.T) domain.Record {
	t.Helper()
	raw := `{
		"paperId": "649def34f8be52c8b66281af98ae884c09aef38b",
		"title": "Neural Text Generation",
		"abstract": "We study...",
		"year": 2018,
		"venue": "NAACL",
		"citationCount": 42,
		"externalIds": {"DOI": "10.18653/v1/N18-3011", "CorpusId": 44167998},
		"tldr": {"model": "tldr@v2.0.0", "text": "A short summary."},
		"authors": [
			{"authorId": "1741101", "name": "Alice Writer", "affiliations": ["MIT"]},
			{"authorId": "40895369", "name": "Bob Scholar", "affiliations": []}
		],
		"citations": [
			{"paperId": "aaa1", "title": "Follow-up one", "year": 2019, "isInfluential": true},
			{"paperId": "bbb2", "title": "Follow-up two", "year": 2020, "isInfluential": false}
		]
	}`
	var rec domain.Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	return rec
}

func mustParse(t *testing.T, expr string) *Tree {
	t.Helper()
	tree, err := New().Parse(expr)
	require.NoError(t, err)
	return tree
}

func TestApplyScalars(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, "title,abstract"))

	require.Equal(t, domain.Record{
		"paperId":  "649def34f8be52c8b66281af98ae884c09aef38b",
		"title":    "Neural Text Generation",
		"abstract": "We study...",
	}, got)
}

func TestApplyAlwaysIncludesPaperID(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, "year"))
	require.Equal(t, "649def34f8be52c8b66281af98ae884c09aef38b", got.PaperID())
	require.Len(t, got, 2)
}

func TestApplyNestedPath(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, "tldr.text"))
	require.Equal(t, map[string]any{"text": "A short summary."}, got["tldr"])
}

func TestApplyArrayElementwise(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, "authors.name"))

	authors, ok := got["authors"].([]any)
	require.True(t, ok)
	require.Len(t, authors, 2)
	// authorId is an identity key: retained without being requested
	require.Equal(t, map[string]any{"authorId": "1741101", "name": "Alice Writer"}, authors[0])
	require.Equal(t, map[string]any{"authorId": "40895369", "name": "Bob Scholar"}, authors[1])
}

func TestApplyRelationItemsKeepIdentity(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, "citations.year"))

	cites, ok := got["citations"].([]any)
	require.True(t, ok)
	first, ok := cites[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "aaa1", first["paperId"])
	require.Equal(t, float64(2019), first["year"])
	_, hasTitle := first["title"]
	require.False(t, hasTitle)
}

func TestApplyWholeSubtree(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, "externalIds"))
	require.Equal(t, rec["externalIds"], got["externalIds"])
}

func TestApplyMissingAndUnknownFields(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, "title,openAccessPdf,noSuchField"))

	_, hasPdf := got["openAccessPdf"]
	require.False(t, hasPdf, "missing fields must be absent, not null")
	_, hasUnknown := got["noSuchField"]
	require.False(t, hasUnknown)
	require.Equal(t, "Neural Text Generation", got["title"])
}

func TestApplyScalarNeverNarrowed(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, "title.inner"))
	require.Equal(t, "Neural Text Generation", got["title"])
}

func TestApplyDefaultExpr(t *testing.T) {
	rec := testRecord(t)
	got := Apply(rec, mustParse(t, ""))
	require.Equal(t, domain.Record{
		"paperId": "649def34f8be52c8b66281af98ae884c09aef38b",
		"title":   "Neural Text Generation",
	}, got)
}

func TestApplyPureAndIdempotent(t *testing.T) {
	rec := testRecord(t)
	before, err := json.Marshal(rec)
	require.NoError(t, err)

	tree := mustParse(t, "title,authors.name,tldr.text")
	once := Apply(rec, tree)
	twice := Apply(once, tree)
	require.Equal(t, once, twice)

	after, err := json.Marshal(rec)
	require.NoError(t, err)
	require.JSONEq(t, string(before), string(after), "projection must not mutate its input")
}

func TestApplyOverlappingPaths(t *testing.T) {
	rec := testRecord(t)
	// requesting both the whole subtree and a narrower path keeps the whole
	got := Apply(rec, mustParse(t, "tldr,tldr.text"))
	require.Equal(t, rec["tldr"], got["tldr"])
}

func TestParseErrors(t *testing.T) {
	p := New()
	for _, expr := range []string{",title", "title,", "a..b", "title;drop", "authors..name", " , "} {
		_, err := p.Parse(expr)
		require.Error(t, err, "expr %q", expr)
		require.ErrorIs(t, err, domain.ErrBadRequest)
	}
}

func TestParseCacheReuse(t *testing.T) {
	p := New()
	t1, err := p.Parse("title,abstract")
	require.NoError(t, err)
	t2, err := p.Parse("title,abstract")
	require.NoError(t, err)
	require.Same(t, t1, t2)
}
