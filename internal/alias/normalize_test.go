package alias

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
)

func TestParseRef(t *testing.T) {
	var cases = []struct {
		name    string
		raw     string
		want    domain.Ref
		wantErr bool
	}{
		{
			name: "canonical hex id",
			raw:  "649def34f8be52c8b66281af98ae884c09aef38b",
			want: domain.Ref{PaperID: "649def34f8be52c8b66281af98ae884c09aef38b"},
		},
		{
			name: "canonical hex id uppercase",
			raw:  "649DEF34F8BE52C8B66281AF98AE884C09AEF38B",
			want: domain.Ref{PaperID: "649def34f8be52c8b66281af98ae884c09aef38b"},
		},
		{
			name: "doi",
			raw:  "DOI:10.18653/v1/N18-3011",
			want: domain.Ref{Alias: domain.Alias{Kind: domain.KindDOI, Value: "10.18653/v1/n18-3011"}},
		},
		{
			name: "doi lowercase prefix",
			raw:  "doi:10.1038/Nature14539",
			want: domain.Ref{Alias: domain.Alias{Kind: domain.KindDOI, Value: "10.1038/nature14539"}},
		},
		{
			name: "arxiv with version",
			raw:  "ARXIV:2106.15928v2",
			want: domain.Ref{Alias: domain.Alias{Kind: domain.KindArXiv, Value: "2106.15928"}},
		},
		{
			name: "corpus id",
			raw:  "CORPUS_ID:215416146",
			want: domain.Ref{Alias: domain.Alias{Kind: domain.KindCorpusID, Value: "215416146"}},
		},
		{
			name: "corpus id without underscore",
			raw:  "CorpusId:215416146",
			want: domain.Ref{Alias: domain.Alias{Kind: domain.KindCorpusID, Value: "215416146"}},
		},
		{
			name: "pmcid lowercase",
			raw:  "pmcid:pmc7615447",
			want: domain.Ref{Alias: domain.Alias{Kind: domain.KindPMCID, Value: "PMC7615447"}},
		},
		{
			name: "url",
			raw:  "URL:https://www.Example.com/paper/42/",
			want: domain.Ref{Alias: domain.Alias{Kind: domain.KindURL, Value: "https://www.example.com/paper/42"}},
		},
		{name: "unprefixed", raw: "some-random-id", wantErr: true},
		{name: "unknown prefix", raw: "ISBN:978-3-16-148410-0", wantErr: true},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "empty value", raw: "DOI:", wantErr: true},
		{name: "39 hex chars falls through to prefix parse", raw: "649def34f8be52c8b66281af98ae884c09aef38", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRef(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				require.ErrorIs(t, err, domain.ErrBadRequest)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	var cases = []struct {
		kind    domain.Kind
		in      string
		want    string
		wantErr bool
	}{
		{kind: domain.KindDOI, in: "https://doi.org/10.18653/v1/N18-3011", want: "10.18653/v1/n18-3011"},
		{kind: domain.KindDOI, in: "doi:10.1145/3292500.3330919", want: "10.1145/3292500.3330919"},
		{kind: domain.KindDOI, in: "  10.1038/NATURE14539  ", want: "10.1038/nature14539"},
		{kind: domain.KindArXiv, in: "2106.15928v2", want: "2106.15928"},
		{kind: domain.KindArXiv, in: "arXiv:1706.03762", want: "1706.03762"},
		{kind: domain.KindArXiv, in: "math.GT/0309136", want: "math.gt/0309136"},
		{kind: domain.KindCorpusID, in: "0042", want: "42"},
		{kind: domain.KindCorpusID, in: "0", want: "0"},
		{kind: domain.KindCorpusID, in: "12ab", wantErr: true},
		{kind: domain.KindMAG, in: "2962835968", want: "2962835968"},
		{kind: domain.KindPMID, in: " 31253989 ", want: "31253989"},
		{kind: domain.KindPMCID, in: "pmc7615447", want: "PMC7615447"},
		{kind: domain.KindACL, in: "n18-3011", want: "N18-3011"},
		{kind: domain.KindURL, in: "HTTPS://Example.com/p?utm_source=x&id=7", want: "https://example.com/p?id=7"},
		{kind: domain.KindURL, in: "not a url", wantErr: true},
		{kind: domain.KindTitleNorm, in: "Attention Is All You Need!", want: "attentionisallyouneed"},
		{kind: domain.KindDOI, in: "   ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind)+"/"+tc.in, func(t *testing.T) {
			got, err := Normalize(tc.kind, tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTitleNorm(t *testing.T) {
	var cases = []struct {
		in   string
		want string
	}{
		{"Attention Is All You Need", "attentionisallyouneed"},
		{"  BERT:  Pre-training of Deep Bidirectional Transformers…  ", "bertpretrainingofdeepbidirectionaltransformers"},
		{"Eﬃcient Estimation", "efficientestimation"}, // NFKC expands the ffi ligature
		{"ествознание 2.0", "ествознание20"},
		{"!!!", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, TitleNorm(tc.in), "input %q", tc.in)
	}
}

func TestExtractAliases(t *testing.T) {
	rec := domain.Record{
		"paperId": "649def34f8be52c8b66281af98ae884c09aef38b",
		"title":   "Neural Text Generation!",
		"externalIds": map[string]any{
			"DOI":           "10.18653/v1/N18-3011",
			"CorpusId":      float64(44167998),
			"ArXiv":         "1711.09534v1",
			"PubMed":        "12345",
			"PubMedCentral": "pmc999",
			"DBLP":          "conf/naacl/XieG18", // no namespace, skipped
		},
	}
	got := ExtractAliases(rec)

	byKind := map[domain.Kind]string{}
	for _, a := range got {
		byKind[a.Kind] = a.Value
	}
	require.Equal(t, map[domain.Kind]string{
		domain.KindDOI:       "10.18653/v1/n18-3011",
		domain.KindCorpusID:  "44167998",
		domain.KindArXiv:     "1711.09534",
		domain.KindPMID:      "12345",
		domain.KindPMCID:     "PMC999",
		domain.KindTitleNorm: "neuraltextgeneration",
	}, byKind)
}

func TestExtractAliasesEmptyRecord(t *testing.T) {
	require.Empty(t, ExtractAliases(domain.Record{"paperId": "abc"}))
}
