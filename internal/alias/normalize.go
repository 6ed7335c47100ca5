// Package alias parses inbound paper references and maintains the durable
// mapping from external identifiers to canonical paper ids.
package alias

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
)

var (
	hexIDRe        = regexp.MustCompile(`^[0-9a-f]{40}$`)
	arxivVersionRe = regexp.MustCompile(`v\d+$`)
	digitsRe       = regexp.MustCompile(`^\d+$`)
)

// prefixKinds maps accepted ref prefixes (upper-cased) to alias kinds.
// TITLE_NORM is deliberately absent: title-only lookups are refused.
var prefixKinds = map[string]domain.Kind{
	"DOI":       domain.KindDOI,
	"ARXIV":     domain.KindArXiv,
	"CORPUS_ID": domain.KindCorpusID,
	"CORPUSID":  domain.KindCorpusID,
	"MAG":       domain.KindMAG,
	"ACL":       domain.KindACL,
	"PMID":      domain.KindPMID,
	"PMCID":     domain.KindPMCID,
	"URL":       domain.KindURL,
}

// externalIDKinds maps upstream externalIds keys to alias kinds. Keys the
// index has no namespace for (DBLP, ...) are skipped.
var externalIDKinds = map[string]domain.Kind{
	"DOI":           domain.KindDOI,
	"ArXiv":         domain.KindArXiv,
	"CorpusId":      domain.KindCorpusID,
	"MAG":           domain.KindMAG,
	"ACL":           domain.KindACL,
	"PubMed":        domain.KindPMID,
	"PubMedCentral": domain.KindPMCID,
	"URL":           domain.KindURL,
}

// ParseRef parses a raw inbound reference. A 40-hex string is the canonical
// id itself; anything else must carry a recognized KIND: prefix. No
// heuristic sniffing: an unprefixed non-canonical ref is a bad request.
func ParseRef(raw string) (domain.Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return domain.Ref{}, fmt.Errorf("%w: empty paper reference", domain.ErrBadRequest)
	}
	if lower := strings.ToLower(s); hexIDRe.MatchString(lower) {
		return domain.Ref{PaperID: lower}, nil
	}
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok {
		return domain.Ref{}, fmt.Errorf("%w: reference %q is neither a 40-hex paper id nor a prefixed identifier", domain.ErrBadRequest, raw)
	}
	kind, ok := prefixKinds[strings.ToUpper(strings.TrimSpace(prefix))]
	if !ok {
		return domain.Ref{}, fmt.Errorf("%w: unrecognized id prefix %q", domain.ErrBadRequest, prefix)
	}
	value, err := Normalize(kind, rest)
	if err != nil {
		return domain.Ref{}, err
	}
	return domain.Ref{Alias: domain.Alias{Kind: kind, Value: value}}, nil
}

// Normalize canonicalizes an identifier value for its kind so that spelling
// variants share one alias row.
func Normalize(kind domain.Kind, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", fmt.Errorf("%w: empty %s identifier", domain.ErrBadRequest, kind)
	}
	switch kind {
	case domain.KindDOI:
		return normalizeDOI(v), nil
	case domain.KindArXiv:
		v = strings.ToLower(v)
		v = strings.TrimPrefix(v, "arxiv:")
		return arxivVersionRe.ReplaceAllString(v, ""), nil
	case domain.KindCorpusID, domain.KindMAG:
		if !digitsRe.MatchString(v) {
			return "", fmt.Errorf("%w: %s must be numeric, got %q", domain.ErrBadRequest, kind, value)
		}
		if trimmed := strings.TrimLeft(v, "0"); trimmed != "" {
			return trimmed, nil
		}
		return "0", nil
	case domain.KindACL, domain.KindPMID, domain.KindPMCID:
		return strings.ToUpper(v), nil
	case domain.KindURL:
		return normalizeURL(v)
	case domain.KindTitleNorm:
		n := TitleNorm(v)
		if n == "" {
			return "", fmt.Errorf("%w: title normalizes to nothing", domain.ErrBadRequest)
		}
		return n, nil
	default:
		return "", fmt.Errorf("%w: unknown identifier kind %q", domain.ErrBadRequest, kind)
	}
}

var doiSchemes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi:",
}

func normalizeDOI(v string) string {
	lower := strings.ToLower(v)
	for _, scheme := range doiSchemes {
		if strings.HasPrefix(lower, scheme) {
			lower = lower[len(scheme):]
			break
		}
	}
	return strings.TrimSpace(lower)
}

func normalizeURL(v string) (string, error) {
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: invalid URL identifier %q", domain.ErrBadRequest, v)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// TitleNorm reduces a title to its comparable core: NFKC, lowercased,
// letters and digits only.
func TitleNorm(title string) string {
	var b strings.Builder
	for _, r := range norm.NFKC.String(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// ExtractAliases collects every alias a fetched record vouches for: its
// externalIds entries plus the normalized title.
func ExtractAliases(rec domain.Record) []domain.Alias {
	var out []domain.Alias
	for key, raw := range rec.ExternalIDs() {
		kind, ok := externalIDKinds[key]
		if !ok {
			continue
		}
		var value string
		switch x := raw.(type) {
		case string:
			value = x
		case float64:
			value = strconv.FormatInt(int64(x), 10)
		case int:
			value = strconv.Itoa(x)
		case int64:
			value = strconv.FormatInt(x, 10)
		default:
			continue
		}
		normed, err := Normalize(kind, value)
		if err != nil {
			continue
		}
		out = append(out, domain.Alias{Kind: kind, Value: normed})
	}
	if t := rec.Title(); t != "" {
		if n := TitleNorm(t); n != "" {
			out = append(out, domain.Alias{Kind: domain.KindTitleNorm, Value: n})
		}
	}
	return out
}
