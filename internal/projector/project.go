package projector

import "github.com/tyqqj0/Paper-Parser/internal/domain"

// identityKeys are carried through every map projection so list elements
// stay addressable however narrow the request.
var identityKeys = [...]string{"paperId", "authorId"}

// Apply narrows rec to the parsed expression. Requested-but-missing fields
// stay absent, unknown requested fields are ignored, scalars are never
// narrowed further.
func Apply(rec domain.Record, t *Tree) domain.Record {
	out, ok := project(map[string]any(rec), t).(map[string]any)
	if !ok {
		return domain.Record{}
	}
	return domain.Record(out)
}

// ApplyAll projects each item of a list with the same tree.
func ApplyAll(items []domain.Record, t *Tree) []domain.Record {
	out := make([]domain.Record, len(items))
	for i, it := range items {
		out[i] = Apply(it, t)
	}
	return out
}

func project(v any, t *Tree) any {
	if t == nil || t.all {
		return v
	}
	switch vv := v.(type) {
	case domain.Record:
		return project(map[string]any(vv), t)
	case map[string]any:
		out := make(map[string]any, len(t.children)+1)
		for name, sub := range t.children {
			if raw, ok := vv[name]; ok {
				out[name] = project(raw, sub)
			}
		}
		for _, k := range identityKeys {
			if id, ok := vv[k]; ok {
				out[k] = id
			}
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, el := range vv {
			out[i] = project(el, t)
		}
		return out
	case []domain.Record:
		out := make([]any, len(vv))
		for i, el := range vv {
			out[i] = project(map[string]any(el), t)
		}
		return out
	default:
		// a scalar reached by a deeper path is returned as-is
		return v
	}
}
