package domain

import "errors"

var (
	// ErrBadRequest covers malformed refs, field expressions and parameters.
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound is returned when neither the caches nor the upstream know
	// the paper. Cached negatively for a short period.
	ErrNotFound = errors.New("paper not found")

	// ErrAliasConflict marks an alias that already points at a different
	// canonical id. The original mapping is kept.
	ErrAliasConflict = errors.New("alias conflict")
)
