// Package projector narrows schema-free paper records to a requested field
// expression. Projection is pure: inputs are never mutated and projecting an
// already-projected record is a no-op.
package projector

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
)

// DefaultExpr is applied when a request carries no fields parameter.
const DefaultExpr = "paperId,title"

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Tree is a parsed field expression. A node with all set was requested as a
// whole; its entire subtree is included.
type Tree struct {
	all      bool
	children map[string]*Tree
}

// Projector parses field expressions, keeping recently parsed trees in an
// LRU since clients tend to reuse a handful of expressions.
type Projector struct {
	cache *lru.Cache[string, *Tree]
}

func New() *Projector {
	cache, _ := lru.New[string, *Tree](512)
	return &Projector{cache: cache}
}

// Parse validates and parses a comma-separated list of dotted paths. An
// empty expression yields the default projection.
func (p *Projector) Parse(expr string) (*Tree, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		e = DefaultExpr
	}
	if t, ok := p.cache.Get(e); ok {
		return t, nil
	}
	t, err := parse(e)
	if err != nil {
		return nil, err
	}
	p.cache.Add(e, t)
	return t, nil
}

func parse(expr string) (*Tree, error) {
	root := &Tree{children: map[string]*Tree{}}
	for _, path := range strings.Split(expr, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, fmt.Errorf("%w: empty path in field expression", domain.ErrBadRequest)
		}
		node := root
		for _, seg := range strings.Split(path, ".") {
			seg = strings.TrimSpace(seg)
			if !segmentRe.MatchString(seg) {
				return nil, fmt.Errorf("%w: invalid field path %q", domain.ErrBadRequest, path)
			}
			child, ok := node.children[seg]
			if !ok {
				child = &Tree{children: map[string]*Tree{}}
				node.children[seg] = child
			}
			node = child
		}
		node.all = true
	}
	return root, nil
}
