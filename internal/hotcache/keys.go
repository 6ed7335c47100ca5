// Package hotcache is the shared TTL'd KV tier: paper records, relation
// views and pages, negative entries, search pages and the single-flight
// coordination tokens.
package hotcache

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
)

// Keys builds the cache key namespace under one deployment prefix so
// several instances can share a store without collisions.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "pp"
	}
	return Keys{prefix: prefix}
}

func (k Keys) PaperFull(paperID string) string {
	return fmt.Sprintf("%s:paper:%s:full", k.prefix, paperID)
}

// PaperPrefix is the scan prefix covering every entry of one paper.
func (k Keys) PaperPrefix(paperID string) string {
	return fmt.Sprintf("%s:paper:%s:", k.prefix, paperID)
}

func (k Keys) RelationView(paperID string, kind domain.RelationKind) string {
	return fmt.Sprintf("%s:paper:%s:relations:%s", k.prefix, paperID, kind)
}

func (k Keys) RelationPage(paperID string, kind domain.RelationKind, page int) string {
	return fmt.Sprintf("%s:paper:%s:relations:%s:page:%d", k.prefix, paperID, kind, page)
}

func (k Keys) RelationRange(paperID string, kind domain.RelationKind, offset, limit int) string {
	return fmt.Sprintf("%s:paper:%s:relations:%s:range:%d:%d", k.prefix, paperID, kind, offset, limit)
}

func (k Keys) IngestProgress(paperID string, kind domain.RelationKind) string {
	return fmt.Sprintf("%s:paper:%s:ingest:%s", k.prefix, paperID, kind)
}

// Ref accelerates alias resolution: the value is the canonical paper id.
func (k Keys) Ref(a domain.Alias) string {
	return fmt.Sprintf("%s:ref:%s:%s", k.prefix, a.Kind, a.Value)
}

// Negative marks a ref the upstream answered 404 for.
func (k Keys) Negative(refKey string) string {
	return fmt.Sprintf("%s:neg:paper:%s", k.prefix, refKey)
}

// PaperLock is the single-flight token for one paper fetch.
func (k Keys) PaperLock(refKey string) string {
	return fmt.Sprintf("%s:lock:paper:%s", k.prefix, refKey)
}

func (k Keys) IngestLock(paperID string, kind domain.RelationKind) string {
	return fmt.Sprintf("%s:lock:ingest:%s:%s", k.prefix, paperID, kind)
}

func (k Keys) Search(fingerprint string) string {
	return fmt.Sprintf("%s:search:%s", k.prefix, fingerprint)
}

// Fuzz spreads a TTL by ±10% so entries written together do not expire
// together.
func Fuzz(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	delta := int64(ttl / 10)
	if delta == 0 {
		return ttl
	}
	return ttl - time.Duration(delta) + time.Duration(rand.Int63n(2*delta))
}
