package hotcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyqqj0/Paper-Parser/internal/domain"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte(`{"a":1}`), 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(v))
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	now = now.Add(59 * time.Second)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreSetNX(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	won, err := s.SetNX(ctx, "lock", []byte("owner-a"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.SetNX(ctx, "lock", []byte("owner-b"), time.Minute)
	require.NoError(t, err)
	require.False(t, won)

	// expired token can be re-acquired
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Set(ctx, "lock2", []byte("owner-a"), time.Second))
	now = now.Add(2 * time.Second)
	won, err = s.SetNX(ctx, "lock2", []byte("owner-b"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestMemoryStoreDeleteIfEqual(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock", []byte("owner-a"), 0))

	ok, err := s.DeleteIfEqual(ctx, "lock", []byte("owner-b"))
	require.NoError(t, err)
	require.False(t, ok)
	_, present, _ := s.Get(ctx, "lock")
	require.True(t, present)

	ok, err = s.DeleteIfEqual(ctx, "lock", []byte("owner-a"))
	require.NoError(t, err)
	require.True(t, ok)
	_, present, _ = s.Get(ctx, "lock")
	require.False(t, present)
}

func TestMemoryStoreMGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "c", []byte("3"), 0))

	got, err := s.MGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []byte("1"), got[0])
	require.Nil(t, got[1])
	require.Equal(t, []byte("3"), got[2])
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	k := NewKeys("pp")

	id := "649def34f8be52c8b66281af98ae884c09aef38b"
	require.NoError(t, s.Set(ctx, k.PaperFull(id), []byte("{}"), 0))
	require.NoError(t, s.Set(ctx, k.RelationView(id, domain.RelationCitations), []byte("{}"), 0))
	require.NoError(t, s.Set(ctx, k.PaperFull("other"), []byte("{}"), 0))

	n, err := s.DeletePrefix(ctx, k.PaperPrefix(id))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok, _ := s.Get(ctx, k.PaperFull("other"))
	require.True(t, ok)
}

func TestKeysNamespace(t *testing.T) {
	k := NewKeys("pp")
	id := "649def34f8be52c8b66281af98ae884c09aef38b"

	require.Equal(t, "pp:paper:"+id+":full", k.PaperFull(id))
	require.Equal(t, "pp:paper:"+id+":relations:citations", k.RelationView(id, domain.RelationCitations))
	require.Equal(t, "pp:paper:"+id+":relations:references:page:3", k.RelationPage(id, domain.RelationReferences, 3))
	require.Equal(t, "pp:paper:"+id+":relations:citations:range:2500:10", k.RelationRange(id, domain.RelationCitations, 2500, 10))
	require.Equal(t, "pp:paper:"+id+":ingest:citations", k.IngestProgress(id, domain.RelationCitations))
	require.Equal(t, "pp:ref:DOI:10.1/x", k.Ref(domain.Alias{Kind: domain.KindDOI, Value: "10.1/x"}))
	require.Equal(t, "pp:neg:paper:DOI:10.1/x", k.Negative("DOI:10.1/x"))
	require.Equal(t, "pp:lock:paper:"+id, k.PaperLock(id))
	require.Equal(t, "pp:lock:ingest:"+id+":references", k.IngestLock(id, domain.RelationReferences))
	require.Equal(t, "pp:search:abcd", k.Search("abcd"))

	// per-paper entries all live under the invalidation prefix
	require.Contains(t, k.PaperFull(id), k.PaperPrefix(id))
	require.Contains(t, k.RelationView(id, domain.RelationCitations), k.PaperPrefix(id))
	require.Contains(t, k.IngestProgress(id, domain.RelationCitations), k.PaperPrefix(id))
}

func TestFuzzBounds(t *testing.T) {
	ttl := time.Hour
	for i := 0; i < 100; i++ {
		got := Fuzz(ttl)
		require.GreaterOrEqual(t, got, ttl-ttl/10)
		require.Less(t, got, ttl+ttl/10)
	}
	require.Equal(t, time.Duration(0), Fuzz(0))
}
