package store_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/signal"
	"github.com/legato/listen/internal/store"
	"github.com/legato/listen/internal/store/memstore"
	"github.com/legato/listen/internal/vector"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newSignal(id, title string) *signal.Signal {
	return &signal.Signal{
		ID: id, Type: "artifact", Source: "library", Category: "concepts",
		Title: title, DomainTags: []string{"b", "a"}, KeyPhrases: []string{"x"},
		Path: "concepts/" + id + ".md",
	}
}

func TestLoad_MissingDocumentIsEmpty(t *testing.T) {
	s := store.NewSignalStore(memstore.New())
	idx, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, store.NoVersion, idx.Version())
}

func TestLoad_CorruptDocumentFails(t *testing.T) {
	for name, doc := range map[string]string{
		"garbage":  "{not json",
		"null":     "null",
		"array":    "[]",
		"mismatch": `{"a": {"id": "b"}}`,
		"nullItem": `{"a": null}`,
	} {
		t.Run(name, func(t *testing.T) {
			b := memstore.New()
			b.SetIndex([]byte(doc))
			_, err := store.NewSignalStore(b).Load(context.Background())
			require.Error(t, err)
			assert.True(t, errs.IsCorrupt(err), "code = %s", errs.CodeOf(err))
			assert.Equal(t, []byte(doc), b.RawIndex(), "corrupt document must be left untouched")
		})
	}
}

func TestUpsert_InsertThenOverwrite(t *testing.T) {
	b := memstore.New()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(90 * time.Minute)
	ctx := context.Background()

	s := store.NewSignalStore(b, store.WithClock(fixedClock(t0)))
	first, err := s.Upsert(ctx, newSignal("library.concepts.a", "first"))
	require.NoError(t, err)
	assert.Equal(t, t0, first.Created)
	assert.Equal(t, t0, first.Updated)
	assert.Equal(t, []string{"a", "b"}, first.DomainTags)

	s = store.NewSignalStore(b, store.WithClock(fixedClock(t1)))
	second, err := s.Upsert(ctx, newSignal("library.concepts.a", "second"))
	require.NoError(t, err)
	assert.Equal(t, t0, second.Created, "created must be preserved")
	assert.Equal(t, t1, second.Updated, "updated must be refreshed")

	idx, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	got, ok := idx.Get("library.concepts.a")
	require.True(t, ok)
	assert.Equal(t, "second", got.Title)
}

func TestUpsert_CallerCreatedIsKeptAndClamped(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := store.NewSignalStore(memstore.New(), store.WithClock(fixedClock(now)))

	past := newSignal("p", "past")
	past.Created = now.Add(-48 * time.Hour)
	got, err := s.Upsert(context.Background(), past)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), got.Created)

	future := newSignal("f", "future")
	future.Created = now.Add(time.Hour)
	got, err = s.Upsert(context.Background(), future)
	require.NoError(t, err)
	assert.Equal(t, now, got.Created)
	assert.False(t, got.Created.After(got.Updated))
}

func TestSave_ConflictWhenStale(t *testing.T) {
	b := memstore.New()
	s := store.NewSignalStore(b)
	ctx := context.Background()

	a, err := s.Load(ctx)
	require.NoError(t, err)
	c, err := s.Load(ctx)
	require.NoError(t, err)

	a.Put(newSignal("a", "a"))
	require.NoError(t, s.Save(ctx, a))

	c.Put(newSignal("c", "c"))
	err = s.Save(ctx, c)
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
}

func TestUpdate_RetriesOnConflict(t *testing.T) {
	b := memstore.New()
	s := store.NewSignalStore(b, store.WithRetryDelay(time.Millisecond))
	ctx := context.Background()

	calls := 0
	_, err := s.Update(ctx, func(idx *store.Index) error {
		calls++
		if calls == 1 {
			// A concurrent writer commits between our load and save.
			other := store.NewSignalStore(b)
			_, err := other.Upsert(ctx, newSignal("other", "other"))
			require.NoError(t, err)
		}
		idx.Put(newSignal("mine", "mine"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	idx, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine", "other"}, idx.IDs())
}

func TestUpdate_GivesUpAfterMaxAttempts(t *testing.T) {
	b := memstore.New()
	s := store.NewSignalStore(b, store.WithMaxAttempts(2), store.WithRetryDelay(0))
	ctx := context.Background()

	_, err := s.Update(ctx, func(idx *store.Index) error {
		b.SetIndex([]byte("{}\n"))
		return nil
	})
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
}

func TestUpsert_ConcurrentDistinctIDsAllSurvive(t *testing.T) {
	b := memstore.New()
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := store.NewSignalStore(b, store.WithMaxAttempts(100), store.WithRetryDelay(time.Millisecond))
			_, err := s.Upsert(ctx, newSignal(fmt.Sprintf("sig-%02d", i), "t"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	idx, err := store.NewSignalStore(b).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers, idx.Len())
}

func TestMarshal_Canonical(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	build := func(order []string) []byte {
		idx := store.NewIndex()
		for _, id := range order {
			sig := newSignal(id, id)
			sig.Created, sig.Updated = t0, t0
			idx.Put(sig)
		}
		b, err := idx.Marshal()
		require.NoError(t, err)
		return b
	}
	a := build([]string{"z", "a", "m"})
	b := build([]string{"m", "z", "a"})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasSuffix(string(a), "}\n"))

	parsed, err := store.ParseIndex(a)
	require.NoError(t, err)
	again, err := parsed.Marshal()
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestGet_NotFound(t *testing.T) {
	_, err := store.NewSignalStore(memstore.New()).Get(context.Background(), "nope")
	assert.True(t, errs.IsNotFound(err))
}

func TestVectorKey(t *testing.T) {
	assert.Equal(t, "library.epiphanies.oracle-machines", store.VectorKey("library.epiphanies.oracle-machines"))
	assert.Equal(t, "%2Ehidden", store.VectorKey(".hidden"))
	assert.Equal(t, "a%2Fb", store.VectorKey("a/b"))
	assert.Equal(t, "%41bc", store.VectorKey("Abc"))
	assert.NotEqual(t, store.VectorKey("Abc"), store.VectorKey("abc"))
	assert.NotEqual(t, store.VectorKey("a-b"), store.VectorKey("a.b"))
	assert.NotEqual(t, store.VectorKey("a%2Fb"), store.VectorKey("a/b"))

	long := strings.Repeat("x", 400)
	k := store.VectorKey(long)
	assert.LessOrEqual(t, len(k), 200)
	assert.NotEqual(t, k, store.VectorKey(long+"y"))
}

func TestEmbeddingStore_PutGet(t *testing.T) {
	b := memstore.New()
	es := store.NewEmbeddingStore(b, nil)
	ctx := context.Background()

	ref, err := es.Put(ctx, "a.b", []float32{1, 2, 3})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	vec, ok := es.Get(ctx, "a.b")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, vec)

	_, ok = es.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestEmbeddingStore_MalformedIsMiss(t *testing.T) {
	b := memstore.New()
	es := store.NewEmbeddingStore(b, nil)
	ctx := context.Background()

	b.SetVectorBytes(store.VectorKey("trunc"), []byte{1, 2, 3})
	_, ok := es.Get(ctx, "trunc")
	assert.False(t, ok)

	b.SetVectorBytes(store.VectorKey("nan"), vector.Encode([]float32{float32(math.NaN())}))
	_, ok = es.Get(ctx, "nan")
	assert.False(t, ok)

	b.FailVectors[store.VectorKey("io")] = fmt.Errorf("disk on fire")
	_, ok = es.Get(ctx, "io")
	assert.False(t, ok)

	_, err := es.Put(ctx, "empty", nil)
	assert.True(t, errs.HasCode(err, errs.CodeVectorInvalid))
}
