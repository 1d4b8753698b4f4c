package registrar_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legato/listen/internal/correlate"
	"github.com/legato/listen/internal/embeddings"
	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/registrar"
	"github.com/legato/listen/internal/signal"
	"github.com/legato/listen/internal/store"
	"github.com/legato/listen/internal/store/memstore"
)

const oracleArtifact = `---
id: library.epiphanies.oracle-machines
category: epiphanies
title: Oracle machines
domain_tags: [computation, logic, computation]
key_phrases:
  - halting problem
  - relative computability
created: 2025-01-02T03:04:05Z
---
Turing's oracle machines answer questions no ordinary machine can.
`

type env struct {
	dir      string
	backend  *memstore.Backend
	signals  *store.SignalStore
	vectors  *store.EmbeddingStore
	provider embeddings.Provider
}

func newEnv(t *testing.T) *env {
	t.Helper()
	b := memstore.New()
	return &env{
		dir:      t.TempDir(),
		backend:  b,
		signals:  store.NewSignalStore(b, store.WithRetryDelay(time.Millisecond)),
		vectors:  store.NewEmbeddingStore(b, nil),
		provider: embeddings.NewHash(64),
	}
}

func (e *env) registrar() *registrar.Registrar {
	src := registrar.NewDirSource(e.dir, []string{"epiphanies", "concepts"})
	return registrar.New(src, e.signals, e.vectors, e.provider)
}

func (e *env) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(e.dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	mt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(p, mt, mt))
	return rel
}

func TestRegister_IndexesArtifact(t *testing.T) {
	e := newEnv(t)
	path := e.write(t, "epiphanies/oracle.md", oracleArtifact)

	out, err := e.registrar().Register(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, out.Embedded)
	assert.Equal(t, "library.epiphanies.oracle-machines", out.SignalID)

	got, err := e.signals.Get(context.Background(), out.SignalID)
	require.NoError(t, err)
	assert.Equal(t, "epiphanies/oracle.md", got.Path)
	assert.Equal(t, []string{"computation", "logic"}, got.DomainTags)
	assert.Equal(t, "artifact", got.Type)
	assert.Equal(t, "library", got.Source)
	assert.True(t, strings.HasPrefix(got.Intent, "Turing's oracle machines"))
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), got.Created)
	assert.NotEmpty(t, got.EmbeddingRef)

	_, ok := e.vectors.Get(context.Background(), got.ID)
	assert.True(t, ok)
}

func TestRegister_ThenCorrelateFindsItself(t *testing.T) {
	e := newEnv(t)
	path := e.write(t, "epiphanies/oracle.md", oracleArtifact)
	out, err := e.registrar().Register(context.Background(), path)
	require.NoError(t, err)

	eng := correlate.New(e.signals, e.vectors, e.provider)
	res, err := eng.Correlate(context.Background(), out.Signal.Query())
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, out.SignalID, res.Matches[0].SignalID)
	assert.InDelta(t, 1.0, res.TopScore, 1e-6)
	assert.Equal(t, correlate.RecommendAutoAppend, res.Recommendation)
}

func TestRegister_DegradesWithoutProvider(t *testing.T) {
	e := newEnv(t)
	e.provider = embeddings.Disabled{}
	path := e.write(t, "concepts/plain.md", "no header here\n")

	out, err := e.registrar().Register(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, out.Embedded)

	got, err := e.signals.Get(context.Background(), out.SignalID)
	require.NoError(t, err)
	assert.Empty(t, got.EmbeddingRef)
	assert.True(t, strings.HasPrefix(got.ID, signal.FallbackIDPrefix))
	assert.Equal(t, "Untitled", got.Title)
	assert.Equal(t, "unknown", got.Category)
}

func TestRegister_OverwritePreservesCreated(t *testing.T) {
	e := newEnv(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e.signals = store.NewSignalStore(e.backend, store.WithClock(func() time.Time { return now }))
	r := e.registrar()
	path := e.write(t, "concepts/x.md", "---\nid: c.x\ntitle: First\n---\nbody\n")

	first, err := r.Register(context.Background(), path)
	require.NoError(t, err)
	now = now.Add(time.Hour)

	e.write(t, "concepts/x.md", "---\nid: c.x\ntitle: Second\n---\nbody\n")
	second, err := r.Register(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, first.Signal.Created, second.Signal.Created)
	assert.Equal(t, time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC), second.Signal.Updated)
	assert.Equal(t, "Second", second.Signal.Title)

	idx, err := e.signals.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
}

func TestRegisterBatch_ContinuesPastFailures(t *testing.T) {
	e := newEnv(t)
	good := e.write(t, "concepts/good.md", "---\nid: c.good\n---\nok\n")
	bad := e.write(t, "concepts/bad.md", "---\nid: c.bad\nmood: grumpy\n---\n")

	rep, err := e.registrar().RegisterBatch(context.Background(), []string{bad, "concepts/missing.md", good})
	require.NoError(t, err)
	require.Len(t, rep.Items, 3)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Embedded)

	assert.True(t, errs.HasCode(rep.Items[0].Err, errs.CodeArtifactInvalid), "got %v", rep.Items[0].Err)
	assert.NotEmpty(t, rep.Items[0].Error)
	assert.True(t, errs.IsNotFound(rep.Items[1].Err))
	assert.True(t, rep.Items[2].OK())

	_, err = e.signals.Get(context.Background(), "c.good")
	assert.NoError(t, err)
}

func TestRegisterBatch_StopsOnCorruptIndex(t *testing.T) {
	e := newEnv(t)
	e.backend.SetIndex([]byte("not json"))
	a := e.write(t, "concepts/a.md", "---\nid: c.a\n---\n")
	b := e.write(t, "concepts/b.md", "---\nid: c.b\n---\n")

	rep, err := e.registrar().RegisterBatch(context.Background(), []string{a, b})
	require.Error(t, err)
	assert.True(t, errs.IsCorrupt(err))
	assert.Len(t, rep.Items, 1)
	assert.Equal(t, []byte("not json"), e.backend.RawIndex())
}

func TestRegister_ConcurrentDistinctIDsBothSurvive(t *testing.T) {
	e := newEnv(t)
	r := e.registrar()
	paths := []string{
		e.write(t, "concepts/one.md", "---\nid: c.one\n---\none\n"),
		e.write(t, "concepts/two.md", "---\nid: c.two\n---\ntwo\n"),
	}

	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := r.Register(context.Background(), p)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	idx, err := e.signals.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c.one", "c.two"}, idx.IDs())
}

func TestReindex_IsDeterministic(t *testing.T) {
	e := newEnv(t)
	e.write(t, "epiphanies/oracle.md", oracleArtifact)
	e.write(t, "concepts/plain.md", "plain body\n")
	e.write(t, "concepts/.hidden/skip.md", "---\nid: hidden\n---\n")
	e.write(t, "concepts/notes.txt", "not an artifact")
	e.write(t, "elsewhere/other.md", "---\nid: other\n---\n")

	r := e.registrar()
	rep, err := r.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Embedded)
	first := e.backend.RawIndex()

	_, err = r.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(first), string(e.backend.RawIndex()))

	idx, err := e.signals.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, idx.Len())

	var plain *signal.Signal
	for _, s := range idx.Signals() {
		if s.Path == "concepts/plain.md" {
			plain = s
		}
	}
	require.NotNil(t, plain)
	mt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, mt, plain.Created)
	assert.Equal(t, mt, plain.Updated)

	oracle, ok := idx.Get("library.epiphanies.oracle-machines")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), oracle.Created)
	assert.Equal(t, mt, oracle.Updated)
}

func TestReindex_OverwritesExistingIndex(t *testing.T) {
	e := newEnv(t)
	_, err := e.signals.Upsert(context.Background(), &signal.Signal{ID: "stale"})
	require.NoError(t, err)
	e.write(t, "concepts/a.md", "---\nid: c.a\n---\n")

	_, err = e.registrar().Reindex(context.Background())
	require.NoError(t, err)

	idx, err := e.signals.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c.a"}, idx.IDs())
}

func TestDirSource(t *testing.T) {
	e := newEnv(t)
	e.write(t, "concepts/b.md", "b")
	e.write(t, "concepts/deep/a.MD", "a")
	e.write(t, "epiphanies/.draft.md", "x")
	src := registrar.NewDirSource(e.dir, []string{"concepts", "epiphanies", "missing"})

	paths, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"concepts/b.md", "concepts/deep/a.MD"}, paths)

	art, err := src.Fetch(context.Background(), filepath.Join(e.dir, "concepts", "b.md"))
	require.NoError(t, err)
	assert.Equal(t, "concepts/b.md", art.Path)
	assert.Equal(t, "b", art.Content)

	_, err = src.Fetch(context.Background(), "concepts/nope.md")
	assert.True(t, errs.HasCode(err, errs.CodeArtifactMissing))
}

func TestDirSource_ConfinedToRoots(t *testing.T) {
	e := newEnv(t)
	e.write(t, "concepts/ok.md", "ok")
	e.write(t, "concepts/notes.txt", "txt")
	e.write(t, "elsewhere/other.md", "other")
	outside := filepath.Join(t.TempDir(), "secret.md")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(e.dir, "concepts", "link.md")))

	src := registrar.NewDirSource(e.dir, []string{"concepts"})
	ctx := context.Background()

	_, err := src.Fetch(ctx, "concepts/ok.md")
	require.NoError(t, err)

	for _, p := range []string{"concepts/notes.txt", "elsewhere/other.md", "../x.md", outside, "concepts/link.md"} {
		_, err := src.Fetch(ctx, p)
		assert.True(t, errs.HasCode(err, errs.CodeArtifactInvalid), "%s: %v", p, err)
	}

	src.AllowExternal = true
	art, err := src.Fetch(ctx, outside)
	require.NoError(t, err)
	assert.Equal(t, "secret", art.Content)
	assert.Equal(t, filepath.ToSlash(outside), art.Path)
}

// interleavedSource runs onFetch once, before the first artifact is read.
type interleavedSource struct {
	registrar.ArtifactSource
	once    sync.Once
	onFetch func()
}

func (s *interleavedSource) Fetch(ctx context.Context, path string) (registrar.Artifact, error) {
	s.once.Do(s.onFetch)
	return s.ArtifactSource.Fetch(ctx, path)
}

func TestReindex_KeepsRegistrationsCommittedMeanwhile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.signals.Upsert(ctx, &signal.Signal{ID: "stale"})
	require.NoError(t, err)
	e.write(t, "concepts/a.md", "---\nid: c.a\n---\n")

	src := &interleavedSource{
		ArtifactSource: registrar.NewDirSource(e.dir, []string{"concepts"}),
		onFetch: func() {
			other := store.NewSignalStore(e.backend)
			_, err := other.Upsert(ctx, &signal.Signal{ID: "lab.external", Path: "/elsewhere/x.md"})
			require.NoError(t, err)
			_, err = other.Upsert(ctx, &signal.Signal{ID: "c.a", Title: "concurrent"})
			require.NoError(t, err)
		},
	}
	r := registrar.New(src, e.signals, e.vectors, e.provider)
	_, err = r.Reindex(ctx)
	require.NoError(t, err)

	idx, err := e.signals.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.a", "lab.external"}, idx.IDs())
	a, ok := idx.Get("c.a")
	require.True(t, ok)
	assert.Equal(t, signal.DefaultTitle, a.Title, "rebuilt entry wins for ids it covers")
}

func TestReindex_OverwritesCorruptIndex(t *testing.T) {
	e := newEnv(t)
	e.backend.SetIndex([]byte("{broken"))
	e.write(t, "concepts/a.md", "---\nid: c.a\n---\n")

	_, err := e.registrar().Reindex(context.Background())
	require.NoError(t, err)

	idx, err := e.signals.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c.a"}, idx.IDs())
}

func TestSignalRecordsMirrorIndex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := registrar.NewDirSource(e.dir, []string{"epiphanies", "concepts"})
	r := registrar.New(src, e.signals, e.vectors, e.provider, registrar.WithRecords(store.NewRecordStore(e.backend)))

	path := e.write(t, "epiphanies/oracle.md", oracleArtifact)
	_, err := r.Register(ctx, path)
	require.NoError(t, err)

	key := store.VectorKey("library.epiphanies.oracle-machines")
	rec := e.backend.Record("library", key)
	require.NotNil(t, rec)
	assert.Contains(t, string(rec), `"title": "Oracle machines"`)
	assert.Contains(t, string(rec), `"embedding_ref"`)

	e.write(t, "concepts/b.md", "---\nid: c.b\nsource: lab\n---\nb\n")
	_, err = r.Reindex(ctx)
	require.NoError(t, err)
	assert.NotNil(t, e.backend.Record("lab", store.VectorKey("c.b")))
	assert.NotNil(t, e.backend.Record("library", key))
}
