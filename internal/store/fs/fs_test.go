package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/signal"
	"github.com/legato/listen/internal/store"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir(), time.Second, nil)
	require.NoError(t, err)
	return b
}

func TestLoadIndex_Missing(t *testing.T) {
	b := newBackend(t)
	_, v, err := b.LoadIndex(context.Background())
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, store.NoVersion, v)
}

func TestSaveIndex_CompareAndSwap(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	v1, err := b.SaveIndex(ctx, []byte("{}\n"), store.NoVersion)
	require.NoError(t, err)

	_, err = b.SaveIndex(ctx, []byte(`{"x":1}`), store.NoVersion)
	assert.True(t, errs.IsConflict(err), "create must fail once the document exists")

	v2, err := b.SaveIndex(ctx, []byte(`{"a":{}}`), v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	_, err = b.SaveIndex(ctx, []byte(`{"b":{}}`), v1)
	assert.True(t, errs.IsConflict(err))

	_, err = b.SaveIndex(ctx, []byte(`{"c":{}}`), store.AnyVersion)
	require.NoError(t, err)

	data, v, err := b.LoadIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"c":{}}`, string(data))
	assert.Equal(t, digest(data), v)

	entries, err := os.ReadDir(b.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files must not be left behind")
	}
}

func TestSaveIndex_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, 100*time.Millisecond, nil)
	require.NoError(t, err)

	held := flock.New(filepath.Join(dir, LockFile))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	_, err = b.SaveIndex(context.Background(), []byte("{}"), store.AnyVersion)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
}

func TestVectors(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	ref, err := b.PutVector(ctx, "library.concepts.a", []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, "embeddings/library.concepts.a.vec", ref)

	data, err := b.GetVector(ctx, "library.concepts.a")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	_, err = b.GetVector(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestConcurrentRegistrationsSurvive(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := store.NewSignalStore(b, store.WithMaxAttempts(50), store.WithRetryDelay(time.Millisecond))
			_, err := s.Upsert(ctx, &signal.Signal{ID: fmt.Sprintf("library.concepts.c%d", i), Title: "t"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	idx, err := store.NewSignalStore(b).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers, idx.Len())
}

func TestRegisteredFactory(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.Storage.Backend = "fs"
	cfg.Storage.LockTimeout = time.Second

	b, err := store.Open(cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "fs", b.Name())
	_, err = os.Stat(filepath.Join(cfg.DataDir, EmbeddingsDir))
	assert.NoError(t, err)
}

func TestSignalRecords(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	rs := store.NewRecordStore(b)
	require.NotNil(t, rs)

	sig := &signal.Signal{ID: "library.concepts.a", Source: "lab", Title: "A", DomainTags: []string{}, KeyPhrases: []string{}}
	require.NoError(t, rs.Put(ctx, sig))

	data, err := os.ReadFile(filepath.Join(b.Dir(), SignalsDir, "lab", "library.concepts.a.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"title": "A"`)

	sig.Title = "B"
	require.NoError(t, rs.Put(ctx, sig))
	data, err = os.ReadFile(filepath.Join(b.Dir(), SignalsDir, "lab", "library.concepts.a.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"title": "B"`)
}
