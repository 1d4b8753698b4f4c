package watcher

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
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) add(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, p)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func isMarkdown(p string) bool { return strings.HasSuffix(p, ".md") }

func start(t *testing.T, roots []string, rec *recorder) {
	t.Helper()
	w := New(roots, isMarkdown, rec.add, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	// Give the watcher time to register its roots.
	time.Sleep(100 * time.Millisecond)
}

func TestWatcher_DebouncesAndFilters(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	start(t, []string{dir}, rec)

	md := filepath.Join(dir, "note.md")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(md, []byte(strings.Repeat("x", i+1)), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{md}, rec.snapshot())
}

func TestWatcher_NewDirectory(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	start(t, []string{dir}, rec)

	sub := filepath.Join(dir, "concepts")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(100 * time.Millisecond)
	md := filepath.Join(sub, "a.md")
	require.NoError(t, os.WriteFile(md, []byte("a"), 0o644))

	require.Eventually(t, func() bool {
		for _, p := range rec.snapshot() {
			if p == md {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_NoRoots(t *testing.T) {
	w := New([]string{filepath.Join(t.TempDir(), "missing")}, isMarkdown, func(string) {})
	err := w.Run(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
