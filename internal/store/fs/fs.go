// Package fs stores the index as index.json, each vector as a file under
// embeddings/ and each full signal record under signals/<source>/, in one data
// directory.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/store"
)

const (
	IndexFile     = "index.json"
	LockFile      = "index.lock"
	EmbeddingsDir = "embeddings"
	SignalsDir    = "signals"
	vectorExt     = ".vec"
)

func init() {
	store.RegisterBackend("fs", func(cfg *config.Config, logger *zap.Logger) (store.Backend, error) {
		return New(cfg.DataDir, cfg.Storage.LockTimeout, logger)
	})
}

// Backend is a directory-backed store.Backend.
type Backend struct {
	dir         string
	lockTimeout time.Duration
	logger      *zap.Logger
}

var (
	_ store.Backend           = (*Backend)(nil)
	_ store.RecordPersistence = (*Backend)(nil)
)

// New creates dir and its embeddings/ subdirectory if needed.
func New(dir string, lockTimeout time.Duration, logger *zap.Logger) (*Backend, error) {
	if dir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	if err := os.MkdirAll(filepath.Join(dir, EmbeddingsDir), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.CodeBackendFailure, "cannot create data dir", errs.FieldPath(dir))
	}
	return &Backend{dir: dir, lockTimeout: lockTimeout, logger: logger}, nil
}

func (b *Backend) Name() string { return "fs" }

func (b *Backend) Close() error { return nil }

// Dir returns the data directory.
func (b *Backend) Dir() string { return b.dir }

func (b *Backend) indexPath() string { return filepath.Join(b.dir, IndexFile) }

func (b *Backend) LoadIndex(ctx context.Context) ([]byte, string, error) {
	data, err := os.ReadFile(b.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.NoVersion, errs.New(errs.CodeIndexNotFound, "index document does not exist", errs.FieldPath(b.indexPath()))
	}
	if err != nil {
		return nil, "", errs.Wrap(err, errs.CodeBackendFailure, "cannot read index", errs.FieldPath(b.indexPath()))
	}
	return data, digest(data), nil
}

// SaveIndex holds the directory lock while it compares the stored document's
// digest with expect and renames the new document into place.
func (b *Backend) SaveIndex(ctx context.Context, data []byte, expect string) (string, error) {
	unlock, err := b.lock(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	if expect != store.AnyVersion {
		current := store.NoVersion
		cur, err := os.ReadFile(b.indexPath())
		switch {
		case err == nil:
			current = digest(cur)
		case errors.Is(err, os.ErrNotExist):
		default:
			return "", errs.Wrap(err, errs.CodeBackendFailure, "cannot read index", errs.FieldPath(b.indexPath()))
		}
		if current != expect {
			return "", errs.New(errs.CodeIndexConflict, "index changed since it was loaded",
				errs.FieldPath(b.indexPath()), errs.Field("expected", expect), errs.Field("current", current))
		}
	}

	if err := writeAtomic(b.indexPath(), data); err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "cannot write index", errs.FieldPath(b.indexPath()))
	}
	return digest(data), nil
}

func (b *Backend) vectorPath(key string) string {
	return filepath.Join(b.dir, EmbeddingsDir, key+vectorExt)
}

func (b *Backend) PutVector(ctx context.Context, key string, data []byte) (string, error) {
	p := b.vectorPath(key)
	if err := writeAtomic(p, data); err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "cannot write vector", errs.FieldPath(p))
	}
	return filepath.ToSlash(filepath.Join(EmbeddingsDir, key+vectorExt)), nil
}

func (b *Backend) GetVector(ctx context.Context, key string) ([]byte, error) {
	p := b.vectorPath(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.New(errs.CodeVectorNotFound, "vector file does not exist", errs.FieldPath(p))
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeBackendFailure, "cannot read vector", errs.FieldPath(p))
	}
	return data, nil
}

// PutRecord writes signals/<source>/<key>.json.
func (b *Backend) PutRecord(ctx context.Context, source, key string, data []byte) error {
	dir := filepath.Join(b.dir, SignalsDir, source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(err, errs.CodeBackendFailure, "cannot create records dir", errs.FieldPath(dir))
	}
	p := filepath.Join(dir, key+".json")
	if err := writeAtomic(p, data); err != nil {
		return errs.Wrap(err, errs.CodeBackendFailure, "cannot write signal record", errs.FieldPath(p))
	}
	return nil
}

// lock obtains the advisory index lock, polling until lockTimeout or ctx ends.
func (b *Backend) lock(ctx context.Context) (func(), error) {
	lockPath := filepath.Join(b.dir, LockFile)
	l := flock.New(lockPath)
	deadline := time.Now().Add(b.lockTimeout)
	for {
		locked, err := l.TryLock()
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeBackendFailure, "cannot acquire index lock", errs.FieldPath(lockPath))
		}
		if locked {
			return func() { _ = l.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.CodeLockTimeout, "another writer holds the index lock", errs.FieldPath(lockPath))
		}
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(ctx.Err(), errs.CodeLockTimeout, "waiting for index lock", errs.FieldPath(lockPath))
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// writeAtomic writes data to a temp file next to path, syncs it and renames it
// over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
