// Package memstore is an in-process store.Backend, selected with
// storage.backend: memory. Nothing outlives the process, which suits tests and
// throwaway `listen serve` or `listen watch` sessions that must not touch disk.
package memstore

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/store"
)

func init() {
	store.RegisterBackend("memory", func(_ *config.Config, logger *zap.Logger) (store.Backend, error) {
		logger.Warn("using the in-memory store; the index is discarded on exit")
		return New(), nil
	})
}

type Backend struct {
	mu      sync.Mutex
	index   []byte
	version int
	vectors map[string][]byte
	records map[string][]byte

	// FailVectors makes GetVector fail for the listed keys.
	FailVectors map[string]error
}

var (
	_ store.Backend           = (*Backend)(nil)
	_ store.RecordPersistence = (*Backend)(nil)
)

func New() *Backend {
	return &Backend{vectors: map[string][]byte{}, records: map[string][]byte{}, FailVectors: map[string]error{}}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Close() error { return nil }

func (b *Backend) LoadIndex(ctx context.Context) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index == nil {
		return nil, store.NoVersion, errs.New(errs.CodeIndexNotFound, "index document does not exist")
	}
	return append([]byte(nil), b.index...), strconv.Itoa(b.version), nil
}

func (b *Backend) SaveIndex(ctx context.Context, data []byte, expect string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	current := store.NoVersion
	if b.index != nil {
		current = strconv.Itoa(b.version)
	}
	if expect != store.AnyVersion && expect != current {
		return "", errs.New(errs.CodeIndexConflict, "index version changed",
			errs.Field("expected", expect), errs.Field("current", current))
	}
	b.index = append([]byte(nil), data...)
	b.version++
	return strconv.Itoa(b.version), nil
}

// SetIndex overwrites the raw document, bypassing version checks.
func (b *Backend) SetIndex(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index = append([]byte(nil), data...)
	b.version++
}

// RawIndex returns the stored document, or nil.
func (b *Backend) RawIndex() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.index...)
}

func (b *Backend) PutVector(ctx context.Context, key string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vectors[key] = append([]byte(nil), data...)
	return "memory:" + key, nil
}

func (b *Backend) GetVector(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.FailVectors[key]; ok {
		return nil, err
	}
	data, ok := b.vectors[key]
	if !ok {
		return nil, errs.New(errs.CodeVectorNotFound, "vector not found", errs.Field("key", key))
	}
	return append([]byte(nil), data...), nil
}

// SetVectorBytes stores raw bytes under key, for simulating corrupt vectors.
func (b *Backend) SetVectorBytes(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vectors[key] = data
}

func (b *Backend) PutRecord(ctx context.Context, source, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[source+"/"+key] = append([]byte(nil), data...)
	return nil
}

// Record returns the record stored under source/key, or nil.
func (b *Backend) Record(source, key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[source+"/"+key]
}
