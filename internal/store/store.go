// Package store persists the signal index and the per-signal embedding vectors.
//
// The index is one document that is always read and written whole. Writers use
// optimistic concurrency: every stored document has an opaque version token and
// SaveIndex only succeeds if the caller's expected version is still current.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/errs"
)

// Version tokens with special meaning for SaveIndex.
const (
	// NoVersion expects that no index document exists yet.
	NoVersion = ""
	// AnyVersion saves unconditionally.
	AnyVersion = "*"
)

// IndexPersistence stores the serialized index document.
type IndexPersistence interface {
	// LoadIndex returns the document and its version. A missing document is
	// reported with errs.CodeIndexNotFound.
	LoadIndex(ctx context.Context) ([]byte, string, error)
	// SaveIndex atomically replaces the document if its current version equals
	// expect, returning the new version. A mismatch is reported with
	// errs.CodeIndexConflict.
	SaveIndex(ctx context.Context, data []byte, expect string) (string, error)
}

// VectorPersistence stores encoded embedding vectors under filesystem-safe keys.
type VectorPersistence interface {
	// PutVector stores data under key and returns a reference to it.
	PutVector(ctx context.Context, key string, data []byte) (string, error)
	// GetVector returns the data stored under key, or errs.CodeVectorNotFound.
	GetVector(ctx context.Context, key string) ([]byte, error)
}

// Backend is a storage backend holding both the index and the vectors.
type Backend interface {
	IndexPersistence
	VectorPersistence
	Name() string
	Close() error
}

// Factory opens a backend from configuration.
type Factory func(cfg *config.Config, logger *zap.Logger) (Backend, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a named backend factory. Backend packages call this
// from init().
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends lists the registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open opens the backend selected by cfg.Storage.Backend.
func Open(cfg *config.Config, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	factoriesMu.RLock()
	f, ok := factories[cfg.Storage.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errs.New(errs.CodeBackendUnknown, fmt.Sprintf("unsupported storage backend: %q", cfg.Storage.Backend))
	}
	return f(cfg, logger)
}
