// Package sqlite stores the index document, the vectors and the full signal
// records in one SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/store"
)

// documentName is the row holding the signal index.
const documentName = "signals"

const schema = `
CREATE TABLE IF NOT EXISTS index_document (
	name       TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS vectors (
	key        TEXT PRIMARY KEY,
	dim        INTEGER NOT NULL,
	data       BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS signal_records (
	source     TEXT NOT NULL,
	key        TEXT NOT NULL,
	body       BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (source, key)
);
`

func init() {
	store.RegisterBackend("sqlite", func(cfg *config.Config, logger *zap.Logger) (store.Backend, error) {
		return Open(cfg.Storage.SQLitePath, cfg.Storage.LockTimeout, logger)
	})
}

// Backend is a store.Backend on a SQLite database file.
type Backend struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

var (
	_ store.Backend           = (*Backend)(nil)
	_ store.RecordPersistence = (*Backend)(nil)
)

// Open opens (creating if needed) the database at path. busyTimeout bounds how
// long a writer waits for another connection's write transaction.
func Open(path string, busyTimeout time.Duration, logger *zap.Logger) (*Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.CodeBackendFailure, "cannot create database dir", errs.FieldPath(path))
	}
	if busyTimeout <= 0 {
		busyTimeout = 10 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeBackendFailure, "open database", errs.FieldPath(path))
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(err, errs.CodeBackendFailure, "migrate database", errs.FieldPath(path))
	}
	return &Backend{db: db, path: path, logger: logger}, nil
}

func (b *Backend) Name() string { return "sqlite" }

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) LoadIndex(ctx context.Context) ([]byte, string, error) {
	var (
		body    []byte
		version int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT body, version FROM index_document WHERE name = ?`, documentName,
	).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NoVersion, errs.New(errs.CodeIndexNotFound, "index document does not exist", errs.FieldPath(b.path))
	}
	if err != nil {
		return nil, "", errs.Wrap(err, errs.CodeBackendFailure, "query index", errs.FieldPath(b.path))
	}
	return body, strconv.FormatInt(version, 10), nil
}

// SaveIndex runs the version check and the write in one immediate transaction.
func (b *Backend) SaveIndex(ctx context.Context, data []byte, expect string) (string, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "begin transaction", errs.FieldPath(b.path))
	}
	defer func() { _ = tx.Rollback() }()

	current := store.NoVersion
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM index_document WHERE name = ?`, documentName).Scan(&version)
	switch {
	case err == nil:
		current = strconv.FormatInt(version, 10)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", errs.Wrap(err, errs.CodeBackendFailure, "query index version", errs.FieldPath(b.path))
	}
	if expect != store.AnyVersion && expect != current {
		return "", errs.New(errs.CodeIndexConflict, "index changed since it was loaded",
			errs.Field("expected", expect), errs.Field("current", current))
	}

	next := version + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO index_document (name, body, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, version = excluded.version, updated_at = excluded.updated_at`,
		documentName, data, next, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "write index", errs.FieldPath(b.path))
	}
	if err := tx.Commit(); err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "commit index", errs.FieldPath(b.path))
	}
	return strconv.FormatInt(next, 10), nil
}

func (b *Backend) PutVector(ctx context.Context, key string, data []byte) (string, error) {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO vectors (key, dim, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET dim = excluded.dim, data = excluded.data, updated_at = excluded.updated_at`,
		key, len(data)/4, data, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", errs.Wrap(err, errs.CodeBackendFailure, "write vector", errs.Field("key", key))
	}
	return "sqlite:vectors/" + key, nil
}

func (b *Backend) GetVector(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM vectors WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.CodeVectorNotFound, "vector not found", errs.Field("key", key))
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeBackendFailure, "query vector", errs.Field("key", key))
	}
	return data, nil
}

func (b *Backend) PutRecord(ctx context.Context, source, key string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO signal_records (source, key, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(source, key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		source, key, data, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errs.Wrap(err, errs.CodeBackendFailure, "write signal record", errs.Field("key", source+"/"+key))
	}
	return nil
}
