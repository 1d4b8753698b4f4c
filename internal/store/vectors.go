package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/metrics"
	"github.com/legato/listen/internal/vector"
)

// maxKeyLen keeps keys usable as file names on common filesystems.
const maxKeyLen = 200

// VectorKey maps a signal id to a filesystem-safe key. Bytes outside
// [a-z0-9._-], upper-case letters and a leading '.' are written as %XX, so
// distinct ids never share a key, even on case-insensitive filesystems. Keys
// that would exceed maxKeyLen end in '~' and a digest of the id.
func VectorKey(id string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		safe := c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.' && i > 0
		if safe {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	key := b.String()
	if len(key) <= maxKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(id))
	return key[:maxKeyLen-33] + "~" + hex.EncodeToString(sum[:16])
}

// EmbeddingStore keeps one vector per signal id.
type EmbeddingStore struct {
	p      VectorPersistence
	logger *zap.Logger
}

func NewEmbeddingStore(p VectorPersistence, logger *zap.Logger) *EmbeddingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingStore{p: p, logger: logger}
}

// Put stores vec for id and returns the reference recorded as embedding_ref.
func (e *EmbeddingStore) Put(ctx context.Context, id string, vec []float32) (string, error) {
	if !vector.Valid(vec) {
		return "", errs.New(errs.CodeVectorInvalid, "refusing to store an empty or non-finite vector", errs.FieldSignalID(id))
	}
	return e.p.PutVector(ctx, VectorKey(id), vector.Encode(vec))
}

// Get returns the vector stored for id. Absent, unreadable and malformed vectors
// are all misses; they are logged and never returned as errors.
func (e *EmbeddingStore) Get(ctx context.Context, id string) ([]float32, bool) {
	data, err := e.p.GetVector(ctx, VectorKey(id))
	if err != nil {
		e.miss(id, err)
		return nil, false
	}
	vec, err := vector.Decode(data)
	if err == nil && !vector.Valid(vec) {
		err = errs.New(errs.CodeVectorInvalid, "stored vector is empty or non-finite")
	}
	if err != nil {
		e.miss(id, err)
		return nil, false
	}
	return vec, true
}

func (e *EmbeddingStore) miss(id string, err error) {
	metrics.VectorMissesTotal.Inc()
	e.logger.Warn("embedding vector unavailable, excluding signal",
		zap.String("signal_id", id),
		zap.Error(err),
	)
}
