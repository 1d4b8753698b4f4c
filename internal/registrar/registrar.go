// Package registrar turns artifacts into indexed signals: parse, embed, store the
// vector, upsert the record.
package registrar

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/embeddings"
	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/metrics"
	"github.com/legato/listen/internal/signal"
	"github.com/legato/listen/internal/store"
)

// Outcome is the per-artifact result of a registration.
type Outcome struct {
	Path     string         `json:"path"`
	SignalID string         `json:"signal_id,omitempty"`
	Embedded bool           `json:"embedded"`
	Error    string         `json:"error,omitempty"`
	Signal   *signal.Signal `json:"-"`
	Err      error          `json:"-"`
}

// OK reports whether the artifact was indexed.
func (o Outcome) OK() bool { return o.Err == nil }

// Report collects the outcomes of a batch.
type Report struct {
	Items    []Outcome `json:"items"`
	Embedded int       `json:"embedded"`
	Degraded int       `json:"degraded"`
	Failed   int       `json:"failed"`
}

func (r *Report) add(o Outcome) {
	switch {
	case o.Err != nil:
		o.Error = o.Err.Error()
		r.Failed++
	case o.Embedded:
		r.Embedded++
	default:
		r.Degraded++
	}
	r.Items = append(r.Items, o)
}

// Registrar runs the ingestion pipeline.
type Registrar struct {
	source   ArtifactSource
	signals  *store.SignalStore
	vectors  *store.EmbeddingStore
	provider embeddings.Provider
	records  *store.RecordStore
	logger   *zap.Logger
}

// Option configures a Registrar.
type Option func(*Registrar)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registrar) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecords mirrors every stored signal as a standalone record.
func WithRecords(rs *store.RecordStore) Option {
	return func(r *Registrar) { r.records = rs }
}

func New(source ArtifactSource, signals *store.SignalStore, vectors *store.EmbeddingStore, provider embeddings.Provider, opts ...Option) *Registrar {
	r := &Registrar{
		source:   source,
		signals:  signals,
		vectors:  vectors,
		provider: provider,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register indexes the artifact at path. A missing embedding never fails the
// registration; the signal is stored without embedding_ref.
func (r *Registrar) Register(ctx context.Context, path string) (Outcome, error) {
	out := Outcome{Path: path}
	sig, err := r.load(ctx, path)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("failed").Inc()
		out.Err = err
		return out, err
	}
	out.Path = sig.Path
	out.SignalID = sig.ID

	out.Embedded = r.embed(ctx, sig)

	stored, err := r.signals.Upsert(ctx, sig)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("failed").Inc()
		out.Err = err
		return out, err
	}
	out.Signal = stored
	r.record(out)
	r.putRecord(ctx, stored)
	r.logger.Info("artifact registered",
		zap.String("signal_id", stored.ID),
		zap.String("path", stored.Path),
		zap.Bool("embedded", out.Embedded),
	)
	return out, nil
}

// RegisterBatch registers every path, continuing past per-item failures. It stops
// early only when the index is corrupt or ctx is done.
func (r *Registrar) RegisterBatch(ctx context.Context, paths []string) (Report, error) {
	var rep Report
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, err := r.Register(ctx, p)
		rep.add(out)
		if errs.IsCorrupt(err) {
			return rep, err
		}
	}
	return rep, nil
}

// Reindex rebuilds the index from every artifact the source lists. Timestamps come
// from the artifact header, falling back to its modification time, so the same
// artifacts always produce the same document. The new index is assembled in memory
// and replaces the stored one in a single write; registrations committed while it
// runs are kept. A corrupt index is overwritten.
func (r *Registrar) Reindex(ctx context.Context) (Report, error) {
	var rep Report
	base, err := r.signals.Load(ctx)
	if errs.IsCorrupt(err) {
		r.logger.Warn("stored index is corrupt, rebuilding over it", zap.Error(err))
		base, err = nil, nil
	}
	if err != nil {
		return rep, err
	}
	paths, err := r.source.List(ctx)
	if err != nil {
		return rep, err
	}

	idx := store.NewIndex()
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out := Outcome{Path: p}
		art, err := r.source.Fetch(ctx, p)
		if err == nil {
			out.Signal, err = signal.FromArtifact(art.Path, art.Content)
		}
		if err != nil {
			metrics.RegistrationsTotal.WithLabelValues("failed").Inc()
			r.logger.Warn("skipping artifact", zap.String("path", p), zap.Error(err))
			out.Err = err
			rep.add(out)
			continue
		}

		sig := out.Signal
		stampFromArtifact(sig, art.ModTime)
		if prev, ok := idx.Get(sig.ID); ok {
			r.logger.Warn("artifacts share a signal id, keeping the later path",
				zap.String("signal_id", sig.ID),
				zap.String("path", sig.Path),
				zap.String("replaced_path", prev.Path),
			)
		}
		out.SignalID = sig.ID
		out.Embedded = r.embed(ctx, sig)
		idx.Put(sig)
		r.record(out)
		rep.add(out)
	}

	if err := r.signals.Rebuild(ctx, idx, base); err != nil {
		return rep, err
	}
	for _, sig := range idx.Signals() {
		r.putRecord(ctx, sig)
	}
	r.logger.Info("index rebuilt",
		zap.Int("signals", idx.Len()),
		zap.Int("embedded", rep.Embedded),
		zap.Int("degraded", rep.Degraded),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

func (r *Registrar) load(ctx context.Context, path string) (*signal.Signal, error) {
	art, err := r.source.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	return signal.FromArtifact(art.Path, art.Content)
}

// embed stores a vector for sig and sets its embedding_ref. It reports false,
// leaving the ref empty, when no vector could be produced or stored.
func (r *Registrar) embed(ctx context.Context, sig *signal.Signal) bool {
	sig.EmbeddingRef = ""
	vec, err := r.provider.Embed(ctx, sig.Query().Text())
	if err != nil {
		r.logger.Warn("embedding unavailable, registering without vector",
			zap.String("signal_id", sig.ID),
			zap.Error(err),
		)
		return false
	}
	ref, err := r.vectors.Put(ctx, sig.ID, vec)
	if err != nil {
		r.logger.Warn("cannot store embedding, registering without vector",
			zap.String("signal_id", sig.ID),
			zap.Error(err),
		)
		return false
	}
	sig.EmbeddingRef = ref
	return true
}

// putRecord mirrors sig through the record store. The index entry is already
// committed, so a failed write is only logged.
func (r *Registrar) putRecord(ctx context.Context, sig *signal.Signal) {
	if r.records == nil {
		return
	}
	if err := r.records.Put(ctx, sig); err != nil {
		r.logger.Warn("cannot write signal record", zap.String("signal_id", sig.ID), zap.Error(err))
	}
}

func (r *Registrar) record(o Outcome) {
	if o.Embedded {
		metrics.RegistrationsTotal.WithLabelValues("embedded").Inc()
		return
	}
	metrics.RegistrationsTotal.WithLabelValues("degraded").Inc()
}

// stampFromArtifact fills missing timestamps from modTime and keeps created <= updated.
func stampFromArtifact(sig *signal.Signal, modTime time.Time) {
	mt := signal.Timestamp(modTime)
	if sig.Created.IsZero() {
		sig.Created = mt
	}
	if sig.Updated.IsZero() {
		sig.Updated = mt
	}
	if sig.Updated.Before(sig.Created) {
		sig.Updated = sig.Created
	}
	sig.Normalize()
}
