package store

import (
	"context"
	"encoding/json"

	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/signal"
)

// RecordPersistence keeps a standalone JSON copy of each signal, grouped by the
// signal's source. Backends implement it optionally; the index stays the
// authority and a record is only ever a mirror of an index entry.
type RecordPersistence interface {
	PutRecord(ctx context.Context, source, key string, data []byte) error
}

// RecordStore writes full signal records through a RecordPersistence.
type RecordStore struct {
	p RecordPersistence
}

// NewRecordStore returns a RecordStore for b, or nil when b keeps no records.
func NewRecordStore(b any) *RecordStore {
	p, ok := b.(RecordPersistence)
	if !ok {
		return nil
	}
	return &RecordStore{p: p}
}

// Put writes sig under its escaped source and id.
func (r *RecordStore) Put(ctx context.Context, sig *signal.Signal) error {
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.CodeBackendFailure, "encode signal record", errs.FieldSignalID(sig.ID))
	}
	source := sig.Source
	if source == "" {
		source = signal.DefaultSource
	}
	return r.p.PutRecord(ctx, VectorKey(source), VectorKey(sig.ID), append(data, '\n'))
}
