package store

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/signal"
)

// Index is an in-memory snapshot of the persisted id -> signal mapping.
type Index struct {
	signals map[string]*signal.Signal
	version string
}

// NewIndex returns an empty index that has never been saved.
func NewIndex() *Index {
	return &Index{signals: map[string]*signal.Signal{}, version: NoVersion}
}

// ParseIndex decodes a persisted index document.
func ParseIndex(data []byte) (*Index, error) {
	idx := NewIndex()
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errs.New(errs.CodeIndexCorrupt, "index document is empty")
	}
	if err := json.Unmarshal(data, &idx.signals); err != nil {
		return nil, errs.Wrap(err, errs.CodeIndexCorrupt, "index document is not valid JSON")
	}
	if idx.signals == nil {
		return nil, errs.New(errs.CodeIndexCorrupt, "index document is not an object")
	}
	for id, s := range idx.signals {
		if s == nil {
			return nil, errs.New(errs.CodeIndexCorrupt, "index entry is null", errs.FieldSignalID(id))
		}
		if s.ID != id {
			return nil, errs.New(errs.CodeIndexCorrupt, "index entry id does not match its key",
				errs.FieldSignalID(id), errs.Field("entry_id", s.ID))
		}
		s.Normalize()
	}
	return idx, nil
}

// Version returns the version token the index was loaded or last saved with.
func (x *Index) Version() string { return x.version }

func (x *Index) Len() int { return len(x.signals) }

// Get returns a copy of the signal stored under id.
func (x *Index) Get(id string) (*signal.Signal, bool) {
	s, ok := x.signals[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// IDs returns all signal ids in ascending order.
func (x *Index) IDs() []string {
	ids := make([]string, 0, len(x.signals))
	for id := range x.signals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Signals returns copies of all signals ordered by id.
func (x *Index) Signals() []*signal.Signal {
	out := make([]*signal.Signal, 0, len(x.signals))
	for _, id := range x.IDs() {
		out = append(out, x.signals[id].Clone())
	}
	return out
}

// Put stores s as given, replacing any entry with the same id.
func (x *Index) Put(s *signal.Signal) {
	c := s.Clone()
	c.Normalize()
	x.signals[c.ID] = c
}

// Upsert inserts or overwrites the entry for s.ID and returns the stored record.
// Overwrites keep the stored created time; inserts keep a caller-supplied created
// time or use now. updated is always now, and created never exceeds updated.
func (x *Index) Upsert(s *signal.Signal, now time.Time) *signal.Signal {
	c := s.Clone()
	now = signal.Timestamp(now)
	if prev, ok := x.signals[c.ID]; ok && !prev.Created.IsZero() {
		c.Created = prev.Created
	} else if c.Created.IsZero() {
		c.Created = now
	}
	c.Updated = now
	if c.Created.After(c.Updated) {
		c.Created = c.Updated
	}
	c.Normalize()
	x.signals[c.ID] = c
	return c.Clone()
}

// Delete removes id from the index and reports whether it was present.
func (x *Index) Delete(id string) bool {
	_, ok := x.signals[id]
	delete(x.signals, id)
	return ok
}

// Marshal encodes the index in its canonical form: keys sorted, two-space
// indentation, trailing newline. Equal indexes encode to identical bytes.
func (x *Index) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(x.signals, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
