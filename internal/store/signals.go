package store

import (
	"context"
	"math/rand/v2"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/metrics"
	"github.com/legato/listen/internal/signal"
)

const (
	defaultMaxAttempts = 8
	defaultRetryDelay  = 20 * time.Millisecond
)

// SignalStore loads, mutates and saves the index through an IndexPersistence.
type SignalStore struct {
	p           IndexPersistence
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// Option configures a SignalStore.
type Option func(*SignalStore)

// WithLogger sets the logger used for conflict retries.
func WithLogger(l *zap.Logger) Option {
	return func(s *SignalStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxAttempts bounds the load-mutate-save attempts of Update.
func WithMaxAttempts(n int) Option {
	return func(s *SignalStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base delay between conflicting attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *SignalStore) { s.retryDelay = d }
}

// WithClock overrides the time source used for updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SignalStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSignalStore(p IndexPersistence, opts ...Option) *SignalStore {
	s := &SignalStore{
		p:           p,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the current index. A missing document yields an empty index; an
// unparseable one fails with errs.CodeIndexCorrupt and is left untouched.
func (s *SignalStore) Load(ctx context.Context) (*Index, error) {
	data, version, err := s.p.LoadIndex(ctx)
	if errs.IsNotFound(err) {
		return NewIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	idx, err := ParseIndex(data)
	if err != nil {
		return nil, err
	}
	idx.version = version
	return idx, nil
}

// Save persists idx if nobody else saved since it was loaded. On success idx
// carries the new version.
func (s *SignalStore) Save(ctx context.Context, idx *Index) error {
	return s.save(ctx, idx, idx.version)
}

// Replace persists idx unconditionally, overwriting whatever is stored.
func (s *SignalStore) Replace(ctx context.Context, idx *Index) error {
	return s.save(ctx, idx, AnyVersion)
}

// Rebuild saves idx over the index that was current when base was loaded.
// Signals another writer added or changed since then are carried into idx
// unless idx already holds their id; everything else in the old index is
// dropped. A nil base overwrites the stored document unconditionally.
func (s *SignalStore) Rebuild(ctx context.Context, idx, base *Index) error {
	if base == nil {
		return s.Replace(ctx, idx)
	}
	rebuilt := idx.Signals()
	expect := base.version
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return err
			}
		}
		err := s.save(ctx, idx, expect)
		if err == nil || !errs.IsConflict(err) {
			return err
		}
		metrics.IndexConflictsTotal.Inc()

		cur, err := s.Load(ctx)
		if err != nil {
			return err
		}
		merged := NewIndex()
		for _, sig := range rebuilt {
			merged.Put(sig)
		}
		for _, sig := range cur.Signals() {
			if _, ok := merged.Get(sig.ID); ok {
				continue
			}
			if prev, ok := base.Get(sig.ID); ok && reflect.DeepEqual(prev, sig) {
				continue
			}
			s.logger.Info("keeping signal written during rebuild", zap.String("signal_id", sig.ID))
			merged.Put(sig)
		}
		*idx = *merged
		expect = cur.version
	}
	return errs.Errorf(errs.CodeIndexConflict, "index rebuild gave up after %d attempts", s.maxAttempts)
}

func (s *SignalStore) save(ctx context.Context, idx *Index, expect string) error {
	data, err := idx.Marshal()
	if err != nil {
		return errs.Wrap(err, errs.CodeBackendFailure, "encode index")
	}
	version, err := s.p.SaveIndex(ctx, data, expect)
	if err != nil {
		return err
	}
	idx.version = version
	return nil
}

// Update runs fn against a freshly loaded index and saves the result, retrying
// from a new load when a concurrent writer wins. fn may run more than once and
// must only mutate the index it is given.
func (s *SignalStore) Update(ctx context.Context, fn func(*Index) error) (*Index, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		idx, err := s.Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := fn(idx); err != nil {
			return nil, err
		}
		err = s.Save(ctx, idx)
		if err == nil {
			return idx, nil
		}
		if !errs.IsConflict(err) {
			return nil, err
		}
		lastErr = err
		metrics.IndexConflictsTotal.Inc()
		s.logger.Warn("index save conflicted with a concurrent writer, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", s.maxAttempts),
		)
	}
	return nil, errs.Wrapf(lastErr, errs.CodeIndexConflict, "index update gave up after %d attempts", s.maxAttempts)
}

// Upsert inserts or overwrites sig and returns the stored record.
func (s *SignalStore) Upsert(ctx context.Context, sig *signal.Signal) (*signal.Signal, error) {
	var stored *signal.Signal
	_, err := s.Update(ctx, func(idx *Index) error {
		stored = idx.Upsert(sig, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Get loads the index and returns the signal stored under id.
func (s *SignalStore) Get(ctx context.Context, id string) (*signal.Signal, error) {
	idx, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	sig, ok := idx.Get(id)
	if !ok {
		return nil, errs.New(errs.CodeSignalNotFound, "signal not found", errs.FieldSignalID(id))
	}
	return sig, nil
}

func (s *SignalStore) backoff(ctx context.Context, attempt int) error {
	d := s.retryDelay * time.Duration(1<<(attempt-1))
	if s.retryDelay > 0 {
		d += rand.N(s.retryDelay)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
