// Package correlate ranks a query against the indexed signals and decides how new
// content should be routed.
package correlate

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/embeddings"
	"github.com/legato/listen/internal/metrics"
	"github.com/legato/listen/internal/signal"
	"github.com/legato/listen/internal/store"
	"github.com/legato/listen/internal/vector"
)

// TopK is the number of matches reported.
const TopK = 5

// Score thresholds. Scores below SuggestThreshold create a new entry; scores at
// or above AutoAppendThreshold merge into the top match.
const (
	SuggestThreshold    = 0.70
	AutoAppendThreshold = 0.90
)

// Recommendation is the routing decision for a correlated query.
type Recommendation string

const (
	RecommendCreate     Recommendation = "CREATE"
	RecommendSuggest    Recommendation = "SUGGEST"
	RecommendAutoAppend Recommendation = "AUTO-APPEND"
)

// Classify maps a top score to a recommendation.
func Classify(score float64) Recommendation {
	switch {
	case score < SuggestThreshold:
		return RecommendCreate
	case score < AutoAppendThreshold:
		return RecommendSuggest
	default:
		return RecommendAutoAppend
	}
}

// Cosine is vector.Cosine with dimension mismatches and non-finite results scored as 0.
func Cosine(a, b []float32) float64 {
	s, err := vector.Cosine(a, b)
	if err != nil || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return s
}

// Match is one ranked candidate.
type Match struct {
	SignalID string  `json:"signal_id"`
	Score    float64 `json:"score"`
	Title    string  `json:"title"`
	Path     string  `json:"path"`
}

// Result is the outcome of a correlation.
type Result struct {
	Matches         []Match        `json:"matches"`
	TopScore        float64        `json:"top_score"`
	Recommendation  Recommendation `json:"recommendation"`
	SuggestedTarget *string        `json:"suggested_target"`
}

// Empty is the result reported when nothing could be compared.
func Empty() Result {
	return Result{Matches: []Match{}, Recommendation: RecommendCreate}
}

// IndexLoader supplies the current index snapshot.
type IndexLoader interface {
	Load(ctx context.Context) (*store.Index, error)
}

// VectorReader resolves stored vectors; a miss reports false.
type VectorReader interface {
	Get(ctx context.Context, id string) ([]float32, bool)
}

// Engine correlates queries against the index. It never writes.
type Engine struct {
	signals  IndexLoader
	vectors  VectorReader
	provider embeddings.Provider
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(signals IndexLoader, vectors VectorReader, provider embeddings.Provider, opts ...Option) *Engine {
	e := &Engine{
		signals:  signals,
		vectors:  vectors,
		provider: provider,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Correlate embeds q and ranks it against the index. An unavailable provider
// yields Empty(); only a failure to load the index is returned as an error.
func (e *Engine) Correlate(ctx context.Context, q signal.Query) (Result, error) {
	qv, err := e.provider.Embed(ctx, q.Text())
	if err != nil {
		e.logger.Warn("query embedding unavailable, recommending create",
			zap.String("title", q.Title),
			zap.Error(err),
		)
		res := Empty()
		metrics.CorrelationsTotal.WithLabelValues(string(res.Recommendation)).Inc()
		return res, nil
	}
	res, err := e.Rank(ctx, qv)
	if err != nil {
		return Result{}, err
	}
	metrics.CorrelationsTotal.WithLabelValues(string(res.Recommendation)).Inc()
	return res, nil
}

// Rank scores qv against every indexed signal whose vector resolves.
func (e *Engine) Rank(ctx context.Context, qv []float32) (Result, error) {
	idx, err := e.signals.Load(ctx)
	if err != nil {
		return Result{}, err
	}

	scored := make([]Match, 0, idx.Len())
	for _, s := range idx.Signals() {
		if !s.HasEmbedding() {
			continue
		}
		sv, ok := e.vectors.Get(ctx, s.ID)
		if !ok {
			continue
		}
		scored = append(scored, Match{
			SignalID: s.ID,
			Score:    Cosine(qv, sv),
			Title:    s.Title,
			Path:     s.Path,
		})
	}
	return Summarize(scored), nil
}

// Summarize sorts candidates by score (descending), then by id (ascending), keeps
// the top TopK and classifies the best score.
func Summarize(scored []Match) Result {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].SignalID < scored[j].SignalID
		}
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > TopK {
		scored = scored[:TopK]
	}
	res := Empty()
	res.Matches = append(res.Matches, scored...)
	if len(res.Matches) > 0 {
		top := res.Matches[0]
		res.TopScore = top.Score
		target := top.SignalID
		res.SuggestedTarget = &target
	}
	res.Recommendation = Classify(res.TopScore)
	return res
}
