package embeddings

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/metrics"
)

// RetryPolicy bounds a provider call. Attempt n (n >= 1) waits BaseDelay * 2^(n-1)
// before running; each attempt gets its own Timeout.
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// Retrying retries transient provider failures with exponential backoff.
type Retrying struct {
	next   Provider
	policy RetryPolicy
	logger *zap.Logger
}

func NewRetrying(next Provider, policy RetryPolicy, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Retrying{next: next, policy: policy, logger: logger}
}

func (r *Retrying) ModelID() string { return r.next.ModelID() }

func (r *Retrying) Dim() int { return r.next.Dim() }

func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.policy.BaseDelay * time.Duration(1<<(attempt-1))
			r.logger.Warn("embedding failed, retrying",
				zap.String("model", r.next.ModelID()),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			metrics.EmbeddingRetriesTotal.WithLabelValues(r.next.ModelID()).Inc()
			select {
			case <-ctx.Done():
				return nil, errs.Errorf(errs.CodeProviderUnavailable, "embedding cancelled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		vec, err := r.attempt(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !Retryable(err) || ctx.Err() != nil {
			break
		}
	}
	if errs.CodeOf(lastErr) == errs.CodeProviderUnavailable {
		return nil, lastErr
	}
	return nil, errs.Wrap(lastErr, errs.CodeProviderUnavailable, "embedding failed")
}

func (r *Retrying) attempt(ctx context.Context, text string) ([]float32, error) {
	if r.policy.Timeout <= 0 {
		return r.next.Embed(ctx, text)
	}
	actx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()
	return r.next.Embed(actx, text)
}
