package embeddings

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/metrics"
)

// Instrumented records request metrics and debug logs around a provider.
type Instrumented struct {
	next   Provider
	logger *zap.Logger
}

func NewInstrumented(next Provider, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{next: next, logger: logger}
}

func (p *Instrumented) ModelID() string { return p.next.ModelID() }

func (p *Instrumented) Dim() int { return p.next.Dim() }

func (p *Instrumented) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.next.ModelID()
	start := time.Now()
	vec, err := p.next.Embed(ctx, text)
	duration := time.Since(start)

	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(model, "error").Inc()
		p.logger.Debug("embedding request failed",
			zap.String("model", model),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues(model, "success").Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
	p.logger.Debug("embedding request",
		zap.String("model", model),
		zap.Int("dim", len(vec)),
		zap.Int("text_len", len(text)),
		zap.Duration("duration", duration),
	)
	return vec, nil
}
