package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/errs"
)

// Provider embeds text into a fixed-length float vector.
//
// Implementations must be deterministic for the same input text and model.
// Every failure is reported with errs.CodeProviderUnavailable; callers degrade
// rather than abort.
type Provider interface {
	ModelID() string
	Dim() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrNotConfigured marks failures that no retry can fix, such as a missing API key.
	ErrNotConfigured = errors.New("embeddings provider is not configured")
	// ErrRejected marks requests the remote service refused permanently.
	ErrRejected = errors.New("embeddings request rejected")
)

// Retryable reports whether err may succeed on another attempt.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotConfigured) && !errors.Is(err, ErrRejected)
}

// Config contains the resolved embeddings configuration.
type Config struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Dimensions     int
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// API key lookup order; the first non-empty value wins.
var apiKeyVars = []string{"LISTEN_EMBEDDINGS_API_KEY", "OPENAI_API_KEY"}

// LoadConfig combines the listen.yaml embeddings section with the API key, which is
// resolved from environment variables first, then ~/.listen/.env.
func LoadConfig(c config.EmbeddingsConfig) (*Config, error) {
	var apiKey string
	for _, k := range apiKeyVars {
		v, err := config.GetConfigValue(k)
		if err != nil {
			return nil, err
		}
		if v != "" {
			apiKey = v
			break
		}
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Config{
		Provider:       c.Provider,
		Model:          c.Model,
		APIKey:         apiKey,
		BaseURL:        baseURL,
		Dimensions:     c.Dimensions,
		Timeout:        c.Timeout,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay,
	}, nil
}

// NewFromConfig returns an embeddings provider wrapped with instrumentation and
// the retry policy.
func NewFromConfig(cfg *Config, logger *zap.Logger) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embeddings config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var base Provider
	switch cfg.Provider {
	case "openai":
		base = NewOpenAI(cfg)
	case "hash":
		base = NewHash(cfg.Dimensions)
	case "none":
		return Disabled{}, nil
	case "":
		return nil, errs.New(errs.CodeConfigInvalidValue, "embeddings provider is not configured (set embeddings.provider)")
	default:
		return nil, errs.Errorf(errs.CodeConfigInvalidValue, "unsupported embeddings provider: %s", cfg.Provider)
	}

	return NewRetrying(NewInstrumented(base, logger), RetryPolicy{
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
	}, logger), nil
}

// Disabled is the provider used when embeddings are switched off. Every call
// reports the provider as unavailable.
type Disabled struct{}

func (Disabled) ModelID() string { return "none" }

func (Disabled) Dim() int { return 0 }

func (Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, errs.Errorf(errs.CodeProviderUnavailable, "embeddings are disabled: %w", ErrNotConfigured)
}
