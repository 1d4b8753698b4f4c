package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"

	"github.com/legato/listen/internal/errs"
)

// OpenAI is an embeddings provider for the OpenAI API and compatible services.
type OpenAI struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	hasKey     bool
	dim        atomic.Int64
}

// NewOpenAI constructs an OpenAI-compatible embeddings provider. A missing API key
// is not an error here; Embed reports it without touching the network.
func NewOpenAI(cfg *Config) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	p := &OpenAI{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		hasKey:     cfg.APIKey != "",
	}
	p.dim.Store(int64(cfg.Dimensions))
	return p
}

func (p *OpenAI) ModelID() string {
	return "openai:" + string(p.model)
}

// Dim returns the configured dimensions, or the length of the last vector returned.
func (p *OpenAI) Dim() int {
	return int(p.dim.Load())
}

func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.model == "" {
		return nil, errs.Errorf(errs.CodeProviderUnavailable, "embeddings model is not configured (set embeddings.model): %w", ErrNotConfigured)
	}
	if !p.hasKey {
		return nil, errs.Errorf(errs.CodeProviderUnavailable, "embeddings API key is not configured (set LISTEN_EMBEDDINGS_API_KEY or OPENAI_API_KEY): %w", ErrNotConfigured)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errs.Errorf(errs.CodeProviderUnavailable, "cannot embed empty text: %w", ErrRejected)
	}

	req := openai.EmbeddingRequest{
		Input:          []string{text},
		Model:          p.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if p.dimensions > 0 {
		req.Dimensions = p.dimensions
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, parseAPIError(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errs.New(errs.CodeProviderUnavailable, "embeddings response missing embedding")
	}

	out := resp.Data[0].Embedding
	p.dim.Store(int64(len(out)))
	return out, nil
}

// parseAPIError turns a client error into a provider failure. 4xx responses other
// than 429 are permanent.
func parseAPIError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail == "" {
			detail = strings.TrimSpace(string(reqErr.Body))
		}
		if permanentStatus(reqErr.HTTPStatusCode) {
			return errs.Errorf(errs.CodeProviderUnavailable, "embeddings API error %d: %s: %w", reqErr.HTTPStatusCode, detail, ErrRejected)
		}
		return errs.Errorf(errs.CodeProviderUnavailable, "embeddings API error %d: %s", reqErr.HTTPStatusCode, detail)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if permanentStatus(apiErr.HTTPStatusCode) {
			return errs.Errorf(errs.CodeProviderUnavailable, "embeddings API error %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, ErrRejected)
		}
		return errs.Errorf(errs.CodeProviderUnavailable, "embeddings API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}

	return errs.Errorf(errs.CodeProviderUnavailable, "embeddings request failed: %w", err)
}

func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

// extractDetail extracts the "detail" field some compatible services use for errors.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
