package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/nadmax/convoq/internal/retry"
	"google.golang.org/genai"
)

const providerGemini = "gemini"

var ErrInvalidConfig = errors.New("invalid llm configuration")

type GeminiConfig struct {
	APIKey       string
	QualityModel string
	FastModel    string
}

type contentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiBackend streams completions from the Gemini API.
type GeminiBackend struct {
	models contentStreamer
	names  map[Model]string
	logger *slog.Logger
}

func NewGeminiBackend(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	return newGeminiBackend(client.Models, cfg, logger)
}

func newGeminiBackend(models contentStreamer, cfg GeminiConfig, logger *slog.Logger) (*GeminiBackend, error) {
	if cfg.QualityModel == "" || cfg.FastModel == "" {
		return nil, fmt.Errorf("%w: both quality and fast model names are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &GeminiBackend{
		models: models,
		names: map[Model]string{
			ModelQuality: cfg.QualityModel,
			ModelFast:    cfg.FastModel,
		},
		logger: logger,
	}, nil
}

func (g *GeminiBackend) Generate(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		name, ok := g.names[req.Model]
		if !ok {
			yield("", retry.Invalid("model", "unknown model selector "+string(req.Model)))
			return
		}

		g.logger.DebugContext(ctx, "opening gemini stream",
			"model", name,
			"prompt_length", len(req.Prompt))

		for resp, err := range g.models.GenerateContentStream(ctx, name, genai.Text(req.Prompt), nil) {
			if err != nil {
				yield("", translateGeminiError(ctx, err))
				return
			}

			text, err := responseText(resp)
			if err != nil {
				yield("", err)
				return
			}
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", nil
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", retry.MarkPermanent(errors.New("content blocked by safety filters"))
	}
	if candidate.Content == nil {
		return "", nil
	}

	text := ""
	for _, part := range candidate.Content.Parts {
		if part != nil {
			text += part.Text
		}
	}

	return text, nil
}

// translateGeminiError converts SDK failures into retry.ProviderError. Context
// errors are passed through so callers can tell cancellation from failure.
func translateGeminiError(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &retry.ProviderError{Provider: providerGemini, StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &retry.ProviderError{Provider: providerGemini, StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message, Err: err}
	}

	return &retry.ProviderError{Provider: providerGemini, Message: err.Error(), Err: err}
}
