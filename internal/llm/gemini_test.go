package llm

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/nadmax/convoq/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	model     string
	responses []*genai.GenerateContentResponse
	err       error
}

func (f *fakeModels) GenerateContentStream(_ context.Context, model string, _ []*genai.Content, _ *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.model = model
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, r := range f.responses {
			if !yield(r, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: text}}}},
		},
	}
}

func testGeminiConfig() GeminiConfig {
	return GeminiConfig{QualityModel: "gemini-2.5-pro", FastModel: "gemini-2.5-flash"}
}

func TestNewGeminiBackend_MissingKey(t *testing.T) {
	_, err := NewGeminiBackend(context.Background(), GeminiConfig{}, nil)

	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewGeminiBackend_MissingModels(t *testing.T) {
	_, err := newGeminiBackend(&fakeModels{}, GeminiConfig{QualityModel: "x"}, nil)

	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGeminiBackend_SelectsModel(t *testing.T) {
	models := &fakeModels{responses: []*genai.GenerateContentResponse{textResponse("hi")}}
	backend, err := newGeminiBackend(models, testGeminiConfig(), nil)
	require.NoError(t, err)

	for range backend.Generate(context.Background(), Request{Prompt: "p", Model: ModelQuality}) {
	}
	assert.Equal(t, "gemini-2.5-pro", models.model)

	for range backend.Generate(context.Background(), Request{Prompt: "p", Model: ModelFast}) {
	}
	assert.Equal(t, "gemini-2.5-flash", models.model)
}

func TestGeminiBackend_StreamsText(t *testing.T) {
	models := &fakeModels{responses: []*genai.GenerateContentResponse{
		textResponse("Hello"),
		{},
		textResponse(" world"),
	}}
	backend, err := newGeminiBackend(models, testGeminiConfig(), nil)
	require.NoError(t, err)

	text, err := Collect(context.Background(), backend, Request{Prompt: "p", Model: ModelFast})

	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
}

func TestGeminiBackend_TranslatesAPIError(t *testing.T) {
	models := &fakeModels{
		responses: []*genai.GenerateContentResponse{textResponse("Hello")},
		err:       genai.APIError{Code: 429, Message: "quota exceeded", Status: "RESOURCE_EXHAUSTED"},
	}
	backend, err := newGeminiBackend(models, testGeminiConfig(), nil)
	require.NoError(t, err)

	_, err = Collect(context.Background(), backend, Request{Prompt: "p", Model: ModelFast})

	var provider *retry.ProviderError
	require.True(t, errors.As(err, &provider))
	assert.Equal(t, 429, provider.StatusCode)
	assert.Equal(t, retry.RateLimited, retry.Classify(err))
}

func TestGeminiBackend_UnknownErrorIsTransient(t *testing.T) {
	models := &fakeModels{err: errors.New("connection reset by peer")}
	backend, err := newGeminiBackend(models, testGeminiConfig(), nil)
	require.NoError(t, err)

	_, err = Collect(context.Background(), backend, Request{Prompt: "p", Model: ModelFast})

	assert.Equal(t, retry.Transient, retry.Classify(err))
}

func TestGeminiBackend_SafetyBlockIsPermanent(t *testing.T) {
	models := &fakeModels{responses: []*genai.GenerateContentResponse{
		{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}},
	}}
	backend, err := newGeminiBackend(models, testGeminiConfig(), nil)
	require.NoError(t, err)

	_, err = Collect(context.Background(), backend, Request{Prompt: "p", Model: ModelFast})

	assert.Equal(t, retry.Permanent, retry.Classify(err))
}
