package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
)

// OpenAIEncoder embeds text through the OpenAI embeddings API. Inputs longer
// than the model's token window are truncated.
type OpenAIEncoder struct {
	client     *openai.Client
	model      string
	dimensions int
	maxTokens  int

	tokOnce sync.Once
	tok     *tiktoken.Tiktoken
	tokErr  error
}

// NewOpenAIEncoder returns an encoder for model, asking the API for dims-wide
// vectors.
func NewOpenAIEncoder(apiKey, model string, dims, maxTokens int) (*OpenAIEncoder, error) {
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}
	if maxTokens <= 0 {
		maxTokens = 8000
	}
	return &OpenAIEncoder{
		client:     openai.NewClient(apiKey),
		model:      model,
		dimensions: dims,
		maxTokens:  maxTokens,
	}, nil
}

func (e *OpenAIEncoder) Encode(ctx context.Context, payload []byte) ([]float32, error) {
	text, err := e.truncate(string(payload))
	if err != nil {
		return nil, err
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai returned no embeddings")
	}
	return resp.Data[0].Embedding, nil
}

func (e *OpenAIEncoder) Dimensions() int { return e.dimensions }

func (e *OpenAIEncoder) truncate(text string) (string, error) {
	e.tokOnce.Do(func() {
		e.tok, e.tokErr = tiktoken.GetEncoding("cl100k_base")
	})
	if e.tokErr != nil {
		return "", fmt.Errorf("failed to load tokenizer: %w", e.tokErr)
	}
	tokens := e.tok.Encode(text, nil, nil)
	if len(tokens) <= e.maxTokens {
		return text, nil
	}
	return e.tok.Decode(tokens[:e.maxTokens]), nil
}
