package embed

import (
	"fmt"
	"log/slog"

	"github.com/CanopyHQ/xylem/internal/config"
)

// FromConfig builds the provider selected by cfg. Media modalities always use
// the local binary encoders; text uses the configured provider.
func FromConfig(cfg config.EmbeddingsConfig) (*Universal, error) {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}
	var text Factory
	switch cfg.Provider {
	case "", "local":
		text = func() (Encoder, error) { return NewTextEncoder(dims), nil }
	case "openai":
		text = func() (Encoder, error) {
			slog.Info("using OpenAI text embeddings", "model", cfg.Model, "dimensions", dims)
			return NewOpenAIEncoder(cfg.APIKey, cfg.Model, dims, cfg.MaxTokens)
		}
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
	return NewUniversal(dims, map[Modality]Factory{
		Text:  text,
		Image: func() (Encoder, error) { return NewBinaryEncoder(dims, "image"), nil },
		Audio: func() (Encoder, error) { return NewBinaryEncoder(dims, "audio"), nil },
		Video: func() (Encoder, error) { return NewBinaryEncoder(dims, "video"), nil },
	}), nil
}
