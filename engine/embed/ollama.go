package embed

import (
	"context"

	"github.com/tesserai/tessera/pkg/ollama"
)

// ollamaEncoder backs text spaces with an Ollama server. Ollama's
// embedding endpoint is text-only, so media files are rejected.
type ollamaEncoder struct {
	client *ollama.Client
	model  string
	dim    int
}

func newOllamaEncoder(baseURL, model string, dim int) *ollamaEncoder {
	return &ollamaEncoder{client: ollama.New(baseURL), model: model, dim: dim}
}

func (e *ollamaEncoder) Dim() int { return e.dim }

func (e *ollamaEncoder) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return e.client.Embed(ctx, e.model, texts)
}

func (e *ollamaEncoder) EncodeFiles(context.Context, []string) ([][]float32, error) {
	return nil, ErrFilesUnsupported
}
