// Package pretrained seeds the token embedding table from a pretrained text
// encoder so training starts from semantic vectors instead of noise.
package pretrained

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"

	"dietnlu/internal/config"
	"dietnlu/internal/dataset"
	"dietnlu/internal/model"
)

// DefaultModel is small and produces 384-dimensional vectors.
const DefaultModel = "sentence-transformers/all-MiniLM-L6-v2"

// Encoder maps a piece of text to a fixed-size vector.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Cybertron is an Encoder backed by a cybertron text-encoding model.
type Cybertron struct {
	model textencoding.Interface
}

// pooling selects cybertron's default pooling strategy.
const pooling = 0

// Load fetches (on first use) and loads modelName into modelsDir.
func Load(modelsDir, modelName string) (*Cybertron, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	slog.Info("loading pretrained encoder, the first run may download it", "model", modelName, "dir", modelsDir)
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: modelsDir,
		ModelName: modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", modelName, err)
	}
	return &Cybertron{model: m}, nil
}

func (c *Cybertron) Encode(ctx context.Context, text string) ([]float32, error) {
	result, err := c.model.Encode(ctx, text, pooling)
	if err != nil {
		return nil, err
	}
	data := result.Vector.Data().F64()
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out, nil
}

func isReserved(token string) bool {
	switch token {
	case dataset.PadToken, dataset.UnkToken, dataset.ClsToken:
		return true
	}
	return false
}

// WarmStart overwrites each non-reserved row of the token embedding with the
// encoder's vector for that token and reports how many rows it wrote. The
// encoder dimension must equal the model dimension.
func WarmStart(ctx context.Context, enc Encoder, vocab *dataset.Vocabulary, params *model.Params) (int, error) {
	table := params.Value(model.TokenEmbedding)
	if table == nil {
		return 0, fmt.Errorf("no %s parameter", model.TokenEmbedding)
	}
	rows, dim := table.Shape()[0], table.Shape()[1]
	if rows != vocab.Len() {
		return 0, fmt.Errorf("%w: vocabulary has %d tokens, embedding has %d rows",
			config.ErrConfiguration, vocab.Len(), rows)
	}
	data := params.Data(model.TokenEmbedding)

	written := 0
	for id, token := range vocab.Items() {
		if isReserved(token) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}
		vec, err := enc.Encode(ctx, token)
		if err != nil {
			return written, fmt.Errorf("encode %q: %w", token, err)
		}
		if len(vec) != dim {
			return written, fmt.Errorf("%w: pretrained dimension %d does not match d_model %d",
				config.ErrConfiguration, len(vec), dim)
		}
		copy(data[id*dim:(id+1)*dim], vec)
		written++
	}
	slog.Debug("warm-started token embeddings", "rows", written, "dim", dim)
	return written, nil
}
