package pretrained

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dietnlu/internal/config"
	"dietnlu/internal/dataset"
	"dietnlu/internal/model"
)

// hashEncoder returns a deterministic vector per text, seeded from its md5.
type hashEncoder struct {
	dim   int
	calls []string
}

func (h *hashEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	h.calls = append(h.calls, text)
	sum := md5.Sum([]byte(text))
	r := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
	out := make([]float32, h.dim)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out, nil
}

func setup(t *testing.T, dim int) (*dataset.Corpus, *model.Model) {
	t.Helper()
	c, err := dataset.NewCorpus([]dataset.Utterance{
		{Text: "hello world", Intent: "greet"},
		{Text: "bye world", Intent: "bye"},
	}, dataset.CorpusOptions{})
	require.NoError(t, err)

	cfg := model.DefaultConfig(c.VocabSize(), c.SequenceLength(), c.IntentLabelCount(), c.EntityLabelCount())
	cfg.DModel = dim
	cfg.NHead = 2
	cfg.NumLayers = 1
	cfg.DimFeedforward = 8
	m, err := model.New(cfg)
	require.NoError(t, err)
	return c, m
}

func TestWarmStartCopiesVectors(t *testing.T) {
	c, m := setup(t, 4)
	enc := &hashEncoder{dim: 4}
	padBefore := append([]float32(nil), m.Params().Data(model.TokenEmbedding)[:4]...)

	n, err := WarmStart(context.Background(), enc, c.Tokens, m.Params())
	require.NoError(t, err)
	assert.Equal(t, 3, n) // bye hello world
	assert.ElementsMatch(t, []string{"bye", "hello", "world"}, enc.calls)

	id, _ := c.Tokens.ID("hello")
	want, _ := (&hashEncoder{dim: 4}).Encode(context.Background(), "hello")
	assert.Equal(t, want, m.Params().Data(model.TokenEmbedding)[id*4:(id+1)*4])
	assert.Equal(t, padBefore, m.Params().Data(model.TokenEmbedding)[:4], "reserved rows keep their init")
}

func TestWarmStartDimensionMismatch(t *testing.T) {
	c, m := setup(t, 4)
	_, err := WarmStart(context.Background(), &hashEncoder{dim: 6}, c.Tokens, m.Params())
	assert.True(t, errors.Is(err, config.ErrConfiguration))
}

func TestWarmStartCancelled(t *testing.T) {
	c, m := setup(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WarmStart(ctx, &hashEncoder{dim: 4}, c.Tokens, m.Params())
	assert.ErrorIs(t, err, context.Canceled)
}
