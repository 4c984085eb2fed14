package model

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"dietnlu/internal/dataset"
)

func smallConfig() Config {
	cfg := DefaultConfig(50, 10, 3, 5)
	cfg.DModel = 8
	cfg.NHead = 2
	cfg.NumLayers = 2
	cfg.DimFeedforward = 16
	cfg.Dropout = 0
	return cfg
}

func testBatch(n, seq, vocab, intents, entities int) dataset.Batch {
	b := dataset.Batch{
		Tokens:   make([][]int, n),
		Intents:  make([]int, n),
		Entities: make([][]int, n),
	}
	for i := 0; i < n; i++ {
		b.Tokens[i] = make([]int, seq)
		b.Entities[i] = make([]int, seq)
		for j := 0; j < seq; j++ {
			b.Tokens[i][j] = (i*seq + j) % vocab
			b.Entities[i][j] = (i + j) % entities
		}
		b.Intents[i] = i % intents
	}
	return b
}

// crossEntropy is the mean softmax cross-entropy of logits, shaped
// (len(labels), classes), over the labels not equal to ignore.
func crossEntropy(logits []float32, classes int, labels []int, ignore int) float64 {
	var sum float64
	count := 0
	for i, y := range labels {
		if y == ignore {
			continue
		}
		row := logits[i*classes : (i+1)*classes]
		hi := math.Inf(-1)
		for _, v := range row {
			hi = math.Max(hi, float64(v))
		}
		var z float64
		for _, v := range row {
			z += math.Exp(float64(v) - hi)
		}
		sum += hi + math.Log(z) - float64(row[y])
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func flatten(rows [][]int) []int {
	var out []int
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func newEvalGraph(t *testing.T, m *Model, batch int) *Graph {
	t.Helper()
	gr, err := m.NewGraph(GraphOptions{Batch: batch, Mode: ModeEval, IgnoreIndex: -1})
	require.NoError(t, err)
	t.Cleanup(func() { gr.Close() })
	return gr
}

func TestForwardShapes(t *testing.T) {
	cfg := smallConfig()
	m, err := New(cfg)
	require.NoError(t, err)

	gr := newEvalGraph(t, m, 4)
	b := testBatch(4, 10, 50, 3, 5)
	require.NoError(t, gr.Feed(b))
	require.NoError(t, gr.Run())

	assert.Len(t, gr.IntentLogits(), 4*3)
	assert.Len(t, gr.EntityLogits(), 4*10*5)
	assert.Equal(t, tensor.Shape{10, 4, 8}, gr.RepresentationShape())
	rep := gr.Representation()
	require.NotNil(t, rep)
	assert.Equal(t, tensor.Shape{10, 4, 8}, rep.Shape())

	for _, l := range []float64{gr.IntentLoss(), gr.EntityLoss()} {
		assert.False(t, math.IsNaN(l) || math.IsInf(l, 0))
		assert.GreaterOrEqual(t, l, 0.0)
	}
	assert.InDelta(t, crossEntropy(gr.IntentLogits(), 3, b.Intents, -1), gr.IntentLoss(), 1e-4)
	assert.InDelta(t, crossEntropy(gr.EntityLogits(), 5, flatten(b.Entities), -1), gr.EntityLoss(), 1e-4)
}

func TestGeluLossMatchesLogits(t *testing.T) {
	cfg := smallConfig()
	cfg.Activation = "gelu"
	m, err := New(cfg)
	require.NoError(t, err)

	gr := newEvalGraph(t, m, 3)
	b := testBatch(3, 10, 50, 3, 5)
	require.NoError(t, gr.Feed(b))
	require.NoError(t, gr.Run())
	assert.InDelta(t, crossEntropy(gr.IntentLogits(), 3, b.Intents, -1), gr.IntentLoss(), 1e-4)
	assert.InDelta(t, crossEntropy(gr.EntityLogits(), 5, flatten(b.Entities), -1), gr.EntityLoss(), 1e-4)
}

func TestConstantsKeepTheirValues(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	gr := newEvalGraph(t, m, 1)

	a := gr.constant("a", 0.5)
	c := gr.constant("c", 1e-5)
	assert.NotSame(t, a, c)
	assert.Equal(t, float32(0.5), a.Value().Data())
	assert.Equal(t, float32(1e-5), c.Value().Data())
}

func TestGeluActivation(t *testing.T) {
	cfg := smallConfig()
	cfg.Activation = "gelu"
	m, err := New(cfg)
	require.NoError(t, err)

	gr := newEvalGraph(t, m, 2)
	require.NoError(t, gr.Feed(testBatch(2, 10, 50, 3, 5)))
	require.NoError(t, gr.Run())
	assert.Len(t, gr.IntentLogits(), 2*3)
}

func TestPositionIDs(t *testing.T) {
	want := [][]int{{0, 1, 2}, {0, 1, 2}}
	if diff := cmp.Diff(want, PositionIDs(2, 3)); diff != "" {
		t.Errorf("PositionIDs (-want +got):\n%s", diff)
	}
}

func TestFeedRejectsSequenceMismatch(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	gr := newEvalGraph(t, m, 2)

	err = gr.Feed(testBatch(2, 7, 50, 3, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrDataContract))
	assert.Contains(t, err.Error(), "shape mismatch")

	assert.Error(t, gr.Feed(testBatch(3, 10, 50, 3, 5)), "wrong batch size")
}

func TestConfigValidate(t *testing.T) {
	cfg := smallConfig()
	cfg.NHead = 3
	assert.Error(t, cfg.Validate())

	cfg = smallConfig()
	cfg.Activation = "swish"
	assert.Error(t, cfg.Validate())

	cfg = smallConfig()
	cfg.Dropout = 1
	assert.Error(t, cfg.Validate())

	_, err := New(Config{})
	assert.Error(t, err)

	lines := strings.Split(Config{}.Validate().Error(), "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, "vocabulary size must be positive, got 0", lines[0])
	assert.Equal(t, "feed-forward width must be positive, got 0", lines[7])
	assert.Equal(t, `unknown activation ""`, lines[8])
}

func TestParamsSnapshotRestore(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	p := m.Params()

	assert.Equal(t, TokenEmbedding, p.Names()[0])
	assert.Equal(t, 50*8, len(p.Data(TokenEmbedding)))
	assert.Positive(t, p.Count())

	snap := p.Snapshot()
	p.Data(IntentHead + ".b")[0] = 42
	require.NoError(t, p.Restore(snap))
	assert.Equal(t, float32(0), p.Data(IntentHead+".b")[0])

	assert.Error(t, p.Restore(map[string][]float32{"missing": {1}}))
	assert.Error(t, p.Restore(map[string][]float32{TokenEmbedding: {1}}))
}

func TestTrainingGraphsTouchOnlyTheirHead(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)

	for _, tc := range []struct {
		mode    Mode
		present string
		absent  string
	}{
		{ModeIntent, IntentHead + ".w", EntityHead + ".w"},
		{ModeEntity, EntityHead + ".w", IntentHead + ".w"},
	} {
		gr, err := m.NewGraph(GraphOptions{Batch: 2, Mode: tc.mode, IgnoreIndex: -1})
		require.NoError(t, err)
		require.NoError(t, gr.Feed(testBatch(2, 10, 50, 3, 5)))
		require.NoError(t, gr.Run())

		grads, err := gr.Gradients()
		require.NoError(t, err)
		names := map[string]bool{}
		for _, g := range grads {
			names[g.Name] = true
			assert.Len(t, g.Grad, len(g.Value), g.Name)
		}
		assert.True(t, names[tc.present], "%s graph should train %s", tc.mode, tc.present)
		assert.False(t, names[tc.absent], "%s graph should not train %s", tc.mode, tc.absent)
		assert.True(t, names[TokenEmbedding])
		require.NoError(t, gr.Close())
	}

	gr := newEvalGraph(t, m, 2)
	_, err = gr.Gradients()
	assert.Error(t, err)
}

func TestEntityLossIgnoresEveryPosition(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)

	gr, err := m.NewGraph(GraphOptions{Batch: 2, Mode: ModeEval, IgnoreIndex: -100})
	require.NoError(t, err)
	defer gr.Close()

	b := testBatch(2, 10, 50, 3, 5)
	for _, row := range b.Entities {
		for j := range row {
			row[j] = -100
		}
	}
	require.NoError(t, gr.Feed(b))
	require.NoError(t, gr.Run())
	assert.Equal(t, 0.0, gr.EntityLoss())
}

func TestEntityLossSkipsIgnoredPositions(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)

	gr, err := m.NewGraph(GraphOptions{Batch: 2, Mode: ModeEval, IgnoreIndex: 0})
	require.NoError(t, err)
	defer gr.Close()

	b := testBatch(2, 10, 50, 3, 5)
	for i, row := range b.Entities {
		for j := range row {
			if (i+j)%3 == 0 {
				row[j] = 0
			} else {
				row[j] = 1 + (i+j)%4
			}
		}
	}
	require.NoError(t, gr.Feed(b))
	require.NoError(t, gr.Run())

	want := crossEntropy(gr.EntityLogits(), 5, flatten(b.Entities), 0)
	assert.Greater(t, want, 0.0)
	assert.InDelta(t, want, gr.EntityLoss(), 1e-4)
	assert.NotEqual(t, want, crossEntropy(gr.EntityLogits(), 5, flatten(b.Entities), -1))
}

func TestEntityScale(t *testing.T) {
	assert.Equal(t, float32(-0.25), entityScale([][]int{{0, 1}, {2, 3}}, -1))
	assert.Equal(t, float32(-1), entityScale([][]int{{0, 1}, {0, 0}}, 0))
	assert.Equal(t, float32(0), entityScale([][]int{{0, 0}}, 0))
}

func TestOneHotSkip(t *testing.T) {
	d := oneHot([][]int{{1, 0}, {2, 9}}, 3, 0)
	want := []float32{
		0, 1, 0,
		0, 0, 0,
		0, 0, 1,
		0, 0, 0,
	}
	assert.Equal(t, want, d.Data().([]float32))
}
