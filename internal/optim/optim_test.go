package optim

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"adam", "Adam", " ADAMW ", "sgd", "RMSprop", "adagrad"} {
		c, err := Lookup(name)
		require.NoError(t, err, name)
		require.NotNil(t, c())
	}

	_, err := Lookup("__import__('os').system")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOptimizer))
}

func TestNames(t *testing.T) {
	want := []string{"adagrad", "adam", "adamw", "rmsprop", "sgd"}
	if diff := cmp.Diff(want, Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
}

func TestAdamFirstStep(t *testing.T) {
	// On the first step the bias-corrected update is lr*sign(g) (up to eps).
	p := []float32{1, -1, 0.5}
	g := []float32{0.2, -3, 0}
	opt := NewAdam(0.9, 0.999, 1e-8, 0)

	require.NoError(t, opt.Step([]Gradient{{Name: "w", Value: p, Grad: g}}, 0.1))

	assert.InDelta(t, 0.9, p[0], 1e-5)
	assert.InDelta(t, -0.9, p[1], 1e-5)
	assert.InDelta(t, 0.5, p[2], 1e-6)
	assert.Equal(t, 1, opt.Steps())

	snap := opt.Snapshot()
	require.Contains(t, snap, "m/w")
	require.Contains(t, snap, "v/w")
	assert.InDelta(t, 0.02, snap["m/w"][0], 1e-6)
}

func TestAdamSkipsParametersWithoutGradient(t *testing.T) {
	opt := NewAdam(0.9, 0.999, 1e-8, 0)
	a := []float32{1}
	require.NoError(t, opt.Step([]Gradient{{Name: "a", Value: a, Grad: []float32{1}}}, 0.01))

	snap := opt.Snapshot()
	assert.Len(t, snap, 2)
	assert.NotContains(t, snap, "m/b")
}

func TestAdamW(t *testing.T) {
	p := []float32{2}
	opt := NewAdamW(0.9, 0.999, 1e-8, 0.5)
	require.NoError(t, opt.Step([]Gradient{{Name: "w", Value: p, Grad: []float32{0}}}, 0.1))
	// zero gradient: only the decoupled decay moves the weight.
	assert.InDelta(t, 2-0.1*0.5*2, p[0], 1e-6)
	assert.Equal(t, "adamw", opt.Name())
}

func TestSGD(t *testing.T) {
	p := []float32{1, 2}
	opt := NewSGD(0, 0)
	require.NoError(t, opt.Step([]Gradient{{Name: "w", Value: p, Grad: []float32{1, -1}}}, 0.5))
	if diff := cmp.Diff([]float32{0.5, 2.5}, p); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, opt.Snapshot())

	mom := NewSGD(0.9, 0)
	q := []float32{0}
	grad := []Gradient{{Name: "w", Value: q, Grad: []float32{1}}}
	require.NoError(t, mom.Step(grad, 1))
	require.NoError(t, mom.Step(grad, 1))
	// buf: 1, then 0.9+1
	assert.InDelta(t, -2.9, q[0], 1e-6)
}

func TestRMSPropAndAdagrad(t *testing.T) {
	p := []float32{0}
	r := NewRMSProp(0.99, 1e-8)
	require.NoError(t, r.Step([]Gradient{{Name: "w", Value: p, Grad: []float32{1}}}, 0.01))
	assert.InDelta(t, -0.01/math.Sqrt(0.01), p[0], 1e-5)

	q := []float32{0}
	a := NewAdagrad(1e-10)
	require.NoError(t, a.Step([]Gradient{{Name: "w", Value: q, Grad: []float32{2}}}, 0.1))
	assert.InDelta(t, -0.1, q[0], 1e-6)
	assert.Equal(t, 1, a.Steps())
}

func TestStepRejectsMismatchedGradient(t *testing.T) {
	for _, name := range Names() {
		c, _ := Lookup(name)
		opt := c()
		err := opt.Step([]Gradient{{Name: "w", Value: make([]float32, 3), Grad: make([]float32, 2)}}, 0.1)
		assert.Error(t, err, name)
		assert.Equal(t, 0, opt.Steps(), name)
	}
}

func TestIndependentOptimizersShareParameters(t *testing.T) {
	shared := []float32{1}
	a := NewAdam(0.9, 0.999, 1e-8, 0)
	b := NewAdam(0.9, 0.999, 1e-8, 0)

	require.NoError(t, a.Step([]Gradient{{Name: "w", Value: shared, Grad: []float32{1}}}, 0.1))
	assert.InDelta(t, 0.9, shared[0], 1e-5)
	assert.Equal(t, 0, b.Steps())
	assert.Empty(t, b.Snapshot())

	require.NoError(t, b.Step([]Gradient{{Name: "w", Value: shared, Grad: []float32{1}}}, 0.1))
	assert.InDelta(t, 0.8, shared[0], 1e-5)
	assert.Equal(t, 1, a.Steps())
}

func TestStepLR(t *testing.T) {
	s := NewStepLR(0.1, 1, 0.1)
	assert.InDelta(t, 0.1, s.LR(), 1e-12)
	s.Step()
	assert.InDelta(t, 0.01, s.LR(), 1e-12)
	s.Step()
	assert.InDelta(t, 0.001, s.LR(), 1e-12)
	assert.Equal(t, 2, s.Epoch())

	slow := NewStepLR(1, 3, 0.5)
	for k := 0; k < 7; k++ {
		assert.InDelta(t, math.Pow(0.5, float64(k/3)), slow.LR(), 1e-12, "epoch %d", k)
		slow.Step()
	}
}
