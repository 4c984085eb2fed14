package model

import (
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const layerNormEps = 1e-5

// activationFn applies a nonlinearity; prefix names any constants it needs.
type activationFn func(gr *Graph, x *gorgonia.Node, prefix string) (*gorgonia.Node, error)

var activations = map[string]activationFn{
	"relu": func(_ *Graph, x *gorgonia.Node, _ string) (*gorgonia.Node, error) { return gorgonia.Rectify(x) },
	"gelu": gelu,
}

// gelu uses the tanh approximation:
// 0.5*x*(1 + tanh(sqrt(2/pi)*(x + 0.044715*x^3))).
func gelu(gr *Graph, x *gorgonia.Node, prefix string) (*gorgonia.Node, error) {
	cube, err := gorgonia.Cube(x)
	if err != nil {
		return nil, err
	}
	cube, err = gorgonia.HadamardProd(cube, gr.constant(prefix+".gelu_c0", 0.044715))
	if err != nil {
		return nil, err
	}
	inner, err := gorgonia.Add(x, cube)
	if err != nil {
		return nil, err
	}
	inner, err = gorgonia.HadamardProd(inner, gr.constant(prefix+".gelu_c1", float32(math.Sqrt(2/math.Pi))))
	if err != nil {
		return nil, err
	}
	t, err := gorgonia.Tanh(inner)
	if err != nil {
		return nil, err
	}
	t, err = gorgonia.Add(t, gr.constant(prefix+".gelu_one", 1))
	if err != nil {
		return nil, err
	}
	out, err := gorgonia.HadamardProd(x, t)
	if err != nil {
		return nil, err
	}
	return gorgonia.HadamardProd(out, gr.constant(prefix+".gelu_half", 0.5))
}

func layerPrefix(i int) string { return fmt.Sprintf("layer%d", i) }

func addEncoderLayerParams(p *Params, i, d, ff int) {
	prefix := layerPrefix(i)
	for _, proj := range []string{"q", "k", "v", "o"} {
		addLinearParams(p, prefix+".attn."+proj, d, d)
	}
	addNormParams(p, prefix+".norm1", d)
	addLinearParams(p, prefix+".ff1", d, ff)
	addLinearParams(p, prefix+".ff2", ff, d)
	addNormParams(p, prefix+".norm2", d)
}

// encoderLayer is one post-norm transformer block:
//
//	x = norm1(x + dropout(attn(x)))
//	x = norm2(x + dropout(ff2(dropout(act(ff1(x))))))
//
// Every position attends to every other one; there is no padding mask.
type encoderLayer struct {
	gr     *Graph
	prefix string
}

// forward maps the batch-major activations x, shaped (batch*seq, d), to the
// same shape.
func (l encoderLayer) forward(x *gorgonia.Node, batch, seq int, dropout float64) (*gorgonia.Node, error) {
	attn, err := l.selfAttention(x, batch, seq, dropout)
	if err != nil {
		return nil, fmt.Errorf("%s attention: %w", l.prefix, err)
	}
	if attn, err = gorgonia.Dropout(attn, dropout); err != nil {
		return nil, err
	}
	res, err := gorgonia.Add(x, attn)
	if err != nil {
		return nil, err
	}
	if x, err = l.gr.layerNorm(res, l.prefix+".norm1"); err != nil {
		return nil, err
	}

	ff, err := l.gr.linear(x, l.prefix+".ff1")
	if err != nil {
		return nil, err
	}
	if ff, err = activations[l.gr.model.cfg.Activation](l.gr, ff, l.prefix+".ff"); err != nil {
		return nil, err
	}
	if ff, err = gorgonia.Dropout(ff, dropout); err != nil {
		return nil, err
	}
	if ff, err = l.gr.linear(ff, l.prefix+".ff2"); err != nil {
		return nil, err
	}
	if ff, err = gorgonia.Dropout(ff, dropout); err != nil {
		return nil, err
	}
	if res, err = gorgonia.Add(x, ff); err != nil {
		return nil, err
	}
	return l.gr.layerNorm(res, l.prefix+".norm2")
}

// selfAttention is multi-head scaled dot-product attention. Heads are folded
// into the batch axis so gorgonia's BatchedMatMul handles them together.
func (l encoderLayer) selfAttention(x *gorgonia.Node, batch, seq int, dropout float64) (*gorgonia.Node, error) {
	cfg := l.gr.model.cfg
	heads, dk := cfg.NHead, cfg.DModel/cfg.NHead

	// (batch*seq, d) -> (batch*heads, seq, dk)
	split := func(proj string, pattern ...int) (*gorgonia.Node, error) {
		p, err := l.gr.linear(x, l.prefix+".attn."+proj)
		if err != nil {
			return nil, err
		}
		if p, err = gorgonia.Reshape(p, tensor.Shape{batch, seq, heads, dk}); err != nil {
			return nil, err
		}
		if p, err = gorgonia.Transpose(p, pattern...); err != nil {
			return nil, err
		}
		s := p.Shape()
		return gorgonia.Reshape(p, tensor.Shape{batch * heads, s[2], s[3]})
	}

	q, err := split("q", 0, 2, 1, 3)
	if err != nil {
		return nil, err
	}
	kT, err := split("k", 0, 2, 3, 1) // (batch*heads, dk, seq)
	if err != nil {
		return nil, err
	}
	v, err := split("v", 0, 2, 1, 3)
	if err != nil {
		return nil, err
	}

	scores, err := gorgonia.BatchedMatMul(q, kT)
	if err != nil {
		return nil, err
	}
	scale := l.gr.constant(l.prefix+".attn.scale", float32(1.0/math.Sqrt(float64(dk))))
	if scores, err = gorgonia.HadamardProd(scores, scale); err != nil {
		return nil, err
	}

	// Softmax over the key axis: flatten to 2-D, normalise rows, restore.
	flat, err := gorgonia.Reshape(scores, tensor.Shape{batch * heads * seq, seq})
	if err != nil {
		return nil, err
	}
	probs, err := gorgonia.SoftMax(flat)
	if err != nil {
		return nil, err
	}
	if probs, err = gorgonia.Dropout(probs, dropout); err != nil {
		return nil, err
	}
	if probs, err = gorgonia.Reshape(probs, tensor.Shape{batch * heads, seq, seq}); err != nil {
		return nil, err
	}

	ctx, err := gorgonia.BatchedMatMul(probs, v)
	if err != nil {
		return nil, err
	}
	// (batch*heads, seq, dk) -> (batch*seq, d)
	if ctx, err = gorgonia.Reshape(ctx, tensor.Shape{batch, heads, seq, dk}); err != nil {
		return nil, err
	}
	if ctx, err = gorgonia.Transpose(ctx, 0, 2, 1, 3); err != nil {
		return nil, err
	}
	if ctx, err = gorgonia.Reshape(ctx, tensor.Shape{batch * seq, cfg.DModel}); err != nil {
		return nil, err
	}
	return l.gr.linear(ctx, l.prefix+".attn.o")
}

// layerNorm normalises each row of x, shaped (rows, d), then applies the
// learned gain and bias.
func (gr *Graph) layerNorm(x *gorgonia.Node, prefix string) (*gorgonia.Node, error) {
	rows := x.Shape()[0]

	mean, err := gorgonia.Mean(x, 1)
	if err != nil {
		return nil, err
	}
	if mean, err = gorgonia.Reshape(mean, tensor.Shape{rows, 1}); err != nil {
		return nil, err
	}
	centered, err := gorgonia.BroadcastSub(x, mean, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(centered)
	if err != nil {
		return nil, err
	}
	variance, err := gorgonia.Mean(sq, 1)
	if err != nil {
		return nil, err
	}
	if variance, err = gorgonia.Reshape(variance, tensor.Shape{rows, 1}); err != nil {
		return nil, err
	}
	if variance, err = gorgonia.Add(variance, gr.constant(prefix+".eps", layerNormEps)); err != nil {
		return nil, err
	}
	std, err := gorgonia.Sqrt(variance)
	if err != nil {
		return nil, err
	}
	normed, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	if normed, err = gorgonia.BroadcastHadamardProd(normed, gr.param(prefix+".gain"), nil, []byte{0}); err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(normed, gr.param(prefix+".bias"), nil, []byte{0})
}
