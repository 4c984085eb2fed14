// Package model implements the joint intent / entity transformer: a shared
// encoder over token and position embeddings, an intent head on the first
// position and an entity head on every position. Parameters live in one
// store; compiled graphs bind their learnable nodes to it.
package model

import (
	"errors"
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Config sizes the model. The encoder defaults follow the published DIET
// transformer.
type Config struct {
	VocabSize     int
	SeqLen        int
	IntentClasses int
	EntityClasses int

	DModel         int
	NHead          int
	NumLayers      int
	DimFeedforward int
	Dropout        float64
	Activation     string
}

// DefaultConfig returns a Config for the given data sizes with the default
// encoder shape.
func DefaultConfig(vocab, seqLen, intents, entities int) Config {
	return Config{
		VocabSize:     vocab,
		SeqLen:        seqLen,
		IntentClasses: intents,
		EntityClasses: entities,

		DModel:         512,
		NHead:          8,
		NumLayers:      6,
		DimFeedforward: 2048,
		Dropout:        0.1,
		Activation:     "relu",
	}
}

// Validate reports every invalid field at once, in field order.
func (c Config) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    int
	}{
		{"vocabulary size", c.VocabSize},
		{"sequence length", c.SeqLen},
		{"intent classes", c.IntentClasses},
		{"entity classes", c.EntityClasses},
		{"model dimension", c.DModel},
		{"attention heads", c.NHead},
		{"encoder layers", c.NumLayers},
		{"feed-forward width", c.DimFeedforward},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}
	if c.NHead > 0 && c.DModel%c.NHead != 0 {
		errs = append(errs, fmt.Errorf("model dimension %d is not divisible by %d heads", c.DModel, c.NHead))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("dropout must be in [0,1), got %v", c.Dropout))
	}
	if _, ok := activations[c.Activation]; !ok {
		errs = append(errs, fmt.Errorf("unknown activation %q", c.Activation))
	}
	return errors.Join(errs...)
}

// Params is the shared parameter store. Every entry is a float32 matrix that
// optimizers update in place.
type Params struct {
	names  []string
	values map[string]*tensor.Dense
}

func newParams() *Params {
	return &Params{values: make(map[string]*tensor.Dense)}
}

func (p *Params) add(name string, init gorgonia.InitWFn, rows, cols int) {
	backing := init(tensor.Float32, rows, cols)
	p.values[name] = tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
	p.names = append(p.names, name)
}

// Names lists parameters in creation order.
func (p *Params) Names() []string { return p.names }

// Value returns the tensor for name, or nil.
func (p *Params) Value(name string) *tensor.Dense { return p.values[name] }

// Data returns the backing slice for name, or nil.
func (p *Params) Data(name string) []float32 {
	v, ok := p.values[name]
	if !ok {
		return nil
	}
	return v.Data().([]float32)
}

// Count is the total number of scalar parameters.
func (p *Params) Count() int {
	total := 0
	for _, v := range p.values {
		total += v.Shape().TotalSize()
	}
	return total
}

// Snapshot deep-copies every parameter.
func (p *Params) Snapshot() map[string][]float32 {
	out := make(map[string][]float32, len(p.values))
	for name := range p.values {
		src := p.Data(name)
		cp := make([]float32, len(src))
		copy(cp, src)
		out[name] = cp
	}
	return out
}

// Restore copies a snapshot back into the store. Shapes must match.
func (p *Params) Restore(snap map[string][]float32) error {
	for name, src := range snap {
		dst := p.Data(name)
		if dst == nil {
			return fmt.Errorf("unknown parameter %s", name)
		}
		if len(dst) != len(src) {
			return fmt.Errorf("parameter %s: have %d values, snapshot has %d", name, len(dst), len(src))
		}
		copy(dst, src)
	}
	return nil
}

// Model pairs a configuration with its parameter store.
type Model struct {
	cfg    Config
	params *Params
}

// Parameter names outside the encoder layers.
const (
	TokenEmbedding    = "token_embedding"
	PositionEmbedding = "position_embedding"
	FinalNorm         = "final_norm"
	IntentHead        = "intent_head"
	EntityHead        = "entity_head"
)

// New validates cfg and initialises every parameter once: embeddings from
// N(0,1), projections Glorot-uniform, biases zero, norm gains one.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	p := newParams()
	d := cfg.DModel

	p.add(TokenEmbedding, gorgonia.Gaussian(0, 1), cfg.VocabSize, d)
	p.add(PositionEmbedding, gorgonia.Gaussian(0, 1), cfg.SeqLen, d)
	for i := 0; i < cfg.NumLayers; i++ {
		addEncoderLayerParams(p, i, d, cfg.DimFeedforward)
	}
	addNormParams(p, FinalNorm, d)
	addLinearParams(p, IntentHead, d, cfg.IntentClasses)
	addLinearParams(p, EntityHead, d, cfg.EntityClasses)

	return &Model{cfg: cfg, params: p}, nil
}

// Config returns the configuration the model was built with.
func (m *Model) Config() Config { return m.cfg }

// Params returns the shared parameter store.
func (m *Model) Params() *Params { return m.params }

func addLinearParams(p *Params, prefix string, in, out int) {
	p.add(prefix+".w", gorgonia.GlorotU(1.0), in, out)
	p.add(prefix+".b", gorgonia.Zeroes(), 1, out)
}

func addNormParams(p *Params, prefix string, d int) {
	p.add(prefix+".gain", gorgonia.Ones(), 1, d)
	p.add(prefix+".bias", gorgonia.Zeroes(), 1, d)
}
