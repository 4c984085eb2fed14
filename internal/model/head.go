package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// linear computes x·W + b for the parameters prefix.w and prefix.b.
// x is (rows, in); the bias is broadcast down the rows.
func (gr *Graph) linear(x *gorgonia.Node, prefix string) (*gorgonia.Node, error) {
	out, err := gorgonia.Mul(x, gr.param(prefix+".w"))
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(out, gr.param(prefix+".b"), nil, []byte{0})
}

// intentHead classifies each sequence from the representation at position 0.
// rep is (seq, batch, d); the result is (batch, intents).
func (gr *Graph) intentHead(rep *gorgonia.Node) (*gorgonia.Node, error) {
	first, err := gorgonia.Slice(rep, gorgonia.S(0))
	if err != nil {
		return nil, err
	}
	return gr.linear(first, IntentHead)
}

// entityHead tags every position. rep is (seq, batch, d); the result is
// batch-major (batch, seq, entities).
func (gr *Graph) entityHead(rep *gorgonia.Node) (*gorgonia.Node, error) {
	s := rep.Shape()
	seq, batch, d := s[0], s[1], s[2]
	classes := gr.model.cfg.EntityClasses

	flat, err := gorgonia.Reshape(rep, tensor.Shape{seq * batch, d})
	if err != nil {
		return nil, err
	}
	logits, err := gr.linear(flat, EntityHead)
	if err != nil {
		return nil, err
	}
	if logits, err = gorgonia.Reshape(logits, tensor.Shape{seq, batch, classes}); err != nil {
		return nil, err
	}
	return gorgonia.Transpose(logits, 1, 0, 2)
}
