package model

import (
	"gorgonia.org/gorgonia"
)

const probEps = 1e-7

// crossEntropy is the summed softmax cross-entropy of logits (rows, classes)
// against one-hot targets, multiplied by scale. Passing scale = -1/count
// turns the sum into a mean over counted rows; all-zero target rows add
// nothing to the sum. name prefixes the constants it creates.
func (gr *Graph) crossEntropy(name string, logits, oneHot, scale *gorgonia.Node) (*gorgonia.Node, error) {
	probs, err := gorgonia.SoftMax(logits)
	if err != nil {
		return nil, err
	}
	safe, err := gorgonia.Add(probs, gr.constant(name+".eps", probEps))
	if err != nil {
		return nil, err
	}
	logP, err := gorgonia.Log(safe)
	if err != nil {
		return nil, err
	}
	picked, err := gorgonia.HadamardProd(oneHot, logP)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Sum(picked)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mul(sum, scale)
}

// entityScale is the loss multiplier for a batch of entity labels: -1 over
// the number of positions not equal to ignore, or 0 when every position is
// ignored.
func entityScale(labels [][]int, ignore int) float32 {
	count := 0
	for _, row := range labels {
		for _, t := range row {
			if t != ignore {
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return -1 / float32(count)
}

// constant returns a named float32 scalar. Every constant in a graph needs a
// distinct name: gorgonia merges unnamed scalars of the same type into one
// node.
func (gr *Graph) constant(name string, v float32) *gorgonia.Node {
	return gorgonia.NodeFromAny(gr.g, v, gorgonia.WithName(name))
}
