package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"dietnlu/internal/dataset"
	"dietnlu/internal/model"
)

// Prediction is the model's output for one token row.
type Prediction struct {
	Intent     int
	Confidence float64
	Entities   []int
}

// Predict runs the evaluation graph on token rows of the model's sequence
// length.
func (t *Trainer) Predict(tokens [][]int) ([]Prediction, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	cfg := t.model.Config()
	b := dataset.Batch{
		Tokens:   tokens,
		Intents:  make([]int, len(tokens)),
		Entities: make([][]int, len(tokens)),
	}
	for i, row := range tokens {
		b.Entities[i] = make([]int, len(row))
	}

	gr, err := t.graph(model.ModeEval, len(tokens))
	if err != nil {
		return nil, err
	}
	if err := gr.Feed(b); err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if err := gr.Run(); err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	intents := gr.IntentLogits()
	entities := gr.EntityLogits()
	out := make([]Prediction, len(tokens))
	for i := range tokens {
		probs := softmax(intents[i*cfg.IntentClasses : (i+1)*cfg.IntentClasses])
		best := floats.MaxIdx(probs)
		p := Prediction{Intent: best, Confidence: probs[best], Entities: make([]int, cfg.SeqLen)}
		for j := 0; j < cfg.SeqLen; j++ {
			off := (i*cfg.SeqLen + j) * cfg.EntityClasses
			p.Entities[j] = floats.MaxIdx(widen(entities[off : off+cfg.EntityClasses]))
		}
		out[i] = p
	}
	return out, nil
}

func widen(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

func softmax(logits []float32) []float64 {
	out := widen(logits)
	top := floats.Max(out)
	for i, x := range out {
		out[i] = math.Exp(x - top)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
