// Package metrics computes validation accuracy and aggregates per-batch
// results into one record per epoch.
package metrics

import (
	"gonum.org/v1/gonum/stat"
)

// argmax returns the index of the largest value in row. Ties pick the first.
func argmax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

// IntentAccuracy is the fraction of rows of logits (batch, classes) whose
// argmax equals labels[i].
func IntentAccuracy(logits []float32, classes int, labels []int) float64 {
	if len(labels) == 0 || classes <= 0 {
		return 0
	}
	correct := 0
	for i, y := range labels {
		if argmax(logits[i*classes:(i+1)*classes]) == y {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// EntityAccuracy is the fraction of sequences tagged exactly right. logits
// is (batch, seqLen, classes); positions labelled ignore are not checked.
func EntityAccuracy(logits []float32, seqLen, classes int, labels [][]int, ignore int) float64 {
	if len(labels) == 0 || classes <= 0 {
		return 0
	}
	correct := 0
	for i, row := range labels {
		ok := true
		for j, y := range row {
			if y == ignore {
				continue
			}
			off := (i*seqLen + j) * classes
			if argmax(logits[off:off+classes]) != y {
				ok = false
				break
			}
		}
		if ok {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// BatchResult is what evaluating one validation batch produces.
type BatchResult struct {
	IntentLoss float64
	EntityLoss float64
	IntentAcc  float64
	EntityAcc  float64
}

// Loss is the joint validation loss of the batch.
func (r BatchResult) Loss() float64 { return r.IntentLoss + r.EntityLoss }

// EpochMetrics is the single aggregate for one epoch. The validation fields
// are unweighted means over batches.
type EpochMetrics struct {
	Epoch   int
	Batches int

	ValLoss       float64
	IntentAcc     float64
	EntityAcc     float64
	ValIntentLoss float64
	ValEntityLoss float64

	TrainIntentLoss float64
	TrainEntityLoss float64
	IntentLR        float64
	EntityLR        float64
}

// Aggregate averages batch results. An empty slice yields zero metrics.
func Aggregate(results []BatchResult) EpochMetrics {
	m := EpochMetrics{Batches: len(results)}
	if len(results) == 0 {
		return m
	}
	col := func(f func(BatchResult) float64) float64 {
		xs := make([]float64, len(results))
		for i, r := range results {
			xs[i] = f(r)
		}
		return stat.Mean(xs, nil)
	}
	m.ValLoss = col(BatchResult.Loss)
	m.IntentAcc = col(func(r BatchResult) float64 { return r.IntentAcc })
	m.EntityAcc = col(func(r BatchResult) float64 { return r.EntityAcc })
	m.ValIntentLoss = col(func(r BatchResult) float64 { return r.IntentLoss })
	m.ValEntityLoss = col(func(r BatchResult) float64 { return r.EntityLoss })
	return m
}

// Mean is the unweighted mean of xs, or 0 when empty.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
