package metrics

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/olekukonko/tablewriter"
)

// Record names used when emitting an epoch.
const (
	RecordValidation = "validation"
	RecordLosses     = "validation_losses"
)

// Reporter receives one EpochMetrics per epoch.
type Reporter interface {
	Report(m EpochMetrics)
}

// Fields returns the two named records for m: the headline validation
// figures and the per-task validation losses.
func Fields(m EpochMetrics) map[string]map[string]float64 {
	return map[string]map[string]float64{
		RecordValidation: {
			"val_loss":   m.ValLoss,
			"intent_acc": m.IntentAcc,
			"entity_acc": m.EntityAcc,
		},
		RecordLosses: {
			"val_intent_loss": m.ValIntentLoss,
			"val_entity_loss": m.ValEntityLoss,
		},
	}
}

// LogReporter writes each epoch as two structured log records.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(m EpochMetrics) {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info(RecordValidation,
		"epoch", m.Epoch,
		"val_loss", m.ValLoss,
		"intent_acc", m.IntentAcc,
		"entity_acc", m.EntityAcc,
		"train_intent_loss", m.TrainIntentLoss,
		"train_entity_loss", m.TrainEntityLoss,
		"intent_lr", m.IntentLR,
		"entity_lr", m.EntityLR)
	l.Info(RecordLosses,
		"epoch", m.Epoch,
		"val_intent_loss", m.ValIntentLoss,
		"val_entity_loss", m.ValEntityLoss)
}

// Recorder keeps every reported epoch in memory.
type Recorder struct {
	mu     sync.Mutex
	epochs []EpochMetrics
}

func (r *Recorder) Report(m EpochMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epochs = append(r.epochs, m)
}

// Epochs returns a copy of the recorded history.
func (r *Recorder) Epochs() []EpochMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EpochMetrics(nil), r.epochs...)
}

// Multi fans every report out to each reporter in order.
type Multi []Reporter

func (m Multi) Report(e EpochMetrics) {
	for _, r := range m {
		r.Report(e)
	}
}

// WriteTable renders an epoch history as a plain table.
func WriteTable(w io.Writer, epochs []EpochMetrics) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EPOCH", "VAL LOSS", "INTENT ACC", "ENTITY ACC",
		"VAL INTENT LOSS", "VAL ENTITY LOSS", "TRAIN INTENT LOSS", "TRAIN ENTITY LOSS", "INTENT LR", "ENTITY LR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for _, m := range epochs {
		table.Append([]string{
			fmt.Sprint(m.Epoch),
			fmt.Sprintf("%.4f", m.ValLoss),
			fmt.Sprintf("%.3f", m.IntentAcc),
			fmt.Sprintf("%.3f", m.EntityAcc),
			fmt.Sprintf("%.4f", m.ValIntentLoss),
			fmt.Sprintf("%.4f", m.ValEntityLoss),
			fmt.Sprintf("%.4f", m.TrainIntentLoss),
			fmt.Sprintf("%.4f", m.TrainEntityLoss),
			fmt.Sprintf("%.2g", m.IntentLR),
			fmt.Sprintf("%.2g", m.EntityLR),
		})
	}
	table.Render()
}
