// Package train drives the joint model: alternating intent and entity updates
// on one shared parameter store, per-epoch validation and prediction.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"dietnlu/internal/config"
	"dietnlu/internal/dataset"
	"dietnlu/internal/metrics"
	"dietnlu/internal/model"
	"dietnlu/internal/optim"
)

// Role selects which task a training step serves.
type Role int

const (
	IntentRole Role = 0
	EntityRole Role = 1
)

func (r Role) String() string {
	switch r {
	case IntentRole:
		return "intent"
	case EntityRole:
		return "entity"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ErrUnknownRole is returned for a role other than IntentRole or EntityRole.
var ErrUnknownRole = errors.New("unknown optimizer role")

// Options configures a Trainer. Both roles use the same optimizer family,
// base learning rate and schedule shape, each with private state.
type Options struct {
	Optimizer   string
	LR          float64
	LRStepSize  int
	LRGamma     float64
	IgnoreIndex int
	Logger      *slog.Logger
}

// OptionsFrom extracts trainer options from hyperparameters.
func OptionsFrom(hp config.Hyperparameters) Options {
	return Options{
		Optimizer:   hp.Optimizer,
		LR:          hp.LR,
		LRStepSize:  hp.LRStepSize,
		LRGamma:     hp.LRGamma,
		IgnoreIndex: hp.EntityIgnoreIndex,
	}
}

type graphKey struct {
	mode  model.Mode
	batch int
}

// Trainer owns two optimizers and two schedules over one model. It is not
// safe for concurrent use.
type Trainer struct {
	model  *model.Model
	opts   Options
	optims [2]optim.Optimizer
	scheds [2]*optim.StepLR
	graphs map[graphKey]*model.Graph
	log    *slog.Logger
	runID  string
}

func New(m *model.Model, opts Options) (*Trainer, error) {
	ctor, err := optim.Lookup(opts.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	if opts.LR <= 0 {
		return nil, fmt.Errorf("%w: learning rate must be positive, got %v", config.ErrConfiguration, opts.LR)
	}
	if opts.LRStepSize <= 0 {
		return nil, fmt.Errorf("%w: lr step size must be positive, got %d", config.ErrConfiguration, opts.LRStepSize)
	}
	if opts.LRGamma <= 0 {
		return nil, fmt.Errorf("%w: lr gamma must be positive, got %v", config.ErrConfiguration, opts.LRGamma)
	}

	t := &Trainer{
		model:  m,
		opts:   opts,
		graphs: make(map[graphKey]*model.Graph),
		runID:  uuid.NewString(),
	}
	for _, r := range []Role{IntentRole, EntityRole} {
		t.optims[r] = ctor()
		t.scheds[r] = optim.NewStepLR(opts.LR, opts.LRStepSize, opts.LRGamma)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t.log = logger.With("run", t.runID)
	t.log.Debug("trainer ready",
		"optimizer", t.optims[IntentRole].Name(),
		"lr", opts.LR,
		"params", m.Params().Count())
	return t, nil
}

// RunID identifies this trainer in log records.
func (t *Trainer) RunID() string { return t.runID }

func (t *Trainer) Model() *model.Model { return t.model }

// Optimizer returns the optimizer serving role r, or nil.
func (t *Trainer) Optimizer(r Role) optim.Optimizer {
	if !r.valid() {
		return nil
	}
	return t.optims[r]
}

// Schedule returns the learning-rate schedule of role r, or nil.
func (t *Trainer) Schedule(r Role) *optim.StepLR {
	if !r.valid() {
		return nil
	}
	return t.scheds[r]
}

func (r Role) valid() bool { return r == IntentRole || r == EntityRole }

func (t *Trainer) graph(mode model.Mode, batch int) (*model.Graph, error) {
	key := graphKey{mode, batch}
	if gr, ok := t.graphs[key]; ok {
		return gr, nil
	}
	gr, err := t.model.NewGraph(model.GraphOptions{Batch: batch, Mode: mode, IgnoreIndex: t.opts.IgnoreIndex})
	if err != nil {
		return nil, err
	}
	t.log.Debug("compiled graph", "mode", mode, "batch", batch)
	t.graphs[key] = gr
	return gr, nil
}

// TrainStep runs one batch under one role and returns that role's loss.
// Only the optimizer of role is stepped.
func (t *Trainer) TrainStep(b dataset.Batch, role Role) (float64, error) {
	switch role {
	case IntentRole:
		return t.updateIntent(b)
	case EntityRole:
		return t.updateEntity(b)
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownRole, int(role))
}

func (t *Trainer) updateIntent(b dataset.Batch) (float64, error) {
	gr, err := t.step(b, model.ModeIntent, IntentRole)
	if err != nil {
		return 0, err
	}
	return gr.IntentLoss(), nil
}

func (t *Trainer) updateEntity(b dataset.Batch) (float64, error) {
	gr, err := t.step(b, model.ModeEntity, EntityRole)
	if err != nil {
		return 0, err
	}
	return gr.EntityLoss(), nil
}

// step is forward, backward and one optimizer update for role.
func (t *Trainer) step(b dataset.Batch, mode model.Mode, role Role) (*model.Graph, error) {
	gr, err := t.graph(mode, b.Size())
	if err != nil {
		return nil, err
	}
	if err := gr.Feed(b); err != nil {
		return nil, fmt.Errorf("%s step: %w", role, err)
	}
	if err := gr.Run(); err != nil {
		return nil, fmt.Errorf("%s step: %w", role, err)
	}
	grads, err := gr.Gradients()
	if err != nil {
		return nil, err
	}
	if err := t.optims[role].Step(grads, t.scheds[role].LR()); err != nil {
		return nil, fmt.Errorf("%s optimizer: %w", role, err)
	}
	return gr, nil
}

// StepSchedules advances both learning-rate schedules by one epoch.
func (t *Trainer) StepSchedules() {
	for _, s := range t.scheds {
		s.Step()
	}
}

// EvaluateBatch scores one batch without touching parameters or optimizer
// state.
func (t *Trainer) EvaluateBatch(b dataset.Batch) (metrics.BatchResult, error) {
	gr, err := t.graph(model.ModeEval, b.Size())
	if err != nil {
		return metrics.BatchResult{}, err
	}
	if err := gr.Feed(b); err != nil {
		return metrics.BatchResult{}, fmt.Errorf("evaluate: %w", err)
	}
	if err := gr.Run(); err != nil {
		return metrics.BatchResult{}, fmt.Errorf("evaluate: %w", err)
	}
	cfg := t.model.Config()
	return metrics.BatchResult{
		IntentLoss: gr.IntentLoss(),
		EntityLoss: gr.EntityLoss(),
		IntentAcc:  metrics.IntentAccuracy(gr.IntentLogits(), cfg.IntentClasses, b.Intents),
		EntityAcc:  metrics.EntityAccuracy(gr.EntityLogits(), cfg.SeqLen, cfg.EntityClasses, b.Entities, t.opts.IgnoreIndex),
	}, nil
}

// Evaluate scores every batch of val and aggregates the results.
func (t *Trainer) Evaluate(ctx context.Context, val *dataset.Loader) (metrics.EpochMetrics, error) {
	var results []metrics.BatchResult
	err := val.Iterate(ctx, func(b dataset.Batch) error {
		r, err := t.EvaluateBatch(b)
		if err != nil {
			return err
		}
		results = append(results, r)
		return nil
	})
	if err != nil {
		return metrics.EpochMetrics{}, err
	}
	return metrics.Aggregate(results), nil
}

// Fit trains for epochs passes over train. Each batch gets an intent step
// followed by an entity step. After every epoch val is evaluated, the result
// goes to rep and both schedules advance. The first error stops training.
func (t *Trainer) Fit(ctx context.Context, train, val *dataset.Loader, epochs int, rep metrics.Reporter) ([]metrics.EpochMetrics, error) {
	if epochs <= 0 {
		return nil, fmt.Errorf("%w: epochs must be positive, got %d", config.ErrConfiguration, epochs)
	}
	history := make([]metrics.EpochMetrics, 0, epochs)
	for epoch := 1; epoch <= epochs; epoch++ {
		var intentLosses, entityLosses []float64
		err := train.Iterate(ctx, func(b dataset.Batch) error {
			il, err := t.TrainStep(b, IntentRole)
			if err != nil {
				return err
			}
			el, err := t.TrainStep(b, EntityRole)
			if err != nil {
				return err
			}
			intentLosses = append(intentLosses, il)
			entityLosses = append(entityLosses, el)
			return nil
		})
		if err != nil {
			return history, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		m, err := t.Evaluate(ctx, val)
		if err != nil {
			return history, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		m.Epoch = epoch
		m.TrainIntentLoss = metrics.Mean(intentLosses)
		m.TrainEntityLoss = metrics.Mean(entityLosses)
		m.IntentLR = t.scheds[IntentRole].LR()
		m.EntityLR = t.scheds[EntityRole].LR()

		if rep != nil {
			rep.Report(m)
		}
		history = append(history, m)
		t.StepSchedules()
	}
	t.log.Info("training finished",
		"epochs", epochs,
		"intent_steps", t.optims[IntentRole].Steps(),
		"entity_steps", t.optims[EntityRole].Steps())
	return history, nil
}

// Close releases every compiled graph.
func (t *Trainer) Close() error {
	var errs []error
	for k, gr := range t.graphs {
		errs = append(errs, gr.Close())
		delete(t.graphs, k)
	}
	return errors.Join(errs...)
}
