package train

import (
	"fmt"
	"math/rand"
	"strings"

	"dietnlu/internal/config"
	"dietnlu/internal/dataset"
	"dietnlu/internal/model"
)

// ModelConfig sizes a model for ds with the encoder shape from hp.
func ModelConfig(hp config.Hyperparameters, ds dataset.Dataset) model.Config {
	cfg := model.DefaultConfig(ds.VocabSize(), ds.SequenceLength(), ds.IntentLabelCount(), ds.EntityLabelCount())
	cfg.DModel = hp.DModel
	cfg.NHead = hp.NHead
	cfg.NumLayers = hp.NumLayers
	cfg.DimFeedforward = hp.DimFeedforward
	cfg.Dropout = hp.Dropout
	cfg.Activation = strings.ToLower(hp.Activation)
	return cfg
}

// Loaders splits ds by hp.TrainRatio and wraps both sides in loaders. Only
// the training side is shuffled, and only when hp.Shuffle is set.
func Loaders(hp config.Hyperparameters, ds dataset.Dataset) (train, val *dataset.Loader, err error) {
	rng := rand.New(rand.NewSource(hp.Seed))
	trainSet, valSet, err := dataset.Split(ds, hp.TrainRatio, rng)
	if err != nil {
		return nil, nil, err
	}
	train, err = dataset.NewLoader(trainSet, dataset.LoaderOptions{
		BatchSize: hp.BatchSize,
		Workers:   hp.Workers,
		Shuffle:   hp.Shuffle,
		Seed:      hp.Seed,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	val, err = dataset.NewLoader(valSet, dataset.LoaderOptions{
		BatchSize: hp.BatchSize,
		Workers:   hp.Workers,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	return train, val, nil
}
