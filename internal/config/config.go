// Package config holds the training hyperparameters and the layering that
// produces them: built-in defaults, an optional YAML file, environment
// overrides and finally command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dietnlu/internal/optim"
)

// ErrConfiguration marks every failure that is caused by bad settings rather
// than by bad data or a runtime fault. It is reported before training starts.
var ErrConfiguration = errors.New("configuration error")

// Hyperparameters is the full set of recognised options.
type Hyperparameters struct {
	DataFilePath string  `yaml:"data_file_path"`
	TrainRatio   float64 `yaml:"train_ratio"`
	BatchSize    int     `yaml:"batch_size"`
	Optimizer    string  `yaml:"optimizer"`
	LR           float64 `yaml:"lr"`
	Epochs       int     `yaml:"epochs"`
	Seed         int64   `yaml:"seed"`

	DModel         int     `yaml:"d_model"`
	NHead          int     `yaml:"nhead"`
	NumLayers      int     `yaml:"num_layers"`
	DimFeedforward int     `yaml:"dim_feedforward"`
	Dropout        float64 `yaml:"dropout"`
	Activation     string  `yaml:"activation"`

	LRStepSize int     `yaml:"lr_step_size"`
	LRGamma    float64 `yaml:"lr_gamma"`

	// EntityIgnoreIndex excludes positions carrying this entity label from the
	// entity loss and from entity accuracy. Negative disables it.
	EntityIgnoreIndex int `yaml:"entity_ignore_index"`

	MaxSeqLen int  `yaml:"max_seq_len"`
	Workers   int  `yaml:"workers"`
	Shuffle   bool `yaml:"shuffle"`

	PretrainedModel string `yaml:"pretrained_model"`
	ModelsDir       string `yaml:"models_dir"`
}

// Default returns the hyperparameters used when nothing overrides them. The
// encoder sizes match the published DIET transformer.
func Default() Hyperparameters {
	return Hyperparameters{
		TrainRatio: 0.8,
		BatchSize:  32,
		Optimizer:  "adam",
		LR:         1e-3,
		Epochs:     10,
		Seed:       42,

		DModel:         512,
		NHead:          8,
		NumLayers:      6,
		DimFeedforward: 2048,
		Dropout:        0.1,
		Activation:     "relu",

		LRStepSize: 1,
		LRGamma:    0.1,

		EntityIgnoreIndex: -1,
		ModelsDir:         "./models",
	}
}

// Load builds hyperparameters from the defaults, the YAML file at path (if
// path is non-empty) and the DIET_* environment variables, in that order.
// The result is not validated.
func Load(path string) (Hyperparameters, error) {
	hp := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return hp, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &hp); err != nil {
			return hp, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
		}
	}
	hp.ApplyEnv()
	return hp, nil
}

var activations = map[string]bool{"relu": true, "gelu": true}

// Validate reports every invalid option at once.
func (hp Hyperparameters) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if hp.DataFilePath == "" {
		add("data_file_path is required")
	}
	if hp.TrainRatio <= 0 || hp.TrainRatio >= 1 {
		add("train_ratio must be in (0,1), got %v", hp.TrainRatio)
	}
	if hp.BatchSize <= 0 {
		add("batch_size must be positive, got %d", hp.BatchSize)
	}
	if hp.LR <= 0 {
		add("lr must be positive, got %v", hp.LR)
	}
	if _, err := optim.Lookup(hp.Optimizer); err != nil {
		errs = append(errs, err)
	}
	if hp.Epochs <= 0 {
		add("epochs must be positive, got %d", hp.Epochs)
	}
	if hp.DModel <= 0 || hp.NHead <= 0 || hp.NumLayers <= 0 || hp.DimFeedforward <= 0 {
		add("d_model, nhead, num_layers and dim_feedforward must be positive")
	} else if hp.DModel%hp.NHead != 0 {
		add("d_model (%d) must be divisible by nhead (%d)", hp.DModel, hp.NHead)
	}
	if hp.Dropout < 0 || hp.Dropout >= 1 {
		add("dropout must be in [0,1), got %v", hp.Dropout)
	}
	if !activations[strings.ToLower(hp.Activation)] {
		add("unknown activation %q (want relu or gelu)", hp.Activation)
	}
	if hp.LRStepSize <= 0 {
		add("lr_step_size must be positive, got %d", hp.LRStepSize)
	}
	if hp.LRGamma <= 0 {
		add("lr_gamma must be positive, got %v", hp.LRGamma)
	}
	if hp.MaxSeqLen < 0 {
		add("max_seq_len must not be negative, got %d", hp.MaxSeqLen)
	}
	if hp.Workers < 0 {
		add("workers must not be negative, got %d", hp.Workers)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
}
