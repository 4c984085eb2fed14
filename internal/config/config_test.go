package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dietnlu/internal/optim"
)

func TestDefaults(t *testing.T) {
	hp := Default()
	assert.Equal(t, 0.8, hp.TrainRatio)
	assert.Equal(t, 32, hp.BatchSize)
	assert.Equal(t, "adam", hp.Optimizer)
	assert.Equal(t, 512, hp.DModel)
	assert.Equal(t, 8, hp.NHead)
	assert.Equal(t, 6, hp.NumLayers)
	assert.Equal(t, 2048, hp.DimFeedforward)
	assert.Equal(t, 1, hp.LRStepSize)
	assert.Equal(t, 0.1, hp.LRGamma)
	assert.Equal(t, -1, hp.EntityIgnoreIndex)

	hp.DataFilePath = "nlu.yml"
	assert.NoError(t, hp.Validate())
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diet.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_file_path: data/nlu.yml
batch_size: 8
optimizer: sgd
lr: 0.05
`), 0o644))

	t.Setenv("DIET_BATCH_SIZE", "16")
	t.Setenv("DIET_EPOCHS", "not-a-number")
	t.Setenv("DIET_SHUFFLE", "true")

	hp, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "data/nlu.yml", hp.DataFilePath)
	assert.Equal(t, 16, hp.BatchSize, "env overrides file")
	assert.Equal(t, "sgd", hp.Optimizer)
	assert.Equal(t, 0.05, hp.LR)
	assert.Equal(t, 10, hp.Epochs, "unparsable env keeps the previous value")
	assert.True(t, hp.Shuffle)
	assert.Equal(t, 512, hp.DModel, "unset keys keep defaults")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: [1, 2"), 0o644))
	_, err = Load(path)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestValidateUnknownOptimizer(t *testing.T) {
	hp := Default()
	hp.DataFilePath = "nlu.yml"
	hp.Optimizer = "lion"
	err := hp.Validate()
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.True(t, errors.Is(err, optim.ErrUnknownOptimizer))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	hp := Default()
	hp.TrainRatio = 1.2
	hp.NHead = 7
	hp.Activation = "swish"
	err := hp.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	for _, want := range []string{"data_file_path", "train_ratio", "divisible", "swish"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestEnvVarsDocumented(t *testing.T) {
	names := map[string]bool{}
	for _, e := range EnvVars() {
		names[e.Name] = true
		assert.NotEmpty(t, e.Description, e.Name)
	}
	for _, key := range []string{"DIET_LR", "DIET_ENTITY_IGNORE_INDEX", "DIET_DEBUG"} {
		assert.True(t, names[key], key)
	}
}
