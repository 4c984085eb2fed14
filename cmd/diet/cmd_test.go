package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dietnlu/internal/config"
)

const corpusYAML = `version: "3.1"
nlu:
- intent: greet
  examples: |
    - hello there
    - hi friend
    - good morning
    - hey you
- intent: book_flight
  examples: |
    - fly to [paris](city)
    - fly to [rome](city)
    - go to [oslo](city)
    - book [lima](city)
`

const tinyConfig = `d_model: 8
nhead: 2
num_layers: 1
dim_feedforward: 16
dropout: 0
batch_size: 4
train_ratio: 0.5
epochs: 2
lr: 0.01
workers: 2
`

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInspect(t *testing.T) {
	out, err := run(t, "inspect", "--data", writeTemp(t, "nlu.yml", corpusYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "book_flight, greet")
	assert.Contains(t, out, "O, city")
	assert.Contains(t, out, "8")
}

func TestInspectRequiresData(t *testing.T) {
	_, err := run(t, "inspect")
	assert.True(t, errors.Is(err, config.ErrConfiguration))
}

func TestTrainEndToEnd(t *testing.T) {
	data := writeTemp(t, "nlu.yml", corpusYAML)
	cfg := writeTemp(t, "diet.yml", tinyConfig)

	out, err := run(t, "train", "--config", cfg, "--data", data, "--predict", "fly to paris")
	require.NoError(t, err)
	assert.Contains(t, out, "VAL LOSS")
	assert.Contains(t, out, "fly to paris")
}

func TestTrainRejectsUnknownOptimizer(t *testing.T) {
	data := writeTemp(t, "nlu.yml", corpusYAML)
	cfg := writeTemp(t, "diet.yml", tinyConfig)

	_, err := run(t, "train", "--config", cfg, "--data", data, "--optimizer", "lion")
	assert.True(t, errors.Is(err, config.ErrConfiguration))
}
