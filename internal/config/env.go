package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// envPrefix is prepended to the upper-cased yaml key, e.g. DIET_BATCH_SIZE.
const envPrefix = "DIET_"

// EnvVar describes one environment override for help output.
type EnvVar struct {
	Name        string
	Description string
}

// EnvVars lists the overrides understood by ApplyEnv.
func EnvVars() []EnvVar {
	return []EnvVar{
		{"DIET_DATA_FILE_PATH", "Training corpus (.json, .md, .yml)"},
		{"DIET_TRAIN_RATIO", "Fraction of examples used for training"},
		{"DIET_BATCH_SIZE", "Examples per batch"},
		{"DIET_OPTIMIZER", "adam, adamw, sgd, rmsprop or adagrad"},
		{"DIET_LR", "Base learning rate shared by both optimizers"},
		{"DIET_EPOCHS", "Number of epochs"},
		{"DIET_SEED", "Seed for the split and shuffling"},
		{"DIET_D_MODEL", "Encoder width"},
		{"DIET_NHEAD", "Attention heads"},
		{"DIET_NUM_LAYERS", "Encoder layers"},
		{"DIET_DIM_FEEDFORWARD", "Feed-forward hidden size"},
		{"DIET_DROPOUT", "Dropout probability"},
		{"DIET_ACTIVATION", "relu or gelu"},
		{"DIET_LR_STEP_SIZE", "Epochs between learning-rate decays"},
		{"DIET_LR_GAMMA", "Learning-rate decay factor"},
		{"DIET_ENTITY_IGNORE_INDEX", "Entity label excluded from loss and accuracy (-1 disables)"},
		{"DIET_MAX_SEQ_LEN", "Cap on sequence length (0 uses the corpus maximum)"},
		{"DIET_WORKERS", "Batch loader workers (0 uses all CPUs)"},
		{"DIET_SHUFFLE", "Shuffle training batches every epoch"},
		{"DIET_PRETRAINED_MODEL", "Cybertron text encoder used to warm-start token embeddings"},
		{"DIET_MODELS_DIR", "Download directory for pretrained models"},
		{"DIET_DEBUG", "Enable debug logging"},
	}
}

// ApplyEnv overrides fields from DIET_* variables. Values that do not parse
// are logged and ignored.
func (hp *Hyperparameters) ApplyEnv() {
	envString("DATA_FILE_PATH", &hp.DataFilePath)
	envFloat("TRAIN_RATIO", &hp.TrainRatio)
	envInt("BATCH_SIZE", &hp.BatchSize)
	envString("OPTIMIZER", &hp.Optimizer)
	envFloat("LR", &hp.LR)
	envInt("EPOCHS", &hp.Epochs)
	if s := os.Getenv(envPrefix + "SEED"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err != nil {
			slog.Warn("invalid environment variable, using default", "key", envPrefix+"SEED", "value", s, "default", hp.Seed)
		} else {
			hp.Seed = n
		}
	}
	envInt("D_MODEL", &hp.DModel)
	envInt("NHEAD", &hp.NHead)
	envInt("NUM_LAYERS", &hp.NumLayers)
	envInt("DIM_FEEDFORWARD", &hp.DimFeedforward)
	envFloat("DROPOUT", &hp.Dropout)
	envString("ACTIVATION", &hp.Activation)
	envInt("LR_STEP_SIZE", &hp.LRStepSize)
	envFloat("LR_GAMMA", &hp.LRGamma)
	envInt("ENTITY_IGNORE_INDEX", &hp.EntityIgnoreIndex)
	envInt("MAX_SEQ_LEN", &hp.MaxSeqLen)
	envInt("WORKERS", &hp.Workers)
	envBool("SHUFFLE", &hp.Shuffle)
	envString("PRETRAINED_MODEL", &hp.PretrainedModel)
	envString("MODELS_DIR", &hp.ModelsDir)
}

// Debug reports whether DIET_DEBUG is set to a true value.
func Debug() bool {
	b, _ := strconv.ParseBool(os.Getenv(envPrefix + "DEBUG"))
	return b
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", envPrefix+key, "value", v, "default", *dst)
		return
	}
	*dst = i
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", envPrefix+key, "value", v, "default", *dst)
		return
	}
	*dst = f
}

func envBool(key string, dst *bool) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", envPrefix+key, "value", v, "default", *dst)
		return
	}
	*dst = b
}
