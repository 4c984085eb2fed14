package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"dietnlu/internal/config"
	"dietnlu/internal/dataset"
	"dietnlu/internal/metrics"
	"dietnlu/internal/model"
	"dietnlu/internal/optim"
	"dietnlu/internal/pretrained"
	"dietnlu/internal/train"
)

func appendEnvDocs(cmd *cobra.Command, envs []config.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the diet command tree.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "diet",
		Short:         "Joint intent classification and entity tagging",
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train on a Rasa NLU file and print per-epoch metrics",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	trainCmd.Flags().String("config", "", "YAML hyperparameter file")
	trainCmd.Flags().String("data", "", "Training corpus (.json, .md, .yml)")
	trainCmd.Flags().Int("epochs", 0, "Number of epochs")
	trainCmd.Flags().Float64("lr", 0, "Base learning rate")
	trainCmd.Flags().Int("batch-size", 0, "Examples per batch")
	trainCmd.Flags().String("optimizer", "", "Optimizer ("+strings.Join(optim.Names(), ", ")+")")
	trainCmd.Flags().StringArray("predict", nil, "Utterance to classify after training (repeatable)")
	appendEnvDocs(trainCmd, config.EnvVars())

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print corpus statistics",
		Args:  cobra.NoArgs,
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().String("data", "", "Training corpus (.json, .md, .yml)")
	inspectCmd.Flags().Int("max-seq-len", 0, "Cap on sequence length")

	rootCmd.AddCommand(trainCmd, inspectCmd)
	return rootCmd
}

// hyperparameters layers CLI flags over the config file and environment.
func hyperparameters(cmd *cobra.Command) (config.Hyperparameters, error) {
	path, _ := cmd.Flags().GetString("config")
	hp, err := config.Load(path)
	if err != nil {
		return hp, err
	}
	flags := cmd.Flags()
	if flags.Changed("data") {
		hp.DataFilePath, _ = flags.GetString("data")
	}
	if flags.Changed("epochs") {
		hp.Epochs, _ = flags.GetInt("epochs")
	}
	if flags.Changed("lr") {
		hp.LR, _ = flags.GetFloat64("lr")
	}
	if flags.Changed("batch-size") {
		hp.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("optimizer") {
		hp.Optimizer, _ = flags.GetString("optimizer")
	}
	return hp, hp.Validate()
}

// TrainHandler runs a full training job.
func TrainHandler(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	hp, err := hyperparameters(cmd)
	if err != nil {
		return err
	}

	corpus, err := dataset.LoadCorpus(hp.DataFilePath, dataset.CorpusOptions{MaxSeqLen: hp.MaxSeqLen})
	if err != nil {
		return err
	}
	if n := corpus.Truncated(); n > 0 {
		slog.Warn("utterances truncated to the sequence length", "count", n, "seq_len", corpus.SequenceLength())
	}

	trainLoader, valLoader, err := train.Loaders(hp, corpus)
	if err != nil {
		return err
	}

	m, err := model.New(train.ModelConfig(hp, corpus))
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	if hp.PretrainedModel != "" {
		enc, err := pretrained.Load(hp.ModelsDir, hp.PretrainedModel)
		if err != nil {
			return err
		}
		if _, err := pretrained.WarmStart(ctx, enc, corpus.Tokens, m.Params()); err != nil {
			return err
		}
	}

	trainer, err := train.New(m, train.OptionsFrom(hp))
	if err != nil {
		return err
	}
	defer trainer.Close()

	slog.Info("training",
		"run", trainer.RunID(),
		"examples", corpus.Len(),
		"train_batches", trainLoader.Len(),
		"val_batches", valLoader.Len(),
		"seq_len", corpus.SequenceLength(),
		"params", m.Params().Count())

	history, err := trainer.Fit(ctx, trainLoader, valLoader, hp.Epochs, metrics.LogReporter{})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	metrics.WriteTable(out, history)

	utterances, _ := cmd.Flags().GetStringArray("predict")
	if len(utterances) == 0 {
		return nil
	}
	rows := make([][]int, len(utterances))
	for i, u := range utterances {
		rows[i] = corpus.Encode(u)
	}
	preds, err := trainer.Predict(rows)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	writePredictions(out, corpus, utterances, preds)
	return nil
}

func writePredictions(w io.Writer, c *dataset.Corpus, utterances []string, preds []train.Prediction) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"UTTERANCE", "INTENT", "CONFIDENCE", "ENTITIES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for i, p := range preds {
		toks := dataset.Tokenize(utterances[i])
		var ents []string
		for j, tag := range p.Entities {
			// position 0 is <cls>
			if j == 0 || j-1 >= len(toks) || tag == 0 {
				continue
			}
			ents = append(ents, fmt.Sprintf("%s=%s", toks[j-1].Text, c.Entities.Item(tag)))
		}
		table.Append([]string{
			utterances[i],
			c.Intents.Item(p.Intent),
			fmt.Sprintf("%.3f", p.Confidence),
			strings.Join(ents, " "),
		})
	}
	table.Render()
}

// InspectHandler prints corpus sizes and label inventories.
func InspectHandler(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("data")
	if path == "" {
		return fmt.Errorf("%w: --data is required", config.ErrConfiguration)
	}
	maxLen, _ := cmd.Flags().GetInt("max-seq-len")
	corpus, err := dataset.LoadCorpus(path, dataset.CorpusOptions{MaxSeqLen: maxLen})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk([][]string{
		{"examples", fmt.Sprint(corpus.Len())},
		{"vocabulary", fmt.Sprint(corpus.VocabSize())},
		{"sequence length", fmt.Sprint(corpus.SequenceLength())},
		{"truncated", fmt.Sprint(corpus.Truncated())},
		{"intents", strings.Join(corpus.Intents.Items(), ", ")},
		{"entities", strings.Join(corpus.Entities.Items(), ", ")},
	})
	table.Render()
	return nil
}
