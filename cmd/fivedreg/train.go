package main

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/HatiCode/fivedreg/pkg/training"
)

func newTrainCmd() *cobra.Command {
	p := training.DefaultParams()

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one training job and print its record",
		Long: `Run one training job in the foreground.

The model and scaler are written to --model-path and --scaler-path. The job
record is printed as JSON; the command fails if the job fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, runErr := a.orch.Run(cmd.Context(), p)
			if rec.ID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&p.DataPath, "data", "", "Dataset path or http(s) URL (.json or .csv)")
	cmd.Flags().IntVar(&p.Epochs, "epochs", p.Epochs, "Maximum training epochs")
	cmd.Flags().IntVar(&p.BatchSize, "batch-size", p.BatchSize, "Mini-batch size")
	cmd.Flags().Float64Var(&p.LearningRate, "learning-rate", p.LearningRate, "Adam learning rate")
	cmd.Flags().IntVar(&p.HiddenSize, "hidden-size", p.HiddenSize, "Width of the first hidden layer")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}
