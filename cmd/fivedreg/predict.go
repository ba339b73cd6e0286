package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newPredictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "predict f1 f2 f3 f4 f5",
		Short: "Predict with the persisted model and scaler",
		Long: `Predict one value from five features using the artifacts at --model-path
and --scaler-path. Put negative values after "--", e.g. predict -- -1 0 1 2 3.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			features := make([]float64, len(args))
			for i, arg := range args {
				v, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return fmt.Errorf("feature %d: %q is not a number", i+1, arg)
				}
				features[i] = v
			}

			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Predictions never touch job history.
			cfg.Store.Backend = "memory"
			cfg.Store.MemoryTTL = 0

			a, err := newApp(cmd.Context(), cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.loadPersistedModel(); err != nil {
				return err
			}
			pred, err := a.registry.Predict(cmd.Context(), features)
			if err != nil {
				return err
			}

			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"prediction": pred.Value,
				"scaled":     pred.Scaled,
			})
		},
	}
}
