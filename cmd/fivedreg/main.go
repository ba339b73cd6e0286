// Command fivedreg trains and serves a 5-feature regression model.
//
// Subcommands:
//
//	fivedreg serve                      - HTTP API (upload, train, status, predict) and optional gRPC health
//	fivedreg train --data <path|url>    - run one training job in the foreground
//	fivedreg predict f1 f2 f3 f4 f5     - predict with the persisted model and scaler
//
// Every flag can also be set through a FIVEDREG_* environment variable or a YAML
// file passed with --config, e.g. FIVEDREG_STORE_BACKEND=redis.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HatiCode/fivedreg/cmd/fivedreg/config"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fivedreg",
		Short:         "Train and serve a 5-feature regression model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newTrainCmd(), newPredictCmd())
	return root
}
