// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gridtrain trains a toy linear model sharded across tensor, pipeline and data parallel ranks, with
// the distributed training control loop of package train.
//
// Ranks either run as goroutines of one process ("gridtrain run"), or as separate processes ("gridtrain worker")
// meeting at a coordinator ("gridtrain coordinator"). The configuration is read from a YAML file, GRIDTRAIN_*
// environment variables and "--set" overrides, in increasing order of precedence.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/gridtrain/internal/toymodel"
	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/ui/commandline"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// globalFlags are shared by all subcommands.
type globalFlags struct {
	configPath string
	settings   string
	model      toymodel.FactoryOptions
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "gridtrain",
		Short:         "Distributed training control loop for models sharded across tensor, pipeline and data parallelism",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML configuration file.")
	pf.StringVar(&flags.settings, "set", "",
		`Configuration overrides, a list of "key=value" separated by ";", e.g.: "train.seed=7;batch.global_batch_size=64". `+
			`An entry "file:<path>" reads the overrides from a file, one per line.`)
	pf.IntVar(&flags.model.Model.NumFeatures, "num_features", 64, "Number of input features of the toy model.")
	pf.Float64Var(&flags.model.Model.Dropout, "dropout", 0, "Dropout probability of the input features.")
	pf.IntVar(&flags.model.Model.InjectOverflowEvery, "inject_overflow_every", 0,
		"Makes every n-th training iteration overflow, to exercise loss scaling. 0 disables it.")
	pf.Float64Var(&flags.model.Momentum, "momentum", 0.9, "Momentum of the optimizer.")
	pf.Int64Var(&flags.model.TrainSamples, "train_samples_in_dataset", 0,
		"Size of the training dataset. 0 makes it infinite.")
	pf.Int64Var(&flags.model.ValidSamples, "valid_samples_in_dataset", 4096,
		"Size of the validation dataset. 0 disables validation.")
	pf.Int64Var(&flags.model.TestSamples, "test_samples_in_dataset", 0, "Size of the test dataset. 0 disables it.")
	pf.Int64Var(&flags.model.DataSeed, "data_seed", 42, "Seed of the synthetic regression problem.")

	// klog flags, e.g.: -v=1.
	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	pf.AddGoFlagSet(goFlags)

	root.AddCommand(
		newRunCmd(flags),
		newCoordinatorCmd(),
		newWorkerCmd(flags),
		newPlanCmd(flags),
		newInspectCmd(),
	)
	return root
}

// loadConfig reads the configuration file, applies the "--set" overrides and validates the result.
func (f *globalFlags) loadConfig() (config.TrainingConfig, error) {
	v := config.NewViper()
	if f.configPath != "" {
		v.SetConfigFile(f.configPath)
		if err := v.ReadInConfig(); err != nil {
			return config.TrainingConfig{}, err
		}
	}
	keysSet, err := commandline.ParseSettings(v, f.settings)
	if err != nil {
		return config.TrainingConfig{}, err
	}
	if len(keysSet) > 0 {
		klog.V(1).Infof("Configuration overrides:\n%s", commandline.SprintSettings(v, keysSet))
	}
	return config.FromViper(v)
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("Error: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
