// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// demo trains a RepVGG model on the CIFAR-10 dataset.
//
// Hyperparameters can be set with --set, e.g.:
//
//	go run ./cifar/demo --set="model=A0;train_steps=10000"
//
// See cifar.CreateDefaultContext for the hyperparameters and their defaults.
package main

import (
	"flag"

	"github.com/gomlx/repvgg/cifar"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/ui/commandline"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/repvgg", "Directory to cache downloaded dataset files.")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := cifar.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	cifar.TrainCifar10Model(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
}
