// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stepschedule implements a piecewise-constant decay ("step decay")
// schedule for the learning rate: the learning rate starts at the configured
// base value and is multiplied by a decay factor (gamma) each time the training
// step crosses one of the configured boundaries.
//
// See New for details and an example of usage. It only affects training; it has
// no effect during inference or evaluation.
package stepschedule

import (
	"strconv"
	"strings"

	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

var (
	// ParamBoundaries is a comma-separated list of global steps at which the
	// learning rate is decayed, e.g. "312500,468750". An empty value (the
	// default) disables the schedule.
	//
	// Requires calling `New().FromContext().Done()` at the start of your model.
	ParamBoundaries = "step_schedule_boundaries"

	// ParamGamma is the multiplicative decay applied at each boundary.
	// The default is 0.1.
	ParamGamma = "step_schedule_gamma"
)

// Scope used by the schedule's step counter, under optimizers.Scope.
const Scope = "step_schedule"

// Config of the step decay schedule strategy.
// New creates it and once configured, call Config.Done to add it into the
// computation graph.
type Config struct {
	ctx          *context.Context
	graph        *Graph
	dtype        dtypes.DType
	learningRate float64
	gamma        float64
	boundaries   []int
}

// New creates a configuration to apply a step decay schedule for the learning
// rate, the classic "divide the learning rate by 10 every so many steps" recipe.
//
// It returns a Config that can be configured. When finished configuring, call
// Done and it will generate the computation graph that updates the learning
// rate at every training step.
//
// Example, decaying by 10x at steps 100_000 and 150_000:
//
//	func modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		g := inputs[0].Graph()
//		stepschedule.New(ctx, g, dtypes.Float32).
//			Boundaries(100_000, 150_000).
//			Done()
//		...
//	}
//
// Or pass the hyperparameters in the context (see ParamBoundaries and
// ParamGamma) and use `New(...).FromContext().Done()`.
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{
		ctx:   ctx,
		graph: graph,
		dtype: dtype,
		gamma: 0.1,
	}
}

// FromContext configures the step decay schedule from the context, using the
// keys [ParamBoundaries] and [ParamGamma].
func (opt *Config) FromContext() *Config {
	boundaries := context.GetParamOr(opt.ctx, ParamBoundaries, "")
	opt.boundaries = opt.boundaries[:0]
	for _, field := range strings.Split(boundaries, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		boundary, err := strconv.Atoi(field)
		if err != nil {
			Panicf("invalid step boundary %q in parameter %q (%q): %v",
				field, ParamBoundaries, boundaries, err)
		}
		opt.boundaries = append(opt.boundaries, boundary)
	}
	opt.gamma = context.GetParamOr(opt.ctx, ParamGamma, opt.gamma)
	opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	return opt
}

// Boundaries sets the global steps at which the learning rate is decayed.
// If no boundary is given, the schedule is silently disabled.
func (opt *Config) Boundaries(steps ...int) *Config {
	opt.boundaries = steps
	return opt
}

// Gamma sets the multiplicative decay applied at each boundary. Defaults to 0.1.
func (opt *Config) Gamma(gamma float64) *Config {
	opt.gamma = gamma
	return opt
}

// LearningRate sets the base learning rate, before any decay.
// If not given, it will try to read from the context params (keyed by
// optimizers.ParamLearningRate). If neither is set, Done will fail.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// Done finalizes the configuration of New and generates the computation graph
// code to implement it.
func (opt *Config) Done() {
	ctx := opt.ctx.Checked(false)
	g := opt.graph
	if !ctx.IsTraining(g) || len(opt.boundaries) == 0 {
		return
	}

	lrValue := opt.learningRate
	if lrValue == 0 {
		lrValue = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
		if lrValue == 0 {
			Panicf("learning rate not configured for stepschedule.New and also "+
				"not set in the context as parameter %q", optimizers.ParamLearningRate)
		}
	}

	// Current training step: the schedule keeps its own "global step" counter.
	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(Scope), g, opt.dtype)
	step = MinusOne(step) // Since the count starts at 1.

	// Count how many boundaries the current step has passed.
	decays := Scalar(g, opt.dtype, 0)
	for _, boundary := range opt.boundaries {
		passed := GreaterOrEqual(step, Scalar(g, opt.dtype, float64(boundary)))
		decays = Add(decays, ConvertDType(passed, opt.dtype))
	}
	lr := MulScalar(Pow(Scalar(g, opt.dtype, opt.gamma), decays), lrValue)

	// Update learning rate.
	lrVar := optimizers.LearningRateVarWithValue(ctx, opt.dtype, lrValue)
	lrVar.SetValueGraph(lr)
}
