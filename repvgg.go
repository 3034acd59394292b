// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package repvgg defines the RepVGG convolutional backbone for image classification
// as GoMLX model graphs -- see "RepVGG: Making VGG-style ConvNets Great Again"
// (Xiaohan Ding et al.), https://arxiv.org/abs/2101.03697.
//
// The package is purely declarative: it builds computation graphs with variables
// held in a context.Context, and leaves gradients, optimization, checkpointing and
// data feeding to the GoMLX framework.
//
// Create a model with New (or ByName for one of the published variants) and plug
// Model.ModelFn into a train.Trainer:
//
//	model := repvgg.ByName("B2g4", 10, false)
//	trainer := train.NewTrainer(backend, ctx, model.ModelFn(), ...)
package repvgg

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// InputChannels is the number of channels the network takes as input: RGB images.
const InputChannels = 3

// baseWidths are the per-stage channel widths before applying the width multipliers.
var baseWidths = [4]int{64, 128, 256, 512}

// Config describes one RepVGG network. It is consumed by New and immutable afterwards.
type Config struct {
	// NumBlocks is the number of blocks of each of the 4 stages. It doesn't include
	// the stem block.
	NumBlocks []int

	// NumClasses is the output dimension of the classification head.
	NumClasses int

	// UseSE enables the squeeze-and-excitation gate on every block (the "RepVGG-SE"
	// variants).
	UseSE bool

	// WidthMultiplier scales the base widths [64, 128, 256, 512] of the 4 stages.
	// It must have exactly 4 entries.
	WidthMultiplier []float64

	// OverrideGroups optionally maps a block index to the channel group count of that
	// block's convolutions. Blocks are indexed in construction order starting at 1,
	// with a single counter running across all stages; the stem block is excluded
	// and index 0 must not appear. Blocks not in the map default to 1 (no grouping).
	OverrideGroups map[int]int
}

// Model holds a validated RepVGG configuration, ready to build its graph.
// Create it with New or ByName.
type Model struct {
	config      Config
	stemWidth   int
	stageWidths [4]int
}

// New validates the configuration and returns a Model for it.
//
// It panics with a configuration error if NumBlocks or WidthMultiplier don't have
// exactly 4 entries, or if OverrideGroups refers to index 0, which is reserved for
// the stem block.
func New(config Config) *Model {
	if len(config.NumBlocks) != 4 {
		Panicf("repvgg.New requires NumBlocks with one entry per stage (4), got %d entries", len(config.NumBlocks))
	}
	if len(config.WidthMultiplier) != 4 {
		Panicf("repvgg.New requires WidthMultiplier with one entry per stage (4), got %d entries",
			len(config.WidthMultiplier))
	}
	if _, found := config.OverrideGroups[0]; found {
		Panicf("repvgg.New: OverrideGroups must not refer to index 0, it is reserved for the stem block")
	}
	if config.NumClasses <= 0 {
		Panicf("repvgg.New requires NumClasses > 0, got %d", config.NumClasses)
	}
	m := &Model{config: config}
	m.stemWidth = min(64, int(64*config.WidthMultiplier[0]))
	for stage := range 4 {
		m.stageWidths[stage] = int(float64(baseWidths[stage]) * config.WidthMultiplier[stage])
	}
	return m
}

// Config returns the configuration the model was created with.
func (m *Model) Config() Config { return m.config }

// StemWidth returns the number of output channels of the stem block,
// `min(64, 64*WidthMultiplier[0])`.
func (m *Model) StemWidth() int { return m.stemWidth }

// StageWidths returns the output channel width of each of the 4 stages.
func (m *Model) StageWidths() [4]int { return m.stageWidths }

// ModelGraph builds the RepVGG forward graph on the batch of images, and returns
// the `[batch, NumClasses]` logits -- no softmax is applied.
//
// image must be shaped `[batch, height, width, 3]` (channels-last RGB); it panics
// with a shape error, before any layer is built, otherwise. Variables are created
// (or reused) under ctx's scope, so the same ctx scope applied to two inputs shares
// one set of weights.
func (m *Model) ModelGraph(ctx *context.Context, image *Node) *Node {
	if image.Rank() != 4 {
		Panicf("repvgg: model input must be shaped [batch, height, width, %d], got input.shape=%s",
			InputChannels, image.Shape())
	}
	if channels := image.Shape().Dim(-1); channels != InputChannels {
		Panicf("repvgg: model input must have %d channels, got %d (input.shape=%s)",
			InputChannels, channels, image.Shape())
	}
	batchSize := image.Shape().Dim(0)

	x := Block(ctx.In("stem"), image).
		Channels(m.stemWidth).
		Strides(2).
		WithSqueezeExcitation(m.config.UseSE).
		Done()

	// blockIdx is the construction-order index the groups overrides refer to.
	// It starts at 1 (the stem is excluded) and runs across all stages.
	blockIdx := 1
	for stage := range 4 {
		for block := range m.config.NumBlocks[stage] {
			strides := 1
			if block == 0 {
				strides = 2
			}
			groups, found := m.config.OverrideGroups[blockIdx]
			if !found {
				groups = 1
			}
			x = Block(ctx.Inf("stage%d_block%d", stage+1, block), x).
				Channels(m.stageWidths[stage]).
				Strides(strides).
				Groups(groups).
				WithSqueezeExcitation(m.config.UseSE).
				Done()
			blockIdx++
		}
	}

	x = ReduceMean(x, 1, 2) // Global average pool: [batch, lastStageWidth]
	logits := layers.Dense(ctx.In("head"), x, true, m.config.NumClasses)
	logits.AssertDims(batchSize, m.config.NumClasses)
	return logits
}

// ModelFn adapts the model to the train.ModelFn signature used by train.Trainer:
// inputs[0] is the batch of images, and it returns the logits as its only output.
func (m *Model) ModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{m.ModelGraph(ctx, inputs[0])}
	}
}
