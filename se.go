// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package repvgg

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// SqueezeExcitationRatio is the channel reduction ratio used for the internal
// projection of the squeeze-and-excitation gate. RepVGG uses the fixed value 16.
const SqueezeExcitationRatio = 16

// SqueezeExcitation adaptively recalibrates the channels of x, by explicitly modeling
// the interdependencies between them -- see "Squeeze-and-Excitation Networks"
// (Jie Hu et al.), https://arxiv.org/abs/1709.01507.
//
// It squeezes the spatial axes of x with a global average pool, projects the resulting
// channel vector down to `channels/SqueezeExcitationRatio` and back up, and uses the
// sigmoid of the result as a per-channel gate in [0, 1] multiplying x.
//
// x must be shaped `[batch, height, width, channels]` (channels-last), and the output
// has the exact same shape. Variables are created under ctx's scope.
func SqueezeExcitation(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 4 {
		Panicf("SqueezeExcitation requires x shaped [batch, height, width, channels], got x.shape=%s", x.Shape())
	}
	channels := x.Shape().Dim(-1)
	internalNeurons := channels / SqueezeExcitationRatio
	if internalNeurons < 1 {
		Panicf("SqueezeExcitation requires at least %d channels for the internal projection, got %d channels",
			SqueezeExcitationRatio, channels)
	}

	gate := ReduceMean(x, 1, 2)   // Squeeze: [batch, channels]
	gate = InsertAxes(gate, 1, 1) // [batch, 1, 1, channels], so the 1x1 convolutions below apply.
	gate = layers.Convolution(ctx.In("down"), gate).
		Channels(internalNeurons).KernelSize(1).Done()
	gate = activations.Relu(gate)
	gate = layers.Convolution(ctx.In("up"), gate).
		Channels(channels).KernelSize(1).Done()
	gate = Sigmoid(gate)

	// Excite: broadcast-multiply each channel by its gate.
	return Mul(x, gate)
}
