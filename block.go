// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package repvgg

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
)

// convNorm is the basic unit of a RepVGG block: a spatial convolution without bias,
// followed by batch normalization over the channels (last) axis.
//
// The kernel variable is created here rather than with layers.Convolution because
// with grouping the kernel only sees inputChannels/groups input channels.
func convNorm(ctx *context.Context, x *Node, outputChannels, kernelSize, strides, padding, groups int) *Node {
	g := x.Graph()
	inputChannels := x.Shape().Dim(-1)
	if groups < 1 {
		Panicf("convolution groups must be >= 1, got %d", groups)
	}
	if inputChannels%groups != 0 || outputChannels%groups != 0 {
		Panicf("convolution groups (%d) must divide both the input (%d) and output (%d) channels",
			groups, inputChannels, outputChannels)
	}

	ctxConv := ctx.In("conv")
	kernelShape := shapes.Make(x.DType(), kernelSize, kernelSize, inputChannels/groups, outputChannels)
	kernelVar := ctxConv.VariableWithShape("weights", kernelShape)
	if regularizer := regularizers.FromContext(ctxConv); regularizer != nil {
		regularizer(ctxConv, g, kernelVar)
	}
	conv := Convolve(x, kernelVar.ValueGraph(g)).
		StridePerAxis(strides, strides).
		ChannelGroupCount(groups)
	if padding > 0 {
		conv.PaddingPerDim([][2]int{{padding, padding}, {padding, padding}})
	} else {
		conv.NoPadding()
	}
	return batchnorm.New(ctx, conv.Done(), -1).Done()
}

// BlockBuilder is a helper to build one RepVGG block. Create it with Block, set the
// desired parameters and when all is set, call Done.
type BlockBuilder struct {
	ctx            *context.Context
	x              *Node
	outputChannels int
	kernelSize     int
	padding        int
	strides        int
	groups         int
	useSE          bool
}

// Block prepares one RepVGG block on x: the training-time, multi-branch residual
// unit of the RepVGG architecture -- see "RepVGG: Making VGG-style ConvNets Great
// Again" (Xiaohan Ding et al.), https://arxiv.org/abs/2101.03697.
//
// A block sums three parallel paths and applies a ReLU:
//
//   - a dense 3x3 convolution+normalization path;
//   - a pointwise 1x1 convolution+normalization path;
//   - an identity path (a plain batch normalization of the input), present only
//     when the input channels match Channels and Strides is 1.
//
// Optionally (see WithSqueezeExcitation) the sum is passed through a
// SqueezeExcitation gate before the activation.
//
// x must be shaped `[batch, height, width, channels]`. It returns a BlockBuilder
// for configuration; once set up, call Done and it returns the block's output.
func Block(ctx *context.Context, x *Node) *BlockBuilder {
	return &BlockBuilder{
		ctx:        ctx,
		x:          x,
		kernelSize: 3,
		padding:    1,
		strides:    1,
		groups:     1,
	}
}

// Channels sets the number of output channels. There is no default, and this
// value must be set before Done is called.
func (b *BlockBuilder) Channels(channels int) *BlockBuilder {
	b.outputChannels = channels
	return b
}

// KernelSize sets the kernel size of the dense path. Defaults to 3, which is the
// only supported value -- the parameter exists so the constraint is checked
// explicitly at construction.
func (b *BlockBuilder) KernelSize(size int) *BlockBuilder {
	b.kernelSize = size
	return b
}

// Padding sets the padding of the dense path. Defaults to 1, which is the only
// supported value: it keeps the dense path's output the same spatial size as a
// 1x1 convolution of the input, so the paths can be summed.
func (b *BlockBuilder) Padding(padding int) *BlockBuilder {
	b.padding = padding
	return b
}

// Strides sets the stride of both convolution paths, for both spatial axes.
// The default is 1. A stride of 2 halves the spatial resolution and disables
// the identity path.
func (b *BlockBuilder) Strides(strides int) *BlockBuilder {
	b.strides = strides
	return b
}

// Groups sets the channel group count of both convolution paths. The default
// is 1, no grouping.
func (b *BlockBuilder) Groups(groups int) *BlockBuilder {
	b.groups = groups
	return b
}

// WithSqueezeExcitation sets whether the block gates the summed paths through a
// SqueezeExcitation block before the activation. Default is false.
func (b *BlockBuilder) WithSqueezeExcitation(useSE bool) *BlockBuilder {
	b.useSE = useSE
	return b
}

// Done indicates the block is finished being configured. It creates the block's
// variables and returns the resulting Node.
//
// It panics with a configuration error if Channels was not set, or if KernelSize
// and Padding are not the supported (3, 1) combination.
func (b *BlockBuilder) Done() *Node {
	if b.outputChannels <= 0 {
		Panicf("repvgg.Block requires Channels to be set, got %d", b.outputChannels)
	}
	if b.kernelSize != 3 || b.padding != 1 {
		Panicf("repvgg.Block only supports kernelSize=3 with padding=1, got kernelSize=%d, padding=%d",
			b.kernelSize, b.padding)
	}
	x := b.x
	if x.Rank() != 4 {
		Panicf("repvgg.Block requires x shaped [batch, height, width, channels], got x.shape=%s", x.Shape())
	}
	ctx := b.ctx
	inputChannels := x.Shape().Dim(-1)

	sum := convNorm(ctx.In("dense"), x, b.outputChannels, b.kernelSize, b.strides, b.padding, b.groups)

	// The pointwise path drops the padding by kernelSize/2 (so to 0), which keeps
	// its output the same spatial size as the dense path.
	pointwisePadding := b.padding - b.kernelSize/2
	sum = Add(sum, convNorm(ctx.In("pointwise"), x, b.outputChannels, 1, b.strides, pointwisePadding, b.groups))

	// Identity path: only where the raw input can skip straight into the sum.
	if inputChannels == b.outputChannels && b.strides == 1 {
		sum = Add(sum, batchnorm.New(ctx.In("identity"), x, -1).Done())
	}

	if b.useSE {
		sum = SqueezeExcitation(ctx.In("se"), sum)
	}
	return activations.Relu(sum)
}
