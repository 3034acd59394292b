// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package repvgg_test

import (
	"testing"

	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/repvgg"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("output-shapes", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.F32, 2, 8, 8, 16))
			x = repvgg.Block(ctx.In("same"), x).Channels(16).Done()
			x.AssertDims(2, 8, 8, 16) // Stride 1 keeps the spatial resolution.
			x = repvgg.Block(ctx.In("down"), x).Channels(32).Strides(2).Done()
			return x
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 2, 4, 4, 32))
	})

	// The identity path only exists when the input can be summed directly with
	// the convolution paths: same channels and stride 1.
	t.Run("identity-path", func(t *testing.T) {
		testIdentity := func(t *testing.T, scope string, outputChannels, strides int, want bool) {
			ctx := context.New()
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := IotaFull(g, shapes.Make(dtypes.F32, 2, 8, 8, 16))
				return repvgg.Block(ctx.In(scope), x).
					Channels(outputChannels).
					Strides(strides).
					Done()
			})
			identityScale := ctx.GetVariableByScopeAndName(
				"/"+scope+"/identity/"+batchnorm.BatchNormalizationScopeName, "scale")
			if want {
				require.NotNilf(t, identityScale, "expected an identity path under scope %q", scope)
			} else {
				require.Nilf(t, identityScale, "expected no identity path under scope %q", scope)
			}
		}
		t.Run("same-channels-stride-1", func(t *testing.T) { testIdentity(t, "block", 16, 1, true) })
		t.Run("different-channels", func(t *testing.T) { testIdentity(t, "block", 32, 1, false) })
		t.Run("stride-2", func(t *testing.T) { testIdentity(t, "block", 16, 2, false) })
	})

	// With the convolution kernels zeroed out, any non-zero output must have
	// flowed through the identity path: its batch normalization starts out close
	// to the identity function, and the input is strictly positive, so the block
	// reduces to (approximately) Relu(x). Without an identity path the block
	// outputs exactly zero.
	t.Run("identity-contribution", func(t *testing.T) {
		runZeroedBlock := func(t *testing.T, outputChannels, strides int) (sum float32) {
			ctx := context.New()
			blockFn := func(ctx *context.Context, g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.F32, 1, 4, 4, 8))
				return repvgg.Block(ctx.In("block"), x).
					Channels(outputChannels).
					Strides(strides).
					Done()
			}
			_ = context.MustExecOnce(backend, ctx, blockFn)
			for _, branch := range []string{"dense", "pointwise"} {
				kernelVar := ctx.GetVariableByScopeAndName("/block/"+branch+"/conv", "weights")
				require.NotNil(t, kernelVar)
				kernelVar.MustSetValue(tensors.FromShape(kernelVar.Shape()))
			}
			gotT := context.MustExecOnce(backend, ctx.Reuse(), blockFn)
			tensors.MustConstFlatData[float32](gotT, func(flat []float32) {
				for _, value := range flat {
					sum += value
				}
			})
			return
		}
		require.Greater(t, runZeroedBlock(t, 8, 1), float32(1),
			"the identity path should carry the input through zeroed convolutions")
		require.Zero(t, runZeroedBlock(t, 16, 1),
			"without an identity path, zeroed convolutions should output zero")
		require.Zero(t, runZeroedBlock(t, 8, 2),
			"without an identity path, zeroed convolutions should output zero")
	})

	// Grouped convolutions: each group of the kernel only sees its slice of the
	// input channels.
	t.Run("groups", func(t *testing.T) {
		ctx := context.New()
		gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.F32, 2, 8, 8, 16))
			return repvgg.Block(ctx.In("block"), x).Channels(32).Groups(4).Done()
		})
		require.NoError(t, gotT.Shape().Check(dtypes.F32, 2, 8, 8, 32))
		kernelVar := ctx.GetVariableByScopeAndName("/block/dense/conv", "weights")
		require.NotNil(t, kernelVar)
		require.NoError(t, kernelVar.Shape().Check(dtypes.F32, 3, 3, 4, 32))
		pointwiseVar := ctx.GetVariableByScopeAndName("/block/pointwise/conv", "weights")
		require.NotNil(t, pointwiseVar)
		require.NoError(t, pointwiseVar.Shape().Check(dtypes.F32, 1, 1, 4, 32))
	})

	t.Run("invalid-configurations", func(t *testing.T) {
		buildWith := func(configure func(*repvgg.BlockBuilder) *repvgg.BlockBuilder) func() {
			return func() {
				ctx := context.New()
				_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
					x := IotaFull(g, shapes.Make(dtypes.F32, 2, 8, 8, 16))
					return configure(repvgg.Block(ctx, x)).Done()
				})
			}
		}
		// Channels is mandatory.
		require.Panics(t, buildWith(func(b *repvgg.BlockBuilder) *repvgg.BlockBuilder {
			return b
		}))
		// Only the 3x3 kernel with padding 1 is supported.
		require.Panics(t, buildWith(func(b *repvgg.BlockBuilder) *repvgg.BlockBuilder {
			return b.Channels(16).KernelSize(5)
		}))
		require.Panics(t, buildWith(func(b *repvgg.BlockBuilder) *repvgg.BlockBuilder {
			return b.Channels(16).Padding(2)
		}))
		// Groups must divide both input and output channels.
		require.Panics(t, buildWith(func(b *repvgg.BlockBuilder) *repvgg.BlockBuilder {
			return b.Channels(16).Groups(3)
		}))
	})
}
