// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package repvgg_test

import (
	"testing"

	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/repvgg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smallConfig is a fraction of the size of the published variants, to keep the
// tests fast, while still exercising every stage.
func smallConfig() repvgg.Config {
	return repvgg.Config{
		NumBlocks:       []int{1, 1, 1, 1},
		NumClasses:      10,
		WidthMultiplier: []float64{0.25, 0.25, 0.25, 0.5},
	}
}

func TestNew(t *testing.T) {
	t.Run("widths", func(t *testing.T) {
		// The multipliers of the B2 variant.
		model := repvgg.New(repvgg.Config{
			NumBlocks:       []int{4, 6, 16, 1},
			NumClasses:      10,
			WidthMultiplier: []float64{2.5, 2.5, 2.5, 5},
		})
		assert.Equal(t, 64, model.StemWidth()) // Capped at 64, even though 64*2.5 = 160.
		assert.Equal(t, [4]int{160, 320, 640, 2560}, model.StageWidths())

		model = repvgg.New(smallConfig())
		assert.Equal(t, 16, model.StemWidth())
		assert.Equal(t, [4]int{16, 32, 64, 256}, model.StageWidths())
	})

	t.Run("invalid-configurations", func(t *testing.T) {
		require.Panics(t, func() {
			config := smallConfig()
			config.NumBlocks = []int{2, 4, 14}
			repvgg.New(config)
		})
		require.Panics(t, func() {
			config := smallConfig()
			config.WidthMultiplier = []float64{1, 1, 1}
			repvgg.New(config)
		})
		// Index 0 is the stem block, it cannot take a groups override.
		require.Panics(t, func() {
			config := smallConfig()
			config.OverrideGroups = map[int]int{0: 4}
			repvgg.New(config)
		})
		require.Panics(t, func() {
			config := smallConfig()
			config.NumClasses = 0
			repvgg.New(config)
		})
	})
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("forward", func(t *testing.T) {
		ctx := context.New()
		model := repvgg.New(smallConfig())
		logitsT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			images := IotaFull(g, shapes.Make(dtypes.F32, 3, 32, 32, 3))
			return model.ModelGraph(ctx, images)
		})
		require.NoError(t, logitsT.Shape().Check(dtypes.F32, 3, 10))
	})

	// The groups overrides are keyed by the construction order of the blocks,
	// starting at 1 after the stem: with 1 block per stage, index 2 is the block
	// of the 2nd stage.
	t.Run("override-groups", func(t *testing.T) {
		ctx := context.New()
		config := smallConfig()
		config.OverrideGroups = map[int]int{2: 4}
		model := repvgg.New(config)
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			images := IotaFull(g, shapes.Make(dtypes.F32, 2, 32, 32, 3))
			return model.ModelGraph(ctx, images)
		})
		kernelVar := ctx.GetVariableByScopeAndName("/stage2_block0/dense/conv", "weights")
		require.NotNil(t, kernelVar)
		// Stage 1 outputs 16 channels, so each of the 4 groups sees 4 of them.
		require.NoError(t, kernelVar.Shape().Check(dtypes.F32, 3, 3, 4, 32))

		// The grouping of one block doesn't leak into its neighbors.
		kernelVar = ctx.GetVariableByScopeAndName("/stage1_block0/dense/conv", "weights")
		require.NotNil(t, kernelVar)
		require.NoError(t, kernelVar.Shape().Check(dtypes.F32, 3, 3, 16, 16))
	})

	t.Run("squeeze-excitation", func(t *testing.T) {
		ctx := context.New()
		config := smallConfig()
		config.UseSE = true
		config.WidthMultiplier = []float64{1, 1, 1, 1} // SE needs at least 16 channels everywhere.
		model := repvgg.New(config)
		logitsT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			images := IotaFull(g, shapes.Make(dtypes.F32, 2, 32, 32, 3))
			return model.ModelGraph(ctx, images)
		})
		require.NoError(t, logitsT.Shape().Check(dtypes.F32, 2, 10))
		require.NotNil(t, ctx.GetVariableByScopeAndName("/stem/se/down/conv", "weights"))
	})

	t.Run("invalid-inputs", func(t *testing.T) {
		model := repvgg.New(smallConfig())
		require.Panics(t, func() {
			ctx := context.New()
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				images := IotaFull(g, shapes.Make(dtypes.F32, 2, 32, 32, 4)) // RGBA not supported.
				return model.ModelGraph(ctx, images)
			})
		})
		require.Panics(t, func() {
			ctx := context.New()
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				images := IotaFull(g, shapes.Make(dtypes.F32, 32, 32, 3)) // Missing batch axis.
				return model.ModelGraph(ctx, images)
			})
		})
	})
}

func TestVariants(t *testing.T) {
	names := repvgg.VariantNames()
	assert.Len(t, names, 13)
	assert.Contains(t, names, "A0")
	assert.Contains(t, names, "B2g4")

	model := repvgg.ByName("B2g4", 10, false)
	config := model.Config()
	assert.Equal(t, []int{4, 6, 16, 1}, config.NumBlocks)
	// Every other block is grouped, stem excluded.
	require.Len(t, config.OverrideGroups, 13)
	for idx := 2; idx <= 26; idx += 2 {
		assert.Equal(t, 4, config.OverrideGroups[idx])
	}

	require.Panics(t, func() { repvgg.ByName("C1", 10, false) })
}
