// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package repvgg

import (
	"slices"

	. "github.com/gomlx/exceptions"
)

// groupwiseLayers are the block indices that the published "g2"/"g4" RepVGG variants
// convert to grouped convolutions: every other block, stem excluded.
var groupwiseLayers = []int{2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22, 24, 26}

func groupsMap(groups int) map[int]int {
	m := make(map[int]int, len(groupwiseLayers))
	for _, layer := range groupwiseLayers {
		m[layer] = groups
	}
	return m
}

// variant holds the depth/width recipe of a published RepVGG variant.
type variant struct {
	numBlocks       []int
	widthMultiplier []float64
	overrideGroups  map[int]int
}

var variants = map[string]variant{
	"A0": {[]int{2, 4, 14, 1}, []float64{0.75, 0.75, 0.75, 2.5}, nil},
	"A1": {[]int{2, 4, 14, 1}, []float64{1, 1, 1, 2.5}, nil},
	"A2": {[]int{2, 4, 14, 1}, []float64{1.5, 1.5, 1.5, 2.75}, nil},

	"B0":   {[]int{4, 6, 16, 1}, []float64{1, 1, 1, 2.5}, nil},
	"B1":   {[]int{4, 6, 16, 1}, []float64{2, 2, 2, 4}, nil},
	"B1g2": {[]int{4, 6, 16, 1}, []float64{2, 2, 2, 4}, groupsMap(2)},
	"B1g4": {[]int{4, 6, 16, 1}, []float64{2, 2, 2, 4}, groupsMap(4)},
	"B2":   {[]int{4, 6, 16, 1}, []float64{2.5, 2.5, 2.5, 5}, nil},
	"B2g2": {[]int{4, 6, 16, 1}, []float64{2.5, 2.5, 2.5, 5}, groupsMap(2)},
	"B2g4": {[]int{4, 6, 16, 1}, []float64{2.5, 2.5, 2.5, 5}, groupsMap(4)},
	"B3":   {[]int{4, 6, 16, 1}, []float64{3, 3, 3, 5}, nil},
	"B3g2": {[]int{4, 6, 16, 1}, []float64{3, 3, 3, 5}, groupsMap(2)},
	"B3g4": {[]int{4, 6, 16, 1}, []float64{3, 3, 3, 5}, groupsMap(4)},
}

// VariantNames returns the sorted names of the published RepVGG variants
// accepted by ByName.
func VariantNames() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ByName creates a Model for one of the published RepVGG variants -- "A0" through
// "B3g4", see VariantNames. It panics with a configuration error on unknown names.
func ByName(name string, numClasses int, useSE bool) *Model {
	v, found := variants[name]
	if !found {
		Panicf("repvgg.ByName: unknown variant %q, valid values are %v", name, VariantNames())
	}
	return New(Config{
		NumBlocks:       v.numBlocks,
		NumClasses:      numClasses,
		UseSE:           useSE,
		WidthMultiplier: v.widthMultiplier,
		OverrideGroups:  v.overrideGroups,
	})
}
