// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"image"
	"image/color"
	"math/rand"
	"time"

	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"

	"github.com/disintegration/imaging"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// AugmentPadding is the number of zero pixels padded on each side of the image
// before taking a random 32x32 crop.
const AugmentPadding = 4

// AugmentedDataset yields training batches with the standard CIFAR-10
// augmentations: a random crop of the zero-padded image and a random horizontal
// flip. Augmentation happens on the host, the resulting batch is converted to a
// tensor shaped `[batchSize, 32, 32, 3]` with 0-1 values.
//
// It loops over the training partition indefinitely, reshuffling at the end of
// each pass, so it is meant to be used with train.Loop.RunSteps.
type AugmentedDataset struct {
	name      string
	batchSize int
	rng       *rand.Rand
	toTensor  *timage.ToTensorConfig

	// padded holds one zero-padded canvas per training example, from which the
	// random crops are taken.
	padded []*image.NRGBA
	labels []int64

	order []int
	pos   int
}

// NewAugmentedDataset creates an AugmentedDataset over the CIFAR-10 training
// partition stored under baseDir, downloading it first if needed.
func NewAugmentedDataset(name, baseDir string, batchSize int, dtype dtypes.DType) (*AugmentedDataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d for AugmentedDataset", batchSize)
	}
	if err := Download(baseDir); err != nil {
		return nil, errors.WithMessagef(err, "creating augmented CIFAR-10 dataset")
	}
	ds := &AugmentedDataset{
		name:      name,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
		toTensor:  timage.ToTensor(dtype),
		padded:    make([]*image.NRGBA, NumTrainExamples),
		labels:    make([]int64, NumTrainExamples),
	}
	trainFiles := dataFiles()[:5]
	err := readExamples(baseDir, trainFiles, func(exampleIdx int, label byte, rawImage []byte) {
		ds.padded[exampleIdx] = padExample(rawImage)
		ds.labels[exampleIdx] = int64(label)
	})
	if err != nil {
		return nil, err
	}
	ds.Reset()
	return ds, nil
}

// padExample converts one raw (channels-first) example to an NRGBA image pasted
// on the center of a black canvas with AugmentPadding extra pixels on each side.
func padExample(rawImage []byte) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			img.SetNRGBA(w, h, color.NRGBA{
				R: rawImage[0*(Height*Width)+h*Width+w],
				G: rawImage[1*(Height*Width)+h*Width+w],
				B: rawImage[2*(Height*Width)+h*Width+w],
				A: 255,
			})
		}
	}
	canvas := imaging.New(Width+2*AugmentPadding, Height+2*AugmentPadding, color.NRGBA{A: 255})
	return imaging.PasteCenter(canvas, img)
}

// Name implements train.Dataset.
func (ds *AugmentedDataset) Name() string { return ds.name }

// Reset implements train.Dataset: it reshuffles the examples order.
func (ds *AugmentedDataset) Reset() {
	if ds.order == nil {
		ds.order = make([]int, NumTrainExamples)
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
	ds.pos = 0
}

// Yield implements train.Dataset. It never returns io.EOF: the dataset is
// infinite, reshuffling whenever a pass over the training examples finishes.
func (ds *AugmentedDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batchImages := make([]image.Image, ds.batchSize)
	batchLabels := make([]int64, ds.batchSize)
	for ii := 0; ii < ds.batchSize; ii++ {
		if ds.pos >= len(ds.order) {
			ds.Reset()
		}
		exampleIdx := ds.order[ds.pos]
		ds.pos++
		batchImages[ii] = ds.augment(ds.padded[exampleIdx])
		batchLabels[ii] = ds.labels[exampleIdx]
	}
	spec = ds
	inputs = []*tensors.Tensor{ds.toTensor.Batch(batchImages)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, ds.batchSize, 1)}
	return
}

// augment takes a random 32x32 crop of the padded canvas and flips it
// horizontally half of the time.
func (ds *AugmentedDataset) augment(canvas *image.NRGBA) image.Image {
	x0 := ds.rng.Intn(2*AugmentPadding + 1)
	y0 := ds.rng.Intn(2*AugmentPadding + 1)
	img := imaging.Crop(canvas, image.Rect(x0, y0, x0+Width, y0+Height))
	if ds.rng.Intn(2) == 1 {
		img = imaging.FlipH(img)
	}
	return img
}
