// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar trains RepVGG classifiers on the CIFAR-10 dataset
// (https://www.cs.toronto.edu/~kriz/cifar.html): it downloads and loads the
// dataset, optionally augments the training images, and runs the training
// loop with the original RepVGG recipe as the default hyperparameters.
package cifar

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/repvgg/downloader"
	"github.com/pkg/errors"
)

const (
	Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	TarName = "cifar-10-binary.tar.gz"
	SubDir  = "cifar-10-batches-bin"
	tarHash = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// NumExamples is the total number of examples, training and testing.
	NumExamples = 60000

	// NumTrainExamples is the number of examples reserved for training, the starting ones.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples reserved for testing, the last ones.
	NumTestExamples = 10000
)

// Width, Height and Depth are the dimensions of the CIFAR-10 images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

// Labels of the 10 CIFAR-10 classes, ordered by their class index.
var Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

const examplesPerFile = 10000
const imageSizeBytes = Height * Width * Depth

// Download the CIFAR-10 binary archive to baseDir and unpack it, if not there yet.
func Download(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(Url, baseDir, TarName, SubDir, tarHash)
}

// dataFiles lists the dataset's binary files, in example order: 50k training
// examples followed by the 10k test examples.
func dataFiles() []string {
	files := make([]string, 0, 6)
	for ii := 1; ii <= 5; ii++ {
		files = append(files, fmt.Sprintf("data_batch_%d.bin", ii))
	}
	return append(files, "test_batch.bin")
}

// readExamples iterates over the raw examples of the given binary files, calling
// perExampleFn with the running example index, the label and the raw image bytes
// (channels-first, as stored in the files).
func readExamples(baseDir string, files []string, perExampleFn func(exampleIdx int, label byte, image []byte)) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	var labelImageBytes [imageSizeBytes + 1]byte
	exampleIdx := 0
	for _, fileName := range files {
		dataFile := path.Join(baseDir, SubDir, fileName)
		f, err := os.Open(dataFile)
		if err != nil {
			return errors.Wrapf(err, "opening data file %q", dataFile)
		}
		for inFileIdx := 0; inFileIdx < examplesPerFile; inFileIdx++ {
			if _, err := io.ReadFull(f, labelImageBytes[:]); err != nil {
				_ = f.Close()
				return errors.Wrapf(err, "reading example %d (out of %d) from %q",
					inFileIdx, examplesPerFile, dataFile)
			}
			perExampleFn(exampleIdx, labelImageBytes[0], labelImageBytes[1:])
			exampleIdx++
		}
		if err := f.Close(); err != nil {
			return errors.Wrapf(err, "closing data file %q", dataFile)
		}
	}
	return nil
}

// convertImageToTensor writes one raw (channels-first) image into position
// exampleNum of the channels-last images tensor, scaling the pixels to 0-1.
func convertImageToTensor[T dtypes.GoFloat](image []byte, imagesT *tensors.Tensor, exampleNum int) {
	tensors.MustMutableFlatData[T](imagesT, func(tensorData []T) {
		tensorPos := exampleNum * imageSizeBytes
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					tensorData[tensorPos] = T(image[d*(Height*Width)+h*Width+w]) / T(255)
					tensorPos++
				}
			}
		}
	})
}

// Load reads the whole dataset into 2 tensors per partition: images of the given
// dtype shaped `[numExamples, Height=32, Width=32, Depth=3]` with 0-1 values,
// and labels shaped `[numExamples, 1]` of Int64.
//
// Only Float32 and Float64 dtypes are supported.
func Load(backend backends.Backend, baseDir string, dtype dtypes.DType) (partitioned PartitionedImagesAndLabels) {
	images := tensors.FromShape(shapes.Make(dtype, NumExamples, Height, Width, Depth))
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, NumExamples, 1))
	defer func() {
		// Free images and labels resources in accelerator (GPU) immediately (don't wait for GC).
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
	}()
	tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
		err := readExamples(baseDir, dataFiles(), func(exampleIdx int, label byte, image []byte) {
			switch dtype {
			case dtypes.Float64:
				convertImageToTensor[float64](image, images, exampleIdx)
			case dtypes.Float32:
				convertImageToTensor[float32](image, images, exampleIdx)
			default:
				Panicf("DType %s not supported by cifar.Load", dtype)
			}
			labelsData[exampleIdx] = int64(label)
		})
		if err != nil {
			panic(errors.WithMessagef(err, "failed loading CIFAR-10 from %q", baseDir))
		}
	})
	return partitionImagesAndLabels(backend, images, labels)
}

// partitionImagesAndLabels into train and test partitions.
func partitionImagesAndLabels(backend backends.Backend, images, labels *tensors.Tensor) (partitioned PartitionedImagesAndLabels) {
	parts := MustExecOnceN(backend, func(images, labels *Node) []*Node {
		imagesTrain := Slice(images, AxisRange(0, NumTrainExamples))
		labelsTrain := Slice(labels, AxisRange(0, NumTrainExamples))
		imagesTest := Slice(images, AxisRange(NumTrainExamples))
		labelsTest := Slice(labels, AxisRange(NumTrainExamples))
		return []*Node{imagesTrain, labelsTrain, imagesTest, labelsTest}
	}, images, labels)
	partitioned[0].images = parts[0]
	partitioned[0].labels = parts[1]
	partitioned[1].images = parts[2]
	partitioned[1].labels = parts[3]
	return
}

// Partition refers to the train or test partitions of the dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

type ImagesAndLabels struct {
	images, labels *tensors.Tensor
}

// PartitionedImagesAndLabels holds for each partition (Train, Test) one set of
// images and labels.
type PartitionedImagesAndLabels [2]ImagesAndLabels

// Cache of loaded data, one per DType.
var imagesAndLabelsCache = map[dtypes.DType]PartitionedImagesAndLabels{}

// ResetCache drops previously loaded partitions, forcing the next NewDataset to
// re-read from disk.
func ResetCache() {
	imagesAndLabelsCache = map[dtypes.DType]PartitionedImagesAndLabels{}
}

// NewDataset returns an in-memory dataset for one partition of CIFAR-10, which
// implements train.Dataset and hence can be used by train.Trainer methods.
//
// It automatically downloads the data from the web the first time, and caches the
// loaded tensors, so multiple datasets can be created without extra time/memory.
func NewDataset(backend backends.Backend, name, baseDir string, dtype dtypes.DType, partition Partition) *datasets.InMemoryDataset {
	partitioned, found := imagesAndLabelsCache[dtype]
	if !found {
		if err := Download(baseDir); err != nil {
			panic(errors.WithMessagef(err, "creating a new CIFAR-10 dataset"))
		}
		partitioned = Load(backend, baseDir, dtype)
		imagesAndLabelsCache[dtype] = partitioned
	}
	imagesAndLabels := partitioned[partition]
	ds, err := datasets.InMemoryFromData(backend, name,
		[]any{imagesAndLabels.images}, []any{imagesAndLabels.labels})
	if err != nil {
		panic(err)
	}
	return ds
}
