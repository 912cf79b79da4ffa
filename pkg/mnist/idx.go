// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist reads the MNIST database of handwritten digits, in its original IDX format,
// into tensors.
package mnist

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801

	// NumClasses of the labels: digits 0 to 9.
	NumClasses = 10

	// MaxDataBytes bounds the data an IDX file header may announce. MNIST's largest file holds 47 MB.
	MaxDataBytes = 1 << 30
)

// imageFileHeader follows the magic number in an images file.
type imageFileHeader struct {
	NumImages int32
	Height    int32
	Width     int32
}

// readMagic reads the magic number that starts an IDX file and checks it is the one wanted.
func readMagic(reader io.Reader, filePath, kind string, want int32) error {
	var magic int32
	if err := binary.Read(reader, binary.BigEndian, &magic); err != nil {
		return errors.Wrapf(err, "reading magic number of %q", filePath)
	}
	if magic != want {
		return errors.Errorf("%q: invalid magic number 0x%08x for %s file, wanted 0x%08x",
			filePath, magic, kind, want)
	}
	return nil
}

// checkDataSize returns the number of data bytes announced by dims, failing if it exceeds MaxDataBytes.
func checkDataSize(filePath string, dims ...int32) (int, error) {
	size := int64(1)
	for _, dim := range dims {
		size *= int64(dim)
		if size > MaxDataBytes {
			return 0, errors.Errorf("%q: dimensions %v announce more than %d bytes of data, file is corrupt",
				filePath, dims, MaxDataBytes)
		}
	}
	return int(size), nil
}

// Split of the dataset.
type Split int

const (
	Train Split = iota
	Test
)

// String implements fmt.Stringer.
func (s Split) String() string {
	if s == Test {
		return "test"
	}
	return "train"
}

// Files returns the base names (without the ".gz" suffix) of the images and labels files of a split.
func Files(split Split) (images, labels string) {
	if split == Test {
		return "t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte"
	}
	return "train-images-idx3-ubyte", "train-labels-idx1-ubyte"
}

// AllFiles lists the base names of the 4 files of the dataset.
func AllFiles() []string {
	trainImages, trainLabels := Files(Train)
	testImages, testLabels := Files(Test)
	return []string{trainImages, trainLabels, testImages, testLabels}
}

// Locate returns the path of the file with the given base name in dir, either uncompressed or with
// the ".gz" suffix. It returns an error wrapping os.ErrNotExist if neither is there.
func Locate(dir, baseName string) (string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	for _, name := range []string{baseName, baseName + ".gz"} {
		filePath := filepath.Join(dir, name)
		exists, err := fsutil.FileExists(filePath)
		if err != nil {
			return "", errors.Wrapf(err, "checking %q", filePath)
		}
		if exists {
			return filePath, nil
		}
	}
	return "", errors.Wrapf(os.ErrNotExist, "MNIST file %q (or %q) not found in %q", baseName, baseName+".gz", dir)
}

// Available reports whether all files of the dataset are in dir.
func Available(dir string) bool {
	for _, name := range AllFiles() {
		if _, err := Locate(dir, name); err != nil {
			return false
		}
	}
	return true
}

// openIDX opens an IDX file, decompressing it if its name ends with ".gz".
func openIDX(filePath string) (io.Reader, func() error, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %q", filePath)
	}
	if !strings.HasSuffix(filePath, ".gz") {
		return bufio.NewReader(f), f.Close, nil
	}
	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "reading gzip header of %q", filePath)
	}
	closer := func() error {
		_ = gz.Close()
		return f.Close()
	}
	return gz, closer, nil
}

// ReadImages reads an IDX images file. Pixels are scaled to [0, 1] and returned as a float32
// tensor shaped [numImages, 1, height, width].
func ReadImages(filePath string) (*tensors.Tensor, error) {
	reader, closer, err := openIDX(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer() }()

	if err = readMagic(reader, filePath, "an images", imageMagic); err != nil {
		return nil, err
	}
	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filePath)
	}
	if header.NumImages < 0 || header.Height <= 0 || header.Width <= 0 {
		return nil, errors.Errorf("%q: invalid dimensions %d x %d x %d", filePath,
			header.NumImages, header.Height, header.Width)
	}
	size, err := checkDataSize(filePath, header.NumImages, header.Height, header.Width)
	if err != nil {
		return nil, err
	}
	n, h, w := int(header.NumImages), int(header.Height), int(header.Width)
	pixels := make([]byte, size)
	if _, err = io.ReadFull(reader, pixels); err != nil {
		return nil, errors.Wrapf(err, "reading %d images of %q", n, filePath)
	}
	return tensors.FromFlatDataAndDimensions(scale(pixels), n, 1, h, w), nil
}

func scale(pixels []byte) []float32 {
	values := make([]float32, len(pixels))
	for ii, p := range pixels {
		values[ii] = float32(p) / 255
	}
	return values
}

// ReadLabels reads an IDX labels file into an int64 tensor shaped [numLabels].
func ReadLabels(filePath string) (*tensors.Tensor, error) {
	reader, closer, err := openIDX(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer() }()

	if err = readMagic(reader, filePath, "a labels", labelMagic); err != nil {
		return nil, err
	}
	var numLabels int32
	if err = binary.Read(reader, binary.BigEndian, &numLabels); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filePath)
	}
	if numLabels < 0 {
		return nil, errors.Errorf("%q: invalid number of labels %d", filePath, numLabels)
	}
	size, err := checkDataSize(filePath, numLabels)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	if _, err = io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "reading %d labels of %q", numLabels, filePath)
	}
	labels := make([]int64, len(raw))
	for ii, label := range raw {
		if label >= NumClasses {
			return nil, errors.Errorf("%q: label #%d is %d, must be < %d", filePath, ii, label, NumClasses)
		}
		labels[ii] = int64(label)
	}
	return tensors.FromFlatDataAndDimensions(labels, len(labels)), nil
}

// Dataset holds one split of MNIST in memory.
type Dataset struct {
	Images *tensors.Tensor // [N, 1, 28, 28] float32
	Labels *tensors.Tensor // [N] int64
}

// Load reads the images and labels of a split from dir.
func Load(dir string, split Split) (*Dataset, error) {
	imagesName, labelsName := Files(split)
	imagesPath, err := Locate(dir, imagesName)
	if err != nil {
		return nil, err
	}
	labelsPath, err := Locate(dir, labelsName)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{}
	if ds.Images, err = ReadImages(imagesPath); err != nil {
		return nil, err
	}
	if ds.Labels, err = ReadLabels(labelsPath); err != nil {
		return nil, err
	}
	if ds.Images.Shape().Dim(0) != ds.Labels.Shape().Dim(0) {
		return nil, errors.Errorf("MNIST %s split has %d images but %d labels", split,
			ds.Images.Shape().Dim(0), ds.Labels.Shape().Dim(0))
	}
	return ds, nil
}

// Len returns the number of examples.
func (ds *Dataset) Len() int { return ds.Labels.Shape().Dim(0) }

// Select returns the items at the given indices. Indices out of range are skipped.
func Select[T any, I constraints.Integer](items []T, idx []I) []T {
	selected := make([]T, 0, len(idx))
	numItems := len(items)
	for _, i := range idx {
		if i >= 0 && i < I(numItems) {
			selected = append(selected, items[i])
		}
	}
	return selected
}
