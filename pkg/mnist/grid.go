// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// GridScale is the magnification of each digit in SaveGrid.
const GridScale = 2

// ToImages converts up to n images of a [N, 1, height, width] float32 tensor, with values in [0, 1],
// to grayscale images.
func ToImages(images *tensors.Tensor, n int) ([]*image.Gray, error) {
	if images.Rank() != 4 || images.Shape().Dim(1) != 1 {
		return nil, errors.Errorf("mnist: images must be shaped [N, 1, height, width], got %s", images.Shape())
	}
	dims := images.Shape().Dimensions
	n = min(n, dims[0])
	h, w := dims[2], dims[3]
	result := make([]*image.Gray, n)
	err := tensors.ConstFlatData(images, func(flat []float32) {
		for ii := range n {
			img := image.NewGray(image.Rect(0, 0, w, h))
			for jj, v := range flat[ii*h*w : (ii+1)*h*w] {
				img.Pix[jj] = uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
			}
			result[ii] = img
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "reading images")
	}
	return result, nil
}

// SaveGrid writes the first n images as a square mosaic, in any format supported by imaging.Save
// (chosen by the file extension).
func SaveGrid(filePath string, images *tensors.Tensor, n int) error {
	digits, err := ToImages(images, n)
	if err != nil {
		return err
	}
	if len(digits) == 0 {
		return errors.New("mnist.SaveGrid: no images")
	}
	cols := int(math.Ceil(math.Sqrt(float64(len(digits)))))
	rows := (len(digits) + cols - 1) / cols
	cellW, cellH := digits[0].Rect.Dx()*GridScale, digits[0].Rect.Dy()*GridScale
	grid := imaging.New(cols*cellW, rows*cellH, color.Black)
	for ii, digit := range digits {
		scaled := imaging.Resize(digit, cellW, cellH, imaging.NearestNeighbor)
		grid = imaging.Paste(grid, scaled, image.Pt((ii%cols)*cellW, (ii/cols)*cellH))
	}
	if err = imaging.Save(grid, filePath); err != nil {
		return errors.Wrapf(err, "saving image grid to %q", filePath)
	}
	return nil
}
