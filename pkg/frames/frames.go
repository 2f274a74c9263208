// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frames converts video frames between image files and the tensors consumed by the model.
package frames

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DefaultMultiple is the padding multiple used for inference inputs.
const DefaultMultiple = 32

// Load decodes the frame in path. The format is taken from the file extension.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load frame %q", path)
	}
	return img, nil
}

// Save encodes img to path. The format is taken from the file extension.
func Save(path string, img image.Image) error {
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "failed to save frame %q", path)
	}
	return nil
}

// PadInfo records the original size of padded frames.
type PadInfo struct {
	Width, Height int
}

// Pair converts two frames of equal size to float32 tensors `[1, height, width, 3]` with values in [0, 1].
// The frames are padded with black at the bottom and right edges, so that both dimensions are a multiple of
// multiple (a value <= 1 disables padding).
func Pair(img0, img1 image.Image, multiple int) (t0, t1 *tensors.Tensor, pad PadInfo, err error) {
	size0, size1 := img0.Bounds().Size(), img1.Bounds().Size()
	if size0 != size1 {
		err = errors.Errorf("frames must have the same size, got %v and %v", size0, size1)
		return
	}
	pad = PadInfo{Width: size0.X, Height: size0.Y}
	width, height := roundUp(size0.X, multiple), roundUp(size0.Y, multiple)
	err = exceptions.TryCatch[error](func() {
		toTensor := images.ToTensor(dtypes.Float32)
		t0 = toTensor.Batch([]image.Image{padTo(img0, width, height)})
		t1 = toTensor.Batch([]image.Image{padTo(img1, width, height)})
	})
	if err != nil {
		err = errors.WithMessagef(err, "failed to convert frames to tensors")
	}
	return
}

// ToImage converts the first frame of the prediction to an image cropped to the size in pad.
// The prediction is shaped `[batch, height, width, 3]`, optionally with extra leading axes of dimension 1.
func ToImage(pred *tensors.Tensor, pad PadInfo) (img image.Image, err error) {
	dims := pred.Shape().Dimensions
	for len(dims) > 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 4 || dims[3] != 3 {
		return nil, errors.Errorf("prediction must be shaped [batch, height, width, 3], got %s", pred.Shape())
	}
	if pad.Width > dims[2] || pad.Height > dims[1] {
		return nil, errors.Errorf("crop size %dx%d larger than the prediction %s", pad.Width, pad.Height, pred.Shape())
	}
	err = exceptions.TryCatch[error](func() {
		if len(dims) != pred.Shape().Rank() {
			pred = tensors.FromFlatDataAndDimensions(tensors.MustCopyFlatData[float32](pred), dims...)
		}
		img = images.ToImage().MaxValue(1.0).Batch(pred)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to convert prediction to image")
	}
	if pad.Width > 0 && pad.Height > 0 {
		img = imaging.Crop(img, image.Rect(0, 0, pad.Width, pad.Height))
	}
	return img, nil
}

func roundUp(dim, multiple int) int {
	if multiple <= 1 {
		return dim
	}
	return (dim + multiple - 1) / multiple * multiple
}

// padTo pastes img at the top-left corner of a black width x height image.
func padTo(img image.Image, width, height int) image.Image {
	size := img.Bounds().Size()
	if size.X == width && size.Y == height {
		return img
	}
	bg := imaging.New(width, height, color.NRGBA{A: 255})
	return imaging.Paste(bg, img, image.Pt(0, 0))
}
