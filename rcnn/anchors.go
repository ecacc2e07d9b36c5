package rcnn

import (
	"runtime"

	"github.com/Tsok-XYZ/tf-faster-rcnn/processing"
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// Grids with at least this many output values are filled in parallel.
const parallelThreshold = 1 << 16

// Shifts returns the (featHeight*featWidth, 4) displacement of every grid
// cell as (dx, dy, dx, dy). Cells are row-major: y varies slowest.
func Shifts(featWidth, featHeight, featStride int) (*tensor.Dense, error) {
	if err := checkGrid(featWidth, featHeight, featStride); err != nil {
		return nil, err
	}

	backing := make([]float32, 0, featWidth*featHeight*4)
	for ih := range featHeight {
		sh := float32(ih * featStride)
		for iw := range featWidth {
			sw := float32(iw * featStride)
			backing = append(backing, sw, sh, sw, sh)
		}
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(featWidth*featHeight, 4),
		tensor.WithBacking(backing),
	), nil
}

// ShiftAnchors tiles the (A, 4) base anchors over a featWidth x featHeight
// grid. Row k*A+a of the result is base anchor a moved to grid cell k, so the
// output lines up with per-location predictions reshaped to (H*W*A, ...).
func ShiftAnchors(featWidth, featHeight, featStride int, baseAnchors *tensor.Dense) (*tensor.Dense, error) {
	if err := checkGrid(featWidth, featHeight, featStride); err != nil {
		return nil, err
	}
	base, err := utils.Float32Rows(baseAnchors, 4)
	if err != nil {
		return nil, errors.Wrap(processing.ErrInvalidShape, err.Error())
	}

	a := len(base) / 4
	if a == 0 {
		return nil, errors.Wrap(processing.ErrInvalidShape, "empty base anchor set")
	}
	rowSize := featWidth * a * 4
	allAnchors := make([]float32, featHeight*rowSize)

	fillRow := func(ih int) {
		sh := float32(ih * featStride)
		out := allAnchors[ih*rowSize : (ih+1)*rowSize]
		for iw := range featWidth {
			sw := float32(iw * featStride)
			cell := out[iw*a*4 : (iw+1)*a*4]
			for k := range a {
				cell[k*4+0] = base[k*4+0] + sw
				cell[k*4+1] = base[k*4+1] + sh
				cell[k*4+2] = base[k*4+2] + sw
				cell[k*4+3] = base[k*4+3] + sh
			}
		}
	}

	if len(allAnchors) < parallelThreshold || featHeight == 1 {
		for ih := range featHeight {
			fillRow(ih)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for ih := range featHeight {
			g.Go(func() error {
				fillRow(ih)
				return nil
			})
		}
		_ = g.Wait()
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(featHeight*featWidth*a, 4),
		tensor.WithBacking(allAnchors),
	), nil
}

func checkGrid(featWidth, featHeight, featStride int) error {
	if featWidth <= 0 || featHeight <= 0 {
		return errors.Wrapf(processing.ErrInvalidGrid, "feature map %dx%d", featWidth, featHeight)
	}
	if featStride <= 0 {
		return errors.Wrapf(processing.ErrInvalidGrid, "stride %d", featStride)
	}
	return nil
}
