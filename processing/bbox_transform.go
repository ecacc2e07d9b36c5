package processing

import (
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// BBoxTransformInv applies regression deltas (dx, dy, dw, dh) to boxes and
// returns the decoded boxes. Row i of deltas belongs to row i of boxes.
func BBoxTransformInv(boxes, deltas *tensor.Dense) (*tensor.Dense, error) {
	b, err := utils.Float32Rows(boxes, 4)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}
	d, err := utils.Float32Rows(deltas, 4)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}
	if len(b) != len(d) {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d boxes, %d deltas", len(b)/4, len(d)/4)
	}

	n := len(b) / 4
	out := make([]float32, len(b))
	for i := range n {
		width := b[i*4+2] - b[i*4+0] + 1
		height := b[i*4+3] - b[i*4+1] + 1
		ctrX := b[i*4+0] + 0.5*width
		ctrY := b[i*4+1] + 0.5*height

		dx, dy, dw, dh := d[i*4+0], d[i*4+1], d[i*4+2], d[i*4+3]

		predCtrX := dx*width + ctrX
		predCtrY := dy*height + ctrY
		predW := math32.Exp(dw) * width
		predH := math32.Exp(dh) * height

		out[i*4+0] = predCtrX - 0.5*predW
		out[i*4+1] = predCtrY - 0.5*predH
		out[i*4+2] = predCtrX + 0.5*predW
		out[i*4+3] = predCtrY + 0.5*predH
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(n, 4),
		tensor.WithBacking(out),
	), nil
}

// ClipBoxes returns boxes clamped to an image of imgShape (height, width).
func ClipBoxes(boxes *tensor.Dense, imgShape []int) (*tensor.Dense, error) {
	if len(imgShape) < 2 || imgShape[0] <= 0 || imgShape[1] <= 0 {
		return nil, errors.Wrapf(ErrInvalidParam, "image shape %v", imgShape)
	}
	width := float32(imgShape[1] - 1)
	height := float32(imgShape[0] - 1)

	src, err := utils.Float32Rows(boxes, 4)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}
	data := append([]float32(nil), src...)

	for i := 0; i < len(data); i += 4 {
		data[i+0] = math32.Max(math32.Min(data[i+0], width), 0)
		data[i+1] = math32.Max(math32.Min(data[i+1], height), 0)
		data[i+2] = math32.Max(math32.Min(data[i+2], width), 0)
		data[i+3] = math32.Max(math32.Min(data[i+3], height), 0)
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(data)/4, 4),
		tensor.WithBacking(data),
	), nil
}

// FilterBoxes returns the indices of boxes whose width and height are both at
// least minSize.
func FilterBoxes(boxes *tensor.Dense, minSize float32) ([]int, error) {
	data, err := utils.Float32Rows(boxes, 4)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}

	keep := make([]int, 0, len(data)/4)
	for i := 0; i < len(data)/4; i++ {
		ws := data[i*4+2] - data[i*4+0] + 1
		hs := data[i*4+3] - data[i*4+1] + 1
		if ws >= minSize && hs >= minSize {
			keep = append(keep, i)
		}
	}
	return keep, nil
}
