package processing

import (
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// BBoxOverlaps returns the (N, K) IoU matrix between boxes (N, 4) and
// queryBoxes (K, 4), both in inclusive pixel coordinates.
func BBoxOverlaps(boxes, queryBoxes *tensor.Dense) (*tensor.Dense, error) {
	b, err := utils.Float32Rows(boxes, 4)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}
	q, err := utils.Float32Rows(queryBoxes, 4)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}

	n, k := len(b)/4, len(q)/4
	overlaps := make([]float32, n*k)
	for j := range k {
		qx1, qy1, qx2, qy2 := q[j*4+0], q[j*4+1], q[j*4+2], q[j*4+3]
		queryArea := (qx2 - qx1 + 1) * (qy2 - qy1 + 1)
		for i := range n {
			iw := math32.Min(b[i*4+2], qx2) - math32.Max(b[i*4+0], qx1) + 1
			if iw <= 0 {
				continue
			}
			ih := math32.Min(b[i*4+3], qy2) - math32.Max(b[i*4+1], qy1) + 1
			if ih <= 0 {
				continue
			}
			boxArea := (b[i*4+2] - b[i*4+0] + 1) * (b[i*4+3] - b[i*4+1] + 1)
			inter := iw * ih
			overlaps[i*k+j] = inter / (boxArea + queryArea - inter)
		}
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(n, k),
		tensor.WithBacking(overlaps),
	), nil
}
