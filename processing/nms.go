package processing

import (
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// NMS runs greedy non-maximum suppression over dets, an (N, 5) tensor of
// (x1, y1, x2, y2, score) rows. It returns the indices of the kept rows,
// highest score first.
func NMS(dets *tensor.Dense, threshold float32) ([]int, error) {
	data, err := utils.Float32Rows(dets, 5)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}

	n := len(data) / 5
	x1 := make([]float32, n)
	y1 := make([]float32, n)
	x2 := make([]float32, n)
	y2 := make([]float32, n)
	scores := make([]float32, n)
	areas := make([]float32, n)
	for i := range n {
		x1[i], y1[i], x2[i], y2[i], scores[i] = data[i*5+0], data[i*5+1], data[i*5+2], data[i*5+3], data[i*5+4]
		areas[i] = (x2[i] - x1[i] + 1) * (y2[i] - y1[i] + 1)
	}

	order := utils.ArgSortDescending(scores)
	suppressed := make([]bool, n)
	keep := make([]int, 0, n)

	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)

		for _, j := range order {
			if suppressed[j] || j == i {
				continue
			}
			xx1 := math32.Max(x1[i], x1[j])
			yy1 := math32.Max(y1[i], y1[j])
			xx2 := math32.Min(x2[i], x2[j])
			yy2 := math32.Min(y2[i], y2[j])

			w := math32.Max(0, xx2-xx1+1)
			h := math32.Max(0, yy2-yy1+1)
			inter := w * h
			ovr := inter / (areas[i] + areas[j] - inter)
			if ovr > threshold {
				suppressed[j] = true
			}
		}
		suppressed[i] = true
	}

	return keep, nil
}
