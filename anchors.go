package tf_faster_rcnn

import (
	"github.com/Tsok-XYZ/tf-faster-rcnn/config"
	"github.com/Tsok-XYZ/tf-faster-rcnn/processing"
	"github.com/Tsok-XYZ/tf-faster-rcnn/rcnn"
	"gorgonia.org/tensor"
)

// GenerateShiftAnchors returns every anchor of a featWidth x featHeight
// feature map with the given stride, as a (featWidth*featHeight*A, 4) float32
// tensor of (x1, y1, x2, y2) rows. Rows are grouped by grid cell (row-major),
// and within a cell follow the base anchor order (ratio-major, scale-minor).
// A nil params uses config.DefaultAnchorParams.
func GenerateShiftAnchors(featWidth, featHeight, featStride int, params *config.AnchorParams) (*tensor.Dense, error) {
	baseAnchors, err := processing.GenerateAnchors(params)
	if err != nil {
		return nil, err
	}
	return rcnn.ShiftAnchors(featWidth, featHeight, featStride, baseAnchors)
}

// AnchorsToBoxes converts an anchor tensor into plain (x1, y1, x2, y2) tuples.
func AnchorsToBoxes(anchors *tensor.Dense) ([][4]float32, error) {
	return processing.Boxes(anchors)
}
