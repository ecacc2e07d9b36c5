package rcnn

import (
	"github.com/Tsok-XYZ/tf-faster-rcnn/config"
	"github.com/Tsok-XYZ/tf-faster-rcnn/processing"
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Proposals are the boxes kept by ProposalLayer, best first. AnchorIndices
// holds the row of the shifted anchor array each box was decoded from.
type Proposals struct {
	Boxes         [][4]float32 `json:"boxes"`
	Scores        []float32    `json:"scores"`
	AnchorIndices []int        `json:"anchor_indices"`
}

func (p *Proposals) Len() int {
	return len(p.Boxes)
}

// FeatureSize returns the (height, width) of an NHWC network output.
func FeatureSize(out *tensor.Dense) (int, int, error) {
	shape := out.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return 0, 0, errors.Wrapf(processing.ErrInvalidShape, "expected (1, H, W, C), got %v", shape)
	}
	return shape[1], shape[2], nil
}

// ForegroundScores takes an NHWC (1, H, W, 2A) objectness tensor, whose first
// A channels are background and last A foreground probabilities, and returns
// the H*W*A foreground scores in shifted anchor order.
func ForegroundScores(clsProb *tensor.Dense, numAnchors int) ([]float32, error) {
	height, width, err := FeatureSize(clsProb)
	if err != nil {
		return nil, err
	}
	if numAnchors <= 0 || clsProb.Shape()[3] != 2*numAnchors {
		return nil, errors.Wrapf(processing.ErrInvalidShape, "expected %d channels, got %d", 2*numAnchors, clsProb.Shape()[3])
	}
	data, err := utils.Float32Vector(clsProb)
	if err != nil {
		return nil, errors.Wrap(processing.ErrInvalidShape, err.Error())
	}

	channels := 2 * numAnchors
	scores := make([]float32, 0, height*width*numAnchors)
	for cell := range height * width {
		scores = append(scores, data[cell*channels+numAnchors:(cell+1)*channels]...)
	}
	return scores, nil
}

// FlattenDeltas reshapes an NHWC (1, H, W, 4A) regression tensor into
// (H*W*A, 4) rows in shifted anchor order.
func FlattenDeltas(bboxPred *tensor.Dense, numAnchors int) (*tensor.Dense, error) {
	height, width, err := FeatureSize(bboxPred)
	if err != nil {
		return nil, err
	}
	if numAnchors <= 0 || bboxPred.Shape()[3] != 4*numAnchors {
		return nil, errors.Wrapf(processing.ErrInvalidShape, "expected %d channels, got %d", 4*numAnchors, bboxPred.Shape()[3])
	}
	data, err := utils.Float32Vector(bboxPred)
	if err != nil {
		return nil, errors.Wrap(processing.ErrInvalidShape, err.Error())
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(height*width*numAnchors, 4),
		tensor.WithBacking(append([]float32(nil), data...)),
	), nil
}

// ProposalLayer decodes every anchor with its regression deltas, clips the
// result to the image, and keeps the best scoring boxes after NMS. scores,
// deltas and anchors must all be in the same shifted anchor order.
func ProposalLayer(scores []float32, deltas, anchors *tensor.Dense, imgShape []int, params *config.ProposalParams) (*Proposals, error) {
	if params == nil {
		params = config.DefaultProposalParams()
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(processing.ErrInvalidParam, err.Error())
	}
	if anchors.Shape()[0] != len(scores) {
		return nil, errors.Wrapf(processing.ErrLengthMismatch, "%d anchors, %d scores", anchors.Shape()[0], len(scores))
	}

	proposals, err := processing.BBoxTransformInv(anchors, deltas)
	if err != nil {
		return nil, err
	}
	proposals, err = processing.ClipBoxes(proposals, imgShape)
	if err != nil {
		return nil, err
	}

	candidates, err := processing.FilterBoxes(proposals, params.MinSize)
	if err != nil {
		return nil, err
	}
	result := &Proposals{}
	if len(candidates) == 0 {
		return result, nil
	}

	candidateScores, err := utils.SelectValues(scores, candidates)
	if err != nil {
		return nil, err
	}
	order := utils.ArgSortDescending(candidateScores)
	if params.PreNMSTopN > 0 && len(order) > params.PreNMSTopN {
		order = order[:params.PreNMSTopN]
	}

	selected := make([]int, len(order))
	for i, o := range order {
		selected[i] = candidates[o]
	}
	sortedBoxes, err := utils.SelectRows2D(proposals, selected)
	if err != nil {
		return nil, err
	}
	boxes := sortedBoxes.Float32s()
	dets := make([]float32, 0, len(selected)*5)
	for i, idx := range selected {
		dets = append(dets, boxes[i*4:(i+1)*4]...)
		dets = append(dets, scores[idx])
	}

	keep, err := processing.NMS(tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(selected), 5),
		tensor.WithBacking(dets),
	), params.NMSThreshold)
	if err != nil {
		return nil, err
	}
	if params.PostNMSTopN > 0 && len(keep) > params.PostNMSTopN {
		keep = keep[:params.PostNMSTopN]
	}

	for _, k := range keep {
		var box [4]float32
		copy(box[:], dets[k*5:k*5+4])
		result.Boxes = append(result.Boxes, box)
		result.Scores = append(result.Scores, dets[k*5+4])
		result.AnchorIndices = append(result.AnchorIndices, selected[k])
	}
	return result, nil
}
