package processing

import (
	"math"

	"github.com/Tsok-XYZ/tf-faster-rcnn/config"
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// GenerateAnchors enumerates the base anchor set for a reference window of
// BaseSize x BaseSize pixels at the origin. Rows are ordered ratio-major,
// scale-minor, which is the channel order the RPN heads are trained with.
func GenerateAnchors(params *config.AnchorParams) (*tensor.Dense, error) {
	if params == nil {
		params = config.DefaultAnchorParams()
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidParam, err.Error())
	}

	baseAnchor := []float32{0, 0, float32(params.BaseSize) - 1, float32(params.BaseSize) - 1}

	ratioAnchors, err := ratioEnum(baseAnchor, params.Ratios, params.Rounding)
	if err != nil {
		return nil, err
	}

	numRatios := ratioAnchors.Shape()[0]
	raw := ratioAnchors.Float32s()
	scaledAnchors := make([]*tensor.Dense, 0, numRatios)
	for i := range numRatios {
		scaled, err := scaleEnum(raw[i*4:(i+1)*4], params.Scales)
		if err != nil {
			return nil, err
		}
		scaledAnchors = append(scaledAnchors, scaled)
	}

	return utils.VStack(scaledAnchors)
}

// GenerateAnchorsFPN builds one base anchor set per pyramid level, in the
// order the levels were added. With denseAnchor set, every level also gets a
// copy of its anchors offset by half a stride.
func GenerateAnchorsFPN(denseAnchor bool, cfg *config.FPNAnchorParams) ([]*tensor.Dense, error) {
	if cfg == nil || cfg.Levels == nil || cfg.Levels.Len() == 0 {
		return nil, errors.Wrap(ErrInvalidParam, "no pyramid levels configured")
	}

	anchors := make([]*tensor.Dense, 0, cfg.Levels.Len())
	for el := cfg.Levels.Front(); el != nil; el = el.Next() {
		stride, params := el.Key, el.Value
		if stride <= 0 {
			return nil, errors.Wrapf(ErrInvalidParam, "stride must be positive, got %d", stride)
		}
		r, err := GenerateAnchors(params)
		if err != nil {
			return nil, errors.Wrapf(err, "stride %d", stride)
		}
		if denseAnchor {
			r, err = densify(r, stride)
			if err != nil {
				return nil, err
			}
		}
		anchors = append(anchors, r)
	}
	return anchors, nil
}

func densify(anchors *tensor.Dense, stride int) (*tensor.Dense, error) {
	if stride%2 != 0 {
		return nil, errors.Wrapf(ErrInvalidParam, "stride must be even number, got %d", stride)
	}
	shifted := anchors.Clone().(*tensor.Dense)
	half := float32(stride / 2)
	data := shifted.Float32s()
	for i := range data {
		data[i] += half
	}
	return utils.VStack([]*tensor.Dense{anchors, shifted})
}

// whctrs returns the width, height and center of an anchor.
func whctrs(anchor []float32) (float32, float32, float32, float32) {
	w := anchor[2] - anchor[0] + 1
	h := anchor[3] - anchor[1] + 1
	centerX := anchor[0] + 0.5*(w-1)
	centerY := anchor[1] + 0.5*(h-1)
	return w, h, centerX, centerY
}

// mkanchors centers one box of each (ws[i], hs[i]) size on (centerX, centerY).
func mkanchors(ws, hs []float32, centerX, centerY float32) (*tensor.Dense, error) {
	if len(ws) != len(hs) {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d widths, %d heights", len(ws), len(hs))
	}

	backing := make([]float32, 0, len(ws)*4)
	for i := range ws {
		halfW := 0.5 * (ws[i] - 1)
		halfH := 0.5 * (hs[i] - 1)
		backing = append(backing,
			centerX-halfW,
			centerY-halfH,
			centerX+halfW,
			centerY+halfH,
		)
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(ws), 4),
		tensor.WithBacking(backing),
	), nil
}

// ratioEnum keeps the anchor's area and varies its aspect ratio (h/w). The
// width is rounded first and the height derived from the rounded width.
func ratioEnum(anchor, ratios []float32, mode config.RoundingMode) (*tensor.Dense, error) {
	if err := checkBox(anchor); err != nil {
		return nil, err
	}
	if err := checkPositive("ratio", ratios); err != nil {
		return nil, err
	}

	w, h, centerX, centerY := whctrs(anchor)
	size := w * h

	ws := make([]float32, len(ratios))
	hs := make([]float32, len(ratios))
	for i, r := range ratios {
		sizeRatio := size / r
		ws[i] = round(math32.Sqrt(sizeRatio), mode)
		hs[i] = round(ws[i]*r, mode)
	}

	return mkanchors(ws, hs, centerX, centerY)
}

// scaleEnum keeps the anchor's shape and multiplies its size by each scale.
func scaleEnum(anchor, scales []float32) (*tensor.Dense, error) {
	if err := checkBox(anchor); err != nil {
		return nil, err
	}
	if err := checkPositive("scale", scales); err != nil {
		return nil, err
	}

	w, h, centerX, centerY := whctrs(anchor)

	ws := make([]float32, len(scales))
	hs := make([]float32, len(scales))
	for i, s := range scales {
		ws[i] = w * s
		hs[i] = h * s
	}

	return mkanchors(ws, hs, centerX, centerY)
}

func round(x float32, mode config.RoundingMode) float32 {
	if mode == config.RoundHalfAwayFromZero {
		return float32(math.Round(float64(x)))
	}
	return float32(math.RoundToEven(float64(x)))
}

func checkBox(box []float32) error {
	if len(box) != 4 {
		return errors.Wrapf(ErrInvalidBox, "expected 4 coordinates, got %d", len(box))
	}
	if box[2] < box[0] || box[3] < box[1] {
		return errors.Wrapf(ErrInvalidBox, "%v", box)
	}
	return nil
}

func checkPositive(name string, values []float32) error {
	if len(values) == 0 {
		return errors.Wrapf(ErrInvalidParam, "no %s values", name)
	}
	for _, v := range values {
		if !(v > 0) {
			return errors.Wrapf(ErrInvalidParam, "%s must be positive, got %v", name, v)
		}
	}
	return nil
}

// Boxes returns the rows of an (N, 4) float32 tensor.
func Boxes(t *tensor.Dense) ([][4]float32, error) {
	data, err := utils.Float32Rows(t, 4)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}
	boxes := make([][4]float32, len(data)/4)
	for i := range boxes {
		copy(boxes[i][:], data[i*4:(i+1)*4])
	}
	return boxes, nil
}
