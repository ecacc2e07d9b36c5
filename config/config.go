package config

import (
	"fmt"
	"os"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RoundingMode selects how ratio-derived anchor widths and heights are rounded.
type RoundingMode int

const (
	// RoundHalfToEven matches numpy's round, which the reference anchors were produced with.
	RoundHalfToEven RoundingMode = iota
	RoundHalfAwayFromZero
)

var RoundingModeMapper = map[RoundingMode]string{
	RoundHalfToEven:       "half_to_even",
	RoundHalfAwayFromZero: "half_away_from_zero",
}

func (m RoundingMode) String() string {
	if s, ok := RoundingModeMapper[m]; ok {
		return s
	}
	return fmt.Sprintf("RoundingMode(%d)", int(m))
}

func (m RoundingMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

func (m *RoundingMode) UnmarshalYAML(value *yaml.Node) error {
	for k, v := range RoundingModeMapper {
		if v == value.Value {
			*m = k
			return nil
		}
	}
	return fmt.Errorf("unknown rounding mode %q", value.Value)
}

type AnchorParams struct {
	BaseSize int          `json:"base_size" yaml:"base_size"`
	Ratios   []float32    `json:"ratios" yaml:"ratios"`
	Scales   []float32    `json:"scales" yaml:"scales"`
	Rounding RoundingMode `json:"rounding" yaml:"rounding"`
}

// DefaultAnchorParams returns the standard Faster R-CNN anchor setup. Each call
// returns a fresh value so callers may modify it freely.
func DefaultAnchorParams() *AnchorParams {
	return &AnchorParams{
		BaseSize: 16,
		Ratios:   []float32{0.5, 1, 2},
		Scales:   []float32{8, 16, 32},
		Rounding: RoundHalfToEven,
	}
}

func NewAnchorParams(baseSize int, ratios, scales []float32, rounding RoundingMode) *AnchorParams {
	return &AnchorParams{
		BaseSize: baseSize,
		Ratios:   append([]float32(nil), ratios...),
		Scales:   append([]float32(nil), scales...),
		Rounding: rounding,
	}
}

// NumAnchors is the size of the base anchor set.
func (p *AnchorParams) NumAnchors() int {
	return len(p.Ratios) * len(p.Scales)
}

func (p *AnchorParams) Validate() error {
	if p.BaseSize <= 0 {
		return errors.Errorf("base size must be positive, got %d", p.BaseSize)
	}
	if len(p.Ratios) == 0 {
		return errors.New("at least one ratio is required")
	}
	if len(p.Scales) == 0 {
		return errors.New("at least one scale is required")
	}
	for _, r := range p.Ratios {
		if !(r > 0) {
			return errors.Errorf("ratios must be positive, got %v", r)
		}
	}
	for _, s := range p.Scales {
		if !(s > 0) {
			return errors.Errorf("scales must be positive, got %v", s)
		}
	}
	if _, ok := RoundingModeMapper[p.Rounding]; !ok {
		return errors.Errorf("unknown rounding mode %d", int(p.Rounding))
	}
	return nil
}

// FPNAnchorParams maps a feature stride to the anchors generated at that level.
// Insertion order is the order levels are generated in.
type FPNAnchorParams struct {
	Levels *orderedmap.OrderedMap[int, *AnchorParams]
}

func NewFPNAnchorParams() *FPNAnchorParams {
	return &FPNAnchorParams{
		Levels: orderedmap.NewOrderedMap[int, *AnchorParams](),
	}
}

func (p *FPNAnchorParams) Add(stride int, params *AnchorParams) *FPNAnchorParams {
	p.Levels.Set(stride, params)
	return p
}

// DefaultRetinaFPNAnchorParams is the three level setup RetinaFace style detectors use.
func DefaultRetinaFPNAnchorParams() *FPNAnchorParams {
	ratio := []float32{1.0}
	return NewFPNAnchorParams().
		Add(32, NewAnchorParams(16, ratio, []float32{32, 16}, RoundHalfToEven)).
		Add(16, NewAnchorParams(16, ratio, []float32{8, 4}, RoundHalfToEven)).
		Add(8, NewAnchorParams(16, ratio, []float32{2, 1}, RoundHalfToEven))
}

type ProposalParams struct {
	PreNMSTopN   int     `json:"pre_nms_top_n" yaml:"pre_nms_top_n"`
	PostNMSTopN  int     `json:"post_nms_top_n" yaml:"post_nms_top_n"`
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold"`
	MinSize      float32 `json:"min_size" yaml:"min_size"`
}

func DefaultProposalParams() *ProposalParams {
	return &ProposalParams{
		PreNMSTopN:   6000,
		PostNMSTopN:  300,
		NMSThreshold: 0.7,
		MinSize:      0,
	}
}

func NewProposalParams(preNMSTopN, postNMSTopN int, nmsThreshold, minSize float32) *ProposalParams {
	return &ProposalParams{
		PreNMSTopN:   preNMSTopN,
		PostNMSTopN:  postNMSTopN,
		NMSThreshold: nmsThreshold,
		MinSize:      minSize,
	}
}

func (p *ProposalParams) Validate() error {
	if p.NMSThreshold < 0 || p.NMSThreshold > 1 {
		return errors.Errorf("nms threshold must be in [0, 1], got %v", p.NMSThreshold)
	}
	if p.MinSize < 0 {
		return errors.Errorf("min size must not be negative, got %v", p.MinSize)
	}
	return nil
}

type RegionProposalParams struct {
	ModelName      string          `json:"model_name" yaml:"model_name"`
	Timeout        time.Duration   `json:"timeout" yaml:"timeout"`
	ImageSize      [2]int          `json:"image_size" yaml:"image_size"`
	FeatStride     int             `json:"feat_stride" yaml:"feat_stride"`
	PixelMeans     []float32       `json:"pixel_means" yaml:"pixel_means"`
	InputName      string          `json:"input_name" yaml:"input_name"`
	ClsProbOutput  string          `json:"cls_prob_output" yaml:"cls_prob_output"`
	BBoxPredOutput string          `json:"bbox_pred_output" yaml:"bbox_pred_output"`
	Anchor         *AnchorParams   `json:"anchor" yaml:"anchor"`
	Proposal       *ProposalParams `json:"proposal" yaml:"proposal"`
}

func DefaultRegionProposalParams() *RegionProposalParams {
	return &RegionProposalParams{
		ModelName:      "faster_rcnn_rpn",
		Timeout:        20 * time.Second,
		ImageSize:      [2]int{1000, 600},
		FeatStride:     16,
		PixelMeans:     []float32{102.9801, 115.9465, 122.7717},
		InputName:      "image",
		ClsProbOutput:  "rpn_cls_prob",
		BBoxPredOutput: "rpn_bbox_pred",
		Anchor:         DefaultAnchorParams(),
		Proposal:       DefaultProposalParams(),
	}
}

func (p *RegionProposalParams) Validate() error {
	if p.ModelName == "" {
		return errors.New("model name is required")
	}
	if p.ImageSize[0] <= 0 || p.ImageSize[1] <= 0 {
		return errors.Errorf("image size must be positive, got %v", p.ImageSize)
	}
	if p.FeatStride <= 0 {
		return errors.Errorf("feature stride must be positive, got %d", p.FeatStride)
	}
	if len(p.PixelMeans) != 3 {
		return errors.Errorf("expected 3 pixel means, got %d", len(p.PixelMeans))
	}
	if p.Anchor == nil || p.Proposal == nil {
		return errors.New("anchor and proposal params are required")
	}
	if err := p.Anchor.Validate(); err != nil {
		return errors.Wrap(err, "anchor")
	}
	if err := p.Proposal.Validate(); err != nil {
		return errors.Wrap(err, "proposal")
	}
	return nil
}

// LoadAnchorParams reads a YAML file on top of DefaultAnchorParams.
func LoadAnchorParams(path string) (*AnchorParams, error) {
	params := DefaultAnchorParams()
	if err := loadYAML(path, params); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid anchor config %s", path)
	}
	return params, nil
}

// LoadRegionProposalParams reads a YAML file on top of DefaultRegionProposalParams.
func LoadRegionProposalParams(path string) (*RegionProposalParams, error) {
	params := DefaultRegionProposalParams()
	if err := loadYAML(path, params); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid region proposal config %s", path)
	}
	return params, nil
}

func loadYAML(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err = yaml.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}
