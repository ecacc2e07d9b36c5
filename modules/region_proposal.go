package modules

import (
	"image"
	"math"

	"github.com/Tsok-XYZ/tf-faster-rcnn/config"
	"github.com/Tsok-XYZ/tf-faster-rcnn/processing"
	"github.com/Tsok-XYZ/tf-faster-rcnn/rcnn"
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/cyclopcam/logs"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

type RegionProposalOutput struct {
	Proposals   *rcnn.Proposals `json:"proposals"`
	FeatHeight  int             `json:"feat_height"`
	FeatWidth   int             `json:"feat_width"`
	AnchorCount int             `json:"anchor_count"`
	Scale       float64         `json:"scale"`
}

type RegionProposalClient struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelParams  *config.RegionProposalParams
	ModelConfig  *triton_proto.ModelConfigResponse
	log          logs.Log
	baseAnchors  *tensor.Dense
	numAnchors   int
}

func NewRegionProposalClient(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.RegionProposalParams, log logs.Log) (*RegionProposalClient, error) {
	if cfg == nil {
		cfg = config.DefaultRegionProposalParams()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := newRegionProposalClient(cfg, log)
	if err != nil {
		return nil, err
	}

	inferenceConfig, err := tritonClient.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, errors.Wrapf(err, "get model configuration for %s", cfg.ModelName)
	}
	client.tritonClient = tritonClient
	client.ModelConfig = inferenceConfig

	return client, nil
}

func newRegionProposalClient(cfg *config.RegionProposalParams, log logs.Log) (*RegionProposalClient, error) {
	baseAnchors, err := processing.GenerateAnchors(cfg.Anchor)
	if err != nil {
		return nil, err
	}
	log.Debugf("Region proposal model %v uses %v base anchors at stride %v", cfg.ModelName, baseAnchors.Shape()[0], cfg.FeatStride)

	return &RegionProposalClient{
		ModelParams: cfg,
		log:         log,
		baseAnchors: baseAnchors,
		numAnchors:  baseAnchors.Shape()[0],
	}, nil
}

// preprocess scales img so its short side matches ImageSize[1] without the
// long side exceeding ImageSize[0], then subtracts the BGR pixel means.
// It returns an NHWC (1, H, W, 3) tensor and the scale that was applied.
func (c *RegionProposalClient) preprocess(img gocv.Mat) (*tensor.Dense, float64, error) {
	if img.Empty() {
		return nil, 0, errors.New("empty image")
	}
	if img.Channels() != 3 {
		return nil, 0, errors.Errorf("expected a 3 channel BGR image, got %d channels", img.Channels())
	}

	imgShape := img.Size()
	shortSide := float64(min(imgShape[0], imgShape[1]))
	longSide := float64(max(imgShape[0], imgShape[1]))
	imScale := float64(c.ModelParams.ImageSize[1]) / shortSide
	if math.Round(imScale*longSide) > float64(c.ModelParams.ImageSize[0]) {
		imScale = float64(c.ModelParams.ImageSize[0]) / longSide
	}

	newHeight := int(math.Round(float64(imgShape[0]) * imScale))
	newWidth := int(math.Round(float64(imgShape[1]) * imScale))

	resizedImg := gocv.NewMat()
	defer resizedImg.Close()
	gocv.Resize(img, &resizedImg, image.Point{X: newWidth, Y: newHeight}, 0, 0, gocv.InterpolationLinear)

	means := c.ModelParams.PixelMeans
	backing := make([]float32, 0, newHeight*newWidth*3)
	for y := range newHeight {
		for x := range newWidth {
			px := resizedImg.GetVecbAt(y, x)
			for z := range 3 {
				backing = append(backing, float32(px[z])-means[z])
			}
		}
	}

	imgTensor := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, newHeight, newWidth, 3),
		tensor.WithBacking(backing),
	)
	return imgTensor, imScale, nil
}

// Infer runs the RPN on img and returns proposals in original image coordinates.
func (c *RegionProposalClient) Infer(img gocv.Mat) (*RegionProposalOutput, error) {
	imgTensor, imScale, err := c.preprocess(img)
	if err != nil {
		return nil, err
	}

	shape := imgTensor.Shape()
	modelRequest := &triton_proto.ModelInferRequest{
		ModelName: c.ModelParams.ModelName,
		Inputs: []*triton_proto.ModelInferRequest_InferInputTensor{
			{
				Name:     c.ModelParams.InputName,
				Datatype: "FP32",
				Shape:    []int64{int64(shape[0]), int64(shape[1]), int64(shape[2]), int64(shape[3])},
				Contents: &triton_proto.InferTensorContents{
					Fp32Contents: imgTensor.Float32s(),
				},
			},
		},
	}

	inferResp, err := c.tritonClient.ModelGRPCInfer(c.ModelParams.Timeout, modelRequest)
	if err != nil {
		return nil, errors.Wrapf(err, "infer %s", c.ModelParams.ModelName)
	}

	var clsProb, bboxPred *tensor.Dense
	for idx, out := range inferResp.Outputs {
		if idx >= len(inferResp.RawOutputContents) {
			break
		}
		outShape := make([]int, 0, len(out.Shape))
		for _, s := range out.Shape {
			outShape = append(outShape, int(s))
		}
		values, err := utils.BytesToFloat32s(inferResp.RawOutputContents[idx])
		if err != nil {
			return nil, errors.Wrapf(err, "output %s", out.Name)
		}
		outTensor := tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(outShape...),
			tensor.WithBacking(values),
		)

		switch out.Name {
		case c.ModelParams.ClsProbOutput:
			clsProb = outTensor
		case c.ModelParams.BBoxPredOutput:
			bboxPred = outTensor
		}
	}
	if clsProb == nil || bboxPred == nil {
		return nil, errors.Errorf("model %s did not return %s and %s", c.ModelParams.ModelName, c.ModelParams.ClsProbOutput, c.ModelParams.BBoxPredOutput)
	}

	return c.postprocess(clsProb, bboxPred, []int{shape[1], shape[2]}, imScale)
}

// postprocess tiles anchors over the returned feature map and turns the RPN
// outputs into proposals, scaled back by 1/imScale.
func (c *RegionProposalClient) postprocess(clsProb, bboxPred *tensor.Dense, imgShape []int, imScale float64) (*RegionProposalOutput, error) {
	featHeight, featWidth, err := rcnn.FeatureSize(bboxPred)
	if err != nil {
		return nil, err
	}

	anchors, err := rcnn.ShiftAnchors(featWidth, featHeight, c.ModelParams.FeatStride, c.baseAnchors)
	if err != nil {
		return nil, err
	}

	scores, err := rcnn.ForegroundScores(clsProb, c.numAnchors)
	if err != nil {
		return nil, errors.Wrap(err, c.ModelParams.ClsProbOutput)
	}
	deltas, err := rcnn.FlattenDeltas(bboxPred, c.numAnchors)
	if err != nil {
		return nil, errors.Wrap(err, c.ModelParams.BBoxPredOutput)
	}

	proposals, err := rcnn.ProposalLayer(scores, deltas, anchors, imgShape, c.ModelParams.Proposal)
	if err != nil {
		return nil, err
	}

	if imScale > 0 && imScale != 1 {
		inv := float32(1 / imScale)
		for i := range proposals.Boxes {
			for j := range proposals.Boxes[i] {
				proposals.Boxes[i][j] *= inv
			}
		}
	}

	c.log.Debugf("%v: %vx%v feature map, %v anchors, %v proposals", c.ModelParams.ModelName, featHeight, featWidth, anchors.Shape()[0], proposals.Len())

	return &RegionProposalOutput{
		Proposals:   proposals,
		FeatHeight:  featHeight,
		FeatWidth:   featWidth,
		AnchorCount: anchors.Shape()[0],
		Scale:       imScale,
	}, nil
}
