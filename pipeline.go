package tf_faster_rcnn

import (
	"image/color"

	"github.com/Tsok-XYZ/tf-faster-rcnn/config"
	"github.com/Tsok-XYZ/tf-faster-rcnn/modules"
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/cyclopcam/logs"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

type ProposalResult struct {
	Boxes       [][4]float32 `json:"boxes"`
	Scores      []float32    `json:"scores"`
	AnchorCount int          `json:"anchor_count"`
	FeatSize    [2]int       `json:"feat_size"`
}

type ProposalPipeline struct {
	log            logs.Log
	regionProposal *modules.RegionProposalClient
}

// NewProposalPipeline initializes a region proposal pipeline backed by Triton.
// A nil cfg uses config.DefaultRegionProposalParams.
func NewProposalPipeline(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.RegionProposalParams, log logs.Log) (*ProposalPipeline, error) {
	regionProposal, err := modules.NewRegionProposalClient(tritonClient, cfg, log)
	if err != nil {
		return nil, err
	}
	return &ProposalPipeline{
		log:            log,
		regionProposal: regionProposal,
	}, nil
}

func (c *ProposalPipeline) Propose(img gocv.Mat) (*ProposalResult, error) {
	out, err := c.regionProposal.Infer(img)
	if err != nil {
		return nil, err
	}
	c.log.Infof("%v proposals from %v anchors on a %vx%v feature map", out.Proposals.Len(), out.AnchorCount, out.FeatHeight, out.FeatWidth)

	return &ProposalResult{
		Boxes:       out.Proposals.Boxes,
		Scores:      out.Proposals.Scores,
		AnchorCount: out.AnchorCount,
		FeatSize:    [2]int{out.FeatHeight, out.FeatWidth},
	}, nil
}

// SaveVisualization draws the top n proposals of res onto a copy of img and
// writes it to path.
func (c *ProposalPipeline) SaveVisualization(img gocv.Mat, res *ProposalResult, n int, path string) error {
	canvas := img.Clone()
	defer canvas.Close()

	boxes := res.Boxes
	if n > 0 && len(boxes) > n {
		boxes = boxes[:n]
	}
	utils.DrawBoxes(&canvas, boxes, color.RGBA{R: 0, G: 255, B: 0, A: 255}, 2)
	if !gocv.IMWrite(path, canvas) {
		return errors.Errorf("failed to write %s", path)
	}
	return nil
}
