package modules

import (
	"os"
	"testing"

	"github.com/Tsok-XYZ/tf-faster-rcnn/config"
	"github.com/Tsok-XYZ/tf-faster-rcnn/processing"
	"github.com/Tsok-XYZ/tf-faster-rcnn/utils"
	"github.com/cyclopcam/logs"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"gorgonia.org/tensor"
)

func tritonTestURL(t *testing.T) string {
	url := os.Getenv("TRITON_TEST_URL")
	if url == "" {
		t.Skip("TRITON_TEST_URL not set")
	}
	return url
}

func singleAnchorParams() *config.RegionProposalParams {
	cfg := config.DefaultRegionProposalParams()
	cfg.Anchor = config.NewAnchorParams(16, []float32{1}, []float32{1}, config.RoundHalfToEven)
	return cfg
}

func TestRegionProposalClient_Postprocess(t *testing.T) {
	client, err := newRegionProposalClient(singleAnchorParams(), logs.NewTestingLog(t))
	require.NoError(t, err)

	clsProb := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, 1, 3, 2),
		tensor.WithBacking([]float32{0.8, 0.2, 0.1, 0.9, 0.5, 0.5}),
	)
	bboxPred := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, 1, 3, 4),
		tensor.WithBacking(make([]float32, 12)),
	)

	out, err := client.postprocess(clsProb, bboxPred, []int{100, 100}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, out.FeatHeight)
	assert.Equal(t, 3, out.FeatWidth)
	assert.Equal(t, 3, out.AnchorCount)
	assert.Equal(t, []int{1, 2, 0}, out.Proposals.AnchorIndices)
	assert.Equal(t, [][4]float32{
		{8, 0, 16, 8},
		{16, 0, 24, 8},
		{0, 0, 8, 8},
	}, out.Proposals.Boxes)
}

func TestRegionProposalClient_PostprocessChannelMismatch(t *testing.T) {
	client, err := newRegionProposalClient(config.DefaultRegionProposalParams(), logs.NewTestingLog(t))
	require.NoError(t, err)

	// 9 base anchors need 18 objectness channels
	clsProb := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 2, 2, 4))
	bboxPred := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 2, 2, 36))

	_, err = client.postprocess(clsProb, bboxPred, []int{32, 32}, 1)
	assert.ErrorIs(t, err, processing.ErrInvalidShape)
}

func TestNewRegionProposalClient_InvalidAnchors(t *testing.T) {
	cfg := config.DefaultRegionProposalParams()
	cfg.Anchor.Scales = []float32{8, 0}

	_, err := newRegionProposalClient(cfg, logs.NewTestingLog(t))
	assert.ErrorIs(t, err, processing.ErrInvalidParam)
}

func TestRegionProposalClient_Preprocess(t *testing.T) {
	client, err := newRegionProposalClient(config.DefaultRegionProposalParams(), logs.NewTestingLog(t))
	require.NoError(t, err)

	img := gocv.NewMatWithSizesWithScalar([]int{300, 500}, gocv.MatTypeCV8UC3, gocv.NewScalar(110, 120, 130, 0))
	defer img.Close()

	imgTensor, imScale, err := client.preprocess(img)
	require.NoError(t, err)
	assert.Equal(t, 2.0, imScale)
	assert.Equal(t, []int{1, 600, 1000, 3}, []int(imgTensor.Shape()))

	data := imgTensor.Float32s()
	assert.InDelta(t, 110-102.9801, data[0], 1e-3)
	assert.InDelta(t, 120-115.9465, data[1], 1e-3)
	assert.InDelta(t, 130-122.7717, data[2], 1e-3)
}

func TestRegionProposalClient_PreprocessLongSideCap(t *testing.T) {
	client, err := newRegionProposalClient(config.DefaultRegionProposalParams(), logs.NewTestingLog(t))
	require.NoError(t, err)

	img := gocv.NewMatWithSizesWithScalar([]int{100, 400}, gocv.MatTypeCV8UC3, gocv.NewScalar(0, 0, 0, 0))
	defer img.Close()

	imgTensor, imScale, err := client.preprocess(img)
	require.NoError(t, err)
	assert.Equal(t, 2.5, imScale)
	assert.Equal(t, []int{1, 250, 1000, 3}, []int(imgTensor.Shape()))
}

func TestRegionProposalClient_Infer(t *testing.T) {
	url := tritonTestURL(t)

	tritonClient, err := gotritonclient.NewTritonGRPCClient(
		url,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	)
	require.NoError(t, err)

	client, err := NewRegionProposalClient(tritonClient, nil, logs.NewTestingLog(t))
	require.NoError(t, err)

	raw, err := os.ReadFile("../test_data/sample.jpg")
	if err != nil {
		t.Skip("test_data/sample.jpg not available")
	}
	img, err := utils.ImageToOpenCV(raw)
	require.NoError(t, err)
	defer img.Close()

	out, err := client.Infer(*img)
	require.NoError(t, err)
	assert.LessOrEqual(t, out.Proposals.Len(), client.ModelParams.Proposal.PostNMSTopN)
	assert.Equal(t, out.FeatHeight*out.FeatWidth*9, out.AnchorCount)
}
