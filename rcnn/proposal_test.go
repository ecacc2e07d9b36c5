package rcnn

import (
	"testing"

	"github.com/Tsok-XYZ/tf-faster-rcnn/config"
	"github.com/Tsok-XYZ/tf-faster-rcnn/processing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func zeroDeltas(n int) *tensor.Dense {
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(n, 4),
		tensor.WithBacking(make([]float32, n*4)),
	)
}

// Three 16x16 anchors side by side along x.
func rowAnchors(t *testing.T) *tensor.Dense {
	base, err := processing.GenerateAnchors(config.NewAnchorParams(16, []float32{1}, []float32{1}, config.RoundHalfToEven))
	require.NoError(t, err)
	anchors, err := ShiftAnchors(3, 1, 16, base)
	require.NoError(t, err)
	return anchors
}

func TestForegroundScores(t *testing.T) {
	clsProb := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, 1, 2, 4),
		tensor.WithBacking([]float32{
			0.9, 0.8, 0.1, 0.2,
			0.3, 0.4, 0.7, 0.6,
		}),
	)

	scores, err := ForegroundScores(clsProb, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.7, 0.6}, scores)

	_, err = ForegroundScores(clsProb, 3)
	assert.ErrorIs(t, err, processing.ErrInvalidShape)
}

func TestFlattenDeltas(t *testing.T) {
	backing := make([]float32, 16)
	for i := range backing {
		backing[i] = float32(i)
	}
	bboxPred := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, 2, 1, 8),
		tensor.WithBacking(backing),
	)

	deltas, err := FlattenDeltas(bboxPred, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, []int(deltas.Shape()))

	rows, err := processing.Boxes(deltas)
	require.NoError(t, err)
	assert.Equal(t, [4]float32{0, 1, 2, 3}, rows[0])
	assert.Equal(t, [4]float32{12, 13, 14, 15}, rows[3])

	_, err = FlattenDeltas(bboxPred, 1)
	assert.ErrorIs(t, err, processing.ErrInvalidShape)
}

func TestFeatureSize(t *testing.T) {
	out := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 38, 50, 18))
	h, w, err := FeatureSize(out)
	require.NoError(t, err)
	assert.Equal(t, 38, h)
	assert.Equal(t, 50, w)

	_, _, err = FeatureSize(tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(38, 50)))
	assert.ErrorIs(t, err, processing.ErrInvalidShape)
}

func TestProposalLayer(t *testing.T) {
	anchors := rowAnchors(t)
	scores := []float32{0.2, 0.9, 0.5}

	proposals, err := ProposalLayer(scores, zeroDeltas(3), anchors, []int{100, 100}, config.DefaultProposalParams())
	require.NoError(t, err)
	assert.Equal(t, 3, proposals.Len())
	assert.Equal(t, []int{1, 2, 0}, proposals.AnchorIndices)
	assert.Equal(t, []float32{0.9, 0.5, 0.2}, proposals.Scores)
	assert.Equal(t, [][4]float32{
		{16, 0, 32, 16},
		{32, 0, 48, 16},
		{0, 0, 16, 16},
	}, proposals.Boxes)
}

func TestProposalLayer_TopN(t *testing.T) {
	anchors := rowAnchors(t)
	scores := []float32{0.2, 0.9, 0.5}

	proposals, err := ProposalLayer(scores, zeroDeltas(3), anchors, []int{100, 100}, config.NewProposalParams(0, 2, 0.7, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, proposals.AnchorIndices)

	proposals, err = ProposalLayer(scores, zeroDeltas(3), anchors, []int{100, 100}, config.NewProposalParams(1, 0, 0.7, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, proposals.AnchorIndices)
}

func TestProposalLayer_Clip(t *testing.T) {
	anchors := rowAnchors(t)

	proposals, err := ProposalLayer([]float32{0.1, 0.2, 0.3}, zeroDeltas(3), anchors, []int{10, 40}, config.DefaultProposalParams())
	require.NoError(t, err)
	require.Equal(t, 3, proposals.Len())
	for _, b := range proposals.Boxes {
		assert.LessOrEqual(t, b[2], float32(39))
		assert.LessOrEqual(t, b[3], float32(9))
	}
}

func TestProposalLayer_Suppression(t *testing.T) {
	base := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(2, 4),
		tensor.WithBacking([]float32{0, 0, 15, 15, 0, 0, 15, 15}),
	)
	anchors, err := ShiftAnchors(1, 1, 16, base)
	require.NoError(t, err)

	proposals, err := ProposalLayer([]float32{0.3, 0.6}, zeroDeltas(2), anchors, []int{100, 100}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, proposals.AnchorIndices)
}

func TestProposalLayer_MinSize(t *testing.T) {
	anchors := rowAnchors(t)

	proposals, err := ProposalLayer([]float32{0.2, 0.9, 0.5}, zeroDeltas(3), anchors, []int{100, 100}, config.NewProposalParams(6000, 300, 0.7, 20))
	require.NoError(t, err)
	assert.Equal(t, 0, proposals.Len())
}

func TestProposalLayer_LengthMismatch(t *testing.T) {
	anchors := rowAnchors(t)

	_, err := ProposalLayer([]float32{0.2, 0.9}, zeroDeltas(3), anchors, []int{100, 100}, nil)
	assert.ErrorIs(t, err, processing.ErrLengthMismatch)

	_, err = ProposalLayer([]float32{0.2, 0.9, 0.5}, zeroDeltas(2), anchors, []int{100, 100}, nil)
	assert.ErrorIs(t, err, processing.ErrLengthMismatch)
}

func TestProposalLayer_InvalidParams(t *testing.T) {
	anchors := rowAnchors(t)

	_, err := ProposalLayer([]float32{0.2, 0.9, 0.5}, zeroDeltas(3), anchors, []int{100, 100}, config.NewProposalParams(10, 10, 1.5, 0))
	assert.ErrorIs(t, err, processing.ErrInvalidParam)
}
