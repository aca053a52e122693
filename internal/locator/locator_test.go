package locator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/liveswap/internal/frame"
)

func box(x1, y1, x2, y2 float32) frame.BoundingBox {
	return frame.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func TestIOU(t *testing.T) {
	a := box(0, 0, 10, 10)

	assert.InDelta(t, 1.0, iou(a, a), 1e-6)
	assert.Zero(t, iou(a, box(20, 20, 30, 30)))

	// Half overlap: intersection 50, union 150
	got := iou(a, box(5, 0, 15, 10))
	assert.InDelta(t, 50.0/150.0, got, 1e-6)
}

func TestSuppressKeepsHighestScore(t *testing.T) {
	regions := []frame.FaceRegion{
		{Box: box(0, 0, 10, 10), Score: 0.6},
		{Box: box(1, 1, 11, 11), Score: 0.9},
		{Box: box(100, 100, 120, 120), Score: 0.5},
	}

	kept := suppress(regions, 0.4)
	require.Len(t, kept, 2)
	assert.InDelta(t, 0.9, float64(kept[0].Score), 1e-6)
	assert.InDelta(t, 0.5, float64(kept[1].Score), 1e-6)
}

func TestSuppressEmpty(t *testing.T) {
	assert.Empty(t, suppress(nil, 0.4))
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, float64(sigmoid(0)), 1e-6)
	assert.Greater(t, sigmoid(10), float32(0.99))
	assert.Less(t, sigmoid(-10), float32(0.01))
}

func TestDecodeRegions(t *testing.T) {
	// One feature level: stride 8 on a 32px input -> 4x4 anchors, 1 per cell.
	const inputSize = 32
	const fm = 4

	scores := make([]float32, fm*fm)
	bboxes := make([]float32, fm*fm*4)
	kps := make([]float32, fm*fm*10)

	// Activate anchor at cell (1, 2): index = y*fm + x = 2*4 + 1 = 9
	const idx = 9
	scores[idx] = 10 // sigmoid ≈ 1
	// Distances to edges, in stride units: 1 left/top, 1 right/bottom
	bboxes[idx*4+0] = 1
	bboxes[idx*4+1] = 1
	bboxes[idx*4+2] = 1
	bboxes[idx*4+3] = 1
	// Nose keypoint at the anchor center, the rest offset by one stride
	for k := 0; k < 5; k++ {
		kps[idx*10+k*2] = 0
		kps[idx*10+k*2+1] = 0
	}

	levels := []levelOutput{{stride: 8, scores: scores, bboxes: bboxes, kps: kps}}
	regions := decodeRegions(levels, inputSize, 1, 0.5, 1.0, 64, 64)

	require.Len(t, regions, 1)
	r := regions[0]

	// Anchor center: ((1+0.5)*8, (2+0.5)*8) = (12, 20); box extends 8px out.
	assert.InDelta(t, 4.0, float64(r.Box.X1), 1e-4)
	assert.InDelta(t, 12.0, float64(r.Box.Y1), 1e-4)
	assert.InDelta(t, 20.0, float64(r.Box.X2), 1e-4)
	assert.InDelta(t, 28.0, float64(r.Box.Y2), 1e-4)
	assert.InDelta(t, 12.0, float64(r.Landmarks.Nose.X), 1e-4)
	assert.InDelta(t, 20.0, float64(r.Landmarks.Nose.Y), 1e-4)
	assert.Greater(t, r.Score, float32(0.99))
}

func TestDecodeRegionsClampsToImageBounds(t *testing.T) {
	const inputSize = 32
	const fm = 4

	scores := make([]float32, fm*fm)
	bboxes := make([]float32, fm*fm*4)
	kps := make([]float32, fm*fm*10)

	scores[0] = 10
	// Huge box around cell (0,0): extends far past the image on every side
	bboxes[0], bboxes[1], bboxes[2], bboxes[3] = 100, 100, 100, 100

	levels := []levelOutput{{stride: 8, scores: scores, bboxes: bboxes, kps: kps}}
	regions := decodeRegions(levels, inputSize, 1, 0.5, 1.0, 64, 48)

	require.Len(t, regions, 1)
	r := regions[0]
	assert.Zero(t, r.Box.X1)
	assert.Zero(t, r.Box.Y1)
	assert.InDelta(t, 64.0, float64(r.Box.X2), 1e-4)
	assert.InDelta(t, 48.0, float64(r.Box.Y2), 1e-4)
}

func TestDecodeRegionsBelowThreshold(t *testing.T) {
	const fm = 4
	levels := []levelOutput{{
		stride: 8,
		scores: make([]float32, fm*fm), // sigmoid(0) = 0.5, below 0.6
		bboxes: make([]float32, fm*fm*4),
		kps:    make([]float32, fm*fm*10),
	}}

	regions := decodeRegions(levels, 32, 1, 0.6, 1.0, 64, 64)
	assert.Empty(t, regions)
}
