package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/liveswap/internal/frame"
)

func testConfig() Config {
	return Config{
		CropSize:       128,
		DetectEveryN:   4,
		LossThreshold:  2,
		SmoothingAlpha: 0.5,
		MinScore:       0.5,
		MaxJumpRatio:   0.3,
	}
}

func region(cx, cy float32, score float32) frame.FaceRegion {
	return frame.FaceRegion{
		Box: frame.BoundingBox{X1: cx - 50, Y1: cy - 50, X2: cx + 50, Y2: cy + 50},
		Landmarks: frame.Landmarks{
			LeftEye:    frame.Point{X: cx - 20, Y: cy - 15},
			RightEye:   frame.Point{X: cx + 20, Y: cy - 15},
			Nose:       frame.Point{X: cx, Y: cy},
			LeftMouth:  frame.Point{X: cx - 15, Y: cy + 25},
			RightMouth: frame.Point{X: cx + 15, Y: cy + 25},
		},
		Score: score,
	}
}

func TestAcquireTrack(t *testing.T) {
	tr := New(testConfig(), nil)
	require.True(t, tr.NeedsDetection())

	_, ok := tr.advance([]frame.FaceRegion{region(300, 200, 0.9)}, true, 1, 1280)
	require.True(t, ok)
	require.NotNil(t, tr.State())
	assert.Equal(t, uint64(1), tr.State().LastSeenSeq)
	assert.False(t, tr.NeedsDetection())
}

func TestPicksHighestScoreOnAcquire(t *testing.T) {
	tr := New(testConfig(), nil)

	lm, ok := tr.advance([]frame.FaceRegion{
		region(100, 100, 0.6),
		region(500, 300, 0.95),
	}, true, 1, 1280)
	require.True(t, ok)
	assert.InDelta(t, 500.0, float64(lm.Nose.X), 1e-4)
}

func TestLowScoreIgnored(t *testing.T) {
	tr := New(testConfig(), nil)

	_, ok := tr.advance([]frame.FaceRegion{region(300, 200, 0.2)}, true, 1, 1280)
	assert.False(t, ok)
	assert.Nil(t, tr.State())
}

func TestEMASmoothing(t *testing.T) {
	tr := New(testConfig(), nil)

	_, ok := tr.advance([]frame.FaceRegion{region(100, 100, 0.9)}, true, 1, 1280)
	require.True(t, ok)

	// New observation at x=200; alpha 0.5 -> smoothed nose x = 150
	lm, ok := tr.advance([]frame.FaceRegion{region(200, 100, 0.9)}, true, 2, 1280)
	require.True(t, ok)
	assert.InDelta(t, 150.0, float64(lm.Nose.X), 1e-3)
}

func TestDutyCycle(t *testing.T) {
	cfg := testConfig()
	tr := New(cfg, nil)

	_, ok := tr.advance([]frame.FaceRegion{region(300, 200, 0.9)}, true, 1, 1280)
	require.True(t, ok)

	// Tracked frames advance the since-detect counter until the duty cycle
	// asks for a fresh detection.
	for i := 0; i < cfg.DetectEveryN-1; i++ {
		assert.False(t, tr.NeedsDetection())
		_, ok := tr.advance(nil, false, uint64(2+i), 1280)
		require.True(t, ok)
	}
	assert.True(t, tr.NeedsDetection())
}

func TestTrackedFramesReuseState(t *testing.T) {
	tr := New(testConfig(), nil)

	first, ok := tr.advance([]frame.FaceRegion{region(300, 200, 0.9)}, true, 1, 1280)
	require.True(t, ok)

	carried, ok := tr.advance(nil, false, 2, 1280)
	require.True(t, ok)
	assert.Equal(t, first, carried)
	assert.Equal(t, uint64(2), tr.State().LastSeenSeq)
}

func TestEmptyDetectionPassesThroughKeepsState(t *testing.T) {
	cfg := testConfig() // LossThreshold = 2
	tr := New(cfg, nil)

	_, ok := tr.advance([]frame.FaceRegion{region(300, 200, 0.9)}, true, 1, 1280)
	require.True(t, ok)

	// An empty detection means no face on this frame: no crop is emitted,
	// but the state survives for re-acquisition.
	_, ok = tr.advance(nil, true, 2, 1280)
	assert.False(t, ok)
	require.NotNil(t, tr.State())
	assert.Equal(t, 1, tr.State().MissedFrames)
	assert.True(t, tr.NeedsDetection())

	_, ok = tr.advance(nil, true, 3, 1280)
	assert.False(t, ok)
	require.NotNil(t, tr.State())

	// Third miss exceeds the threshold: track dropped.
	_, ok = tr.advance(nil, true, 4, 1280)
	assert.False(t, ok)
	assert.Nil(t, tr.State())
}

func TestReacquireAfterShortMiss(t *testing.T) {
	tr := New(testConfig(), nil)

	_, ok := tr.advance([]frame.FaceRegion{region(300, 200, 0.9)}, true, 1, 1280)
	require.True(t, ok)

	_, ok = tr.advance(nil, true, 2, 1280)
	assert.False(t, ok)

	// The face returns before the loss threshold: the surviving state picks
	// it up as the same track, smoothing against the old landmarks.
	lm, ok := tr.advance([]frame.FaceRegion{region(320, 200, 0.9)}, true, 3, 1280)
	require.True(t, ok)
	assert.Equal(t, 0, tr.State().MissedFrames)
	assert.InDelta(t, 310.0, float64(lm.Nose.X), 1e-3) // alpha 0.5 between 300 and 320
}

func TestFaceDisappearanceSequence(t *testing.T) {
	cfg := testConfig()
	cfg.DetectEveryN = 1 // detect every frame
	tr := New(cfg, nil)

	// Face present for the first 50 frames, absent for the next 50: every
	// faceless frame must come back no-face so the compositor passes it
	// through untouched.
	for seq := uint64(1); seq <= 100; seq++ {
		var regions []frame.FaceRegion
		detect := tr.NeedsDetection()
		if detect && seq <= 50 {
			regions = []frame.FaceRegion{region(300, 200, 0.9)}
		}
		_, ok := tr.advance(regions, detect, seq, 1280)
		if seq <= 50 {
			assert.True(t, ok, "frame %d should produce a crop", seq)
		} else {
			assert.False(t, ok, "frame %d should pass through", seq)
		}
	}
	assert.Nil(t, tr.State())
}

func TestStaleCarryBoundedByDutyCycle(t *testing.T) {
	cfg := testConfig() // DetectEveryN = 4
	tr := New(cfg, nil)

	var lastCrop uint64
	for seq := uint64(1); seq <= 30; seq++ {
		var regions []frame.FaceRegion
		detect := tr.NeedsDetection()
		if detect && seq <= 10 {
			regions = []frame.FaceRegion{region(300, 200, 0.9)}
		}
		if _, ok := tr.advance(regions, detect, seq, 1280); ok {
			lastCrop = seq
		}
	}

	// Once the face leaves, only the tracked frames until the next scheduled
	// detection may still reuse the smoothed state; the first empty detection
	// turns the stream into pass-through.
	assert.LessOrEqual(t, lastCrop, uint64(10+cfg.DetectEveryN-1))
	assert.Nil(t, tr.State())
}

func TestSpatialJumpRejected(t *testing.T) {
	tr := New(testConfig(), nil)

	_, ok := tr.advance([]frame.FaceRegion{region(100, 100, 0.9)}, true, 1, 1280)
	require.True(t, ok)

	// A detection across the frame (jump > 0.3*1280) belongs to someone else;
	// it counts as a miss for this track.
	_, ok = tr.advance([]frame.FaceRegion{region(1200, 600, 0.9)}, true, 2, 1280)
	assert.True(t, ok) // carried forward, not switched
	assert.InDelta(t, 100.0, float64(tr.State().Landmarks.Nose.X), 1e-3)
	assert.Equal(t, 1, tr.State().MissedFrames)
}

func TestResetDropsState(t *testing.T) {
	tr := New(testConfig(), nil)
	_, ok := tr.advance([]frame.FaceRegion{region(300, 200, 0.9)}, true, 1, 1280)
	require.True(t, ok)

	tr.Reset()
	assert.Nil(t, tr.State())
	assert.True(t, tr.NeedsDetection())
}

func TestAlignTransformInvertible(t *testing.T) {
	lm := region(300, 200, 0.9).Landmarks

	fwd, err := AlignTransform(lm, 128)
	require.NoError(t, err)

	inv, ok := fwd.Invert()
	require.True(t, ok)

	// Round trip through crop space recovers frame coordinates.
	x, y := fwd.Apply(float64(lm.Nose.X), float64(lm.Nose.Y))
	bx, by := inv.Apply(x, y)
	assert.InDelta(t, float64(lm.Nose.X), bx, 1e-6)
	assert.InDelta(t, float64(lm.Nose.Y), by, 1e-6)
}

func TestAlignTransformDegenerateLandmarks(t *testing.T) {
	var lm frame.Landmarks // all points at the origin
	_, err := AlignTransform(lm, 128)
	assert.Error(t, err)
}
