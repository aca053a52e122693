package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	id := Identity()
	x, y := id.Apply(3.5, -7.25)
	assert.Equal(t, 3.5, x)
	assert.Equal(t, -7.25, y)
}

func TestInvertRoundTrip(t *testing.T) {
	// rotation by 30°, scale 1.7, translation (40, -12)
	theta := math.Pi / 6
	s := 1.7
	fwd := Affine{
		A: s * math.Cos(theta), B: -s * math.Sin(theta), Tx: 40,
		C: s * math.Sin(theta), D: s * math.Cos(theta), Ty: -12,
	}

	inv, ok := fwd.Invert()
	require.True(t, ok)

	pts := []Point2{{0, 0}, {100, 0}, {37.5, 81.2}, {-20, 330}}
	for _, p := range pts {
		fx, fy := fwd.Apply(p.X, p.Y)
		bx, by := inv.Apply(fx, fy)
		assert.InDelta(t, p.X, bx, 1e-6)
		assert.InDelta(t, p.Y, by, 1e-6)
	}
}

func TestInvertDegenerate(t *testing.T) {
	_, ok := Affine{}.Invert()
	assert.False(t, ok)
}

func TestComposeWithInverseIsIdentity(t *testing.T) {
	fwd := Affine{A: 2, B: 0.5, Tx: 10, C: -0.5, D: 2, Ty: 5}
	inv, ok := fwd.Invert()
	require.True(t, ok)

	id := inv.Compose(fwd)
	x, y := id.Apply(12, 34)
	assert.InDelta(t, 12.0, x, 1e-9)
	assert.InDelta(t, 34.0, y, 1e-9)
}

func TestEstimateSimilarityExact(t *testing.T) {
	// Known similarity: rotate 45°, scale 2, translate (5, 9)
	theta := math.Pi / 4
	s := 2.0
	want := Affine{
		A: s * math.Cos(theta), B: -s * math.Sin(theta), Tx: 5,
		C: s * math.Sin(theta), D: s * math.Cos(theta), Ty: 9,
	}

	src := []Point2{{38.3, 51.7}, {73.5, 51.5}, {56.0, 71.7}, {41.5, 92.4}, {70.7, 92.2}}
	dst := make([]Point2, len(src))
	for i, p := range src {
		x, y := want.Apply(p.X, p.Y)
		dst[i] = Point2{X: x, Y: y}
	}

	got, err := EstimateSimilarity(src, dst)
	require.NoError(t, err)

	for _, p := range src {
		wx, wy := want.Apply(p.X, p.Y)
		gx, gy := got.Apply(p.X, p.Y)
		assert.InDelta(t, wx, gx, 1e-6)
		assert.InDelta(t, wy, gy, 1e-6)
	}

	// Similarity transforms stay invertible.
	inv, ok := got.Invert()
	require.True(t, ok)
	for _, p := range dst {
		ix, iy := inv.Apply(p.X, p.Y)
		fx, fy := got.Apply(ix, iy)
		assert.InDelta(t, p.X, fx, 1e-6)
		assert.InDelta(t, p.Y, fy, 1e-6)
	}
}

func TestEstimateSimilarityErrors(t *testing.T) {
	_, err := EstimateSimilarity([]Point2{{1, 1}}, []Point2{{1, 1}, {2, 2}})
	assert.Error(t, err)

	_, err = EstimateSimilarity([]Point2{{1, 1}}, []Point2{{2, 2}})
	assert.Error(t, err)

	// All source points identical
	_, err = EstimateSimilarity(
		[]Point2{{3, 3}, {3, 3}, {3, 3}},
		[]Point2{{1, 0}, {0, 1}, {1, 1}},
	)
	assert.Error(t, err)
}
