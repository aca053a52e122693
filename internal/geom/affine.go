// Package geom provides the 2D transform math used for face alignment.
package geom

import (
	"math"

	"github.com/cockroachdb/errors"
)

// Affine is a 2x3 affine transform in row-major order:
//
//	[ A B Tx ]
//	[ C D Ty ]
type Affine struct {
	A, B, Tx float64
	C, D, Ty float64
}

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{A: 1, D: 1}
}

// Apply maps a point through the transform.
func (t Affine) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.B*y + t.Tx, t.C*x + t.D*y + t.Ty
}

// Det returns the determinant of the linear part.
func (t Affine) Det() float64 {
	return t.A*t.D - t.B*t.C
}

// Invert returns the inverse transform. ok is false when the transform is
// degenerate (zero or near-zero determinant).
func (t Affine) Invert() (inv Affine, ok bool) {
	det := t.Det()
	if math.Abs(det) < 1e-12 {
		return Affine{}, false
	}
	inv.A = t.D / det
	inv.B = -t.B / det
	inv.C = -t.C / det
	inv.D = t.A / det
	inv.Tx = -(inv.A*t.Tx + inv.B*t.Ty)
	inv.Ty = -(inv.C*t.Tx + inv.D*t.Ty)
	return inv, true
}

// Compose returns the transform that applies o first, then t.
func (t Affine) Compose(o Affine) Affine {
	return Affine{
		A:  t.A*o.A + t.B*o.C,
		B:  t.A*o.B + t.B*o.D,
		Tx: t.A*o.Tx + t.B*o.Ty + t.Tx,
		C:  t.C*o.A + t.D*o.C,
		D:  t.C*o.B + t.D*o.D,
		Ty: t.C*o.Tx + t.D*o.Ty + t.Ty,
	}
}

// Point2 is a 2D point in float64 precision.
type Point2 struct {
	X, Y float64
}

// EstimateSimilarity computes a 2D similarity transform (rotation, uniform
// scale, translation) mapping src points onto dst points by least squares.
// Requires at least two point pairs.
func EstimateSimilarity(src, dst []Point2) (Affine, error) {
	if len(src) != len(dst) {
		return Affine{}, errors.Newf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 2 {
		return Affine{}, errors.New("need at least 2 point pairs")
	}

	n := float64(len(src))

	// Centroids
	var srcCx, srcCy, dstCx, dstCy float64
	for i := range src {
		srcCx += src[i].X
		srcCy += src[i].Y
		dstCx += dst[i].X
		dstCy += dst[i].Y
	}
	srcCx /= n
	srcCy /= n
	dstCx /= n
	dstCy /= n

	// Centered norms and cross-covariance
	var srcNorm, dstNorm float64
	var a11, a12, a21, a22 float64
	for i := range src {
		sx := src[i].X - srcCx
		sy := src[i].Y - srcCy
		dx := dst[i].X - dstCx
		dy := dst[i].Y - dstCy

		srcNorm += sx*sx + sy*sy
		dstNorm += dx*dx + dy*dy

		a11 += sx * dx
		a12 += sx * dy
		a21 += sy * dx
		a22 += sy * dy
	}

	if srcNorm < 1e-12 {
		return Affine{}, errors.New("degenerate source points")
	}

	srcNorm = math.Sqrt(srcNorm)
	dstNorm = math.Sqrt(dstNorm)

	// cos(θ) ∝ a11 + a22, sin(θ) ∝ a21 - a12
	norm := math.Hypot(a11+a22, a21-a12)
	if norm < 1e-10 {
		norm = 1
	}
	cosTheta := (a11 + a22) / norm
	sinTheta := (a21 - a12) / norm

	scale := dstNorm / srcNorm

	t := Affine{
		A: scale * cosTheta,
		B: -scale * sinTheta,
		C: scale * sinTheta,
		D: scale * cosTheta,
	}
	// Translation: dstC - scale * R * srcC
	t.Tx = dstCx - (t.A*srcCx + t.B*srcCy)
	t.Ty = dstCy - (t.C*srcCx + t.D*srcCy)

	return t, nil
}
