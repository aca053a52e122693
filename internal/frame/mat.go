package frame

import (
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/geom"
)

// AffineMat converts a geom.Affine into the 2x3 CV64F matrix form that
// gocv.WarpAffine expects. The caller owns the returned Mat.
func AffineMat(a geom.Affine) gocv.Mat {
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	m.SetDoubleAt(0, 0, a.A)
	m.SetDoubleAt(0, 1, a.B)
	m.SetDoubleAt(0, 2, a.Tx)
	m.SetDoubleAt(1, 0, a.C)
	m.SetDoubleAt(1, 1, a.D)
	m.SetDoubleAt(1, 2, a.Ty)
	return m
}
