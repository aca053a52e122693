// Package compositor warps the synthesized face back into source-frame
// geometry and blends it over the original pixels.
//
// The optional adjustments (color matching, mask feathering) are a static
// ordered list of steps selected at configuration time, applied left to
// right before the final masked blend. A frame with no face passes through
// with its pixels untouched.
package compositor

import (
	"image"
	"image/color"
	"math"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/frame"
)

// Config selects the optional compositing steps.
type Config struct {
	ColorMatch    bool // LAB mean/variance matching against the target frame
	FeatherRadius int  // mask blur radius in px; 0 disables feathering
	MaskErosion   int  // erosion kernel size in px; 0 disables erosion
}

// Step is one optional transform over (frame, warped face, mask).
type Step func(frameImg, warped, mask *gocv.Mat)

// Compositor merges swap results into frames.
type Compositor struct {
	cfg   Config
	steps []Step
	soft  bool // feathered masks need a weighted blend, not a binary copy
	log   *zap.Logger
}

// New builds a compositor, fixing the step order at configuration time:
// color match first (it samples frame statistics), then mask shaping.
func New(cfg Config, log *zap.Logger) *Compositor {
	if log == nil {
		log = zap.NewNop()
	}

	c := &Compositor{cfg: cfg, soft: cfg.FeatherRadius > 0, log: log}
	if cfg.ColorMatch {
		c.steps = append(c.steps, colorTransfer)
	}
	if cfg.MaskErosion > 0 {
		c.steps = append(c.steps, erodeMask(cfg.MaskErosion))
	}
	if cfg.FeatherRadius > 0 {
		c.steps = append(c.steps, featherMask(cfg.FeatherRadius))
	}
	return c
}

// Merge composites the swap result into the frame. When crop is nil (no face
// this frame) the source pixels pass through unchanged. Merge takes ownership
// of the frame's buffer; the returned CompositedFrame wraps it.
func (c *Compositor) Merge(f *frame.Frame, crop *frame.AlignedCrop, swap *frame.SwapResult) (*frame.CompositedFrame, error) {
	if crop == nil || swap == nil {
		return c.passThrough(f), nil
	}

	// Never emit a frame built from mismatched artifacts.
	if crop.Seq != swap.Seq {
		return nil, errors.Newf("sequence mismatch: crop %d vs swap %d", crop.Seq, swap.Seq)
	}
	if crop.Seq != f.Seq {
		return nil, errors.Newf("sequence mismatch: frame %d vs crop %d", f.Seq, crop.Seq)
	}

	inv, ok := crop.Transform.Invert()
	if !ok {
		// Invariant violation upstream; pass the frame through rather than
		// emit garbage.
		c.log.Warn("alignment transform not invertible, passing frame through",
			zap.Uint64("seq", f.Seq))
		return c.passThrough(f), nil
	}

	invMat := frame.AffineMat(inv)
	defer invMat.Close()

	frameSize := image.Pt(f.Image.Cols(), f.Image.Rows())

	// Inverse warp back into frame coordinates. Regions that land outside
	// the frame are clipped by the warp itself.
	warped := gocv.NewMat()
	gocv.WarpAffine(*swap.Image, &warped, invMat, frameSize)
	defer warped.Close()

	mask := c.buildMask(f, crop, swap, invMat, frameSize)
	defer mask.Close()

	for _, step := range c.steps {
		step(f.Image, &warped, &mask)
	}

	// A feathered mask carries fractional opacity at the edge; a binary
	// copy-where-nonzero would collapse it back into a hard border.
	if c.soft {
		alphaBlend(f.Image, &warped, &mask)
	} else {
		warped.CopyToWithMask(f.Image, mask)
	}

	out := &frame.CompositedFrame{
		Image:      f.Image,
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt,
		Swapped:    true,
	}
	f.Image = nil
	return out, nil
}

func (c *Compositor) passThrough(f *frame.Frame) *frame.CompositedFrame {
	out := &frame.CompositedFrame{
		Image:      f.Image,
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt,
		Swapped:    false,
	}
	f.Image = nil
	return out
}

// buildMask produces the blend mask in frame coordinates: the model's own
// segmentation mask when present, otherwise an ellipse from the landmarks.
func (c *Compositor) buildMask(f *frame.Frame, crop *frame.AlignedCrop, swap *frame.SwapResult,
	invMat gocv.Mat, frameSize image.Point) gocv.Mat {

	if swap.Mask != nil {
		warpedMask := gocv.NewMat()
		gocv.WarpAffine(*swap.Mask, &warpedMask, invMat, frameSize)
		return warpedMask
	}
	return ellipseMask(frameSize.Y, frameSize.X, crop.Region.Landmarks)
}

// ellipseMask approximates the face area from the 5-point landmarks.
func ellipseMask(height, width int, landmarks frame.Landmarks) gocv.Mat {
	mask := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8U)

	centerX := (landmarks.LeftEye.X + landmarks.RightEye.X + landmarks.Nose.X +
		landmarks.LeftMouth.X + landmarks.RightMouth.X) / 5
	centerY := (landmarks.LeftEye.Y + landmarks.RightEye.Y + landmarks.Nose.Y +
		landmarks.LeftMouth.Y + landmarks.RightMouth.Y) / 5

	eyeDist := landmarks.RightEye.X - landmarks.LeftEye.X
	faceWidth := eyeDist * 2.5
	faceHeight := eyeDist * 3.0

	gocv.Ellipse(&mask,
		image.Pt(int(centerX), int(centerY)),
		image.Pt(int(faceWidth/2), int(faceHeight/2)),
		0, 0, 360,
		color.RGBA{R: 255, G: 255, B: 255, A: 255},
		-1,
	)

	return mask
}

// alphaBlend composites warped over dst weighted per pixel by the mask:
// out = alpha*warped + (1-alpha)*dst, with alpha the mask scaled to [0,1].
func alphaBlend(dst, warped, mask *gocv.Mat) {
	alpha := gocv.NewMat()
	defer alpha.Close()
	mask.ConvertToWithParams(&alpha, gocv.MatTypeCV32F, 1.0/255.0, 0)

	alpha3 := gocv.NewMat()
	defer alpha3.Close()
	gocv.CvtColor(alpha, &alpha3, gocv.ColorGrayToBGR)

	inv := gocv.NewMat()
	defer inv.Close()
	gocv.AddWeighted(alpha3, -1, alpha3, 0, 1, &inv)

	warpedF := gocv.NewMat()
	defer warpedF.Close()
	warped.ConvertTo(&warpedF, gocv.MatTypeCV32FC3)

	frameF := gocv.NewMat()
	defer frameF.Close()
	dst.ConvertTo(&frameF, gocv.MatTypeCV32FC3)

	gocv.Multiply(warpedF, alpha3, &warpedF)
	gocv.Multiply(frameF, inv, &frameF)
	gocv.Add(warpedF, frameF, &frameF)

	frameF.ConvertTo(dst, gocv.MatTypeCV8UC3)
}

// colorTransfer matches the warped face to the frame in LAB space. Mean and
// std are taken under the blend mask on both sides: the warped image is
// mostly black outside the face, and unmasked statistics would let that
// background wash the face out.
func colorTransfer(frameImg, warped, mask *gocv.Mat) {
	sourceLab := gocv.NewMat()
	defer sourceLab.Close()
	targetLab := gocv.NewMat()
	defer targetLab.Close()

	gocv.CvtColor(*warped, &sourceLab, gocv.ColorBGRToLab)
	gocv.CvtColor(*frameImg, &targetLab, gocv.ColorBGRToLab)

	sourceFloat := gocv.NewMat()
	defer sourceFloat.Close()
	sourceLab.ConvertTo(&sourceFloat, gocv.MatTypeCV32FC3)

	targetFloat := gocv.NewMat()
	defer targetFloat.Close()
	targetLab.ConvertTo(&targetFloat, gocv.MatTypeCV32FC3)

	channels := gocv.Split(sourceFloat)
	targetChannels := gocv.Split(targetFloat)
	resultChannels := make([]gocv.Mat, 3)
	for i := 0; i < 3; i++ {
		resultChannels[i] = gocv.NewMat()
		defer channels[i].Close()
		defer targetChannels[i].Close()
		defer resultChannels[i].Close()

		srcMean, srcStd := maskedMeanStd(channels[i], *mask)
		tgtMean, tgtStd := maskedMeanStd(targetChannels[i], *mask)

		if srcStd < 1e-6 {
			srcStd = 1e-6
		}

		scale := tgtStd / srcStd
		offset := tgtMean - srcMean*scale

		gocv.AddWeighted(channels[i], scale, channels[i], 0, offset, &resultChannels[i])
	}

	resultFloat := gocv.NewMat()
	defer resultFloat.Close()
	gocv.Merge(resultChannels, &resultFloat)

	resultLab := gocv.NewMat()
	defer resultLab.Close()
	resultFloat.ConvertTo(&resultLab, gocv.MatTypeCV8UC3)

	gocv.CvtColor(resultLab, warped, gocv.ColorLabToBGR)
}

// maskedMeanStd returns mean and standard deviation of a single-channel
// float Mat over the mask's nonzero pixels.
func maskedMeanStd(ch gocv.Mat, mask gocv.Mat) (mean, std float64) {
	m := ch.MeanWithMask(mask)

	sq := gocv.NewMat()
	defer sq.Close()
	gocv.Multiply(ch, ch, &sq)
	m2 := sq.MeanWithMask(mask)

	variance := m2.Val1 - m.Val1*m.Val1
	if variance < 0 {
		variance = 0
	}
	return m.Val1, math.Sqrt(variance)
}

// erodeMask shrinks the mask so the blend stays inside the face.
func erodeMask(size int) Step {
	return func(_, _, mask *gocv.Mat) {
		kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(size, size))
		defer kernel.Close()
		gocv.Erode(*mask, mask, kernel)
	}
}

// featherMask blurs the mask edge for a soft transition.
func featherMask(radius int) Step {
	ksize := radius
	if ksize%2 == 0 {
		ksize++
	}
	return func(_, _, mask *gocv.Mat) {
		gocv.GaussianBlur(*mask, mask, image.Pt(ksize, ksize), 0, 0, gocv.BorderDefault)
	}
}
