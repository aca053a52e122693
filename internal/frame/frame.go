// Package frame defines the artifacts handed between pipeline stages.
//
// A Frame and everything derived from it carries the sequence number of the
// capture it originated from, so stages can discard stale work after a
// configuration change or a dropped frame. Pixel buffers are owned by exactly
// one stage at a time; ownership transfers on hand-off, and whichever stage
// drops an artifact is responsible for releasing it.
package frame

import (
	"time"

	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/geom"
)

// Frame is one timestamped image from the input stream.
type Frame struct {
	Image      *gocv.Mat // BGR 8UC3
	Width      int
	Height     int
	Seq        uint64
	Epoch      uint64 // configuration generation at capture time
	CapturedAt time.Time
}

// Release frees the pixel buffer. Safe to call more than once.
func (f *Frame) Release() {
	if f == nil || f.Image == nil {
		return
	}
	f.Image.Close()
	f.Image = nil
}

// AlignedCrop is a fixed-size canonical-pose crop plus the forward transform
// that produced it. The transform is a similarity and therefore invertible.
type AlignedCrop struct {
	Image     *gocv.Mat // canonical BGR crop, Size x Size
	Size      int
	Transform geom.Affine // frame coordinates -> crop coordinates
	Region    FaceRegion
	Seq       uint64
}

// Release frees the crop buffer. Safe to call more than once.
func (c *AlignedCrop) Release() {
	if c == nil || c.Image == nil {
		return
	}
	c.Image.Close()
	c.Image = nil
}

// SwapResult is the synthesized face paired 1:1 with the AlignedCrop that
// produced it. Generation records the model handle that ran the inference.
type SwapResult struct {
	Image      *gocv.Mat // synthesized BGR, same canonical size as the crop
	Mask       *gocv.Mat // 8U opacity mask, same size; nil means full opacity
	Generation uint64
	Seq        uint64
}

// Release frees the result buffers. Safe to call more than once.
func (s *SwapResult) Release() {
	if s == nil {
		return
	}
	if s.Image != nil {
		s.Image.Close()
		s.Image = nil
	}
	if s.Mask != nil {
		s.Mask.Close()
		s.Mask = nil
	}
}

// CompositedFrame is the final output buffer, tagged with the originating
// sequence number for end-to-end latency measurement.
type CompositedFrame struct {
	Image      *gocv.Mat
	Seq        uint64
	CapturedAt time.Time
	Swapped    bool // false when the frame passed through untouched
}

// Release frees the output buffer. Safe to call more than once.
func (c *CompositedFrame) Release() {
	if c == nil || c.Image == nil {
		return
	}
	c.Image.Close()
	c.Image = nil
}

// Latency is the end-to-end time from capture to now.
func (c *CompositedFrame) Latency() time.Duration {
	return time.Since(c.CapturedAt)
}
