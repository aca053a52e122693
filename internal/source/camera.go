// Package source produces the raw frame stream for the pipeline, either from
// a live capture device or from a video file replayed at its native rate.
package source

import (
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/frame"
)

// Camera reads frames from a capture device. Each Read hands out a freshly
// owned buffer; the caller releases it.
type Camera struct {
	deviceID int
	width    int
	height   int
	log      *zap.Logger

	mu     sync.Mutex
	webcam *gocv.VideoCapture
}

// CameraOptions configures the capture device.
type CameraOptions struct {
	DeviceID  int
	Width     int // requested; device may negotiate down
	Height    int
	TargetFPS int
}

// OpenCamera opens the capture device and negotiates resolution.
func OpenCamera(opts CameraOptions, log *zap.Logger) (*Camera, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 720
	}

	webcam, err := gocv.OpenVideoCapture(opts.DeviceID)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture device %d", opts.DeviceID)
	}

	webcam.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
	webcam.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	if opts.TargetFPS > 0 {
		webcam.Set(gocv.VideoCaptureFPS, float64(opts.TargetFPS))
	}

	// The device may not honor the requested mode.
	actualWidth := int(webcam.Get(gocv.VideoCaptureFrameWidth))
	actualHeight := int(webcam.Get(gocv.VideoCaptureFrameHeight))

	log.Info("capture device opened",
		zap.Int("device_id", opts.DeviceID),
		zap.Int("width", actualWidth),
		zap.Int("height", actualHeight))

	return &Camera{
		deviceID: opts.DeviceID,
		width:    actualWidth,
		height:   actualHeight,
		log:      log,
		webcam:   webcam,
	}, nil
}

// Read captures the next frame. Returns io.EOF once the device is closed.
func (c *Camera) Read() (*frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcam == nil {
		return nil, io.EOF
	}

	img := gocv.NewMat()
	if ok := c.webcam.Read(&img); !ok {
		img.Close()
		return nil, errors.Newf("capture device %d returned no frame", c.deviceID)
	}
	if img.Empty() {
		img.Close()
		return nil, errors.Newf("capture device %d returned an empty frame", c.deviceID)
	}

	return &frame.Frame{
		Image:      &img,
		Width:      img.Cols(),
		Height:     img.Rows(),
		CapturedAt: time.Now(),
	}, nil
}

// Width returns the negotiated frame width.
func (c *Camera) Width() int { return c.width }

// Height returns the negotiated frame height.
func (c *Camera) Height() int { return c.height }

// Close releases the capture device. Subsequent Reads return io.EOF.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcam == nil {
		return nil
	}
	err := c.webcam.Close()
	c.webcam = nil
	return err
}
