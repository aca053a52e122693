package sink

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/frame"
)

// VideoWriter encodes composited frames to a video file. The container is
// opened lazily on the first frame, since the output dimensions are only
// known then.
type VideoWriter struct {
	path  string
	fps   float64
	codec string
	log   *zap.Logger

	mu     sync.Mutex
	writer *gocv.VideoWriter
	frames uint64
	closed bool
}

// NewVideoWriter prepares a writer targeting path. fps defaults to 30.
func NewVideoWriter(path string, fps float64, log *zap.Logger) *VideoWriter {
	if fps <= 0 {
		fps = 30
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &VideoWriter{
		path:  path,
		fps:   fps,
		codec: "avc1",
		log:   log,
	}
}

// Write encodes one frame.
func (v *VideoWriter) Write(c *frame.CompositedFrame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("video writer closed")
	}
	if c.Image == nil {
		return errors.New("nil image buffer at video writer")
	}

	if v.writer == nil {
		w, err := gocv.VideoWriterFile(v.path, v.codec, v.fps,
			c.Image.Cols(), c.Image.Rows(), true)
		if err != nil {
			return errors.Wrapf(err, "open video writer %s", v.path)
		}
		v.writer = w
		v.log.Info("video writer opened",
			zap.String("path", v.path),
			zap.Int("width", c.Image.Cols()),
			zap.Int("height", c.Image.Rows()),
			zap.Float64("fps", v.fps))
	}

	if err := v.writer.Write(*c.Image); err != nil {
		return errors.Wrapf(err, "encode frame %d", c.Seq)
	}
	v.frames++
	return nil
}

// Frames returns the number of frames encoded so far.
func (v *VideoWriter) Frames() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frames
}

// Close finalizes the container.
func (v *VideoWriter) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	if v.writer == nil {
		return nil
	}
	v.log.Info("video writer closed", zap.Uint64("frames", v.frames))
	return v.writer.Close()
}
