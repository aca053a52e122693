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

// File replays a video file. With pacing enabled it sleeps between frames to
// match the file's native rate, so downstream behaves as it would on a live
// stream; without pacing it reads as fast as the decoder allows.
type File struct {
	path   string
	loop   bool
	paced  bool
	period time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
	next    time.Time
}

// FileOptions configures file playback.
type FileOptions struct {
	Path     string
	Loop     bool // rewind at end of stream instead of returning io.EOF
	Realtime bool // pace reads to the file's native frame rate
}

// OpenFile opens the video file for playback.
func OpenFile(opts FileOptions, log *zap.Logger) (*File, error) {
	if log == nil {
		log = zap.NewNop()
	}

	capture, err := gocv.VideoCaptureFile(opts.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open video file %s", opts.Path)
	}

	f := &File{
		path:    opts.Path,
		loop:    opts.Loop,
		paced:   opts.Realtime,
		log:     log,
		capture: capture,
	}

	if opts.Realtime {
		fps := capture.Get(gocv.VideoCaptureFPS)
		if fps <= 0 {
			fps = 30
		}
		f.period = time.Duration(float64(time.Second) / fps)
	}

	log.Info("video file opened",
		zap.String("path", opts.Path),
		zap.Bool("loop", opts.Loop),
		zap.Duration("frame_period", f.period))

	return f, nil
}

// Read decodes the next frame, rewinding at end of stream when looping.
// Returns io.EOF when the stream is exhausted or the file is closed.
func (f *File) Read() (*frame.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.capture == nil {
		return nil, io.EOF
	}

	f.pace()

	img := gocv.NewMat()
	if ok := f.capture.Read(&img); !ok || img.Empty() {
		img.Close()
		if !f.loop {
			return nil, io.EOF
		}
		f.capture.Set(gocv.VideoCapturePosFrames, 0)
		img = gocv.NewMat()
		if ok := f.capture.Read(&img); !ok || img.Empty() {
			img.Close()
			return nil, errors.Newf("rewind of %s produced no frame", f.path)
		}
	}

	return &frame.Frame{
		Image:      &img,
		Width:      img.Cols(),
		Height:     img.Rows(),
		CapturedAt: time.Now(),
	}, nil
}

// pace sleeps until the next frame deadline. Deadlines accumulate from the
// previous one rather than from now, so decode jitter does not drift the rate.
func (f *File) pace() {
	if !f.paced {
		return
	}
	now := time.Now()
	if f.next.IsZero() || now.Sub(f.next) > f.period {
		f.next = now
	}
	if wait := f.next.Sub(now); wait > 0 {
		time.Sleep(wait)
	}
	f.next = f.next.Add(f.period)
}

// Close releases the decoder. Subsequent Reads return io.EOF.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.capture == nil {
		return nil
	}
	err := f.capture.Close()
	f.capture = nil
	return err
}
