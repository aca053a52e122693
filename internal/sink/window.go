// Package sink consumes composited frames: an on-screen preview window, a
// video file writer, and a null sink for headless benchmarking.
package sink

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/frame"
)

// Window shows composited frames in a preview window with an FPS overlay.
// The pipeline's sink worker hands frames over via Write; the highgui calls
// themselves happen in Pump, which the caller must run on the locked main OS
// thread — AppKit refuses UI work anywhere else.
type Window struct {
	window *gocv.Window
	onKey  func(key int)
	frames chan previewFrame

	// display-loop state, touched only inside Pump
	lastTick   time.Time
	frameCount int
	fps        float64

	mu     sync.Mutex
	closed bool
}

type previewFrame struct {
	img      *gocv.Mat
	captured time.Time
}

func (p previewFrame) release() {
	if p.img != nil {
		p.img.Close()
	}
}

// NewWindow opens a preview window. onKey, when non-nil, receives every key
// pressed while the window has focus; -1 polls are filtered out. Key
// callbacks fire on the Pump goroutine.
func NewWindow(title string, onKey func(key int)) *Window {
	w := gocv.NewWindow(title)
	w.ResizeWindow(1280, 720)
	w.MoveWindow(100, 100)
	return &Window{
		window:   w,
		onKey:    onKey,
		frames:   make(chan previewFrame, 1),
		lastTick: time.Now(),
	}
}

// Write hands the frame to the display loop. The newest frame wins: a slow
// display drops the stale preview frame instead of backpressuring the
// pipeline.
func (w *Window) Write(c *frame.CompositedFrame) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return errors.New("preview window closed")
	}
	if c.Image == nil {
		return errors.New("nil image buffer at preview window")
	}

	img := c.Image.Clone()
	w.enqueue(previewFrame{img: &img, captured: c.CapturedAt})
	return nil
}

// enqueue replaces any pending frame with the new one.
func (w *Window) enqueue(pf previewFrame) {
	for {
		select {
		case w.frames <- pf:
			return
		default:
		}
		select {
		case old := <-w.frames:
			old.release()
		default:
		}
	}
}

// Pump runs the display loop until stop closes. Must run on the main OS
// thread.
func (w *Window) Pump(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case pf := <-w.frames:
			w.display(pf)
		}
	}
}

func (w *Window) display(pf previewFrame) {
	defer pf.release()

	w.frameCount++
	now := time.Now()
	if elapsed := now.Sub(w.lastTick); elapsed >= time.Second {
		w.fps = float64(w.frameCount) / elapsed.Seconds()
		w.frameCount = 0
		w.lastTick = now
	}

	overlay := fmt.Sprintf("FPS: %.1f  latency: %dms", w.fps, time.Since(pf.captured).Milliseconds())
	gocv.PutText(pf.img, overlay, image.Pt(10, 30),
		gocv.FontHersheyPlain, 2, color.RGBA{G: 255, A: 255}, 2)

	w.window.IMShow(*pf.img)
	if key := w.window.WaitKey(1); key >= 0 && w.onKey != nil {
		w.onKey(key)
	}
}

// Close destroys the window and drops any undisplayed frame.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for {
		select {
		case pf := <-w.frames:
			pf.release()
		default:
			return w.window.Close()
		}
	}
}
