package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowEnqueueKeepsNewestFrame(t *testing.T) {
	w := &Window{frames: make(chan previewFrame, 1)}

	older := time.Now().Add(-time.Second)
	newer := time.Now()
	w.enqueue(previewFrame{captured: older})
	w.enqueue(previewFrame{captured: newer})

	pf := <-w.frames
	assert.Equal(t, newer, pf.captured)

	select {
	case <-w.frames:
		t.Fatal("only the newest frame should be pending")
	default:
	}
}

func TestWindowPumpStops(t *testing.T) {
	w := &Window{frames: make(chan previewFrame, 1)}

	stop := make(chan struct{})
	close(stop)

	done := make(chan struct{})
	go func() {
		w.Pump(stop)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after stop")
	}
}
