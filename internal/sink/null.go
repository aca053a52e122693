package sink

import (
	"sync/atomic"

	"github.com/visagelab/liveswap/internal/frame"
)

// Null discards frames while counting them. Useful for throughput
// benchmarking without display or encode overhead.
type Null struct {
	frames atomic.Uint64
}

// NewNull creates a counting discard sink.
func NewNull() *Null {
	return &Null{}
}

// Write discards the frame.
func (n *Null) Write(c *frame.CompositedFrame) error {
	n.frames.Add(1)
	return nil
}

// Frames returns the number of frames discarded.
func (n *Null) Frames() uint64 {
	return n.frames.Load()
}

// Close is a no-op.
func (n *Null) Close() error {
	return nil
}
