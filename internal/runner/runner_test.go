package runner

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/frame"
)

// fakeModel blocks inside Run until released, to exercise handle retirement
// with an in-flight inference.
type fakeModel struct {
	name     string
	cropSize int

	mu      sync.Mutex
	closed  bool
	block   chan struct{} // when non-nil, Run waits on it
	started chan struct{} // signaled when Run begins
}

func (m *fakeModel) Name() string  { return m.name }
func (m *fakeModel) CropSize() int { return m.cropSize }

func (m *fakeModel) Run(crop *gocv.Mat) (*gocv.Mat, *gocv.Mat, error) {
	if m.started != nil {
		close(m.started)
		m.started = nil
	}
	if m.block != nil {
		<-m.block
	}
	return nil, nil, nil
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func crop(seq uint64, size int) *frame.AlignedCrop {
	return &frame.AlignedCrop{Size: size, Seq: seq}
}

func TestInferWithoutModel(t *testing.T) {
	r := New()
	_, err := r.Infer(crop(1, 128))
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestInferStampsSeqAndGeneration(t *testing.T) {
	r := New()
	h := NewHandle(&fakeModel{name: "a", cropSize: 128})
	r.SetHandle(h)

	res, err := r.Infer(crop(42, 128))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.Seq)
	assert.Equal(t, h.Generation(), res.Generation)
}

func TestShapeMismatchIsFatalError(t *testing.T) {
	r := New()
	r.SetHandle(NewHandle(&fakeModel{name: "a", cropSize: 128}))

	_, err := r.Infer(crop(1, 256))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestHotSwapUsesCapturedHandle(t *testing.T) {
	r := New()

	oldModel := &fakeModel{
		name:     "old",
		cropSize: 128,
		block:    make(chan struct{}),
		started:  make(chan struct{}),
	}
	oldHandle := NewHandle(oldModel)
	r.SetHandle(oldHandle)

	started := oldModel.started
	release := oldModel.block

	type result struct {
		res *frame.SwapResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := r.Infer(crop(7, 128))
		done <- result{res, err}
	}()

	// Swap models while the first inference is in flight.
	<-started
	newModel := &fakeModel{name: "new", cropSize: 128}
	newHandle := NewHandle(newModel)
	r.SetHandle(newHandle)

	// Old model must not close under the in-flight call.
	assert.False(t, oldModel.isClosed())

	close(release)
	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, oldHandle.Generation(), got.res.Generation)

	// Retired handle closes once its last in-flight call returns.
	require.Eventually(t, oldModel.isClosed, time.Second, time.Millisecond)

	// Subsequent calls observe the new handle.
	res, err := r.Infer(crop(8, 128))
	require.NoError(t, err)
	assert.Equal(t, newHandle.Generation(), res.Generation)
	assert.False(t, newModel.isClosed())
}

func TestSwapWhenIdleClosesOldImmediately(t *testing.T) {
	r := New()
	oldModel := &fakeModel{name: "old", cropSize: 128}
	r.SetHandle(NewHandle(oldModel))
	r.SetHandle(NewHandle(&fakeModel{name: "new", cropSize: 128}))

	assert.True(t, oldModel.isClosed())
}

func TestCloseRetiresActiveHandle(t *testing.T) {
	r := New()
	m := &fakeModel{name: "m", cropSize: 128}
	r.SetHandle(NewHandle(m))

	r.Close()
	assert.True(t, m.isClosed())
	assert.Nil(t, r.Handle())

	_, err := r.Infer(crop(1, 128))
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestGenerationsAreUnique(t *testing.T) {
	a := NewHandle(&fakeModel{name: "a", cropSize: 128})
	b := NewHandle(&fakeModel{name: "b", cropSize: 128})
	assert.NotEqual(t, a.Generation(), b.Generation())
}
