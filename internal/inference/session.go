// Package inference wraps the ONNX Runtime environment and sessions.
//
// The runtime environment is process-global and initialized once; every model
// in the pipeline (detector, encoder, swap generator) runs through a Session
// created here. The accelerator context lives inside the sessions and is never
// touched by other stages.
package inference

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	initialized bool
	initMu      sync.Mutex
)

// Initialize sets up the ONNX Runtime environment (call once at startup).
// libraryPath may be empty, in which case the LIVESWAP_ORT_LIB environment
// variable and then the loader's default search path are used.
func Initialize(libraryPath string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return nil
	}

	if libraryPath == "" {
		libraryPath = os.Getenv("LIVESWAP_ORT_LIB")
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize ONNX Runtime")
	}

	initialized = true
	return nil
}

// Shutdown cleans up the ONNX Runtime environment.
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()

	if !initialized {
		return nil
	}

	if err := ort.DestroyEnvironment(); err != nil {
		return err
	}

	initialized = false
	return nil
}

// Session wraps an ONNX Runtime inference session for one model file.
type Session struct {
	session     *ort.DynamicAdvancedSession
	modelPath   string
	inputNames  []string
	outputNames []string
}

// NewSession creates an inference session from an ONNX model, preferring an
// accelerated execution provider and falling back to CPU.
func NewSession(modelPath string, inputNames, outputNames []string) (*Session, error) {
	initMu.Lock()
	ok := initialized
	initMu.Unlock()
	if !ok {
		return nil, errors.New("ONNX Runtime not initialized, call Initialize() first")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	// Accelerated provider is best-effort; CPU execution is always valid.
	if err := options.AppendExecutionProviderCoreML(0); err != nil {
		zap.L().Debug("accelerated execution provider unavailable, using CPU",
			zap.String("model", modelPath), zap.Error(err))
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, errors.Wrapf(err, "create session for %s", modelPath)
	}

	return &Session{
		session:     session,
		modelPath:   modelPath,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// ModelPath returns the model file this session was created from.
func (s *Session) ModelPath() string {
	return s.modelPath
}

// Run executes inference with the given inputs.
func (s *Session) Run(inputs []ort.Value, outputs []ort.Value) error {
	return s.session.Run(inputs, outputs)
}

// Destroy releases session resources.
func (s *Session) Destroy() error {
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}

// CreateTensor creates a tensor with the given shape and data.
func CreateTensor[T ort.TensorData](shape []int64, data []T) (*ort.Tensor[T], error) {
	return ort.NewTensor(ort.NewShape(shape...), data)
}

// CreateEmptyTensor creates an uninitialized tensor for output.
func CreateEmptyTensor[T ort.TensorData](shape []int64) (*ort.Tensor[T], error) {
	size := int64(1)
	for _, dim := range shape {
		size *= dim
	}
	data := make([]T, size)
	return ort.NewTensor(ort.NewShape(shape...), data)
}
