package runner

import (
	"image"
	"math"

	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/inference"
)

const simswapSize = 512

// SimSwap is the SimSwap-family swap model. It works on 512x512 crops and
// takes the raw L2-normalized identity embedding, no latent projection.
// Implements Model.
type SimSwap struct {
	session   *inference.Session
	name      string
	embedding Embedding
}

// NewSimSwap creates a SimSwap model bound to a source identity embedding.
func NewSimSwap(name, modelPath string, embedding *Embedding) (*SimSwap, error) {
	inputNames := []string{"target", "source"}
	outputNames := []string{"output"}

	session, err := inference.NewSession(modelPath, inputNames, outputNames)
	if err != nil {
		return nil, errors.Wrap(err, "create simswap session")
	}

	s := &SimSwap{
		session: session,
		name:    name,
	}
	s.embedding = l2Normalize(embedding)
	return s, nil
}

// Name returns the model artifact name.
func (s *SimSwap) Name() string {
	return s.name
}

// CropSize returns the canonical crop edge length the model expects.
func (s *SimSwap) CropSize() int {
	return simswapSize
}

// Run synthesizes the swapped face for one aligned crop. The mask is nil;
// the compositor derives the blend mask from landmark geometry.
func (s *SimSwap) Run(crop *gocv.Mat) (*gocv.Mat, *gocv.Mat, error) {
	if crop.Rows() != simswapSize || crop.Cols() != simswapSize {
		return nil, nil, errors.Wrapf(ErrShape, "expected %dx%d crop, got %dx%d",
			simswapSize, simswapSize, crop.Cols(), crop.Rows())
	}

	blob := gocv.BlobFromImage(*crop, 1.0/255.0, image.Pt(simswapSize, simswapSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	targetData := bytesToFloat32(blob.ToBytes())
	blob.Close()

	targetTensor, err := ort.NewTensor(ort.NewShape(1, 3, simswapSize, simswapSize), targetData)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create target tensor")
	}
	defer targetTensor.Destroy()

	sourceTensor, err := ort.NewTensor(ort.NewShape(1, 512), s.embedding[:])
	if err != nil {
		return nil, nil, errors.Wrap(err, "create source tensor")
	}
	defer sourceTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 3, simswapSize, simswapSize})
	if err != nil {
		return nil, nil, errors.Wrap(err, "create output tensor")
	}
	defer outputTensor.Destroy()

	err = s.session.Run(
		[]ort.Value{targetTensor, sourceTensor},
		[]ort.Value{outputTensor},
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "inference")
	}

	result := simswapOutput(outputTensor.GetData())
	return result, nil, nil
}

// Close releases the model session.
func (s *SimSwap) Close() error {
	return s.session.Destroy()
}

func l2Normalize(embedding *Embedding) Embedding {
	var out Embedding
	var sum float64
	for _, v := range embedding {
		sum += float64(v * v)
	}
	norm := float32(math.Sqrt(sum))
	if norm == 0 {
		return *embedding
	}
	for i, v := range embedding {
		out[i] = v / norm
	}
	return out
}

// simswapOutput converts NCHW [0,1] RGB output back to an 8-bit BGR image.
func simswapOutput(data []float32) *gocv.Mat {
	result := gocv.NewMatWithSize(simswapSize, simswapSize, gocv.MatTypeCV8UC3)

	const plane = simswapSize * simswapSize
	for y := 0; y < simswapSize; y++ {
		for x := 0; x < simswapSize; x++ {
			i := y*simswapSize + x
			r := clampByte(data[i] * 255.0)
			g := clampByte(data[plane+i] * 255.0)
			b := clampByte(data[2*plane+i] * 255.0)

			result.SetUCharAt(y, x*3+0, b)
			result.SetUCharAt(y, x*3+1, g)
			result.SetUCharAt(y, x*3+2, r)
		}
	}

	return &result
}
