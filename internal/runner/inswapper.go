package runner

import (
	"image"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/inference"
)

const inswapperSize = 128

// emapFile sits next to the model artifact when the latent projection is not
// baked into the graph.
const emapFile = "emap.bin"

// Inswapper is the inswapper-family swap model: it takes a 128x128 aligned
// target crop plus a 512-dim source identity embedding and synthesizes the
// substituted face. Implements Model.
type Inswapper struct {
	session   *inference.Session
	name      string
	embedding *Embedding
}

// NewInswapper creates a swap model bound to a source identity embedding.
// When an emap file sits next to the artifact, the embedding is projected
// into the generator's latent space; otherwise the projection is assumed to
// be part of the graph and the embedding is fed as-is.
func NewInswapper(name, modelPath string, embedding *Embedding) (*Inswapper, error) {
	inputNames := []string{"target", "source"}
	outputNames := []string{"output"}

	session, err := inference.NewSession(modelPath, inputNames, outputNames)
	if err != nil {
		return nil, errors.Wrap(err, "create inswapper session")
	}

	emapPath := filepath.Join(filepath.Dir(modelPath), emapFile)
	if _, statErr := os.Stat(emapPath); statErr == nil {
		emap, err := LoadEmap(emapPath)
		if err != nil {
			_ = session.Destroy()
			return nil, err
		}
		embedding = emap.Project(embedding)
	}

	return &Inswapper{
		session:   session,
		name:      name,
		embedding: embedding,
	}, nil
}

// Name returns the model artifact name.
func (s *Inswapper) Name() string {
	return s.name
}

// CropSize returns the canonical crop edge length the model expects.
func (s *Inswapper) CropSize() int {
	return inswapperSize
}

// Run synthesizes the swapped face for one aligned crop. Inputs are
// normalized to the model's [0,1] RGB range; outputs are clamped back to a
// valid image range. The mask is nil: the compositor derives the blend mask
// from landmark geometry.
func (s *Inswapper) Run(crop *gocv.Mat) (*gocv.Mat, *gocv.Mat, error) {
	if crop.Rows() != inswapperSize || crop.Cols() != inswapperSize {
		return nil, nil, errors.Wrapf(ErrShape, "expected %dx%d crop, got %dx%d",
			inswapperSize, inswapperSize, crop.Cols(), crop.Rows())
	}

	targetData := preprocessTarget(*crop)

	targetTensor, err := ort.NewTensor(ort.NewShape(1, 3, inswapperSize, inswapperSize), targetData)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create target tensor")
	}
	defer targetTensor.Destroy()

	sourceTensor, err := ort.NewTensor(ort.NewShape(1, 512), s.embedding[:])
	if err != nil {
		return nil, nil, errors.Wrap(err, "create source tensor")
	}
	defer sourceTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 3, inswapperSize, inswapperSize})
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

	result := postprocessOutput(outputTensor.GetData())
	return result, nil, nil
}

// Close releases the model session.
func (s *Inswapper) Close() error {
	return s.session.Destroy()
}

// preprocessTarget converts the BGR crop to normalized RGB NCHW, matching the
// insightface convention: blobFromImage(img, 1/255, size, 0, swapRB=true).
func preprocessTarget(img gocv.Mat) []float32 {
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(inswapperSize, inswapperSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	return bytesToFloat32(blob.ToBytes())
}

// postprocessOutput converts NCHW [0,1] RGB output back to an 8-bit BGR image,
// clamping out-of-range values.
func postprocessOutput(data []float32) *gocv.Mat {
	result := gocv.NewMatWithSize(inswapperSize, inswapperSize, gocv.MatTypeCV8UC3)

	const plane = inswapperSize * inswapperSize
	for y := 0; y < inswapperSize; y++ {
		for x := 0; x < inswapperSize; x++ {
			i := y*inswapperSize + x
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

func clampByte(v float32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
